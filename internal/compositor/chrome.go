package compositor

import "sync"

// Chrome colors, a small fixed palette distinct enough to assert on in
// tests without pulling in a font rasterizer; title text rendering
// belongs to userland toolkits.
const (
	chromeColorActiveTitle   = 0xFF2E3440
	chromeColorInactiveTitle = 0xFF4C566A
	chromeColorBorder        = 0xFF1B1E24
	chromeColorButtonClose   = 0xFFBF616A
	chromeColorButtonMin     = 0xFFEBCB8B
	chromeColorButtonMax    = 0xFFA3BE8C
)

// chromeBitmap is a pre-rendered WxH ARGB8888 overlay: border + title bar
// (including the three chrome buttons), with the content-area region left
// as zero; paintChrome skips those pixels rather than overwriting
// whatever the app has already Present'd there.
type chromeBitmap struct {
	w, h   int
	pixels []uint32
}

type chromeKey struct {
	w, h     int
	focused  bool
	title    string
	flags    uint32
}

// chromeCache is a small LRU of pre-rendered chrome bitmaps keyed by
// (size, focus state, title, flags) rather than one cached bitmap per
// window, so windows that agree on all four share one rendered bitmap.
type chromeCache struct {
	mu       sync.Mutex
	capacity int
	order    []chromeKey // most-recently-used at the end
	entries  map[chromeKey]*chromeBitmap
}

func newChromeCache(capacity int) *chromeCache {
	return &chromeCache{capacity: capacity, entries: make(map[chromeKey]*chromeBitmap)}
}

func (c *chromeCache) render(win *Window) *chromeBitmap {
	key := chromeKey{w: win.Layer.W, h: win.Layer.H, focused: win.Focused, title: win.Title, flags: win.Flags}

	c.mu.Lock()
	if bmp, ok := c.entries[key]; ok {
		c.touch(key)
		c.mu.Unlock()
		return bmp
	}
	c.mu.Unlock()

	bmp := renderChromeBitmap(win)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = bmp
	c.touch(key)
	return bmp
}

func (c *chromeCache) touch(key chromeKey) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, key)
}

// renderChromeBitmap paints a title bar, border, and three chrome buttons
// (close/min/max) into a WxH overlay. The content area is left zeroed so
// paintChrome can skip it.
func renderChromeBitmap(win *Window) *chromeBitmap {
	w, h := win.Layer.W, win.Layer.H
	bmp := &chromeBitmap{w: w, h: h, pixels: make([]uint32, w*h)}
	if win.Flags&WinFlagBorderless != 0 {
		return bmp
	}

	titleColor := uint32(chromeColorInactiveTitle)
	if win.Focused {
		titleColor = chromeColorActiveTitle
	}

	for y := 0; y < TitleBarHeight && y < h; y++ {
		for x := 0; x < w; x++ {
			bmp.pixels[y*w+x] = titleColor
		}
	}

	for x := 0; x < w; x++ {
		if TitleBarHeight < h {
			bmp.pixels[TitleBarHeight*w+x] = chromeColorBorder
		}
	}
	for y := 0; y < h; y++ {
		bmp.pixels[y*w+0] = chromeColorBorder
		bmp.pixels[y*w+w-1] = chromeColorBorder
	}
	for x := 0; x < w; x++ {
		bmp.pixels[(h-1)*w+x] = chromeColorBorder
	}

	drawChromeButton(bmp, w-20, 8, chromeColorButtonClose)
	drawChromeButton(bmp, w-40, 8, chromeColorButtonMax)
	drawChromeButton(bmp, w-60, 8, chromeColorButtonMin)

	return bmp
}

const chromeButtonSize = 12

func drawChromeButton(bmp *chromeBitmap, x, y int, color uint32) {
	for dy := 0; dy < chromeButtonSize; dy++ {
		for dx := 0; dx < chromeButtonSize; dx++ {
			px, py := x+dx, y+dy
			if px < 0 || py < 0 || px >= bmp.w || py >= bmp.h {
				continue
			}
			bmp.pixels[py*bmp.w+px] = color
		}
	}
}

// paintChrome applies bmp onto layer, skipping the content-area rect so
// pixels the app has already written via Present are left untouched.
func paintChrome(layer *Layer, bmp *chromeBitmap) {
	if layer.Pixels == nil || len(layer.Pixels) != bmp.w*bmp.h {
		return
	}
	contentX, contentY := BorderWidth, TitleBarHeight
	for y := 0; y < bmp.h; y++ {
		for x := 0; x < bmp.w; x++ {
			if x >= contentX && y >= contentY && x < bmp.w-BorderWidth && y < bmp.h-BorderWidth {
				continue
			}
			layer.Pixels[y*bmp.w+x] = bmp.pixels[y*bmp.w+x]
		}
	}
}
