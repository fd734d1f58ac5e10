package compositor

import (
	"context"
	"sync"
	"time"
)

// Desktop is the top-level compositor service: it owns the Compositor,
// the WindowManager, the command Dispatcher, mouse/keyboard input
// routing, the menubar clock, and wallpaper state. Font rendering and
// image decoding belong to userland toolkits, so the menubar clock and
// wallpaper paint flat color blocks standing in for what a font/image
// library would otherwise draw; the damage/compose/chrome machinery
// around them is the part this package owns.
type Desktop struct {
	mu sync.Mutex

	Compositor *Compositor
	Windows    *WindowManager
	Dispatcher *Dispatcher

	mouseX, mouseY int
	mouseButtons   uint32
	underCursor    int

	wallpaperPath    string
	wallpaperPending bool

	lastClockMinute int

	bgLayerID, menubarLayerID int
}

// NewDesktop wires a Desktop over an already-constructed Compositor/
// WindowManager/Dispatcher triple.
func NewDesktop(comp *Compositor, wm *WindowManager, dispatcher *Dispatcher) *Desktop {
	d := &Desktop{
		Compositor:      comp,
		Windows:         wm,
		Dispatcher:      dispatcher,
		lastClockMinute: -1,
	}
	if len(comp.layers) > 0 {
		d.bgLayerID = comp.layers[0].ID
	}
	if len(comp.layers) > 1 {
		d.menubarLayerID = comp.layers[1].ID
	}
	dispatcher.OnWallpaper(d.setWallpaperPath)
	w, h := comp.Dimensions()
	d.mouseX, d.mouseY = w/2, h/2
	return d
}

// Init draws the initial desktop (gradient background + menubar) and
// damages the whole screen, so frame 1 composes over an
// already-painted background.
func (d *Desktop) Init() {
	d.paintGradientBackground()
	d.paintMenubar()
	d.Compositor.DamageAll()
}

func (d *Desktop) paintGradientBackground() {
	pixels := d.Compositor.LayerPixels(d.bgLayerID)
	w, h := d.Compositor.Dimensions()
	if len(pixels) != w*h {
		return
	}
	for y := 0; y < h; y++ {
		t := y * 255 / max(h, 1)
		shade := 25 - min(t*10/255, 10)
		blueShade := 35 - min(t*10/255, 10)
		color := packARGB(255, shade, shade, blueShade)
		for x := 0; x < w; x++ {
			pixels[y*w+x] = color
		}
	}
}

const menubarBG = 0xFF2B2F38
const menubarBorder = 0xFF1B1E24
const menubarClockBG = 0xFF3B3F48

func (d *Desktop) paintMenubar() {
	pixels := d.Compositor.LayerPixels(d.menubarLayerID)
	w, h := MenuBarHeight, MenuBarHeight+1
	screenW, _ := d.Compositor.Dimensions()
	if len(pixels) != screenW*h {
		return
	}
	for y := 0; y < MenuBarHeight; y++ {
		for x := 0; x < screenW; x++ {
			pixels[y*screenW+x] = menubarBG
		}
	}
	for x := 0; x < screenW; x++ {
		pixels[MenuBarHeight*screenW+x] = menubarBorder
	}
	d.paintClock(pixels, screenW)
	_ = w
	d.Compositor.MarkLayerDirty(d.menubarLayerID)
}

// paintClock fills a fixed-width block at the right edge of the menubar
// standing in for a rendered HH:MM clock (see type doc on the
// no-font-rendering simplification).
func (d *Desktop) paintClock(pixels []uint32, stride int) {
	const clockWidth = 56
	x0 := stride - clockWidth
	if x0 < 0 {
		x0 = 0
	}
	for y := 0; y < MenuBarHeight; y++ {
		for x := x0; x < stride; x++ {
			pixels[y*stride+x] = menubarClockBG
		}
	}
}

// UpdateClock redraws the clock block when the wall-clock minute
// changes; called once per desktop tick.
func (d *Desktop) UpdateClock(now time.Time) {
	minute := now.Minute()
	d.mu.Lock()
	if minute == d.lastClockMinute {
		d.mu.Unlock()
		return
	}
	d.lastClockMinute = minute
	d.mu.Unlock()

	pixels := d.Compositor.LayerPixels(d.menubarLayerID)
	screenW, _ := d.Compositor.Dimensions()
	if len(pixels) != screenW*(MenuBarHeight+1) {
		return
	}
	d.paintClock(pixels, screenW)
	d.Compositor.MarkLayerDirty(d.menubarLayerID)
	d.Compositor.AddDamageRect(Rect{X: max(screenW-60, 0), Y: 0, W: 60, H: MenuBarHeight + 1})
}

func (d *Desktop) setWallpaperPath(path string) {
	d.mu.Lock()
	d.wallpaperPath = path
	d.wallpaperPending = true
	d.mu.Unlock()
}

// WallpaperPath returns the most recently requested wallpaper path
// (for tests/diagnostics; image decoding is a userland concern).
func (d *Desktop) WallpaperPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wallpaperPath
}

// HandleResolutionChange resizes the compositor/background/menubar,
// re-marks the wallpaper pending, and broadcasts EvtResolutionChange to
// every app.
func (d *Desktop) HandleResolutionChange(newW, newH int) {
	oldW, oldH := d.Compositor.Dimensions()
	if newW == oldW && newH == oldH {
		return
	}
	d.Compositor.Resize(newW, newH)
	d.mu.Lock()
	d.wallpaperPending = true
	d.mouseX = min(d.mouseX, newW-1)
	d.mouseY = min(d.mouseY, newH-1)
	d.mu.Unlock()
	d.paintGradientBackground()
	d.paintMenubar()
	d.Compositor.DamageAll()
	d.Dispatcher.Broadcast(Payload{EvtResolutionChange, uint32(newW), uint32(newH), 0, 0})
}

// HitTest returns the topmost visible window containing (x, y), or 0.
func (d *Desktop) HitTest(x, y int) int {
	d.mu.Lock()
	wm := d.Windows
	d.mu.Unlock()

	wm.mu.Lock()
	defer wm.mu.Unlock()
	var best *Window
	for _, w := range wm.windows {
		if !w.Layer.Visible {
			continue
		}
		if x >= w.Layer.X && x < w.Layer.X+w.Layer.W && y >= w.Layer.Y && y < w.Layer.Y+w.Layer.H {
			if best == nil || w.Layer.ZOrder > best.Layer.ZOrder {
				best = w
			}
		}
	}
	if best == nil {
		return 0
	}
	return best.ID
}

// RouteMouseMove updates cursor position and delivers EvtMouseMove to
// the window currently under the cursor only: hover follows geometry,
// not focus.
func (d *Desktop) RouteMouseMove(x, y int) {
	d.mu.Lock()
	d.mouseX, d.mouseY = x, y
	d.mu.Unlock()

	wid := d.HitTest(x, y)
	d.mu.Lock()
	d.underCursor = wid
	d.mu.Unlock()
	if wid == 0 {
		return
	}
	win := d.Windows.Window(wid)
	if win == nil {
		return
	}
	localX, localY := x-win.Layer.X, y-win.Layer.Y
	d.Dispatcher.emitToOwner(win.OwnerTID, Payload{EvtMouseMove, uint32(wid), uint32(int32(localX)), uint32(int32(localY)), 0})
}

// RouteMouseButton delivers EvtMouseDown/Up to the window under the
// cursor, raising and focusing it on press (click-to-front).
func (d *Desktop) RouteMouseButton(button uint32, down bool) {
	d.mu.Lock()
	x, y := d.mouseX, d.mouseY
	d.mu.Unlock()

	wid := d.HitTest(x, y)
	if wid == 0 {
		return
	}
	win := d.Windows.Window(wid)
	if win == nil {
		return
	}
	if down {
		d.Compositor.RaiseLayer(win.Layer.ID)
		d.Windows.SetFocus(wid)
	}
	op := EvtMouseUp
	if down {
		op = EvtMouseDown
	}
	localX, localY := x-win.Layer.X, y-win.Layer.Y
	d.Dispatcher.emitToOwner(win.OwnerTID, Payload{op, uint32(wid), uint32(int32(localX)), uint32(int32(localY)), button})
}

// RouteMouseScroll delivers EvtMouseScroll to the window under the cursor.
func (d *Desktop) RouteMouseScroll(delta int32) {
	d.mu.Lock()
	x, y := d.mouseX, d.mouseY
	d.mu.Unlock()
	wid := d.HitTest(x, y)
	if wid == 0 {
		return
	}
	win := d.Windows.Window(wid)
	if win == nil {
		return
	}
	d.Dispatcher.emitToOwner(win.OwnerTID, Payload{EvtMouseScroll, uint32(wid), uint32(delta), 0, 0})
}

// RouteKey delivers EvtKeyDown/Up to the focused window's owner.
func (d *Desktop) RouteKey(keycode uint32, down bool) {
	wid := d.Windows.FocusedWindowID()
	if wid == 0 {
		return
	}
	win := d.Windows.Window(wid)
	if win == nil {
		return
	}
	op := EvtKeyUp
	if down {
		op = EvtKeyDown
	}
	d.Dispatcher.emitToOwner(win.OwnerTID, Payload{op, uint32(wid), keycode, 0, 0})
}

// CloseFocused emits EvtWindowClose for the focused window (e.g. the
// compositor-drawn close button was clicked) and destroys it.
func (d *Desktop) CloseFocused() {
	wid := d.Windows.FocusedWindowID()
	if wid == 0 {
		return
	}
	win := d.Windows.Window(wid)
	if win == nil {
		return
	}
	d.Dispatcher.emitToOwner(win.OwnerTID, Payload{EvtWindowClose, uint32(wid), 0, 0, 0})
	d.Windows.DestroyWindow(wid)
}

// Tick runs one frame: pump pending IPC commands, refresh the clock, and
// compose.
func (d *Desktop) Tick(ctx context.Context, now time.Time, maxCommandsPerTick int) []Rect {
	d.Dispatcher.Pump(maxCommandsPerTick)
	d.UpdateClock(now)
	return d.Compositor.Compose(ctx)
}
