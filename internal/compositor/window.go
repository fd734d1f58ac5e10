package compositor

import (
	"sync"

	"github.com/anyos-project/corekernel/internal/ipc"
	"github.com/anyos-project/corekernel/internal/logging"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// Window chrome metrics: title bar 28px,
// menubar 24px, border 1px. Apps request content dimensions; the
// compositor adds chrome on top.
const (
	TitleBarHeight = 28
	MenuBarHeight  = 24
	BorderWidth    = 1
)

// Window flag bits carried in the low half of CREATE_WINDOW's packed
// shm/flags word.
const (
	WinFlagBorderless uint32 = 1 << 0
)

// Window is a layer with the additional window-specific attributes:
// owning tid, shm handle, title, chrome, optional menu, optional
// blur-behind radius.
type Window struct {
	ID       int
	Layer    *Layer // the compositor layer this window owns
	OwnerTID int
	ShmID    int // 0 for VRAM-direct windows
	Title    string
	Flags    uint32

	ContentW, ContentH int // content area, excluding chrome

	Menu       *MenuBar
	BlurRadius int

	VRAM    bool
	Surface *GPUSurface

	Focused bool
}

// contentOrigin returns the top-left of the content area relative to the
// window's layer origin, accounting for chrome.
func (w *Window) contentOrigin() (int, int) {
	if w.Flags&WinFlagBorderless != 0 {
		return 0, 0
	}
	return BorderWidth, TitleBarHeight
}

// ChromeSize returns the full layer size for a window whose content
// area is contentW x contentH; apps request content dimensions and the
// compositor adds chrome.
func ChromeSize(contentW, contentH int, flags uint32) (w, h int) {
	if flags&WinFlagBorderless != 0 {
		return contentW, contentH
	}
	return contentW + 2*BorderWidth, contentH + TitleBarHeight + BorderWidth
}

// WindowManager owns every live window, implements the command side of
// the window protocol, and keeps the Compositor's layer list in sync
// with window lifecycle.
type WindowManager struct {
	mu sync.Mutex

	comp   *Compositor
	shm    *ipc.ShmManager
	logger *logging.Logger

	windows    map[int]*Window
	nextID     int
	focused    int
	statusIcons map[int]statusIcon
	chrome     *chromeCache
	vram       *vramAllocator
}

type statusIcon struct {
	ownerTID int
	shmID    int
}

// NewWindowManager constructs a manager bound to comp for layer management
// and shm for reading window surface content.
func NewWindowManager(comp *Compositor, shm *ipc.ShmManager, logger *logging.Logger) *WindowManager {
	return &WindowManager{
		comp:        comp,
		shm:         shm,
		logger:      logger,
		windows:     make(map[int]*Window),
		nextID:      1,
		statusIcons: make(map[int]statusIcon),
		chrome:      newChromeCache(8),
		vram:        comp.vram,
	}
}

// CreateWindow implements CMD_CREATE_WINDOW: allocates a compositor
// layer sized to contentW x contentH plus chrome, and binds it to the
// caller's shm surface (the shm bytes are read fresh on each Present, not
// copied here).
func (wm *WindowManager) CreateWindow(ownerTID, contentW, contentH int, shmID uint32, flags uint32) (*Window, error) {
	if contentW <= 0 || contentH <= 0 {
		return nil, kernelerr.New("compositor", "create_window", kernelerr.CodeInvalidArgs, "zero-sized window")
	}
	w, h := ChromeSize(contentW, contentH, flags)

	wm.mu.Lock()
	id := wm.nextID
	wm.nextID++
	wm.mu.Unlock()

	layer := wm.comp.AddLayer(defaultWindowX(id), defaultWindowY(id), w, h)
	win := &Window{
		ID: id, Layer: layer, OwnerTID: ownerTID, ShmID: int(shmID),
		Title: "", Flags: flags, ContentW: contentW, ContentH: contentH,
	}
	wm.mu.Lock()
	wm.windows[id] = win
	wm.focused = id
	wm.mu.Unlock()

	wm.renderChrome(win)
	return win, nil
}

func defaultWindowX(id int) int { return 40 + (id%8)*24 }
func defaultWindowY(id int) int { return 40 + (id%8)*24 }

// CreateVRAMWindow implements CMD_CREATE_VRAM_WINDOW: allocates an
// off-screen GPU surface instead of an shm-backed layer.
// Returns ok=false when GPU accel/VRAM is unavailable or
// exhausted, in which case the caller should report VRAM_WINDOW_FAILED.
func (wm *WindowManager) CreateVRAMWindow(ownerTID, contentW, contentH int, flags uint32) (*Window, bool) {
	if wm.vram == nil {
		return nil, false
	}
	w, h := ChromeSize(contentW, contentH, flags)
	surface, ok := wm.vram.alloc(w, h)
	if !ok {
		return nil, false
	}

	wm.mu.Lock()
	id := wm.nextID
	wm.nextID++
	wm.mu.Unlock()

	layer := wm.comp.AddLayer(defaultWindowX(id), defaultWindowY(id), w, h)
	layer.GPUSurface = surface
	layer.Pixels = nil

	win := &Window{
		ID: id, Layer: layer, OwnerTID: ownerTID, ShmID: 0,
		Flags: flags, ContentW: contentW, ContentH: contentH,
		VRAM: true, Surface: surface,
	}
	wm.mu.Lock()
	wm.windows[id] = win
	wm.focused = id
	wm.mu.Unlock()

	wm.renderChrome(win)
	return win, true
}

// DestroyWindow implements CMD_DESTROY_WINDOW.
func (wm *WindowManager) DestroyWindow(id int) {
	wm.mu.Lock()
	win, ok := wm.windows[id]
	if !ok {
		wm.mu.Unlock()
		return
	}
	delete(wm.windows, id)
	if wm.focused == id {
		wm.focused = 0
	}
	if win.VRAM && wm.vram != nil {
		wm.vram.free(win.Surface)
	}
	wm.mu.Unlock()
	wm.comp.RemoveLayer(win.Layer.ID)
}

// Window returns id's Window, or nil.
func (wm *WindowManager) Window(id int) *Window {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.windows[id]
}

// WindowCount returns the number of live windows.
func (wm *WindowManager) WindowCount() int {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return len(wm.windows)
}

// Present implements CMD_PRESENT/PRESENT_RECT: copy the app's shm
// content into the window's layer, either in full or restricted to the
// given content-relative rect, and damage the corresponding screen region.
func (wm *WindowManager) Present(id int, shmID uint32, rect *Rect) error {
	win := wm.Window(id)
	if win == nil {
		return nil // malformed/stale command: silently dropped
	}
	if win.VRAM {
		// VRAM windows write directly; present is a GPU-internal blit
		// with nothing for the compositor to copy, just damage.
		wm.comp.MarkLayerDirty(win.Layer.ID)
		return nil
	}

	content, err := wm.shm.Bytes(int(shmID))
	if err != nil {
		return nil // out-of-SHM / stale shm id: silently dropped
	}
	pixels := bytesToPixels(content)
	cx, cy := win.contentOrigin()

	full := Rect{X: 0, Y: 0, W: win.ContentW, H: win.ContentH}
	r := full
	if rect != nil {
		r = rect.intersect(full)
	}
	if r.Empty() {
		return nil
	}

	for y := 0; y < r.H; y++ {
		srcOff := (r.Y+y)*win.ContentW + r.X
		if srcOff+r.W > len(pixels) || srcOff < 0 {
			break
		}
		dstY := cy + r.Y + y
		dstOff := dstY*win.Layer.W + cx + r.X
		if dstOff+r.W > len(win.Layer.Pixels) {
			break
		}
		copy(win.Layer.Pixels[dstOff:dstOff+r.W], pixels[srcOff:srcOff+r.W])
	}

	wm.comp.AddDamageRect(Rect{X: win.Layer.X + cx + r.X, Y: win.Layer.Y + cy + r.Y, W: r.W, H: r.H})

	if win.BlurRadius > 0 {
		wm.applyBlurBehind(win)
	}
	return nil
}

// applyBlurBehind implements blur-behind for win: read the
// already-composited framebuffer region the window sits over, box-blur
// it, and write it back before the next Compose blends the window on
// top. This must run before the window's own pixels are blended, so it
// operates directly on the current framebuffer snapshot rather than
// waiting for Compose.
func (wm *WindowManager) applyBlurBehind(win *Window) {
	fb := wm.comp.Framebuffer()
	width, _ := wm.comp.Dimensions()
	r := Rect{X: win.Layer.X, Y: win.Layer.Y, W: win.Layer.W, H: win.Layer.H}
	boxBlur(fb, width, r, win.BlurRadius)
	wm.comp.writeBack(fb, r)
}

// writeBack copies region r of fb into c.fb directly, used by
// applyBlurBehind to seed the next Compose pass with a pre-blurred
// background.
func (c *Compositor) writeBack(fb []uint32, r Rect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r = r.ClipToScreen(c.width, c.height)
	for y := 0; y < r.H; y++ {
		srcOff := (r.Y+y)*c.width + r.X
		copy(c.fb[srcOff:srcOff+r.W], fb[srcOff:srcOff+r.W])
	}
	c.addDamageLocked(r)
}

func bytesToPixels(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		o := i * 4
		out[i] = uint32(b[o]) | uint32(b[o+1])<<8 | uint32(b[o+2])<<16 | uint32(b[o+3])<<24
	}
	return out
}

// SetTitle implements CMD_SET_TITLE: title arrives packed as 3 words (12
// ASCII bytes, little-endian per word) the way export_set_title packs
// them.
func (wm *WindowManager) SetTitle(id int, w0, w1, w2 uint32) {
	win := wm.Window(id)
	if win == nil {
		return
	}
	var raw [12]byte
	for i, w := range [3]uint32{w0, w1, w2} {
		raw[i*4+0] = byte(w)
		raw[i*4+1] = byte(w >> 8)
		raw[i*4+2] = byte(w >> 16)
		raw[i*4+3] = byte(w >> 24)
	}
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	win.Title = string(raw[:n])
	wm.renderChrome(win)
}

// MoveWindow implements CMD_MOVE_WINDOW.
func (wm *WindowManager) MoveWindow(id int, x, y int) {
	win := wm.Window(id)
	if win == nil {
		return
	}
	wm.comp.MoveLayer(win.Layer.ID, x, y)
}

// ResizeShm implements CMD_RESIZE_SHM: the app created a new shm region
// sized for (newW, newH); the window's layer and content dims grow to
// match. A non-positive size is ignored and the old surface kept. The new
// shm id is not checked, and no RESIZE event is emitted to the app.
func (wm *WindowManager) ResizeShm(id int, newShmID uint32, newW, newH int) {
	win := wm.Window(id)
	if win == nil {
		return
	}
	if newW <= 0 || newH <= 0 {
		return
	}
	win.ShmID = int(newShmID)
	win.ContentW, win.ContentH = newW, newH
	w, h := ChromeSize(newW, newH, win.Flags)
	wm.comp.ResizeLayer(win.Layer.ID, w, h)
	wm.renderChrome(win)
}

// SetBlurBehind implements CMD_SET_BLUR_BEHIND.
func (wm *WindowManager) SetBlurBehind(id int, radius int) {
	win := wm.Window(id)
	if win == nil {
		return
	}
	win.BlurRadius = radius
}

// SetFocus marks id focused (and every other window unfocused), causing
// its title bar chrome to redraw in the focused palette.
func (wm *WindowManager) SetFocus(id int) {
	wm.mu.Lock()
	prev := wm.focused
	wm.focused = id
	windows := make([]*Window, 0, len(wm.windows))
	for _, w := range wm.windows {
		windows = append(windows, w)
	}
	wm.mu.Unlock()

	for _, w := range windows {
		focused := w.ID == id
		if w.Focused == focused {
			continue
		}
		w.Focused = focused
		wm.renderChrome(w)
	}
	_ = prev
}

// FocusedWindowID returns the currently focused window id, or 0.
func (wm *WindowManager) FocusedWindowID() int {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.focused
}

// AddStatusIcon implements CMD_ADD_STATUS_ICON.
func (wm *WindowManager) AddStatusIcon(ownerTID, iconID int, shmID uint32) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.statusIcons[iconID] = statusIcon{ownerTID: ownerTID, shmID: int(shmID)}
}

// RemoveStatusIcon implements CMD_REMOVE_STATUS_ICON.
func (wm *WindowManager) RemoveStatusIcon(iconID int) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	delete(wm.statusIcons, iconID)
}

// StatusIconCount reports the number of registered tray icons (test hook).
func (wm *WindowManager) StatusIconCount() int {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return len(wm.statusIcons)
}

// SetMenu implements CMD_SET_MENU: menuData is the raw menu blob read from
// the app's transient SHM, decoded via
// internal/compositor/menu.go.
func (wm *WindowManager) SetMenu(id int, menuData []byte) error {
	win := wm.Window(id)
	if win == nil {
		return nil
	}
	bar, err := DecodeMenuBar(menuData)
	if err != nil {
		return err // malformed command: caller logs and drops
	}
	win.Menu = bar
	wm.renderChrome(win)
	return nil
}

// UpdateMenuItem implements CMD_UPDATE_MENU_ITEM.
func (wm *WindowManager) UpdateMenuItem(id, itemID int, newFlags uint32) {
	win := wm.Window(id)
	if win == nil || win.Menu == nil {
		return
	}
	win.Menu.updateItemFlags(itemID, newFlags)
	wm.renderChrome(win)
}

func (wm *WindowManager) renderChrome(win *Window) {
	if win.Flags&WinFlagBorderless != 0 {
		return
	}
	bmp := wm.chrome.render(win)
	paintChrome(win.Layer, bmp)
}
