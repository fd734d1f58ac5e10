package compositor

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/anyos-project/corekernel/internal/logging"
)

// Rect is a damage rectangle.
type Rect struct {
	X, Y, W, H int
}

// Empty reports whether r covers no pixels.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// ClipToScreen clips r to [0,width)x[0,height).
func (r Rect) ClipToScreen(width, height int) Rect {
	x0, y0 := r.X, r.Y
	x1, y1 := r.X+r.W, r.Y+r.H
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > width {
		x1 = width
	}
	if y1 > height {
		y1 = height
	}
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// overlaps reports whether r and o share any pixel.
func (r Rect) overlaps(o Rect) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.X < o.X+o.W && o.X < r.X+r.W && r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

// intersect returns the overlapping region of r and o.
func (r Rect) intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.X+r.W, o.X+o.W), min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Layer is a z-ordered pixel surface. Index 0 in
// Compositor.layers is always the background; the top layer is always the
// menubar. A Window embeds a *Layer for its own surface.
type Layer struct {
	ID        int
	X, Y      int
	W, H      int
	Visible   bool
	HasShadow bool
	ZOrder    int

	// Pixels is the CPU-side ARGB8888 buffer, len W*H, row-major. nil
	// when GPUSurface is set instead (VRAM-direct path).
	Pixels []uint32

	// GPUSurface is set for VRAM-direct windows; GPU-path layers skip the
	// CPU blend loop entirely and are presented via a GPU-internal blit
	// (simulated here as a direct copy, since there is no real GPU to
	// drive; see internal/compositor/gpu.go).
	GPUSurface *GPUSurface
}

func newLayer(id, x, y, w, h int) *Layer {
	return &Layer{ID: id, X: x, Y: y, W: w, H: h, Visible: true, Pixels: make([]uint32, w*h)}
}

func (l *Layer) pixelAt(x, y int) uint32 {
	if l.GPUSurface != nil {
		return l.GPUSurface.pixelAt(x, y)
	}
	if x < 0 || y < 0 || x >= l.W || y >= l.H {
		return 0
	}
	return l.Pixels[y*l.W+x]
}

// Config configures a new Compositor.
type Config struct {
	Width, Height int
	Logger        *logging.Logger
	// HasGPUAccel mirrors gpu_has_accel: enables the
	// VRAM-direct window path and the GPU-flush compose tail instead of a
	// pitched memcpy.
	HasGPUAccel bool
	// HasHWCursor mirrors gpu_has_hw_cursor: when true, compose skips the
	// software-cursor draw/save-restore dance.
	HasHWCursor bool
}

// DefaultConfig returns a 1024x768, no-GPU configuration.
func DefaultConfig() *Config {
	return &Config{Width: 1024, Height: 768, Logger: logging.Default()}
}

// Compositor owns the z-ordered layer list, the accumulated damage list,
// and the simulated framebuffer.
type Compositor struct {
	mu sync.Mutex

	width, height int
	fb            []uint32 // simulated framebuffer, row-major ARGB8888
	logger        *logging.Logger

	layers  []*Layer // z-ordered back (index 0) to front
	nextID  int
	damage  []Rect

	hasGPUAccel bool
	hasHWCursor bool
	vram        *vramAllocator

	// blendSem bounds the number of damage-rect composition goroutines
	// in flight to GOMAXPROCS.
	blendSem *semaphore.Weighted
}

// New constructs a Compositor with a background and menubar layer
// already present at indices 0 and 1; exactly one layer at index 0 is
// the background and exactly one top layer is the menubar.
func New(cfg *Config) *Compositor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Compositor{
		width:       cfg.Width,
		height:      cfg.Height,
		fb:          make([]uint32, cfg.Width*cfg.Height),
		logger:      cfg.Logger,
		nextID:      1,
		hasGPUAccel: cfg.HasGPUAccel,
		hasHWCursor: cfg.HasHWCursor,
		blendSem:    semaphore.NewWeighted(int64(maxParallelism())),
	}
	c.addLayerLocked(0, 0, cfg.Width, cfg.Height)
	mb := c.addLayerLocked(0, 0, cfg.Width, MenuBarHeight+1)
	mb.HasShadow = true
	if cfg.HasGPUAccel {
		c.vram = newVRAMAllocator()
	}
	return c
}

func maxParallelism() int {
	return runtime.GOMAXPROCS(0)
}

func (c *Compositor) addLayerLocked(x, y, w, h int) *Layer {
	id := c.nextID
	c.nextID++
	l := newLayer(id, x, y, w, h)
	l.ZOrder = len(c.layers)
	c.layers = append(c.layers, l)
	return l
}

// AddLayer adds a new visible layer on top of the current z-order, just
// under the menubar, and returns it (used by WindowManager for each new
// window's surface).
func (c *Compositor) AddLayer(x, y, w, h int) *Layer {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.addLayerLocked(x, y, w, h)
	// Swap the new layer under the menubar so the menubar stays last.
	if n := len(c.layers); n >= 3 {
		c.layers[n-2], c.layers[n-1] = c.layers[n-1], c.layers[n-2]
		c.renumberLocked()
	}
	c.addDamageLocked(Rect{X: x, Y: y, W: w, H: h})
	return l
}

// RemoveLayer drops id from the z-order and damages its former screen
// region so the compose pass paints over it.
func (c *Compositor) RemoveLayer(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.layers {
		if l.ID == id {
			c.layers = append(c.layers[:i], c.layers[i+1:]...)
			c.addDamageLocked(Rect{X: l.X, Y: l.Y, W: l.W, H: l.H})
			c.renumberLocked()
			return
		}
	}
}

func (c *Compositor) renumberLocked() {
	for i, l := range c.layers {
		l.ZOrder = i
	}
}

// RaiseLayer moves id to the top of the z-order, just under the menubar,
// which stays the true top.
func (c *Compositor) RaiseLayer(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.layers {
		if l.ID == id {
			c.layers = append(c.layers[:i], c.layers[i+1:]...)
			// Insert just below the menubar (always the last element) so
			// the menubar stays the true top across raises.
			insertAt := len(c.layers)
			if insertAt > 0 {
				insertAt--
			}
			c.layers = append(c.layers[:insertAt], append([]*Layer{l}, c.layers[insertAt:]...)...)
			c.renumberLocked()
			c.addDamageLocked(Rect{X: l.X, Y: l.Y, W: l.W, H: l.H})
			return
		}
	}
}

// SetLayerVisible toggles visibility and damages the affected region either
// way (becoming hidden exposes whatever is behind it; becoming visible
// needs to be drawn).
func (c *Compositor) SetLayerVisible(id int, visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.layers {
		if l.ID == id {
			if l.Visible == visible {
				return
			}
			l.Visible = visible
			c.addDamageLocked(Rect{X: l.X, Y: l.Y, W: l.W, H: l.H})
			return
		}
	}
}

// MoveLayer repositions id, damaging both its old and new screen
// regions; geometry changes are a damage source like pixel changes.
func (c *Compositor) MoveLayer(id, x, y int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.layers {
		if l.ID == id {
			old := Rect{X: l.X, Y: l.Y, W: l.W, H: l.H}
			l.X, l.Y = x, y
			c.addDamageLocked(old)
			c.addDamageLocked(Rect{X: x, Y: y, W: l.W, H: l.H})
			return
		}
	}
}

// ResizeLayer reallocates id's pixel buffer to the new dimensions,
// preserving no content (callers re-render after resizing), and damages
// both the old and new footprint.
func (c *Compositor) ResizeLayer(id, w, h int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.layers {
		if l.ID == id {
			old := Rect{X: l.X, Y: l.Y, W: l.W, H: l.H}
			l.W, l.H = w, h
			if l.GPUSurface == nil {
				l.Pixels = make([]uint32, w*h)
			}
			c.addDamageLocked(old)
			c.addDamageLocked(Rect{X: l.X, Y: l.Y, W: w, H: h})
			return
		}
	}
}

// Layer returns id's layer, or nil.
func (c *Compositor) Layer(id int) *Layer {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.layers {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// LayerPixels returns id's CPU pixel buffer for direct writes (background
// wallpaper paints, menubar redraws, chrome pre-render).
func (c *Compositor) LayerPixels(id int) []uint32 {
	l := c.Layer(id)
	if l == nil {
		return nil
	}
	return l.Pixels
}

// MarkLayerDirty damages id's entire current footprint, used when an
// app reports changed layer pixels via IPC.
func (c *Compositor) MarkLayerDirty(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.layers {
		if l.ID == id {
			c.addDamageLocked(Rect{X: l.X, Y: l.Y, W: l.W, H: l.H})
			return
		}
	}
}

// AddDamageRect damages an explicit screen-space rect, for partial
// PRESENT_RECT updates where only a sub-region of a layer changed.
func (c *Compositor) AddDamageRect(r Rect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addDamageLocked(r)
}

// DamageAll damages the whole screen, used on init and resolution change.
func (c *Compositor) DamageAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addDamageLocked(Rect{X: 0, Y: 0, W: c.width, H: c.height})
}

func (c *Compositor) addDamageLocked(r Rect) {
	r = r.ClipToScreen(c.width, c.height)
	if r.Empty() {
		return
	}
	c.damage = append(c.damage, r)
}

// Dimensions returns the current screen size.
func (c *Compositor) Dimensions() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width, c.height
}

// Resize reallocates the framebuffer and the background/menubar layers to
// a new screen size.
func (c *Compositor) Resize(w, h int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w == c.width && h == c.height {
		return
	}
	c.width, c.height = w, h
	c.fb = make([]uint32, w*h)
	if len(c.layers) > 0 {
		bg := c.layers[0]
		bg.W, bg.H = w, h
		bg.Pixels = make([]uint32, w*h)
	}
	if len(c.layers) > 1 {
		mb := c.layers[len(c.layers)-1]
		mb.W = w
		mb.Pixels = make([]uint32, mb.W*mb.H)
	}
	c.addDamageLocked(Rect{X: 0, Y: 0, W: w, H: h})
}

// HasHWCursor reports whether the GPU hardware cursor path is active.
func (c *Compositor) HasHWCursor() bool { return c.hasHWCursor }

// HasGPUAccel reports whether GPU 2D acceleration is available.
func (c *Compositor) HasGPUAccel() bool { return c.hasGPUAccel }

// Framebuffer returns the current simulated framebuffer contents for test
// assertions and the software-cursor/flush path.
func (c *Compositor) Framebuffer() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, len(c.fb))
	copy(out, c.fb)
	return out
}

// Compose runs one full compose cycle: accumulate (already done via
// the Add*/Mark*/Move*/Resize* calls above), clip, composite each damage
// rect back-to-front, implicitly "flushing" into the simulated
// framebuffer returned by Framebuffer. Disjoint damage rects are
// composited in parallel, bounded by blendSem; overlapping rects are
// composited sequentially relative to each other since a pixel may be
// rewritten by more than one rect and concurrent unsynchronized writes to
// the same framebuffer index would be a data race even when the computed
// value is identical.
func (c *Compositor) Compose(ctx context.Context) []Rect {
	c.mu.Lock()
	rects := c.damage
	c.damage = nil
	layers := append([]*Layer(nil), c.layers...)
	width, height := c.width, c.height
	c.mu.Unlock()

	if len(rects) == 0 {
		return nil
	}
	groups := partitionDisjoint(rects)

	for _, group := range groups {
		var wg sync.WaitGroup
		for _, r := range group {
			r := r
			if err := c.blendSem.Acquire(ctx, 1); err != nil {
				// Context canceled mid-frame: finish remaining rects
				// sequentially rather than dropping them, so the
				// "every damage pixel rewritten" invariant still holds.
				c.compositeRect(r, layers, width, height)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.blendSem.Release(1)
				c.compositeRect(r, layers, width, height)
			}()
		}
		wg.Wait()
	}

	merged := make([]Rect, 0, len(rects))
	for _, g := range groups {
		merged = append(merged, g...)
	}
	return merged
}

// compositeRect blends every intersecting visible layer, back to front,
// into c.fb across r. It locks c.mu only for the final pixel store:
// rects within one group are disjoint by construction, and groups (whose
// rects may overlap each other) run one after another, so compositeRect
// calls never write the same pixel concurrently. The lock serializes
// against concurrent Resize/AddLayer calls racing a live frame.
func (c *Compositor) compositeRect(r Rect, layers []*Layer, width, height int) {
	r = r.ClipToScreen(width, height)
	if r.Empty() {
		return
	}
	buf := make([]uint32, r.W*r.H)

	for _, l := range layers {
		if !l.Visible {
			continue
		}
		lr := Rect{X: l.X, Y: l.Y, W: l.W, H: l.H}
		ir := r.intersect(lr)
		if ir.Empty() {
			continue
		}
		for y := ir.Y; y < ir.Y+ir.H; y++ {
			for x := ir.X; x < ir.X+ir.W; x++ {
				src := l.pixelAt(x-l.X, y-l.Y)
				bi := (y-r.Y)*r.W + (x - r.X)
				buf[bi] = blendARGB(src, buf[bi])
			}
		}
	}

	c.mu.Lock()
	for y := 0; y < r.H; y++ {
		srcRow := buf[y*r.W : (y+1)*r.W]
		dstOff := (r.Y+y)*width + r.X
		copy(c.fb[dstOff:dstOff+r.W], srcRow)
	}
	c.mu.Unlock()
}

// blendARGB alpha-blends src over dst, both ARGB8888 with straight alpha.
func blendARGB(src, dst uint32) uint32 {
	a := (src >> 24) & 0xFF
	if a == 0xFF {
		return src
	}
	if a == 0 {
		return dst
	}
	sr, sg, sb := (src>>16)&0xFF, (src>>8)&0xFF, src&0xFF
	dr, dg, db := (dst>>16)&0xFF, (dst>>8)&0xFF, dst&0xFF
	da := (dst >> 24) & 0xFF
	ia := 255 - a
	or := (sr*a + dr*ia) / 255
	og := (sg*a + dg*ia) / 255
	ob := (sb*a + db*ia) / 255
	oa := a + (da*ia)/255
	return (oa << 24) | (or << 16) | (og << 8) | ob
}

// partitionDisjoint groups rects into sequential bins where no two rects
// in the same bin overlap, so a bin's rects can be composited in parallel.
func partitionDisjoint(rects []Rect) [][]Rect {
	sorted := append([]Rect(nil), rects...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y < sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var groups [][]Rect
	for _, r := range sorted {
		placed := false
		for gi := range groups {
			conflict := false
			for _, existing := range groups[gi] {
				if r.overlaps(existing) {
					conflict = true
					break
				}
			}
			if !conflict {
				groups[gi] = append(groups[gi], r)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []Rect{r})
		}
	}
	return groups
}
