package compositor

import (
	"sync"

	"github.com/anyos-project/corekernel/internal/ipc"
	"github.com/anyos-project/corekernel/internal/logging"
)

// Dispatcher decodes the 5-word command tuples apps emit on the
// `"compositor"` channel and drives WindowManager/Compositor/Desktop
// calls, then routes responses and events back through the same
// channel: responses and window-scoped events are unicast to the app's
// registered sub (CMD_REGISTER_SUB) and dropped when it has none;
// theme/resolution events are broadcast.
type Dispatcher struct {
	mu sync.Mutex

	registry *ipc.Registry
	chanID   int
	comp     *Compositor
	wm       *WindowManager
	shm      *ipc.ShmManager
	logger   *logging.Logger

	subByTID map[int]int

	// serviceSub is the compositor's own subscription on its channel.
	// Commands are broadcast-emitted by apps, so the compositor reads
	// them off its own FIFO exactly like any other subscriber; client
	// poll loops only match opcodes < 0x1000 or >= 0x3000, silently
	// skipping the 0x1000-0x2FFF command/response range every other
	// subscriber also receives.
	serviceSub int

	onWallpaper func(path string)
}

// NewDispatcher creates (or looks up) the well-known "compositor" channel,
// subscribes the compositor's own service FIFO to it, and returns a
// Dispatcher ready to Pump incoming commands.
func NewDispatcher(registry *ipc.Registry, comp *Compositor, wm *WindowManager, shm *ipc.ShmManager, logger *logging.Logger) *Dispatcher {
	chanID := registry.Create(ChannelName)
	sub, _ := registry.Subscribe(chanID, 0)
	return &Dispatcher{
		registry:   registry,
		chanID:     chanID,
		comp:       comp,
		wm:         wm,
		shm:        shm,
		logger:     logger,
		subByTID:   make(map[int]int),
		serviceSub: sub,
	}
}

// ChannelID returns the compositor channel's id.
func (d *Dispatcher) ChannelID() int { return d.chanID }

// OnWallpaper registers a callback invoked with the decoded path whenever
// CMD_SET_WALLPAPER arrives.
func (d *Dispatcher) OnWallpaper(fn func(path string)) { d.onWallpaper = fn }

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Warnf(format, args...)
	}
}

// Handle processes a single command payload. Malformed or unknown
// commands are silently dropped.
func (d *Dispatcher) Handle(p Payload) {
	switch p[0] {
	case CmdRegisterSub:
		d.mu.Lock()
		d.subByTID[int(p[1])] = int(p[2])
		d.mu.Unlock()

	case CmdCreateWindow:
		tid := int(p[1])
		w, h := int(p[2]), int(p[3])
		shmID, flags := unpackShmFlags(p[4])
		win, err := d.wm.CreateWindow(tid, w, h, shmID, flags)
		if err != nil {
			d.logf("compositor: create_window: %v", err)
			return
		}
		d.respond(tid, Payload{RespWindowCreated, uint32(win.ID), 0, uint32(tid), 0})

	case CmdCreateVramWindow:
		tid := int(p[1])
		w, h, flags := int(p[2]), int(p[3]), p[4]
		win, ok := d.wm.CreateVRAMWindow(tid, w, h, flags)
		if !ok {
			d.respond(tid, Payload{RespVramWindowFailed, 0, 0, uint32(tid), 0})
			return
		}
		d.respond(tid, Payload{RespVramWindowCreated, uint32(win.ID), uint32(win.Surface.Stride), uint32(tid), uint32(win.Surface.VRAMOffset())})

	case CmdDestroyWindow:
		d.wm.DestroyWindow(int(p[1]))

	case CmdPresent:
		id, shmID := int(p[1]), p[2]
		if p[3] != 0 || p[4] != 0 {
			x, y := unpackXY(p[3])
			w, h := unpackXY(p[4])
			rect := Rect{X: int(x), Y: int(y), W: int(w), H: int(h)}
			_ = d.wm.Present(id, shmID, &rect)
		} else {
			_ = d.wm.Present(id, shmID, nil)
		}

	case CmdSetTitle:
		d.wm.SetTitle(int(p[1]), p[2], p[3], p[4])

	case CmdMoveWindow:
		d.wm.MoveWindow(int(p[1]), int(int32(p[2])), int(int32(p[3])))

	case CmdSetMenu:
		data, err := d.shm.Bytes(int(p[2]))
		if err != nil {
			return
		}
		if err := d.wm.SetMenu(int(p[1]), data); err != nil {
			d.logf("compositor: set_menu: %v", err)
		}

	case CmdAddStatusIcon:
		d.wm.AddStatusIcon(int(p[1]), int(p[2]), p[3])

	case CmdRemoveStatusIcon:
		d.wm.RemoveStatusIcon(int(p[2]))

	case CmdUpdateMenuItem:
		d.wm.UpdateMenuItem(int(p[1]), int(p[2]), p[3])

	case CmdResizeShm:
		d.wm.ResizeShm(int(p[1]), p[2], int(p[3]), int(p[4]))

	case CmdSetBlurBehind:
		d.wm.SetBlurBehind(int(p[1]), int(p[2]))

	case CmdSetWallpaper:
		data, err := d.shm.Bytes(int(p[1]))
		if err != nil {
			return
		}
		n := 0
		for n < len(data) && data[n] != 0 {
			n++
		}
		if d.onWallpaper != nil {
			d.onWallpaper(string(data[:n]))
		}

	default:
		// Unknown opcode: silently dropped.
	}
}

// respond unicasts p to tid's registered sub, if any; a missing
// registration means the app never called CMD_REGISTER_SUB (or hasn't
// yet), so the response is silently dropped rather than broadcast. An
// unregistered app has no way to tell a broadcast reply from another
// app's.
func (d *Dispatcher) respond(tid int, p Payload) {
	d.mu.Lock()
	sub, ok := d.subByTID[tid]
	d.mu.Unlock()
	if !ok {
		return
	}
	_ = d.registry.Emit(d.chanID, p, sub)
}

// emitToOwner unicasts a window-scoped event to the subscriber registered
// for ownerTID.
func (d *Dispatcher) emitToOwner(ownerTID int, p Payload) {
	d.respond(ownerTID, p)
}

// Broadcast emits p to every subscriber, for events like theme and
// resolution changes that are not scoped to one window.
func (d *Dispatcher) Broadcast(p Payload) {
	_ = d.registry.Emit(d.chanID, p, 0)
}

// Pump drains up to max pending commands off the compositor's own service
// subscription and dispatches each, returning the number processed. A real
// server loop calls this once per compose tick.
func (d *Dispatcher) Pump(max int) int {
	n := 0
	for n < max {
		p, ok, err := d.registry.Poll(d.chanID, d.serviceSub)
		if err != nil || !ok {
			break
		}
		d.Handle(p)
		n++
	}
	return n
}
