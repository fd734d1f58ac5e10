// Package compositor implements a damage-driven layer compositor and
// the 5-word command/event window protocol apps speak over the
// `"compositor"` event channel: shared-memory window surfaces,
// compositor-drawn chrome, menubar and tray state, blur-behind, and an
// optional VRAM-direct surface path.
package compositor

import "github.com/anyos-project/corekernel/internal/ipc"

// Command opcodes (app -> compositor). The values are ABI: clients are
// built against these exact constants.
const (
	CmdCreateWindow     uint32 = 0x1001
	CmdDestroyWindow    uint32 = 0x1002
	CmdPresent          uint32 = 0x1003
	CmdSetTitle         uint32 = 0x1004
	CmdMoveWindow       uint32 = 0x1005
	CmdSetMenu          uint32 = 0x1006
	CmdAddStatusIcon    uint32 = 0x1007
	CmdRemoveStatusIcon uint32 = 0x1008
	CmdUpdateMenuItem   uint32 = 0x1009
	CmdResizeShm        uint32 = 0x100B
	CmdRegisterSub      uint32 = 0x100C
	CmdSetBlurBehind    uint32 = 0x100E
	CmdSetWallpaper     uint32 = 0x100F
	CmdCreateVramWindow uint32 = 0x1010
)

// Response opcodes (compositor -> requesting app, unicast when the app
// registered a sub via CmdRegisterSub).
const (
	RespWindowCreated     uint32 = 0x2001
	RespVramWindowCreated uint32 = 0x2004
	RespVramWindowFailed  uint32 = 0x2005
)

// Event opcodes (compositor -> app(s)). Values < 0x1000 are broadcast
// to every subscriber (theme/resolution change); values >= 0x3000 are
// window-scoped and routed to the subscriber owning that window.
const (
	EvtThemeChange      uint32 = 0x0001
	EvtResolutionChange uint32 = 0x0002

	EvtKeyDown         uint32 = 0x3001
	EvtKeyUp           uint32 = 0x3002
	EvtMouseDown       uint32 = 0x3003
	EvtMouseUp         uint32 = 0x3004
	EvtMouseMove       uint32 = 0x3005
	EvtMouseScroll     uint32 = 0x3006
	EvtResize          uint32 = 0x3007
	EvtWindowClose     uint32 = 0x3008
	EvtMenuItem        uint32 = 0x3009
	EvtStatusIconClick uint32 = 0x300A
)

// ChannelName is the well-known event channel name every app and the
// compositor itself create/look up.
const ChannelName = "compositor"

// Payload is an alias of ipc.Payload for readability within this package.
type Payload = ipc.Payload

// packShmFlags packs (shm_id<<16)|flags the way CMD_CREATE_WINDOW's word 4
// does.
func packShmFlags(shmID, flags uint32) uint32 {
	return (shmID << 16) | (flags & 0xFFFF)
}

func unpackShmFlags(word uint32) (shmID, flags uint32) {
	return word >> 16, word & 0xFFFF
}

// packXY packs (x<<16)|y the way PRESENT_RECT's words 3 and 4 carry
// (x, y) and (w, h); both halves are unsigned 16-bit. MOVE_WINDOW does
// not use this packing: it sends x and y as separate signed words.
func packXY(x, y uint32) uint32 { return (x << 16) | (y & 0xFFFF) }

func unpackXY(word uint32) (x, y uint32) { return word >> 16, word & 0xFFFF }
