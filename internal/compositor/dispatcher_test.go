package compositor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anyos-project/corekernel/internal/ipc"
	"github.com/anyos-project/corekernel/internal/mm"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Compositor, *WindowManager, *ipc.Registry, *ipc.ShmManager) {
	t.Helper()
	fa, err := mm.NewFrameAllocator(mm.Config{NumFrames: 1024})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fa.Close() })
	vmm, err := mm.NewVMM(fa, 1)
	require.NoError(t, err)
	shm := ipc.NewShmManager(fa, vmm)
	comp := New(&Config{Width: 200, Height: 150})
	wm := NewWindowManager(comp, shm, nil)
	registry := ipc.NewRegistry(nil)
	d := NewDispatcher(registry, comp, wm, shm, nil)
	return d, comp, wm, registry, shm
}

func TestDispatcherCreateWindowRespondsToRegisteredSub(t *testing.T) {
	d, _, wm, registry, _ := newTestDispatcher(t)
	appSub, err := registry.Subscribe(d.ChannelID(), 0)
	require.NoError(t, err)

	d.Handle(Payload{CmdRegisterSub, 7, uint32(appSub), 0, 0})
	d.Handle(Payload{CmdCreateWindow, 7, 64, 48, packShmFlags(0, 0)})

	p, ok, err := registry.Poll(d.ChannelID(), appSub)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, RespWindowCreated, p[0])
	require.Equal(t, 1, wm.WindowCount())
}

func TestDispatcherUnregisteredAppGetsNoResponse(t *testing.T) {
	d, _, _, registry, _ := newTestDispatcher(t)
	otherSub, err := registry.Subscribe(d.ChannelID(), 0)
	require.NoError(t, err)

	d.Handle(Payload{CmdCreateWindow, 9, 64, 48, packShmFlags(0, 0)})

	_, ok, err := registry.Poll(d.ChannelID(), otherSub)
	require.NoError(t, err)
	require.False(t, ok, "an app that never registered a sub gets no unicast reply")
}

func TestDispatcherMoveWindowUpdatesLayer(t *testing.T) {
	d, _, wm, registry, _ := newTestDispatcher(t)
	appSub, err := registry.Subscribe(d.ChannelID(), 0)
	require.NoError(t, err)
	d.Handle(Payload{CmdRegisterSub, 3, uint32(appSub), 0, 0})
	d.Handle(Payload{CmdCreateWindow, 3, 64, 48, packShmFlags(0, 0)})
	p, _, _ := registry.Poll(d.ChannelID(), appSub)
	winID := int(p[1])

	d.Handle(Payload{CmdMoveWindow, uint32(winID), uint32(int32(30)), uint32(int32(40)), 0})

	win := wm.Window(winID)
	require.Equal(t, 30, win.Layer.X)
	require.Equal(t, 40, win.Layer.Y)
}

func TestDispatcherSetWallpaperInvokesCallback(t *testing.T) {
	d, _, _, _, shm := newTestDispatcher(t)
	var got string
	d.OnWallpaper(func(path string) { got = path })

	path := "/system/wallpapers/default.png"
	shmID, err := shm.Create(0, 64)
	require.NoError(t, err)
	content, err := shm.Bytes(shmID)
	require.NoError(t, err)
	copy(content, path)

	d.Handle(Payload{CmdSetWallpaper, uint32(shmID), 0, 0, 0})
	require.Equal(t, path, got)
}

func TestDispatcherUnknownOpcodeIsSilentlyDropped(t *testing.T) {
	d, _, _, _, _ := newTestDispatcher(t)
	require.NotPanics(t, func() {
		d.Handle(Payload{0xDEAD, 0, 0, 0, 0})
	})
}

func TestDispatcherPumpDrainsBroadcastCommands(t *testing.T) {
	d, _, wm, registry, _ := newTestDispatcher(t)
	require.NoError(t, registry.Emit(d.ChannelID(), Payload{CmdCreateWindow, 1, 64, 48, packShmFlags(0, 0)}, 0))
	require.NoError(t, registry.Emit(d.ChannelID(), Payload{CmdCreateWindow, 2, 64, 48, packShmFlags(0, 0)}, 0))

	n := d.Pump(10)
	require.Equal(t, 2, n)
	require.Equal(t, 2, wm.WindowCount())
}
