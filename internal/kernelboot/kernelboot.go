// Package kernelboot assembles the simulated kernel from a decoded
// boot-information structure: frame allocator sized from the memory map,
// VMM, scheduler, IPC, TCP stack, the Fusion-MPT disk driver bound to a
// simulated IOC, the compositor desktop sized from the framebuffer info,
// and the syscall façade over all of it. Both cmd/anyos-kernel and
// cmd/anyos-diagnostics boot through here, so the two binaries cannot
// drift in how the system comes up.
package kernelboot

import (
	"github.com/anyos-project/corekernel/internal/block"
	"github.com/anyos-project/corekernel/internal/block/lsiscsi"
	"github.com/anyos-project/corekernel/internal/boot"
	"github.com/anyos-project/corekernel/internal/compositor"
	"github.com/anyos-project/corekernel/internal/ipc"
	"github.com/anyos-project/corekernel/internal/logging"
	"github.com/anyos-project/corekernel/internal/mm"
	"github.com/anyos-project/corekernel/internal/sched"
	"github.com/anyos-project/corekernel/internal/syscall"
	"github.com/anyos-project/corekernel/internal/tcp"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
	"github.com/anyos-project/corekernel/pkg/sysinfo"
)

// Config configures BringUp.
type Config struct {
	Info    boot.Info
	NumCPUs int
	Logger  *logging.Logger
	// DiskSectors sizes the simulated SCSI target bound at boot. Zero
	// disables the disk.
	DiskSectors uint64
	// PinAffinity is passed through to the scheduler.
	PinAffinity bool
}

// System is the fully assembled simulated kernel.
type System struct {
	Logger  *logging.Logger
	Frames  *mm.FrameAllocator
	VMM     *mm.VMM
	Sched   *sched.Scheduler
	IPC     *ipc.Registry
	Shm     *ipc.ShmManager
	TCP     *tcp.Stack
	Disk    *block.Registry
	Desktop *compositor.Desktop
	Sys     *sysinfo.Store
	Kernel  *syscall.Kernel
}

// BringUp boots a System from cfg. The boot CPU is CPU 0 throughout.
func BringUp(cfg Config) (*System, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.NumCPUs <= 0 {
		cfg.NumCPUs = 1
	}

	_, numFrames := cfg.Info.UsableFrameRanges(mm.FrameSize)
	if numFrames <= 0 {
		return nil, kernelerr.New("kernelboot", "bring_up", kernelerr.CodeInvalidArgs, "boot memory map has no usable RAM")
	}

	frames, err := mm.NewFrameAllocator(mm.Config{NumFrames: numFrames, Logger: logger})
	if err != nil {
		return nil, err
	}
	vmm, err := mm.NewVMM(frames, cfg.NumCPUs)
	if err != nil {
		frames.Close()
		return nil, err
	}
	registry := ipc.NewRegistry(logger)
	shm := ipc.NewShmManager(frames, vmm)

	scheduler, err := sched.New(sched.Config{
		NumCPUs:     cfg.NumCPUs,
		VMM:         vmm,
		Logger:      logger,
		Shm:         shm,
		PinAffinity: cfg.PinAffinity,
	})
	if err != nil {
		frames.Close()
		return nil, err
	}

	stack := tcp.New(tcp.StackConfig{Logger: logger, Waker: scheduler})

	disk := block.NewRegistry()
	if cfg.DiskSectors > 0 {
		ioc := lsiscsi.NewSimulatedIOC(map[uint8]*lsiscsi.TargetStore{
			0: lsiscsi.NewTargetStore(cfg.DiskSectors),
		})
		driver := lsiscsi.New(lsiscsi.Config{
			IOC:        ioc,
			Logger:     logger,
			Frames:     frames,
			NumSectors: cfg.DiskSectors,
		})
		if err := driver.Init(0); err != nil {
			frames.Close()
			return nil, err
		}
		disk.Register(driver)
	}

	fb := cfg.Info.Framebuffer
	width, height := int(fb.Width), int(fb.Height)
	if width <= 0 || height <= 0 {
		width, height = 1024, 768
	}
	comp := compositor.New(&compositor.Config{Width: width, Height: height, Logger: logger})
	wm := compositor.NewWindowManager(comp, shm, logger)
	dispatcher := compositor.NewDispatcher(registry, comp, wm, shm, logger)
	desktop := compositor.NewDesktop(comp, wm, dispatcher)
	desktop.Init()

	store, err := sysinfo.New()
	if err != nil {
		frames.Close()
		return nil, err
	}

	kernel := syscall.New(syscall.Config{
		Logger:  logger,
		Sched:   scheduler,
		Frames:  frames,
		VMM:     vmm,
		IPC:     registry,
		Shm:     shm,
		TCP:     stack,
		Disk:    disk,
		Desktop: desktop,
		Sys:     store,
	})

	logger.Infof("kernelboot: %d CPUs, %d frames, %dx%d framebuffer, boot mode %d",
		cfg.NumCPUs, numFrames, width, height, cfg.Info.BootMode)

	return &System{
		Logger:  logger,
		Frames:  frames,
		VMM:     vmm,
		Sched:   scheduler,
		IPC:     registry,
		Shm:     shm,
		TCP:     stack,
		Disk:    disk,
		Desktop: desktop,
		Sys:     store,
		Kernel:  kernel,
	}, nil
}

// Close releases the system's host-level resources.
func (s *System) Close() error {
	var first error
	if s.Sys != nil {
		if err := s.Sys.Close(); err != nil && first == nil {
			first = err
		}
	}
	if s.Frames != nil {
		if err := s.Frames.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// StubInfo builds the boot-info structure cmd/anyos-kernel uses when no
// boot-info file is supplied: one usable RAM region of ramBytes, a
// 1024x768x32 framebuffer, legacy BIOS boot.
func StubInfo(ramBytes uint64) boot.Info {
	return boot.Info{
		BootDrive: 0x80,
		BootMode:  boot.BootModeLegacyBIOS,
		Framebuffer: boot.FramebufferInfo{
			PhysAddr: 0xFD000000,
			Pitch:    1024 * 4,
			Width:    1024,
			Height:   768,
			BPP:      32,
		},
		MemoryMap: []boot.MemoryMapEntry{
			{BaseAddr: 0x100000, Length: ramBytes, Type: 1},
		},
	}
}
