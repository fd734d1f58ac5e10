package syscall

import "github.com/anyos-project/corekernel/pkg/kernelerr"

// GPUHasAccel implements `gpu_has_accel()`.
func (k *Kernel) GPUHasAccel() (bool, Errno) {
	if k.cfg.Desktop == nil || k.cfg.Desktop.Compositor == nil {
		return false, kernelerr.ErrNoSys
	}
	return k.cfg.Desktop.Compositor.HasGPUAccel(), OK
}

// GPUHasHWCursor implements `gpu_has_hw_cursor()`.
func (k *Kernel) GPUHasHWCursor() (bool, Errno) {
	if k.cfg.Desktop == nil || k.cfg.Desktop.Compositor == nil {
		return false, kernelerr.ErrNoSys
	}
	return k.cfg.Desktop.Compositor.HasHWCursor(), OK
}

// GPU3DSubmit implements `gpu_3d_submit(cmdbuf)`. No 3D command
// transport exists in this implementation (the modeled device is a 2D
// framebuffer device); this always
// reports unsupported rather than silently discarding submitted work.
func (k *Kernel) GPU3DSubmit(cmdbuf []byte) Errno {
	return kernelerr.ErrNoSys
}
