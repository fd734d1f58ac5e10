package lsiscsi

import (
	"github.com/anyos-project/corekernel/internal/logging"
	"github.com/anyos-project/corekernel/internal/mm"
	"github.com/anyos-project/corekernel/pkg/bufpool"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// BounceSectors is the bounce-buffer size in 512-byte sectors.
const BounceSectors = 128 // 64KB per in-flight chunk

// Driver is the Fusion-MPT block driver. It implements
// internal/block.Backend once bound to a target.
type Driver struct {
	ioc    IOC
	logger *logging.Logger
	frames *mm.FrameAllocator

	requestFrame mm.PhysAddr
	replyFrame   mm.PhysAddr
	senseFrame   mm.PhysAddr

	boundTarget uint8
	bound       bool
	numSectors  uint64
}

// Config configures Driver.Init.
type Config struct {
	IOC        IOC
	Logger     *logging.Logger
	Frames     *mm.FrameAllocator
	NumSectors uint64 // reported device size once bound
}

// New constructs an unbound Driver.
func New(cfg Config) *Driver {
	return &Driver{ioc: cfg.IOC, logger: cfg.Logger, frames: cfg.Frames, numSectors: cfg.NumSectors}
}

// Init brings up the IOC: reset via doorbell, wait for READY, mask
// interrupts, allocate the three identity-mapped DMA pages (bounce
// buffers are taken from pkg/bufpool per I/O chunk, not here), send
// IOC_INIT, post the reply buffer, probe targets
// 0..7 with TEST UNIT READY (continuing past non-responders on a short
// per-target timeout), and bind to the first responder.
func (d *Driver) Init(cpu int) error {
	state := d.ioc.Doorbell(doorbellReset)
	if state != iocStateReady {
		return kernelerr.New("lsiscsi", "init", kernelerr.CodeIO, "IOC did not reach READY after reset")
	}
	d.ioc.MaskInterrupts()

	var err error
	if d.requestFrame, err = d.frames.AllocFrame(cpu); err != nil {
		return kernelerr.Wrap("lsiscsi", "init", kernelerr.CodeOutOfMemory, err)
	}
	if d.replyFrame, err = d.frames.AllocFrame(cpu); err != nil {
		return kernelerr.Wrap("lsiscsi", "init", kernelerr.CodeOutOfMemory, err)
	}
	if d.senseFrame, err = d.frames.AllocFrame(cpu); err != nil {
		return kernelerr.Wrap("lsiscsi", "init", kernelerr.CodeOutOfMemory, err)
	}

	d.ioc.Doorbell(doorbellIOCInit)
	// "post the reply buffer to the reply FIFO" has no separate
	// observable effect in this simulation beyond the reply frame
	// already being allocated above; SimulatedIOC autonomously services
	// the reply FIFO rather than requiring a driver-posted empty buffer,
	// since there is no real DMA engine here to write into one.

	for target := uint8(0); target < 8; target++ {
		if d.ioc.ProbeTarget(target) {
			d.boundTarget = target
			d.bound = true
			if d.logger != nil {
				d.logger.Infof("lsiscsi: bound to target %d", target)
			}
			break
		}
		// Non-responding target: continue the probe loop rather than
		// aborting.
	}
	if !d.bound {
		return kernelerr.New("lsiscsi", "init", kernelerr.CodeNotFound, "no responding SCSI target in range 0..7")
	}
	return nil
}

// NumSectors implements internal/block.Backend.
func (d *Driver) NumSectors() uint64 { return d.numSectors }

// Close implements internal/block.Backend; nothing to release beyond
// the three DMA frames, which are intentionally not freed back since
// Driver owns them identity-mapped for the process lifetime.
func (d *Driver) Close() error { return nil }

// ReadSectors implements internal/block.Backend, splitting the request
// into bounce-buffer-sized chunks.
func (d *Driver) ReadSectors(lba uint64, count uint32, dst []byte) error {
	return d.chunked(lba, count, dst, msgSCSIIORead)
}

// WriteSectors implements internal/block.Backend.
func (d *Driver) WriteSectors(lba uint64, count uint32, src []byte) error {
	return d.chunked(lba, count, src, msgSCSIIOWrite)
}

func (d *Driver) chunked(lba uint64, count uint32, buf []byte, msgType uint8) error {
	if !d.bound {
		return kernelerr.New("lsiscsi", "io", kernelerr.CodeNotFound, "no target bound")
	}
	const sectorsPerChunk = BounceSectors
	offset := uint32(0)
	for remaining := count; remaining > 0; {
		chunkSectors := remaining
		if chunkSectors > sectorsPerChunk {
			chunkSectors = sectorsPerChunk
		}
		chunkBytes := chunkSectors * 512
		bounce := bufpool.Global.Get(int(chunkBytes))

		if msgType == msgSCSIIOWrite {
			copy(bounce, buf[offset:offset+chunkBytes])
		}

		d.ioc.PostRequest(Message{
			Type:      msgType,
			Target:    d.boundTarget,
			LBA:       lba + uint64(offset)/512,
			Length:    chunkBytes,
			BouncePtr: bounce,
		})

		// Poll the interrupt status, then read the reply word.
		for !d.ioc.PollInterruptStatus() {
			// Busy-poll: the simulation always has the reply ready
			// synchronously by the time PostRequest returns, since
			// SimulatedIOC services its FIFO inline. A real driver polls
			// hardware here instead.
		}
		reply, ok := d.ioc.PopReply()
		if !ok {
			bufpool.Global.Put(bounce)
			return kernelerr.New("lsiscsi", "io", kernelerr.CodeIO, "interrupt status set but no reply present")
		}
		if reply.AddressReply {
			bufpool.Global.Put(bounce)
			return kernelerr.Wrap("lsiscsi", "io", kernelerr.CodeIO, reply.Error)
		}

		if msgType == msgSCSIIORead {
			copy(buf[offset:offset+chunkBytes], bounce)
		}
		bufpool.Global.Put(bounce)

		offset += chunkBytes
		remaining -= chunkSectors
	}
	return nil
}
