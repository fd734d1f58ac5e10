//go:build linux

package ioring

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// hostRing backs Ring with a real Linux io_uring instance (via giouring)
// that waits on an eventfd; Complete writes to the eventfd to wake the
// ring the same way a real virtio device's notify region or a Fusion-MPT
// IOC's interrupt-status register would wake a polling driver thread.
// This is the concrete, host-observable notification path the simulated
// devices in internal/virtio drive; the stub ring
// (stub.go) covers everything that doesn't need a real wakeup source,
// such as unit tests run with GOOS!=linux or without CAP_SYS_ADMIN-free
// io_uring access.
type hostRing struct {
	mu      sync.Mutex
	ring    *giouring.Ring
	evfd    int
	pending map[uint64]struct{}
	queue   []Completion
	closed  bool
	wake    chan struct{}
}

func newHostRing(cfg Config) (Ring, error) {
	evfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("ioring: eventfd: %w", err)
	}

	ring, err := giouring.CreateRing(uint32(cfg.Capacity))
	if err != nil {
		unix.Close(evfd)
		return nil, fmt.Errorf("ioring: io_uring_setup: %w", err)
	}

	r := &hostRing{
		ring:    ring,
		evfd:    evfd,
		pending: make(map[uint64]struct{}),
		wake:    make(chan struct{}, 1),
	}
	go r.pollLoop()
	return r, nil
}

// pollLoop submits a read of the eventfd counter through io_uring and
// blocks for its completion; every time the eventfd is written (by
// Complete, simulating a device interrupt/notify), the read completes and
// pollLoop wakes any blocked Wait call.
func (r *hostRing) pollLoop() {
	buf := make([]byte, 8)
	for {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}

		sqe := r.ring.GetSQE()
		if sqe == nil {
			continue
		}
		sqe.PrepareRead(r.evfd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
		if _, err := r.ring.SubmitAndWait(1); err != nil {
			return
		}
		cqe, err := r.ring.WaitCQE()
		if err != nil {
			return
		}
		r.ring.CQESeen(cqe)

		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

func (r *hostRing) Arm(userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[userData] = struct{}{}
	return nil
}

func (r *hostRing) Complete(c Completion) {
	r.mu.Lock()
	delete(r.pending, c.UserData)
	r.queue = append(r.queue, c)
	r.mu.Unlock()

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	_, _ = unix.Write(r.evfd, b[:])
}

func (r *hostRing) Wait() ([]Completion, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			out := r.queue
			r.queue = nil
			r.mu.Unlock()
			return out, nil
		}
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		<-r.wake
	}
}

func (r *hostRing) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	r.ring.QueueExit()
	return unix.Close(r.evfd)
}
