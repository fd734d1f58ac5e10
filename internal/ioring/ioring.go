// Package ioring provides a generic completion-ring notifier used by
// the virtio virtqueue to learn when a simulated device has produced a
// completion. Ring is backed by either a real Linux io_uring instance
// watching an eventfd (host_linux.go) or an in-process queue (stub.go);
// New picks whichever the host supports.
package ioring

import "errors"

// ErrRingFull is returned when a completion ring cannot accept another
// pending wait registration.
var ErrRingFull = errors.New("ioring: ring full")

// Completion is one entry taken off a ring: UserData identifies which
// in-flight operation completed, Result is the device-reported status
// (0 or positive for success, negative for an error code).
type Completion struct {
	UserData uint64
	Result   int32
}

// Ring is the notifier interface the virtqueue drives its completion
// loop through.
type Ring interface {
	// Arm registers interest in a future completion tagged with userData.
	// The in-process stub returns ErrRingFull when its pending-registration
	// capacity is exhausted; the host io_uring ring has no such limit and
	// always accepts.
	Arm(userData uint64) error

	// Complete is called by the device side (real or simulated) to push a
	// completion; it never blocks.
	Complete(c Completion)

	// Wait blocks until at least one completion is available, or the ring
	// is closed, and returns every completion currently pending.
	Wait() ([]Completion, error)

	// Close releases the ring's resources. Any blocked Wait returns with
	// ErrClosed.
	Close() error
}

// ErrClosed is returned by Wait after Close.
var ErrClosed = errors.New("ioring: closed")

// Config configures a new Ring.
type Config struct {
	// Capacity bounds the number of pending (armed, not yet completed)
	// registrations in the in-process stub. The host io_uring ring uses
	// it only as its queue size and does not bound Arm. Zero means use a
	// reasonable default.
	Capacity int

	// UseHostIOUring requests the real Linux io_uring-backed
	// implementation instead of the in-process stub. It is silently
	// ignored on non-Linux hosts or when the ring cannot be constructed
	// (e.g. no eventfd support), in which case New falls back to the
	// stub.
	UseHostIOUring bool
}

// New creates a Ring per Config, preferring the host io_uring-backed
// implementation when requested and available.
func New(cfg Config) (Ring, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.UseHostIOUring {
		if r, err := newHostRing(cfg); err == nil {
			return r, nil
		}
		// fall through to the stub; a simulation should never fail to
		// start just because the host doesn't support io_uring.
	}
	return newStubRing(cfg), nil
}
