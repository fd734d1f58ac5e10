package syscall

import (
	"encoding/json"

	"github.com/anyos-project/corekernel/internal/mm"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
	"github.com/anyos-project/corekernel/pkg/sysinfo"
)

// Sysinfo implements `sysinfo(kind, buf)`: kind 0 is
// the memory summary, kind 1 the per-thread table, kind 3 the per-CPU
// scheduler counters. The returned bytes are the JSON encoding the
// diagnostics surface serves verbatim; a real syscall would copy them
// into the caller's buf. When a snapshot store is configured, each call
// also records the table it served, so history accumulates at exactly
// the rate callers observe the system.
func (k *Kernel) Sysinfo(kind uint32) ([]byte, Errno) {
	var (
		v  any
		sk sysinfo.Kind
	)
	switch sysinfo.Kind(kind) {
	case sysinfo.KindMemory:
		if k.cfg.Frames == nil {
			return nil, kernelerr.ErrNoSys
		}
		v = sysinfo.MemSummary{
			TotalFrames: k.cfg.Frames.NumFrames(),
			FreeFrames:  k.cfg.Frames.FreeCount(),
			FrameSize:   mm.FrameSize,
		}
		sk = sysinfo.KindMemory
	case sysinfo.KindThreads:
		if k.cfg.Sched == nil {
			return nil, kernelerr.ErrNoSys
		}
		v = k.cfg.Sched.Threads()
		sk = sysinfo.KindThreads
	case sysinfo.KindCPUCounters:
		if k.cfg.Sched == nil {
			return nil, kernelerr.ErrNoSys
		}
		v = k.cfg.Sched.Counters()
		sk = sysinfo.KindCPUCounters
	default:
		return nil, kernelerr.ErrInvalid
	}

	buf, err := json.Marshal(v)
	if err != nil {
		return nil, kernelerr.ErrIO
	}
	if k.cfg.Sys != nil {
		if _, err := k.cfg.Sys.Put(sk, v); err != nil {
			k.logf("syscall: sysinfo: snapshot record failed: %v", err)
		}
	}
	return buf, OK
}
