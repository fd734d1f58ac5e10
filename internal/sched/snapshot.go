package sched

// ThreadSnapshot is one row of the per-thread table sysinfo kind 1
// reports. Field order mirrors the TCB.
type ThreadSnapshot struct {
	TID       int    `json:"tid"`
	ParentTID int    `json:"parent_tid"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Priority  int    `json:"priority"`
	CPUTicks  uint64 `json:"cpu_ticks"`
	IsIdle    bool   `json:"is_idle"`
	Critical  bool   `json:"critical"`
	ExitCode  int    `json:"exit_code,omitempty"`
}

// CPUCounters is one row of the per-CPU scheduler counter table sysinfo
// kind 3 reports.
type CPUCounters struct {
	CPU        int    `json:"cpu"`
	CurrentTID int    `json:"current_tid"`
	IdleTID    int    `json:"idle_tid"`
	HasThread  bool   `json:"has_thread"`
	IsUser     bool   `json:"is_user"`
	Dispatches uint64 `json:"dispatches"`
}

// IsLive reports whether tid names a thread that has not terminated.
func (s *Scheduler) IsLive(tid int) bool {
	t, ok := s.Lookup(tid)
	if !ok {
		return false
	}
	return t.snapshotState() != Terminated
}

// Threads returns a snapshot of every TCB, sorted by tid.
func (s *Scheduler) Threads() []ThreadSnapshot {
	s.mu.Lock()
	tcbs := make([]*TCB, 0, len(s.threads))
	for _, t := range s.threads {
		tcbs = append(tcbs, t)
	}
	s.mu.Unlock()

	out := make([]ThreadSnapshot, 0, len(tcbs))
	for _, t := range tcbs {
		t.mu.Lock()
		out = append(out, ThreadSnapshot{
			TID:       t.TID,
			ParentTID: t.ParentTID,
			Name:      t.Name,
			State:     t.State.String(),
			Priority:  t.Priority,
			CPUTicks:  t.CPUTicks,
			IsIdle:    t.IsIdle,
			Critical:  t.Critical,
			ExitCode:  t.ExitCode,
		})
		t.mu.Unlock()
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].TID < out[j-1].TID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Counters returns the per-CPU scheduler counters for every CPU.
func (s *Scheduler) Counters() []CPUCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CPUCounters, len(s.cpus))
	for c, cs := range s.cpus {
		out[c] = CPUCounters{
			CPU:        c,
			CurrentTID: cs.currentTID,
			IdleTID:    cs.idleTID,
			HasThread:  cs.hasThread,
			IsUser:     cs.isUser,
			Dispatches: cs.dispatches,
		}
	}
	return out
}
