// Package sched implements the multi-CPU preemptive scheduler: per-CPU
// run queues, thread lifecycle (spawn/exit/kill/wait), fault recovery,
// and the deferred address-space destruction drain. One goroutine per
// simulated CPU runs a tight dispatch loop picking threads off that
// CPU's multilevel priority run queue.
package sched

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/anyos-project/corekernel/internal/logging"
	"github.com/anyos-project/corekernel/internal/mm"
	"github.com/anyos-project/corekernel/pkg/cpulock"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// NumPriorities bounds the priority levels the multilevel run queue
// supports; priority is numeric, lower = higher priority.
const NumPriorities = 32

// State is a thread's lifecycle state.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SignalSet is a per-thread pending-signal bitmask.
type SignalSet uint32

const (
	SigChld SignalSet = 1 << iota
)

// TCB is the kernel's per-thread record.
type TCB struct {
	mu sync.Mutex

	TID       int
	ParentTID int
	Name      string

	State    State
	Priority int

	AddressSpace *mm.AddressSpace
	PDShared     bool

	Signals     SignalSet
	WaitingTID  int // thread blocked in wait(this tid)
	ExitCode    int
	TerminatedAtTick uint64

	IsIdle   bool
	Critical bool

	CPUTicks uint64

	cpu int // which CPU slot this thread is pinned/assigned to when Running
}

func (t *TCB) snapshotState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// runQueue is a multilevel priority FIFO queue: one FIFO
// per priority level, dequeue picks the highest-priority non-empty FIFO.
type runQueue struct {
	levels [NumPriorities][]int // tid lists
}

func (q *runQueue) push(priority, tid int) {
	if priority < 0 {
		priority = 0
	}
	if priority >= NumPriorities {
		priority = NumPriorities - 1
	}
	q.levels[priority] = append(q.levels[priority], tid)
}

func (q *runQueue) pop() (int, bool) {
	for p := 0; p < NumPriorities; p++ {
		if len(q.levels[p]) > 0 {
			tid := q.levels[p][0]
			q.levels[p] = q.levels[p][1:]
			return tid, true
		}
	}
	return 0, false
}

func (q *runQueue) remove(tid int) bool {
	for p := 0; p < NumPriorities; p++ {
		for i, v := range q.levels[p] {
			if v == tid {
				q.levels[p] = append(q.levels[p][:i], q.levels[p][i+1:]...)
				return true
			}
		}
	}
	return false
}

// cpuState is the per-CPU scheduler state: current_tid,
// current_idx cache, run_queue, idle tid, and the has_thread/is_user
// flags. Every access, by the owning CPU's loop or by a cross-CPU
// observer, goes through Scheduler.mu.
type cpuState struct {
	currentTID int
	idleTID    int
	hasThread  bool
	isUser     bool
	queue      runQueue
	dispatches uint64
}

// ShmCleaner releases every shared-memory mapping an address space
// holds, satisfied by *ipc.ShmManager without this package importing it
// directly.
type ShmCleaner interface {
	UnmapAll(as *mm.AddressSpace)
}

// Config configures a new Scheduler.
type Config struct {
	NumCPUs int
	VMM     *mm.VMM
	Logger  *logging.Logger
	// Shm, when set, is drained of the dying thread's address-space
	// mappings during terminate, so shm regions mapped by a killed
	// thread do not stay refcounted forever.
	Shm ShmCleaner
	// PinAffinity requests unix.SchedSetaffinity for each simulated CPU's
	// goroutine, one OS thread per simulated CPU. Best-effort: failures
	// are logged, not fatal.
	PinAffinity bool
}

// ExitWaiter is notified when a thread it is waiting on terminates.
type ExitWaiter struct {
	Code int
}

// Scheduler owns every TCB, the per-CPU run queues, and the global
// scheduler lock.
type Scheduler struct {
	cfg Config

	lock *cpulock.CPULock // global scheduler lock, owning-CPU id recorded

	mu      sync.Mutex // guards threads, cpus, nextTID; lock carries the force-unlock owner-CPU semantics, mu is the Go-side bookkeeping mutex underneath it
	threads map[int]*TCB
	cpus    []*cpuState
	nextTID int

	waiters map[int]chan int // tid -> channel the wait() caller blocks on, closed/sent on exit

	badRSP uint64 // diagnostic slot written by fault recovery

	onSigChld func(parentTID int) // hook for delivering SIGCHLD; nil-safe
}

// New constructs a Scheduler with numCPUs simulated CPUs, each with its
// own idle thread.
func New(cfg Config) (*Scheduler, error) {
	if cfg.NumCPUs <= 0 {
		return nil, kernelerr.New("sched", "new", kernelerr.CodeInvalidArgs, "numCPUs must be > 0")
	}
	s := &Scheduler{
		cfg:     cfg,
		lock:    cpulock.New(),
		threads: make(map[int]*TCB),
		cpus:    make([]*cpuState, cfg.NumCPUs),
		nextTID: 1,
		waiters: make(map[int]chan int),
	}
	for c := 0; c < cfg.NumCPUs; c++ {
		idle := s.newTCBLocked(0, "idle", NumPriorities-1, nil)
		idle.IsIdle = true
		idle.Critical = true
		idle.cpu = c
		idle.State = Running
		s.cpus[c] = &cpuState{currentTID: idle.TID, idleTID: idle.TID, hasThread: true, isUser: false}
	}
	return s, nil
}

func (s *Scheduler) newTCBLocked(parentTID int, name string, priority int, as *mm.AddressSpace) *TCB {
	tid := s.nextTID
	s.nextTID++
	t := &TCB{
		TID:          tid,
		ParentTID:    parentTID,
		Name:         name,
		State:        Ready,
		Priority:     priority,
		AddressSpace: as,
	}
	s.threads[tid] = t
	return t
}

// NumCPUs returns the number of simulated CPUs.
func (s *Scheduler) NumCPUs() int { return len(s.cpus) }

// IdleTID returns the idle thread's tid for the given CPU.
func (s *Scheduler) IdleTID(cpu int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cpus[cpu].idleTID
}

// CurrentTID returns the tid currently marked Running on cpu.
func (s *Scheduler) CurrentTID(cpu int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cpus[cpu].currentTID
}

// Lookup returns the TCB for tid, if it exists.
func (s *Scheduler) Lookup(tid int) (*TCB, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	return t, ok
}

// OnSigChld registers the hook invoked when a thread's SIGCHLD is
// delivered to its parent.
func (s *Scheduler) OnSigChld(fn func(parentTID int)) { s.onSigChld = fn }

// Spawn creates a kernel thread with no address space and enqueues it
// Ready. No entry point is recorded: the simulated CPUs run whatever
// tickFn is passed to Run.
func (s *Scheduler) Spawn(priority int, name string) (int, error) {
	s.mu.Lock()
	t := s.newTCBLocked(s.cpus[0].currentTID, name, priority, nil)
	s.mu.Unlock()
	s.enqueue(t)
	return t.TID, nil
}

// LoadAndRun creates a user process: a new address
// space plus a new user thread, enqueued Ready. No program image is
// loaded: path is not read, and the new address space's lower half
// starts empty.
func (s *Scheduler) LoadAndRun(cpu int, path, name string, priority int) (int, error) {
	if s.cfg.VMM == nil {
		return 0, kernelerr.New("sched", "load_and_run", kernelerr.CodeUnsupported, "no VMM configured")
	}
	as, err := s.cfg.VMM.NewAddressSpace(cpu)
	if err != nil {
		return 0, kernelerr.Wrap("sched", "load_and_run", kernelerr.CodeOutOfMemory, err)
	}
	s.mu.Lock()
	t := s.newTCBLocked(s.cpus[cpu].currentTID, name, priority, as)
	s.mu.Unlock()
	s.enqueue(t)
	return t.TID, nil
}

func (s *Scheduler) enqueue(t *TCB) {
	t.mu.Lock()
	t.State = Ready
	priority, tid := t.Priority, t.TID
	t.mu.Unlock()

	cpu := 0 // placement: round-robin by tid
	if n := len(s.cpus); n > 0 {
		cpu = tid % n
	}
	s.mu.Lock()
	s.cpus[cpu].queue.push(priority, tid)
	s.mu.Unlock()
}

// TryWakeThread transitions Blocked -> Ready and enqueues.
func (s *Scheduler) TryWakeThread(tid int) error {
	t, ok := s.Lookup(tid)
	if !ok {
		return kernelerr.New("sched", "try_wake_thread", kernelerr.CodeNotFound, "no such tid")
	}
	t.mu.Lock()
	if t.State != Blocked {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	s.enqueue(t)
	return nil
}

// BlockCurrent transitions the calling thread (identified by tid) to
// Blocked. The caller must arrange to be woken via TryWakeThread.
func (s *Scheduler) BlockCurrent(tid int) error {
	t, ok := s.Lookup(tid)
	if !ok {
		return kernelerr.New("sched", "block_current", kernelerr.CodeNotFound, "no such tid")
	}
	t.mu.Lock()
	t.State = Blocked
	t.mu.Unlock()
	return nil
}

// Wait blocks the caller until target reaches Terminated, returning its
// exit code.
func (s *Scheduler) Wait(tid int) (int, error) {
	t, ok := s.Lookup(tid)
	if !ok {
		return 0, kernelerr.New("sched", "wait", kernelerr.CodeNotFound, "no such tid")
	}
	// Check the state and register the waiter under s.mu: terminate sets
	// Terminated before it takes s.mu to look for a waiter, so an exit
	// that lands in between is seen here instead of being missed.
	s.mu.Lock()
	t.mu.Lock()
	if t.State == Terminated {
		code := t.ExitCode
		t.mu.Unlock()
		s.mu.Unlock()
		return code, nil
	}
	t.mu.Unlock()
	ch, ok := s.waiters[tid]
	if !ok {
		ch = make(chan int, 1)
		s.waiters[tid] = ch
	}
	s.mu.Unlock()

	code := <-ch
	return code, nil
}

// terminate is the shared tail of ExitCurrent/KillThread/fault recovery:
// mark t Terminated, wake any wait() caller, send SIGCHLD to the parent,
// and enqueue the address space for deferred destruction if no live
// sibling thread still references it.
func (s *Scheduler) terminate(t *TCB, code int, atTick uint64) {
	t.mu.Lock()
	if t.State == Terminated {
		t.mu.Unlock()
		return
	}
	t.State = Terminated
	t.ExitCode = code
	t.TerminatedAtTick = atTick
	as := t.AddressSpace
	pdShared := t.PDShared
	parentTID := t.ParentTID
	tid := t.TID
	t.mu.Unlock()

	s.mu.Lock()
	ch, hasWaiter := s.waiters[tid]
	delete(s.waiters, tid)
	for c := range s.cpus {
		s.cpus[c].queue.remove(tid)
	}
	noLiveSibling := as != nil && !pdShared && !s.hasLiveThreadWithASLocked(as, tid)
	s.mu.Unlock()

	if hasWaiter {
		ch <- code
	}

	// Release the shared-memory mappings the dying address space still
	// holds before it is queued for teardown, so a region the thread
	// never explicitly unmapped does not stay refcounted forever. A
	// sibling thread still sharing the address space keeps its mappings.
	if as != nil && noLiveSibling && s.cfg.Shm != nil {
		s.cfg.Shm.UnmapAll(as)
	}

	if as != nil && noLiveSibling && s.cfg.VMM != nil {
		running := s.threadRunningElsewhere(tid)
		waitingOn := 0
		if running {
			waitingOn = tid // a CPU may still be executing on this AS; drained once it reschedules
		}
		s.cfg.VMM.EnqueueDeferredDestroy(as, waitingOn)
	}

	if s.onSigChld != nil && parentTID != 0 {
		if parent, ok := s.Lookup(parentTID); ok {
			parent.mu.Lock()
			parent.Signals |= SigChld
			parent.mu.Unlock()
			s.onSigChld(parentTID)
		}
	}
}

func (s *Scheduler) hasLiveThreadWithASLocked(as *mm.AddressSpace, exclude int) bool {
	for tid, t := range s.threads {
		if tid == exclude {
			continue
		}
		t.mu.Lock()
		same := t.AddressSpace == as && t.State != Terminated
		t.mu.Unlock()
		if same {
			return true
		}
	}
	return false
}

func (s *Scheduler) threadRunningElsewhere(tid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cpus {
		if c.currentTID == tid {
			return true
		}
	}
	return false
}

// ExitCurrent marks the current thread Terminated.
// atTick is the scheduler's current tick count, for TerminatedAtTick
// bookkeeping.
func (s *Scheduler) ExitCurrent(tid int, code int, atTick uint64) {
	t, ok := s.Lookup(tid)
	if !ok {
		return
	}
	s.terminate(t, code, atTick)
}

// TryExitCurrent is ExitCurrent's try-lock sibling,
// safe to call from fault handlers: it uses cpulock's TryLock-shaped
// acquisition instead of blocking. Returns false if the scheduler lock
// could not be acquired, in which case the caller should fall back to
// fault_kill_and_idle.
func (s *Scheduler) TryExitCurrent(cpu int, tid int, code int, atTick uint64) bool {
	if !s.lock.TryLock(cpu) {
		return false
	}
	defer s.lock.Unlock()
	s.ExitCurrent(tid, code, atTick)
	return true
}

// KillThread marks target Terminated, removes it from all queues, and
// cleans up its resources. The address space is always enqueued for
// deferred destruction, never destroyed here; if the target is
// currently Running on a CPU, the entry also waits on its tid, since
// this CPU cannot safely tear down page tables another CPU may be
// executing on.
func (s *Scheduler) KillThread(tid int, atTick uint64) error {
	t, ok := s.Lookup(tid)
	if !ok {
		return kernelerr.New("sched", "kill_thread", kernelerr.CodeNotFound, "no such tid")
	}
	t.mu.Lock()
	if t.Critical {
		t.mu.Unlock()
		return kernelerr.New("sched", "kill_thread", kernelerr.CodeInvalidArgs, "cannot kill a critical thread")
	}
	t.mu.Unlock()
	s.terminate(t, 137, atTick) // SIGKILL-equivalent exit code
	return nil
}

// YieldCPU voluntarily re-enters the scheduler: the caller's thread is
// re-enqueued at the tail of its priority level.
func (s *Scheduler) YieldCPU(tid int) {
	t, ok := s.Lookup(tid)
	if !ok {
		return
	}
	t.mu.Lock()
	if t.State == Terminated {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	s.enqueue(t)
}

// Tick performs one timer-tick preemption pass on cpu: if the running
// thread is not idle and has not already yielded/blocked/terminated,
// it is re-enqueued at the tail of its priority level and the next
// Ready thread (if any) is dispatched; otherwise the idle thread runs.
func (s *Scheduler) Tick(cpu int) (dispatched int) {
	s.mu.Lock()
	cs := s.cpus[cpu]
	current := cs.currentTID
	s.mu.Unlock()

	t, ok := s.Lookup(current)
	if ok {
		t.mu.Lock()
		stillRunning := t.State == Running && !t.IsIdle
		t.mu.Unlock()
		if stillRunning {
			s.enqueue(t)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next, found := cs.queue.pop()
	if !found {
		cs.currentTID = cs.idleTID
		cs.hasThread = true
		cs.dispatches++
		return cs.idleTID
	}
	if nt, ok := s.threads[next]; ok {
		nt.mu.Lock()
		nt.State = Running
		nt.cpu = cpu
		nt.CPUTicks++
		isUser := nt.AddressSpace != nil
		nt.mu.Unlock()
		cs.currentTID = next
		cs.hasThread = true
		cs.isUser = isUser
		cs.dispatches++
	}
	return next
}

// Run starts one goroutine per simulated CPU, each invoking tickFn
// until ctx is canceled, joined through errgroup for clean
// multi-goroutine shutdown.
func (s *Scheduler) Run(ctx context.Context, tickFn func(cpu int)) error {
	g, ctx := errgroup.WithContext(ctx)
	for c := 0; c < len(s.cpus); c++ {
		cpu := c
		g.Go(func() error {
			if s.cfg.PinAffinity {
				runtime.LockOSThread()
				var mask unix.CPUSet
				mask.Set(cpu % len(s.cpus))
				if err := unix.SchedSetaffinity(0, &mask); err != nil && s.cfg.Logger != nil {
					s.cfg.Logger.Warnf("sched: cpu %d: affinity pin failed: %v", cpu, err)
				}
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				default:
					tickFn(cpu)
				}
			}
		})
	}
	return g.Wait()
}

// SendSignal adds sig to tid's pending-set. SIGCHLD
// delivery on exit goes through this same path via the onSigChld hook.
func (s *Scheduler) SendSignal(tid int, sig SignalSet) error {
	t, ok := s.Lookup(tid)
	if !ok {
		return kernelerr.New("sched", "send_signal", kernelerr.CodeNotFound, "no such tid")
	}
	t.mu.Lock()
	t.Signals |= sig
	t.mu.Unlock()
	return nil
}

// PendingSignals returns tid's current pending-set without clearing it.
func (s *Scheduler) PendingSignals(tid int) (SignalSet, error) {
	t, ok := s.Lookup(tid)
	if !ok {
		return 0, kernelerr.New("sched", "pending_signals", kernelerr.CodeNotFound, "no such tid")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Signals, nil
}

// ConsumeSignals returns tid's pending-set and clears it.
func (s *Scheduler) ConsumeSignals(tid int) (SignalSet, error) {
	t, ok := s.Lookup(tid)
	if !ok {
		return 0, kernelerr.New("sched", "consume_signals", kernelerr.CodeNotFound, "no such tid")
	}
	t.mu.Lock()
	sig := t.Signals
	t.Signals = 0
	t.mu.Unlock()
	return sig, nil
}
