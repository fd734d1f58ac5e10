package syscall

import "github.com/anyos-project/corekernel/pkg/kernelerr"

// Spawn implements the `spawn(path, args)` syscall's kernel-thread
// form: it creates a kernel thread the caller is responsible for giving
// work to, and loads no program image. fork/exec-style
// primitives can be expressed in terms of Spawn plus LoadAndRun and are
// not provided separately.
func (k *Kernel) Spawn(priority int, name string) (int, Errno) {
	tid, err := k.cfg.Sched.Spawn(priority, name)
	return tid, kernelerr.ToErrno(err)
}

// LoadAndRun implements spawn's user-process form: a new address space
// plus a new user thread. No program image is loaded; path is not read.
func (k *Kernel) LoadAndRun(cpu int, path, name string, priority int) (int, Errno) {
	tid, err := k.cfg.Sched.LoadAndRun(cpu, path, name, priority)
	return tid, kernelerr.ToErrno(err)
}

// Wait implements `wait(tid)`: blocks until target reaches Terminated and
// returns its exit code.
func (k *Kernel) Wait(tid int) (int, Errno) {
	code, err := k.cfg.Sched.Wait(tid)
	return code, kernelerr.ToErrno(err)
}

// Exit implements `exit(code)`. atTick is the
// scheduler's current tick, threaded through by the caller's CPU loop.
func (k *Kernel) Exit(tid, code int, atTick uint64) {
	k.cfg.Sched.ExitCurrent(tid, code, atTick)
}

// Kill implements `kill(tid)`.
func (k *Kernel) Kill(tid int, atTick uint64) Errno {
	return kernelerr.ToErrno(k.cfg.Sched.KillThread(tid, atTick))
}

// Yield implements `yield`.
func (k *Kernel) Yield(tid int) { k.cfg.Sched.YieldCPU(tid) }

// GetTID implements `gettid`.
func (k *Kernel) GetTID(cpu int) int { return k.cfg.Sched.CurrentTID(cpu) }

// GetUID implements `getuid`. This simulation has no
// multi-user identity model; every thread runs as
// uid 0, matching a freestanding kernel with no notion of login users
// at this layer.
func (k *Kernel) GetUID() uint32 { return 0 }
