package syscall

import (
	"github.com/anyos-project/corekernel/internal/ipc"
	"github.com/anyos-project/corekernel/internal/mm"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// EvtChanCreate implements `evt_chan_create(name)`, idempotent
// by name per internal/ipc.Registry.Create.
func (k *Kernel) EvtChanCreate(name string) int {
	return k.cfg.IPC.Create(name)
}

// EvtChanSubscribe implements `evt_chan_subscribe(chan, filter)`.
func (k *Kernel) EvtChanSubscribe(chanID int, filter ipc.Filter) (int, Errno) {
	subID, err := k.cfg.IPC.Subscribe(chanID, filter)
	return subID, kernelerr.ToErrno(err)
}

// EvtChanUnsubscribe implements `evt_chan_unsubscribe(chan, sub)`.
func (k *Kernel) EvtChanUnsubscribe(chanID, subID int) Errno {
	return kernelerr.ToErrno(k.cfg.IPC.Unsubscribe(chanID, subID))
}

// EvtChanEmit implements `evt_chan_emit(chan, payload, unicast_sub)`.
func (k *Kernel) EvtChanEmit(chanID int, payload ipc.Payload, unicastSub int) Errno {
	return kernelerr.ToErrno(k.cfg.IPC.Emit(chanID, payload, unicastSub))
}

// EvtChanPoll implements `evt_chan_poll(chan, sub)`: returns
// ErrAgain when no payload is queued, matching the non-blocking contract.
func (k *Kernel) EvtChanPoll(chanID, subID int) (ipc.Payload, Errno) {
	payload, ok, err := k.cfg.IPC.Poll(chanID, subID)
	if err != nil {
		return ipc.Payload{}, kernelerr.ToErrno(err)
	}
	if !ok {
		return ipc.Payload{}, kernelerr.ErrAgain
	}
	return payload, OK
}

// ShmCreate implements `shm_create(size)`.
func (k *Kernel) ShmCreate(cpu, size int) (int, Errno) {
	id, err := k.cfg.Shm.Create(cpu, size)
	return id, kernelerr.ToErrno(err)
}

// ShmMap implements `shm_map(id)`: maps shm region id into tid's
// address space and returns its virtual base.
func (k *Kernel) ShmMap(cpu, tid, id int) (mm.VirtAddr, Errno) {
	as, errno := k.threadAddressSpace(tid)
	if errno != OK {
		return 0, errno
	}
	virt, err := k.cfg.Shm.Map(cpu, id, as)
	return virt, kernelerr.ToErrno(err)
}

// ShmUnmap implements `shm_unmap(id)`.
func (k *Kernel) ShmUnmap(tid, id int) Errno {
	as, errno := k.threadAddressSpace(tid)
	if errno != OK {
		return errno
	}
	return kernelerr.ToErrno(k.cfg.Shm.Unmap(id, as))
}

// ShmDestroy implements `shm_destroy(id)`.
func (k *Kernel) ShmDestroy(cpu, id int) Errno {
	return kernelerr.ToErrno(k.cfg.Shm.Destroy(cpu, id))
}
