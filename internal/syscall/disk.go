package syscall

import (
	"github.com/anyos-project/corekernel/internal/block"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// DiskPartitions implements `disk_partitions()`: returns the
// 4 MBR primary slots of the active backend.
func (k *Kernel) DiskPartitions() ([4]block.PartitionEntry, Errno) {
	backend, err := k.cfg.Disk.Active()
	if err != nil {
		return [4]block.PartitionEntry{}, kernelerr.ToErrno(err)
	}
	table, err := block.ReadPartitionTable(backend)
	return table, kernelerr.ToErrno(err)
}

// PartitionCreate implements `partition_create(index, entry)`.
func (k *Kernel) PartitionCreate(index int, entry block.PartitionEntry) Errno {
	backend, err := k.cfg.Disk.Active()
	if err != nil {
		return kernelerr.ToErrno(err)
	}
	return kernelerr.ToErrno(block.CreatePartition(backend, index, entry))
}

// PartitionDelete implements `partition_delete(index)`.
func (k *Kernel) PartitionDelete(index int) Errno {
	backend, err := k.cfg.Disk.Active()
	if err != nil {
		return kernelerr.ToErrno(err)
	}
	return kernelerr.ToErrno(block.DeletePartition(backend, index))
}

// PartitionRescan implements `partition_rescan()`: re-reads the
// partition table from the active backend, surfacing any on-disk
// corruption as an error rather than caching a stale copy.
func (k *Kernel) PartitionRescan() ([4]block.PartitionEntry, Errno) {
	return k.DiskPartitions()
}
