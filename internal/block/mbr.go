package block

import (
	"encoding/binary"

	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// MBR partition table conventions: 4 primary
// slots, type byte per slot, read/written sector-by-sector through the
// block HAL. The interactive editor (fdisk) is an external collaborator
// (non-goal); this package only implements the on-disk layout its
// syscalls operate on.
const (
	mbrSectorLBA     = 0
	mbrSignatureOff  = 510
	mbrSignatureLo   = 0x55
	mbrSignatureHi   = 0xAA
	partitionTableOff = 446
	partitionEntrySize = 16
	numPrimarySlots  = 4
)

// PartitionEntry is one of the 4 primary MBR slots.
type PartitionEntry struct {
	Bootable  bool
	Type      uint8
	StartLBA  uint32
	NumSectors uint32
}

func (e PartitionEntry) encode() [partitionEntrySize]byte {
	var b [partitionEntrySize]byte
	if e.Bootable {
		b[0] = 0x80
	}
	b[4] = e.Type
	binary.LittleEndian.PutUint32(b[8:], e.StartLBA)
	binary.LittleEndian.PutUint32(b[12:], e.NumSectors)
	return b
}

func decodePartitionEntry(b []byte) PartitionEntry {
	return PartitionEntry{
		Bootable:   b[0]&0x80 != 0,
		Type:       b[4],
		StartLBA:   binary.LittleEndian.Uint32(b[8:]),
		NumSectors: binary.LittleEndian.Uint32(b[12:]),
	}
}

// ReadPartitionTable reads the MBR sector from backend and decodes its 4
// primary slots. A slot with Type == 0 is empty.
func ReadPartitionTable(backend Backend) ([numPrimarySlots]PartitionEntry, error) {
	var entries [numPrimarySlots]PartitionEntry
	sector := make([]byte, SectorSize)
	if err := backend.ReadSectors(mbrSectorLBA, 1, sector); err != nil {
		return entries, kernelerr.Wrap("block", "read_partition_table", kernelerr.CodeIO, err)
	}
	if sector[mbrSignatureOff] != mbrSignatureLo || sector[mbrSignatureOff+1] != mbrSignatureHi {
		return entries, kernelerr.New("block", "read_partition_table", kernelerr.CodeProtocol, "missing 0x55AA signature")
	}
	for i := 0; i < numPrimarySlots; i++ {
		off := partitionTableOff + i*partitionEntrySize
		entries[i] = decodePartitionEntry(sector[off : off+partitionEntrySize])
	}
	return entries, nil
}

// WritePartitionTable encodes entries into a fresh MBR sector (preserving
// no bootstrap code, since that is bootloader-owned) and writes it
// back through backend.
func WritePartitionTable(backend Backend, entries [numPrimarySlots]PartitionEntry) error {
	sector := make([]byte, SectorSize)
	for i, e := range entries {
		off := partitionTableOff + i*partitionEntrySize
		enc := e.encode()
		copy(sector[off:off+partitionEntrySize], enc[:])
	}
	sector[mbrSignatureOff] = mbrSignatureLo
	sector[mbrSignatureOff+1] = mbrSignatureHi
	if err := backend.WriteSectors(mbrSectorLBA, 1, sector); err != nil {
		return kernelerr.Wrap("block", "write_partition_table", kernelerr.CodeIO, err)
	}
	return nil
}

// CreatePartition writes entry into slot index (0-3) of backend's
// partition table, backing the partition_create syscall.
func CreatePartition(backend Backend, index int, entry PartitionEntry) error {
	if index < 0 || index >= numPrimarySlots {
		return kernelerr.New("block", "partition_create", kernelerr.CodeInvalidArgs, "slot index out of range")
	}
	entries, err := ReadPartitionTable(backend)
	if err != nil {
		// An uninitialized disk has no valid signature yet; start from
		// an empty table rather than failing partition_create outright.
		if !kernelerr.Is(err, kernelerr.CodeProtocol) {
			return err
		}
		entries = [numPrimarySlots]PartitionEntry{}
	}
	entries[index] = entry
	return WritePartitionTable(backend, entries)
}

// DeletePartition clears slot index.
func DeletePartition(backend Backend, index int) error {
	if index < 0 || index >= numPrimarySlots {
		return kernelerr.New("block", "partition_delete", kernelerr.CodeInvalidArgs, "slot index out of range")
	}
	entries, err := ReadPartitionTable(backend)
	if err != nil {
		return err
	}
	entries[index] = PartitionEntry{}
	return WritePartitionTable(backend, entries)
}
