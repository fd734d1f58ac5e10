// Package sysinfo persists periodic snapshots of the kernel's system
// information tables (kind 0 = memory summary, kind 1 = per-thread
// table, kind 3 = per-CPU scheduler counters) to an embedded Badger
// store, so an external diagnostics consumer (a task manager, a
// netstat-style tool) can read both the current and the historical
// state. The syscall boundary itself only ever serves the latest
// snapshot; history is the diagnostics surface's addition.
package sysinfo

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// Kind selects which sysinfo table a snapshot belongs to. The numeric
// values are the syscall ABI's kind argument; kind 2 is unassigned.
type Kind uint32

const (
	KindMemory      Kind = 0
	KindThreads     Kind = 1
	KindCPUCounters Kind = 3
)

// MemSummary is the kind-0 payload.
type MemSummary struct {
	TotalFrames int `json:"total_frames"`
	FreeFrames  int `json:"free_frames"`
	FrameSize   int `json:"frame_size"`
}

// ErrNoSnapshot is returned by Latest when no snapshot of the requested
// kind has been recorded yet.
var ErrNoSnapshot = errors.New("sysinfo: no snapshot recorded")

// Store is the snapshot store. Snapshots are JSON-encoded under
// monotonically increasing per-kind sequence numbers.
type Store struct {
	mu     sync.Mutex
	db     *badger.DB
	seq    map[Kind]uint64
	closed bool
}

// New opens an in-memory Badger instance; snapshots do not need to
// survive a restart of the simulation.
func New() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, seq: make(map[Kind]uint64)}, nil
}

func snapKey(kind Kind, seq uint64) []byte {
	key := make([]byte, 0, 16)
	key = append(key, []byte(fmt.Sprintf("snap/%d/", kind))...)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	return append(key, s[:]...)
}

func snapPrefix(kind Kind) []byte {
	return []byte(fmt.Sprintf("snap/%d/", kind))
}

// Put records v as the next snapshot of kind, returning its sequence
// number.
func (s *Store) Put(kind Kind, v any) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("sysinfo: store is closed")
	}
	val, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	seq := s.seq[kind] + 1
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapKey(kind, seq), val)
	})
	if err != nil {
		return 0, err
	}
	s.seq[kind] = seq
	return seq, nil
}

// Latest decodes the most recent snapshot of kind into out.
func (s *Store) Latest(kind Kind, out any) error {
	s.mu.Lock()
	seq := s.seq[kind]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("sysinfo: store is closed")
	}
	if seq == 0 {
		return ErrNoSnapshot
	}
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapKey(kind, seq))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(val)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNoSnapshot
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(val, out)
}

// History returns up to limit raw JSON snapshots of kind, oldest first.
// limit <= 0 means all.
func (s *Store) History(kind Kind, limit int) ([]json.RawMessage, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.New("sysinfo: store is closed")
	}
	var out []json.RawMessage
	prefix := snapPrefix(kind)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, json.RawMessage(val))
		}
		return nil
	})
	return out, err
}

// Close closes the store. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
