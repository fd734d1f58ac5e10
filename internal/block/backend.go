// Package block implements the block-device HAL: a pluggable Backend
// interface and the registry of the single active backend probed and
// bound at boot. internal/block/lsiscsi implements the Fusion-MPT
// concrete driver this HAL exists to abstract over.
package block

import (
	"sync"

	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// SectorSize is the fixed logical sector size this HAL assumes.
const SectorSize = 512

// Backend is the pluggable interface every concrete disk driver
// implements.
type Backend interface {
	ReadSectors(lba uint64, count uint32, dst []byte) error
	WriteSectors(lba uint64, count uint32, src []byte) error
	NumSectors() uint64
	Close() error
}

// Registry holds the single active backend registered after probing.
// Upper layers (filesystem, MBR reader) call through this registry
// only, never directly against a concrete driver type.
type Registry struct {
	mu      sync.RWMutex
	backend Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Register installs backend as the active backend, replacing any
// previous one.
func (r *Registry) Register(backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backend = backend
}

// Active returns the currently registered backend, or an error if none
// has been probed yet.
func (r *Registry) Active() (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.backend == nil {
		return nil, kernelerr.New("block", "active", kernelerr.CodeNotFound, "no backend registered")
	}
	return r.backend, nil
}

// ReadSectors delegates to the active backend; upper layers call
// through the registry only.
func (r *Registry) ReadSectors(lba uint64, count uint32, dst []byte) error {
	b, err := r.Active()
	if err != nil {
		return err
	}
	return b.ReadSectors(lba, count, dst)
}

// WriteSectors delegates to the active backend.
func (r *Registry) WriteSectors(lba uint64, count uint32, src []byte) error {
	b, err := r.Active()
	if err != nil {
		return err
	}
	return b.WriteSectors(lba, count, src)
}
