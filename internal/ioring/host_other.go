//go:build !linux

package ioring

import "fmt"

// newHostRing is unavailable off Linux; New falls back to the stub ring.
func newHostRing(cfg Config) (Ring, error) {
	return nil, fmt.Errorf("ioring: host io_uring ring requires linux")
}
