// Package ports hands out host ports for runtime containers from a fixed
// range, skipping ports already claimed by the registry or already bound on
// the Docker host.
package ports

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolExhausted is returned when every port in the range is in use.
var ErrPoolExhausted = errors.New("ports: pool exhausted")

// Source reports ports that are currently in use. The registry and the
// container supervisor both implement it; the allocator unions their answers.
type Source interface {
	UsedPorts(ctx context.Context) ([]int, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) ([]int, error)

func (f SourceFunc) UsedPorts(ctx context.Context) ([]int, error) { return f(ctx) }

// Allocator picks the lowest free port in [base, base+size). It serializes
// allocations so two concurrent creates cannot pick the same port; the
// registry's unique index on active ports is the last line of defense if an
// external process races us.
type Allocator struct {
	base    int
	size    int
	sources []Source

	mu sync.Mutex
}

// New builds an allocator over [base, base+size) consulting the given
// in-use sources.
func New(base, size int, sources ...Source) (*Allocator, error) {
	if base <= 0 || base > 65535 {
		return nil, fmt.Errorf("ports: invalid base port %d", base)
	}
	if size <= 0 || base+size > 65536 {
		return nil, fmt.Errorf("ports: invalid range size %d from base %d", size, base)
	}
	return &Allocator{base: base, size: size, sources: sources}, nil
}

// Allocate returns the lowest port in the range not reported in use by any
// source. It holds the allocator lock for the duration, including the source
// queries, so concurrent callers see each other's claims through the sources
// once the caller has persisted the port.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	used := make(map[int]bool)
	for _, src := range a.sources {
		ports, err := src.UsedPorts(ctx)
		if err != nil {
			return 0, fmt.Errorf("ports: query in-use ports: %w", err)
		}
		for _, p := range ports {
			used[p] = true
		}
	}

	for p := a.base; p < a.base+a.size; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w (range %d-%d)", ErrPoolExhausted, a.base, a.base+a.size-1)
}

// Range reports the allocator's port range as (base, size).
func (a *Allocator) Range() (base, size int) { return a.base, a.size }
