// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoPorts = errors.New("no ports available")

// PortPair is one dialog's UDP media ports. Recv is the even port the engine
// receives on, Send the port it sends from.
type PortPair struct {
	Recv int
	Send int
}

// PortPool hands out port pairs (p, p+2) from [start, end) with a stride of 4
// between allocations. A pair stays allocated exactly as long as a live
// dialog owns it.
type PortPool struct {
	mu        sync.Mutex
	start     int
	end       int
	free      []int
	allocated map[int]bool
}

func NewPortPool(start, end int) (*PortPool, error) {
	if start%2 != 0 {
		return nil, fmt.Errorf("port range start %d must be even", start)
	}
	pool := &PortPool{
		start:     start,
		end:       end,
		allocated: make(map[int]bool),
	}
	for p := start; p+2 < end; p += 4 {
		pool.free = append(pool.free, p)
	}
	if len(pool.free) == 0 {
		return nil, fmt.Errorf("port range [%d, %d) holds no pair", start, end)
	}
	return pool, nil
}

func (pool *PortPool) Allocate() (PortPair, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if len(pool.free) == 0 {
		return PortPair{}, fmt.Errorf("%w in range [%d, %d)", ErrNoPorts, pool.start, pool.end)
	}

	base := pool.free[0]
	pool.free = pool.free[1:]
	pool.allocated[base] = true
	return PortPair{Recv: base, Send: base + 2}, nil
}

// Release returns a pair to the pool. Releasing an unallocated pair is a
// no-op.
func (pool *PortPool) Release(pair PortPair) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if !pool.allocated[pair.Recv] {
		return
	}
	delete(pool.allocated, pair.Recv)
	pool.free = append(pool.free, pair.Recv)
}

// Available returns how many pairs remain free.
func (pool *PortPool) Available() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.free)
}

// Allocated returns how many pairs are in use.
func (pool *PortPool) Allocated() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.allocated)
}
