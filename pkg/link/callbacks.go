// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"sort"
	"sync"
)

// Handle unregisters a callback.
type Handle struct {
	once   sync.Once
	remove func()
}

// Remove unregisters the callback. Calling it more than once is harmless.
func (h *Handle) Remove() {
	if h == nil || h.remove == nil {
		return
	}
	h.once.Do(h.remove)
}

type callbackEntry[F any] struct {
	id       uint64
	priority int
	fn       F
}

// callbackList keeps callbacks ordered by ascending priority, ties in
// registration order. Callers iterate over a snapshot, so a callback may
// add or remove entries while the list is being invoked.
type callbackList[F any] struct {
	mu      sync.Mutex
	seq     uint64
	entries []callbackEntry[F]
}

func (c *callbackList[F]) add(fn F, priority int) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	id := c.seq
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].priority > priority
	})
	c.entries = append(c.entries, callbackEntry[F]{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = callbackEntry[F]{id: id, priority: priority, fn: fn}

	return &Handle{remove: func() { c.remove(id) }}
}

func (c *callbackList[F]) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.id == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

func (c *callbackList[F]) snapshot() []F {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]F, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.fn
	}
	return out
}

func (c *callbackList[F]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
