package transport

import (
	"fmt"
	"sync"
)

// Handle refers to one session in the engine's session table. A handle
// outlives its session safely: once the session is removed the handle stops
// resolving, even if the slot is reused.
type Handle struct {
	index      uint32
	generation uint32
}

// IsZero reports whether h was never assigned.
func (h Handle) IsZero() bool {
	return h.generation == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.index, h.generation)
}

type slot struct {
	generation uint32
	s          *session
}

// sessionTable is an arena of session slots indexed by endpoint.
type sessionTable struct {
	mu     sync.RWMutex
	slots  []slot
	free   []uint32
	byAddr map[string]Handle
	closed bool
}

func newSessionTable() *sessionTable {
	return &sessionTable{byAddr: make(map[string]Handle)}
}

// insert stores s under addrKey. It fails once the table is closed or when
// addrKey already has a live session.
func (t *sessionTable) insert(addrKey string, s *session) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Handle{}, false
	}
	if _, taken := t.byAddr[addrKey]; taken {
		return Handle{}, false
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}

	sl := &t.slots[idx]
	sl.generation++
	if sl.generation == 0 {
		sl.generation = 1
	}
	sl.s = s

	h := Handle{index: idx, generation: sl.generation}
	t.byAddr[addrKey] = h
	return h, true
}

// get resolves h to its live session.
func (t *sessionTable) get(h Handle) (*session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resolve(h)
}

func (t *sessionTable) resolve(h Handle) (*session, bool) {
	if h.IsZero() || int(h.index) >= len(t.slots) {
		return nil, false
	}
	sl := t.slots[h.index]
	if sl.generation != h.generation || sl.s == nil {
		return nil, false
	}
	return sl.s, true
}

// lookup finds the live session for an endpoint.
func (t *sessionTable) lookup(addrKey string) (Handle, *session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.byAddr[addrKey]
	if !ok {
		return Handle{}, nil, false
	}
	s, ok := t.resolve(h)
	return h, s, ok
}

// remove detaches the session at h. The slot's generation is bumped on reuse,
// so h never resolves again.
func (t *sessionTable) remove(h Handle) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.resolve(h)
	if !ok {
		return nil, false
	}
	t.slots[h.index].s = nil
	t.free = append(t.free, h.index)
	if cur, ok := t.byAddr[s.addrKey]; ok && cur == h {
		delete(t.byAddr, s.addrKey)
	}
	return s, true
}

// handles returns every live handle.
func (t *sessionTable) handles() []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Handle, 0, len(t.byAddr))
	for _, h := range t.byAddr {
		out = append(out, h)
	}
	return out
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byAddr)
}

// close refuses further inserts and returns the handles still live.
func (t *sessionTable) close() []Handle {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.handles()
}
