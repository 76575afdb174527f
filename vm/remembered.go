package vm

import (
	"sync"
	"sync/atomic"
)

// RememberedSet is the collector's bounded buffer of cells written since the
// last collection. Appends from many goroutines proceed concurrently with a
// compare-and-swap on the top index; Flush excludes them while it drains.
type RememberedSet struct {
	gate    sync.RWMutex
	entries []atomic.Uint64
	top     atomic.Int64
}

func NewRememberedSet(capacity int) *RememberedSet {
	return &RememberedSet{entries: make([]atomic.Uint64, capacity)}
}

func (s *RememberedSet) Capacity() int { return len(s.entries) }

func (s *RememberedSet) Len() int {
	return int(s.top.Load())
}

// Append records cell. It reports false when the buffer is full and the
// caller has to flush.
func (s *RememberedSet) Append(cell uint64) bool {
	s.gate.RLock()
	defer s.gate.RUnlock()

	for {
		top := s.top.Load()
		if top >= int64(len(s.entries)) {
			return false
		}
		if s.top.CompareAndSwap(top, top+1) {
			s.entries[top].Store(cell)
			return true
		}
	}
}

// Flush hands every buffered cell to visit in append order and empties the
// buffer.
func (s *RememberedSet) Flush(visit func(cell uint64)) int {
	s.gate.Lock()
	defer s.gate.Unlock()

	n := int(s.top.Load())
	for i := 0; i < n; i++ {
		visit(s.entries[i].Swap(0))
	}
	s.top.Store(0)
	return n
}
