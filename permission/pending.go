package permission

import (
	"errors"
	"sync"
)

var errTableClosed = errors.New("pending table closed")

// slot is a one-shot completion cell: settled exactly once, either by
// deliver (a decision) or by abandon (closing the channel).
type slot struct {
	mu      sync.Mutex
	ch      chan Decision
	settled bool
	event   PromptEvent
}

func newSlot(event PromptEvent) *slot {
	return &slot{ch: make(chan Decision, 1), event: event}
}

// deliver hands d to the waiter. The channel is buffered so this never blocks.
func (s *slot) deliver(d Decision) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return false
	}
	s.settled = true
	s.ch <- d
	return true
}

func (s *slot) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return
	}
	s.settled = true
	close(s.ch)
}

// pendingTable maps prompt ids to slots. Every method is a short critical
// section; nobody waits while holding mu.
type pendingTable struct {
	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[string]*slot)}
}

func (t *pendingTable) insert(promptID string, event PromptEvent) (*slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errTableClosed
	}
	if _, exists := t.slots[promptID]; exists {
		return nil, errors.New("duplicate prompt id")
	}
	s := newSlot(event)
	t.slots[promptID] = s
	return s, nil
}

// take removes and returns the slot; the caller becomes its only producer.
func (t *pendingTable) take(promptID string) (*slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[promptID]
	if ok {
		delete(t.slots, promptID)
	}
	return s, ok
}

// remove drops the entry and reports whether it was still present. A false
// return means a resolver or drain already owns the slot.
func (t *pendingTable) remove(promptID string) bool {
	_, ok := t.take(promptID)
	return ok
}

// drain closes the table to new inserts and abandons every pending slot.
func (t *pendingTable) drain() int {
	t.mu.Lock()
	t.closed = true
	slots := t.slots
	t.slots = make(map[string]*slot)
	t.mu.Unlock()

	for _, s := range slots {
		s.abandon()
	}
	return len(slots)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

func (t *pendingTable) snapshot() []PromptEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PromptEvent, 0, len(t.slots))
	for _, s := range t.slots {
		out = append(out, s.event)
	}
	return out
}
