package document

import "errors"

// ErrResyncRequired is the sentinel returned when the retained history cannot
// answer a since-epoch query; the caller must fall back to a full snapshot.
var ErrResyncRequired = errors.New("document: history insufficient, full resync required")

type historySlot struct {
	from uint64
	to   uint64
	diff Diff
}

// HistoryBuffer is a fixed-capacity ring of (from, to, diff) tuples. Once full,
// the oldest slot is overwritten.
type HistoryBuffer struct {
	slots []historySlot
	next  int
	size  int
}

// NewHistoryBuffer allocates a ring holding up to capacity transactions.
func NewHistoryBuffer(capacity int) *HistoryBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &HistoryBuffer{slots: make([]historySlot, capacity)}
}

// Capacity returns the maximum number of retained transactions.
func (h *HistoryBuffer) Capacity() int {
	return len(h.slots)
}

// Len returns the number of retained transactions.
func (h *HistoryBuffer) Len() int {
	return h.size
}

// Push records the diff that moved the store from one epoch to the next.
func (h *HistoryBuffer) Push(from, to uint64, diff Diff) {
	h.slots[h.next] = historySlot{from: from, to: to, diff: diff}
	h.next = (h.next + 1) % len(h.slots)
	if h.size < len(h.slots) {
		h.size++
	}
}

// Reset drops every retained transaction.
func (h *HistoryBuffer) Reset() {
	for index := range h.slots {
		h.slots[index] = historySlot{}
	}
	h.next = 0
	h.size = 0
}

// Since returns the diffs covering (since, current] in epoch order. It walks
// backward from the newest slot and returns ErrResyncRequired as soon as it
// runs off the retained window.
func (h *HistoryBuffer) Since(since, current uint64) ([]Diff, error) {
	if since == current {
		return nil, nil
	}
	if since > current {
		return nil, ErrResyncRequired
	}
	capacity := len(h.slots)
	for step := 0; step < h.size; step++ {
		index := (h.next - 1 - step + capacity) % capacity
		slot := h.slots[index]
		if slot.from <= since && since < slot.to {
			diffs := make([]Diff, 0, step+1)
			for walk := step; walk >= 0; walk-- {
				diffs = append(diffs, h.slots[(h.next-1-walk+capacity)%capacity].diff)
			}
			return diffs, nil
		}
		if since >= slot.to {
			// Epochs are contiguous, so a since at or past a slot's end that did not
			// match a newer slot means the ring lost track of the store.
			return nil, ErrResyncRequired
		}
	}
	return nil, ErrResyncRequired
}
