package memory

import (
	"fmt"
	"sync"
)

// Buffer is the ordered history store the consolidation engine operates on.
type Buffer interface {
	Append(msg Message)
	Size() int
	All() []Message
	Replace(msgs []Message) error
}

// WorkingMemory holds the live history, oldest first. It never drops or
// rejects content on its own; capacity is the engine's concern.
type WorkingMemory struct {
	mu       sync.RWMutex
	messages []Message
}

func NewWorkingMemory() *WorkingMemory {
	return &WorkingMemory{}
}

// Append adds msg at the tail.
func (w *WorkingMemory) Append(msg Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msg.Clone())
}

func (w *WorkingMemory) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.messages)
}

// All returns a copy of the history in order. Each call yields an
// independent snapshot, so it can be iterated any number of times.
func (w *WorkingMemory) All() []Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return cloneMessages(w.messages)
}

// Replace swaps the whole history for msgs. The new sequence is validated
// and copied before the lock is taken; on error nothing changes.
func (w *WorkingMemory) Replace(msgs []Message) error {
	next := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if err := m.validate(); err != nil {
			return fmt.Errorf("%w: message %d: %w", ErrReplaceFailed, i, err)
		}
		next = append(next, m.Clone())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = next
	return nil
}
