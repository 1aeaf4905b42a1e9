// Package msg implements the inter-process message records, the global
// fixed-capacity message pool, and the per-process FIFO queues. Everything
// here runs under the kernel's single-threaded invariant: exactly one
// process executes at a time, so no locking is needed.
package msg

import (
	"errors"

	"github.com/james-card/nanoos/internal/kernel"
)

// Errors returned by the messaging layer.
var (
	// ErrPoolExhausted indicates that every message in the pool is in use.
	ErrPoolExhausted = errors.New("msg: message pool exhausted")

	// ErrNotInUse indicates an operation on a message that is back in the
	// pool.
	ErrNotInUse = errors.New("msg: message not in use")

	// ErrQueueFull indicates the destination queue has no room.
	ErrQueueFull = errors.New("msg: queue full")
)

// Message is a fixed-size record shuttled between processes. Type selects
// the handler on the receiving side. Func and Data are two opaque words;
// their names are historical. Payload carries a host object when the two
// words cannot (the sender and receiver share the address space, so this is
// a reference handoff, not a copy). Ownership rule: the receiver releases
// the message unless Waiting is set, in which case the sender releases it
// after observing Done.
type Message struct {
	Type    int
	From    kernel.ProcessID
	To      kernel.ProcessID
	Func    uint64
	Data    uint64
	Payload any

	inUse   bool
	done    bool
	waiting bool
}

// Init fills in a message in one step before its first send. A message is
// never pushed onto a queue partially initialized.
func (m *Message) Init(msgType int, funcWord, dataWord uint64, waiting bool) {
	m.Type = msgType
	m.Func = funcWord
	m.Data = dataWord
	m.Payload = nil
	m.done = false
	m.waiting = waiting
}

// InUse reports whether the message is currently out of the pool.
func (m *Message) InUse() bool { return m.inUse }

// Done reports whether the recipient has marked the message handled.
func (m *Message) Done() bool { return m.done }

// Waiting reports whether the sender is blocked on a reply.
func (m *Message) Waiting() bool { return m.waiting }

// SetDone marks the message handled so a waiting sender can observe
// completion. It does not return the message to the pool; the waiting
// sender does that via Release.
func (m *Message) SetDone() error {
	if !m.inUse {
		return ErrNotInUse
	}
	m.done = true
	return nil
}

// Release returns the message to the pool.
func (m *Message) Release() error {
	if !m.inUse {
		return ErrNotInUse
	}
	m.inUse = false
	m.done = true
	m.waiting = false
	m.Payload = nil
	return nil
}

// Pool is the global fixed-capacity store of messages. Acquisition is a
// linear scan for a free slot, which is safe because only one process runs
// at a time.
type Pool struct {
	messages []Message
}

// NewPool creates a pool with capacity slots.
func NewPool(capacity int) *Pool {
	return &Pool{messages: make([]Message, capacity)}
}

// Capacity returns the number of slots in the pool.
func (p *Pool) Capacity() int { return len(p.messages) }

// NumFree returns the number of messages not currently in flight.
func (p *Pool) NumFree() int {
	free := 0
	for i := range p.messages {
		if !p.messages[i].inUse {
			free++
		}
	}
	return free
}

// Acquire returns a free message from the pool, or ErrPoolExhausted if
// every slot is in flight. Callers that can block should yield and retry.
func (p *Pool) Acquire() (*Message, error) {
	for i := range p.messages {
		if !p.messages[i].inUse {
			m := &p.messages[i]
			*m = Message{inUse: true}
			return m, nil
		}
	}
	return nil, ErrPoolExhausted
}

// Queue is a per-process FIFO of incoming messages. Delivery order within
// one queue matches send order; there is no ordering across queues.
type Queue struct {
	items []*Message
}

// Push appends a message to the tail of the queue.
func (q *Queue) Push(m *Message) error {
	if m == nil || !m.inUse {
		return ErrNotInUse
	}
	q.items = append(q.items, m)
	return nil
}

// Pop removes and returns the head of the queue, or nil when empty.
func (q *Queue) Pop() *Message {
	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m
}

// PopType removes and returns the first message of the given type, or nil
// when no such message is queued. Messages of other types keep their
// relative order.
func (q *Queue) PopType(msgType int) *Message {
	for i, m := range q.items {
		if m.Type == msgType {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return m
		}
	}
	return nil
}

// HasType reports whether a message of the given type is queued.
func (q *Queue) HasType(msgType int) bool {
	for _, m := range q.items {
		if m.Type == msgType {
			return true
		}
	}
	return false
}

// Len returns the number of queued messages.
func (q *Queue) Len() int { return len(q.items) }

// Drain removes every queued message and returns them in order. Used by
// the scheduler when tearing a process down.
func (q *Queue) Drain() []*Message {
	items := q.items
	q.items = nil
	return items
}
