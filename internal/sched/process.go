package sched

import (
	"errors"
	"time"

	"github.com/james-card/nanoos/internal/kernel"
	"github.com/james-card/nanoos/internal/msg"
	"github.com/james-card/nanoos/internal/proc"
)

// State is a process's scheduling state.
type State uint8

const (
	StateFree State = iota
	StateReady
	StateRunning
	StateWaiting
	StateTimedWaiting
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateTimedWaiting:
		return "timed-waiting"
	}
	return "unknown"
}

// Errors returned by the process-side kernel primitives.
var (
	// ErrNotRunning indicates a send to a process slot that is free.
	ErrNotRunning = errors.New("sched: destination process not running")

	// ErrBadPid indicates a PID outside the process table.
	ErrBadPid = errors.New("sched: invalid process id")

	// ErrTimedout indicates a wait that passed its deadline before a
	// matching reply arrived. The original message remains in flight and
	// must still be released by the sender when the reply lands.
	ErrTimedout = errors.New("sched: wait timed out")
)

// Process is the per-process descriptor: identity, scheduling state, the
// embedded coroutine context, the incoming message queue, the
// file-descriptor table, and the small per-process storage.
type Process struct {
	id     kernel.ProcessID
	name   string
	userID kernel.UserID
	state  State
	killed bool

	co    *coroutine
	queue msg.Queue

	storage proc.Storage
	fds     [kernel.NumFileDescriptors]proc.FileDescriptor

	// Wakeup bookkeeping while on the waiting or timed-waiting queue. A
	// nil waitCond means only the deadline wakes the process.
	waitCond func() bool
	deadline time.Time

	sched *Scheduler
}

// ID returns the process's PID.
func (p *Process) ID() kernel.ProcessID { return p.id }

// Name returns the process's human name.
func (p *Process) Name() string { return p.name }

// UserID returns the ID of the user that owns the process.
func (p *Process) UserID() kernel.UserID { return p.userID }

// State returns the current scheduling state.
func (p *Process) State() State { return p.state }

// Scheduler returns the scheduler that owns this process.
func (p *Process) Scheduler() *Scheduler { return p.sched }

// FileDescriptor returns the descriptor at index i, or nil when out of
// range.
func (p *Process) FileDescriptor(i int) *proc.FileDescriptor {
	if i < 0 || i >= len(p.fds) {
		return nil
	}
	return &p.fds[i]
}

// CloseFileDescriptors closes every descriptor in the table.
func (p *Process) CloseFileDescriptors() {
	for i := range p.fds {
		p.fds[i].Close()
	}
}

// StorageGet reads the per-process storage. Only the running process may
// read its own storage.
func (p *Process) StorageGet(key int) uint64 {
	if p.sched.current != p {
		return 0
	}
	return p.storage.Get(key)
}

// StorageSet writes the per-process storage. Only the running process or
// the scheduler may write.
func (p *Process) StorageSet(key int, value uint64) {
	if p.sched.current != p && p.sched.current != nil {
		return
	}
	p.storage.Set(key, value)
}

// Yield is the only suspension point: it hands the CPU back to the
// scheduler and returns when the scheduler next resumes this process. The
// returned message is non-nil when the scheduler delivered a priority
// message directly into the resume.
func (p *Process) Yield() *msg.Message {
	return p.co.yield()
}

// block suspends the process until cond reports true or the deadline
// passes. A zero deadline means no timeout. The scheduler moves the
// process onto the waiting or timed-waiting queue based on the deadline.
func (p *Process) block(cond func() bool, deadline time.Time) {
	p.waitCond = cond
	p.deadline = deadline
	if deadline.IsZero() {
		p.state = StateWaiting
	} else {
		p.state = StateTimedWaiting
	}
	p.co.yield()
	p.waitCond = nil
	p.deadline = time.Time{}
}

// Sleep suspends the process until at least d has elapsed.
func (p *Process) Sleep(d time.Duration) {
	if d <= 0 {
		p.Yield()
		return
	}
	deadline := p.sched.now().Add(d)
	for p.sched.now().Before(deadline) {
		p.block(nil, deadline)
	}
}

// WaitForWork suspends a kernel service until either its message queue is
// non-empty (returns nil; the caller drains the queue) or the scheduler
// delivers a priority message directly into the resume (returns it). This
// is the idle point of every kernel process's main loop.
func (p *Process) WaitForWork() *msg.Message {
	p.waitCond = func() bool { return p.queue.Len() > 0 }
	p.state = StateWaiting
	m := p.co.yield()
	p.waitCond = nil
	return m
}

// PopMessage removes and returns the head of this process's message queue,
// or nil when the queue is empty.
func (p *Process) PopMessage() *msg.Message {
	return p.queue.Pop()
}

// PushMessage appends a message to this process's queue. Kernel services
// use it to deliver typed replies to waiting senders.
func (p *Process) PushMessage(m *msg.Message) error {
	return p.queue.Push(m)
}

// QueueLen returns the number of messages waiting in this process's queue.
func (p *Process) QueueLen() int {
	return p.queue.Len()
}

// WaitForMessage suspends until a message arrives, then pops and returns
// it.
func (p *Process) WaitForMessage() *msg.Message {
	for {
		if m := p.queue.Pop(); m != nil {
			return m
		}
		p.block(func() bool { return p.queue.Len() > 0 }, time.Time{})
	}
}

// SendMessage obtains a free message from the pool, fills it in, and
// pushes it onto the destination's queue. When the pool is exhausted the
// sender yields until a slot frees up. Sending to a process slot that is
// not alive fails, and the caller owns nothing. The returned message is
// owned by the receiver unless waiting is true, in which case the sender
// must release it after the receiver marks it done.
func (p *Process) SendMessage(to kernel.ProcessID, msgType int,
	funcWord, dataWord uint64, waiting bool) (*msg.Message, error) {
	return p.sendMessage(to, msgType, funcWord, dataWord, nil, waiting)
}

// SendMessageWithPayload is SendMessage with a host-object payload for
// arguments that do not fit in the two message words. The sender and
// receiver share the address space; the ownership rule is the same as for
// the message itself.
func (p *Process) SendMessageWithPayload(to kernel.ProcessID, msgType int,
	payload any, waiting bool) (*msg.Message, error) {
	return p.sendMessage(to, msgType, 0, 0, payload, waiting)
}

// SendMessageFull fills every message field: both opaque words and a host
// payload.
func (p *Process) SendMessageFull(to kernel.ProcessID, msgType int,
	funcWord, dataWord uint64, payload any, waiting bool) (*msg.Message, error) {
	return p.sendMessage(to, msgType, funcWord, dataWord, payload, waiting)
}

func (p *Process) sendMessage(to kernel.ProcessID, msgType int,
	funcWord, dataWord uint64, payload any, waiting bool) (*msg.Message, error) {
	target, err := p.sched.processByPid(to)
	if err != nil {
		return nil, err
	}
	if target.state == StateFree {
		return nil, ErrNotRunning
	}

	m, err := p.sched.pool.Acquire()
	for err != nil {
		p.Yield()
		m, err = p.sched.pool.Acquire()
	}

	m.From = p.id
	m.To = to
	m.Init(msgType, funcWord, dataWord, waiting)
	m.Payload = payload

	if err := target.queue.Push(m); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

// WaitForReplyWithType suspends until a message of replyType lands in this
// process's queue, with an optional deadline. When release is true and a
// reply arrives, the originally sent message is returned to the pool. On
// timeout the sent message remains in flight; the caller must still release
// it when the reply eventually arrives, or accept the leak.
func (p *Process) WaitForReplyWithType(sent *msg.Message, release bool,
	replyType int, deadline time.Time) (*msg.Message, error) {
	for {
		if m := p.queue.PopType(replyType); m != nil {
			if release && sent != nil && sent != m {
				sent.Release()
			}
			return m, nil
		}
		if !deadline.IsZero() && !p.sched.now().Before(deadline) {
			return nil, ErrTimedout
		}
		p.block(func() bool { return p.queue.HasType(replyType) }, deadline)
	}
}
