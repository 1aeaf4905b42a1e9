package sched

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/james-card/nanoos/internal/kernel"
	"github.com/james-card/nanoos/internal/msg"
	"github.com/james-card/nanoos/internal/proc"
)

// CommandFunc is the signature every launchable command has: the entry
// wrapper parses argc/argv out of the raw console input before invoking it.
type CommandFunc func(p *Process, argv []string) int

// CommandEntry describes a command that can be launched as a process.
type CommandEntry struct {
	Name string
	Func CommandFunc
	Help string
}

// CommandDescriptor carries the launch information for a RUN_PROCESS
// command. The console input string travels by reference because sender
// and receiver share the address space; the entry wrapper owns it once the
// launch succeeds.
type CommandDescriptor struct {
	ConsolePort    int
	ConsoleInput   string
	CallingProcess kernel.ProcessID
	CallingUser    kernel.UserID
}

// KernelProcess registers a long-running service at a well-known PID. The
// function is resumed once per scheduler pass; a non-nil message returned
// from Yield is a priority scheduler-originated command.
type KernelProcess struct {
	PID  kernel.ProcessID
	Name string
	Run  func(p *Process) int
}

// Config holds the scheduler's boot parameters.
type Config struct {
	NumProcesses int
	NumMessages  int
	Hostname     string
	Users        []proc.User

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// pendingDelivery is a scheduler-originated message that has not been
// handed to its target kernel process yet. These are delivered with
// priority over normal work at the top of each tick.
type pendingDelivery struct {
	to       kernel.ProcessID
	msgType  int
	funcWord uint64
	dataWord uint64
}

// Scheduler owns the CPU: it multiplexes the fixed pool of processes over
// a single thread of execution, one cooperative resume per tick. The
// scheduler itself is the process with PID 0 and is never on any queue.
type Scheduler struct {
	processes []*Process
	ready     *processQueue
	waiting   *processQueue
	timed     *processQueue
	free      *processQueue

	pool  *msg.Pool
	self  *Process
	users *proc.UserTable

	hostname string
	current  *Process
	pending  []pendingDelivery
	nowFn    func() time.Time

	// Completion bookkeeping for a boot-launched initial process.
	initialPid  kernel.ProcessID
	initialDone bool
	initialCode int
}

// New builds a scheduler with its four queues and message pool. Kernel
// processes are registered afterwards with Register; user slots start on
// the free queue.
func New(cfg Config) (*Scheduler, error) {
	if cfg.NumProcesses < int(kernel.FirstUserProcessID)+1 ||
		cfg.NumProcesses > kernel.MaxNumProcesses {
		return nil, fmt.Errorf("sched: process count %d out of range", cfg.NumProcesses)
	}
	if cfg.NumMessages < 1 {
		return nil, fmt.Errorf("sched: message pool size %d out of range", cfg.NumMessages)
	}

	numScheduled := cfg.NumProcesses - 1
	s := &Scheduler{
		processes: make([]*Process, cfg.NumProcesses),
		ready:     newProcessQueue("ready", numScheduled),
		waiting:   newProcessQueue("waiting", numScheduled),
		timed:     newProcessQueue("timed waiting", numScheduled),
		free:      newProcessQueue("free", numScheduled),
		pool:      msg.NewPool(cfg.NumMessages),
		users:     proc.NewUserTable(cfg.Users),
		hostname:  cfg.Hostname,
		nowFn:     cfg.Now,
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	s.initialPid = kernel.ProcessIDNotSet

	for pid := range s.processes {
		p := &Process{
			id:     kernel.ProcessID(pid),
			userID: kernel.NoUserID,
			sched:  s,
		}
		s.processes[pid] = p
		if pid == 0 {
			p.name = "scheduler"
			p.state = StateRunning
			s.self = p
		} else {
			p.state = StateFree
			s.free.push(p)
		}
	}

	return s, nil
}

func (s *Scheduler) now() time.Time { return s.nowFn() }

// Pool returns the global message pool.
func (s *Scheduler) Pool() *msg.Pool { return s.pool }

// Hostname returns the name read from the hostname file at boot.
func (s *Scheduler) Hostname() string { return s.hostname }

// Users returns the login table.
func (s *Scheduler) Users() *proc.UserTable { return s.users }

// Self returns the scheduler's own process descriptor (PID 0).
func (s *Scheduler) Self() *Process { return s.self }

func (s *Scheduler) processByPid(pid kernel.ProcessID) (*Process, error) {
	if int(pid) >= len(s.processes) {
		return nil, ErrBadPid
	}
	return s.processes[pid], nil
}

// ProcessByPid exposes a descriptor for inspection. Mutation stays behind
// the message interface.
func (s *Scheduler) ProcessByPid(pid kernel.ProcessID) (*Process, error) {
	return s.processByPid(pid)
}

// Register installs a kernel process at its well-known PID and moves it
// onto the ready queue. Must be called before Run; registration order only
// sets the initial order of the ready queue.
func (s *Scheduler) Register(kp KernelProcess) error {
	p, err := s.processByPid(kp.PID)
	if err != nil {
		return err
	}
	if p.state != StateFree {
		return fmt.Errorf("sched: pid %d already in use", kp.PID)
	}
	if !s.free.remove(p) {
		return fmt.Errorf("sched: pid %d not on the free queue", kp.PID)
	}
	p.name = kp.Name
	p.userID = kernel.RootUserID
	p.killed = false
	p.co = newCoroutine(p, kp.Run)
	p.state = StateReady
	s.ready.push(p)
	log.Debugf("registered kernel process %d (%s)", kp.PID, kp.Name)
	return nil
}

// QueueKernelMessage records a scheduler-originated command for a kernel
// process. It is delivered with priority at the top of the next tick,
// directly into the target's resume rather than through its queue.
func (s *Scheduler) QueueKernelMessage(to kernel.ProcessID, msgType int,
	funcWord, dataWord uint64) {
	s.pending = append(s.pending, pendingDelivery{
		to:       to,
		msgType:  msgType,
		funcWord: funcWord,
		dataWord: dataWord,
	})
}

// resumeAndPlace takes a process out of whichever queue holds it, resumes
// it (optionally with a priority message or a kill), and re-queues it
// according to the state it comes back in.
func (s *Scheduler) resumeAndPlace(p *Process, m *msg.Message, kill bool) {
	s.removeFromQueue(p)
	s.runOne(p, m, kill)
}

func (s *Scheduler) removeFromQueue(p *Process) {
	switch p.state {
	case StateReady:
		s.ready.remove(p)
	case StateWaiting:
		s.waiting.remove(p)
	case StateTimedWaiting:
		s.timed.remove(p)
	case StateFree:
		s.free.remove(p)
	}
}

// runOne resumes a process that is not on any queue and places it when it
// comes back.
func (s *Scheduler) runOne(p *Process, m *msg.Message, kill bool) {
	p.state = StateRunning
	s.current = p
	sig := p.co.resume(m, kill)
	s.current = nil

	if sig.exited || kill || p.killed {
		if !sig.exited {
			// The process was marked for termination while suspended;
			// unwind its goroutine before recycling the slot.
			sig = p.co.resume(nil, true)
		}
		s.teardown(p, sig.exitCode)
		return
	}

	switch p.state {
	case StateWaiting:
		s.waiting.push(p)
	case StateTimedWaiting:
		s.timed.push(p)
	default:
		p.state = StateReady
		s.ready.push(p)
	}
}

// teardown recycles a process slot: releases queued messages, closes file
// descriptors, asks the memory manager to reclaim every allocation tagged
// with the PID, and returns the descriptor to the free queue.
func (s *Scheduler) teardown(p *Process, exitCode int) {
	log.Debugf("process %d (%s) terminated with status %d", p.id, p.name, exitCode)

	for _, m := range p.queue.Drain() {
		m.Release()
	}
	p.CloseFileDescriptors()
	p.storage.Clear()

	s.QueueKernelMessage(kernel.MemoryManagerProcessID,
		int(kernel.MemoryManagerFreeProcessMemory), 0, uint64(p.id))

	if p.id == s.initialPid {
		s.initialDone = true
		s.initialCode = exitCode
	}

	p.name = ""
	p.userID = kernel.NoUserID
	p.killed = false
	p.co = nil
	p.waitCond = nil
	p.deadline = time.Time{}
	p.state = StateFree
	s.free.push(p)
}

// deliverPending hands scheduler-originated messages to their target
// kernel processes, with priority over normal work. A delivery whose
// target slot is free is dropped; when the pool is exhausted the rest wait
// for the next tick.
func (s *Scheduler) deliverPending() {
	for len(s.pending) > 0 {
		d := s.pending[0]
		target, err := s.processByPid(d.to)
		if err != nil || target.state == StateFree || target.co == nil {
			log.Warnf("dropping kernel message type %d for dead pid %d", d.msgType, d.to)
			s.pending = s.pending[1:]
			continue
		}

		m, err := s.pool.Acquire()
		if err != nil {
			// Pool exhausted; retry next tick once a slot frees up.
			return
		}
		m.From = kernel.SchedulerProcessID
		m.To = d.to
		m.Init(d.msgType, d.funcWord, d.dataWord, false)
		s.pending = s.pending[1:]

		s.resumeAndPlace(target, m, false)
	}
}

// promote moves timed-waiting processes whose deadline has passed, and
// waiting processes whose wakeup condition is signalled, back onto the
// ready queue.
func (s *Scheduler) promote() {
	now := s.now()

	for i, n := 0, s.timed.len(); i < n; i++ {
		p := s.timed.pop()
		woken := !now.Before(p.deadline)
		if !woken && p.waitCond != nil {
			woken = p.waitCond()
		}
		if woken {
			p.state = StateReady
			s.ready.push(p)
		} else {
			s.timed.push(p)
		}
	}

	for i, n := 0, s.waiting.len(); i < n; i++ {
		p := s.waiting.pop()
		if p.waitCond == nil || p.waitCond() {
			p.state = StateReady
			s.ready.push(p)
		} else {
			s.waiting.push(p)
		}
	}
}

// Tick runs one pass of the scheduler's main loop: deliver priority
// messages, resume the head of the ready queue, service the scheduler's
// own message queue, then promote any newly runnable waiters.
func (s *Scheduler) Tick() {
	s.deliverPending()

	if p := s.ready.pop(); p != nil {
		s.runOne(p, nil, false)
	}

	for m := s.self.queue.Pop(); m != nil; m = s.self.queue.Pop() {
		s.handleCommand(m)
	}

	s.promote()
}

// Idle reports whether no process can make progress right now: the ready
// queue is empty and nothing is pending.
func (s *Scheduler) Idle() bool {
	return s.ready.len() == 0 && len(s.pending) == 0 && s.self.queue.Len() == 0
}

// NextDeadline returns the earliest timed-waiting deadline and whether one
// exists.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	s.timed.forEach(func(p *Process) {
		if !found || p.deadline.Before(earliest) {
			earliest = p.deadline
			found = true
		}
	})
	return earliest, found
}

// Run drives the main loop until the context is cancelled or, when an
// initial process was started with StartInitial, until that process has
// terminated and the scheduler is idle. Returns the initial process's exit
// code.
func (s *Scheduler) Run(ctx context.Context) (int, error) {
	for {
		select {
		case <-ctx.Done():
			return s.initialCode, ctx.Err()
		default:
		}

		s.Tick()

		if s.initialDone && s.Idle() {
			// Flush the reclaim message queued by the teardown.
			s.deliverPending()
			return s.initialCode, nil
		}

		if s.Idle() {
			if deadline, ok := s.NextDeadline(); ok {
				if d := deadline.Sub(s.now()); d > 0 {
					time.Sleep(min(d, 10*time.Millisecond))
				}
			} else if s.waiting.len() > 0 {
				// Everything is blocked on conditions only another
				// process can signal; nothing will ever wake them.
				time.Sleep(time.Millisecond)
			} else if !s.initialDone && s.initialPid == kernel.ProcessIDNotSet {
				time.Sleep(time.Millisecond)
			}
		}
	}
}

// QueueCounts returns the sizes of the four intrinsic queues in the order
// ready, waiting, timed-waiting, free. Used by tests and diagnostics.
func (s *Scheduler) QueueCounts() (ready, waiting, timed, free int) {
	return s.ready.len(), s.waiting.len(), s.timed.len(), s.free.len()
}

// launch allocates a free process slot for a command and moves it onto the
// ready queue. Returns the new PID or an error when the pool is full.
func (s *Scheduler) launch(entry *CommandEntry, desc *CommandDescriptor) (kernel.ProcessID, error) {
	p := s.free.pop()
	if p == nil {
		return kernel.ProcessIDNotSet, fmt.Errorf("sched: process pool full")
	}

	p.name = entry.Name
	p.userID = desc.CallingUser
	p.killed = false
	p.storage.Clear()
	p.fds = proc.StdStreams(int(kernel.ConsoleReadInput), int(kernel.ConsoleWriteBuffer))
	p.co = newCoroutine(p, commandWrapper(entry, desc))
	p.state = StateReady
	s.ready.push(p)

	log.Debugf("launched process %d (%s) for pid %d", p.id, p.name, desc.CallingProcess)
	return p.id, nil
}

// StartInitial launches the boot command directly, bypassing the message
// interface, and arranges for Run to return its exit status. The caller is
// recorded as the scheduler so the completion notification lands in the
// scheduler's own queue.
func (s *Scheduler) StartInitial(entry *CommandEntry, consoleInput string) error {
	pid, err := s.launch(entry, &CommandDescriptor{
		ConsoleInput:   consoleInput,
		CallingProcess: kernel.SchedulerProcessID,
		CallingUser:    kernel.RootUserID,
	})
	if err != nil {
		return err
	}
	s.initialPid = pid
	return nil
}
