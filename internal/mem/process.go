package mem

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/james-card/nanoos/internal/kernel"
	"github.com/james-card/nanoos/internal/msg"
	"github.com/james-card/nanoos/internal/sched"
)

// Realloc requests pack their arguments into the two message words: the
// func word carries the reply type in its high half and the requested size
// in its low half, and the data word carries the address.
func packReallocFunc(replyType int, size uint32) uint64 {
	return uint64(replyType)<<32 | uint64(size)
}

func unpackReallocFunc(funcWord uint64) (replyType int, size uint32) {
	return int(funcWord >> 32), uint32(funcWord)
}

// Manager is the memory-manager kernel process: the sole dynamic allocator
// for the kernel and every user process. All requests arrive as messages;
// nothing else touches the region.
type Manager struct {
	region *Region
}

// NewManager wraps a region for service. The region is passed in
// explicitly by the boot code, which sizes it from the configuration.
func NewManager(region *Region) *Manager {
	return &Manager{region: region}
}

// Region exposes the managed region for boot wiring and tests.
func (mm *Manager) Region() *Region { return mm.region }

// Run is the memory manager's process main loop. A message handed directly
// into the resume is a priority command from the scheduler; otherwise the
// process drains its own queue.
func (mm *Manager) Run(p *sched.Process) int {
	log.Debugf("memory manager using %d bytes of dynamic memory", mm.region.FreeMemory())

	for {
		m := p.WaitForWork()
		if m != nil {
			mm.handle(p, m)
			continue
		}
		for qm := p.PopMessage(); qm != nil; qm = p.PopMessage() {
			mm.handle(p, qm)
		}
	}
}

// handle dispatches one command. IDs at or beyond the command count are
// dropped.
func (mm *Manager) handle(p *sched.Process, m *msg.Message) {
	cmd := kernel.MemoryManagerCommand(m.Type)
	switch cmd {
	case kernel.MemoryManagerRealloc:
		mm.reallocCommandHandler(p, m)
	case kernel.MemoryManagerFree:
		mm.freeCommandHandler(m)
	case kernel.MemoryManagerGetFreeMemory:
		mm.getFreeMemoryCommandHandler(p, m)
	case kernel.MemoryManagerFreeProcessMemory:
		mm.freeProcessMemoryCommandHandler(p, m)
	case kernel.MemoryManagerAssignMemory:
		mm.assignMemoryCommandHandler(p, m)
	default:
		log.Warnf("dropping unknown memory manager command %d from pid %d", m.Type, m.From)
		m.Release()
	}
}

// reply reuses the incoming message as the response. The client is waiting
// on it, so it is marked done but not released; the client releases it.
func (mm *Manager) reply(p *sched.Process, m *msg.Message, replyType int, funcWord, dataWord uint64) {
	from, err := p.Scheduler().ProcessByPid(m.From)
	if err != nil || from.State() == sched.StateFree {
		m.Release()
		return
	}
	m.Init(replyType, funcWord, dataWord, true)
	if err := from.PushMessage(m); err != nil {
		log.Errorf("could not push memory manager reply to pid %d: %v", m.From, err)
		m.Release()
		return
	}
	if err := m.SetDone(); err != nil {
		log.Errorf("could not mark memory manager reply done: %v", err)
	}
}

func (mm *Manager) reallocCommandHandler(p *sched.Process, m *msg.Message) {
	replyType, size := unpackReallocFunc(m.Func)
	addr := Addr(m.Data)
	newAddr := mm.region.Realloc(addr, size, m.From)
	// OOM is reported as a null address; the caller's null check is the
	// only propagation.
	mm.reply(p, m, replyType, uint64(mm.region.SizeOf(newAddr)), uint64(newAddr))
}

func (mm *Manager) freeCommandHandler(m *msg.Message) {
	mm.region.Free(Addr(m.Data))
	if err := m.Release(); err != nil {
		log.Errorf("could not release message in free handler: %v", err)
	}
}

func (mm *Manager) getFreeMemoryCommandHandler(p *sched.Process, m *msg.Message) {
	mm.reply(p, m, int(kernel.MemoryManagerReturningFreeMemory),
		0, uint64(mm.region.FreeMemory()))
}

func (mm *Manager) freeProcessMemoryCommandHandler(p *sched.Process, m *msg.Message) {
	var status uint64
	if m.From == kernel.SchedulerProcessID {
		mm.region.FreeByOwner(kernel.ProcessID(m.Data))
	} else {
		log.Warnf("pid %d attempted to free another process's memory", m.From)
		status = 1
	}

	if m.Waiting() {
		mm.reply(p, m, int(kernel.MemoryManagerReturningStatus), 0, status)
	} else {
		m.Release()
	}
}

func (mm *Manager) assignMemoryCommandHandler(p *sched.Process, m *msg.Message) {
	var status uint64
	if m.From == kernel.SchedulerProcessID {
		if !mm.region.AssignOwner(Addr(m.Data), kernel.ProcessID(m.Func)) {
			status = 1
		}
	} else {
		log.Warnf("pid %d attempted to assign memory ownership", m.From)
		status = 1
	}

	if m.Waiting() {
		mm.reply(p, m, int(kernel.MemoryManagerReturningStatus), 0, status)
	} else {
		m.Release()
	}
}

// Client wrappers. These run in the calling process and block on the
// memory manager's typed replies.

// Realloc resizes an allocation on behalf of the calling process. Returns
// NullAddr on exhaustion.
func Realloc(p *sched.Process, addr Addr, size uint32) Addr {
	sent, err := p.SendMessage(kernel.MemoryManagerProcessID,
		int(kernel.MemoryManagerRealloc),
		packReallocFunc(int(kernel.MemoryManagerReturningPointer), size),
		uint64(addr), true)
	if err != nil {
		return NullAddr
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.MemoryManagerReturningPointer), time.Time{})
	if err != nil {
		return NullAddr
	}
	newAddr := Addr(reply.Data)
	reply.Release()
	return newAddr
}

// Malloc allocates size bytes without clearing them.
func Malloc(p *sched.Process, size uint32) Addr {
	return Realloc(p, NullAddr, size)
}

// Free releases an allocation, fire and forget.
func Free(p *sched.Process, addr Addr) {
	if addr == NullAddr {
		return
	}
	_, _ = p.SendMessage(kernel.MemoryManagerProcessID,
		int(kernel.MemoryManagerFree), 0, uint64(addr), false)
}

// GetFreeMemory returns the number of free bytes in the managed region, or
// 0 on failure.
func GetFreeMemory(p *sched.Process) uint32 {
	sent, err := p.SendMessage(kernel.MemoryManagerProcessID,
		int(kernel.MemoryManagerGetFreeMemory), 0, 0, true)
	if err != nil {
		return 0
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.MemoryManagerReturningFreeMemory), time.Time{})
	if err != nil {
		return 0
	}
	freeBytes := uint32(reply.Data)
	reply.Release()
	return freeBytes
}
