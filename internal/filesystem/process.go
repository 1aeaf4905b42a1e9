package filesystem

import (
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/james-card/nanoos/internal/kernel"
	"github.com/james-card/nanoos/internal/msg"
	"github.com/james-card/nanoos/internal/sched"
)

// openFile is one entry of the filesystem process's handle table.
type openFile struct {
	file     *os.File
	owner    kernel.ProcessID
	position int64
}

// Service is the filesystem kernel process. It owns the handle table; user
// programs reach it only by message, with small integer handles standing in
// for open files.
type Service struct {
	fs      *HostFS
	handles map[uint32]*openFile
	nextID  uint32
}

// NewService wraps a host filesystem for message-based access.
func NewService(fs *HostFS) *Service {
	return &Service{
		fs:      fs,
		handles: make(map[uint32]*openFile),
		nextID:  1,
	}
}

// Run is the filesystem's process main loop.
func (s *Service) Run(p *sched.Process) int {
	for {
		m := p.WaitForWork()
		if m != nil {
			s.handle(p, m)
			continue
		}
		for qm := p.PopMessage(); qm != nil; qm = p.PopMessage() {
			s.handle(p, qm)
		}
	}
}

func (s *Service) handle(p *sched.Process, m *msg.Message) {
	cmd := kernel.FilesystemCommand(m.Type)
	switch cmd {
	case kernel.FilesystemOpenFile:
		s.openCommandHandler(p, m)
	case kernel.FilesystemCloseFile:
		s.closeCommandHandler(p, m)
	case kernel.FilesystemReadFile:
		s.readCommandHandler(p, m)
	case kernel.FilesystemWriteFile:
		s.writeCommandHandler(p, m)
	case kernel.FilesystemSeekFile:
		s.seekCommandHandler(p, m)
	case kernel.FilesystemRemoveFile:
		s.removeCommandHandler(p, m)
	default:
		log.Warnf("dropping unknown filesystem command %d from pid %d", m.Type, m.From)
		m.Release()
	}
}

func (s *Service) reply(p *sched.Process, m *msg.Message, replyType int,
	funcWord, dataWord uint64, payload any) {
	if !m.Waiting() {
		m.Release()
		return
	}
	from, err := p.Scheduler().ProcessByPid(m.From)
	if err != nil || from.State() == sched.StateFree {
		m.Release()
		return
	}
	m.Init(replyType, funcWord, dataWord, true)
	m.Payload = payload
	if err := from.PushMessage(m); err != nil {
		m.Release()
		return
	}
	if err := m.SetDone(); err != nil {
		log.Errorf("could not mark filesystem reply done: %v", err)
	}
}

// lookup returns the handle entry when it exists and belongs to the
// requesting process.
func (s *Service) lookup(id uint32, from kernel.ProcessID) *openFile {
	of := s.handles[id]
	if of == nil || of.owner != from {
		return nil
	}
	return of
}

func (s *Service) openCommandHandler(p *sched.Process, m *msg.Message) {
	name, ok := m.Payload.(string)
	if !ok || name == "" {
		s.reply(p, m, int(kernel.FilesystemReturningStatus), 0, 0, nil)
		return
	}
	path, err := s.fs.resolve(name)
	if err != nil {
		s.reply(p, m, int(kernel.FilesystemReturningStatus), 0, 0, nil)
		return
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		log.Debugf("open %s failed: %v", name, err)
		s.reply(p, m, int(kernel.FilesystemReturningStatus), 0, 0, nil)
		return
	}

	id := s.nextID
	s.nextID++
	s.handles[id] = &openFile{file: f, owner: m.From}
	s.reply(p, m, int(kernel.FilesystemReturningStatus), 0, uint64(id), nil)
}

func (s *Service) closeCommandHandler(p *sched.Process, m *msg.Message) {
	id := uint32(m.Func)
	var status uint64 = 1
	if of := s.lookup(id, m.From); of != nil {
		of.file.Close()
		delete(s.handles, id)
		status = 0
	}
	s.reply(p, m, int(kernel.FilesystemReturningStatus), 0, status, nil)
}

func (s *Service) readCommandHandler(p *sched.Process, m *msg.Message) {
	of := s.lookup(uint32(m.Func), m.From)
	if of == nil {
		s.reply(p, m, int(kernel.FilesystemReturningData), 0, 0, nil)
		return
	}
	length := int(m.Data)
	if length < 0 || length > 64*1024 {
		length = 64 * 1024
	}
	buffer := make([]byte, length)
	n, err := of.file.ReadAt(buffer, of.position)
	if err != nil && err != io.EOF {
		log.Debugf("read failed: %v", err)
	}
	of.position += int64(n)
	s.reply(p, m, int(kernel.FilesystemReturningData), 0, uint64(n), buffer[:n])
}

func (s *Service) writeCommandHandler(p *sched.Process, m *msg.Message) {
	of := s.lookup(uint32(m.Func), m.From)
	buffer, _ := m.Payload.([]byte)
	if of == nil || buffer == nil {
		s.reply(p, m, int(kernel.FilesystemReturningStatus), 0, 0, nil)
		return
	}
	n, err := of.file.WriteAt(buffer, of.position)
	if err != nil {
		log.Debugf("write failed: %v", err)
	}
	of.position += int64(n)
	s.reply(p, m, int(kernel.FilesystemReturningStatus), 0, uint64(n), nil)
}

func (s *Service) seekCommandHandler(p *sched.Process, m *msg.Message) {
	of := s.lookup(uint32(m.Func), m.From)
	if of == nil {
		s.reply(p, m, int(kernel.FilesystemReturningStatus), 0, ^uint64(0), nil)
		return
	}
	offset := int64(int32(uint32(m.Data)))
	whence := int(m.Data >> 32)
	switch whence {
	case io.SeekStart:
		of.position = offset
	case io.SeekCurrent:
		of.position += offset
	case io.SeekEnd:
		if info, err := of.file.Stat(); err == nil {
			of.position = info.Size() + offset
		}
	}
	if of.position < 0 {
		of.position = 0
	}
	s.reply(p, m, int(kernel.FilesystemReturningStatus), 0, uint64(of.position), nil)
}

func (s *Service) removeCommandHandler(p *sched.Process, m *msg.Message) {
	name, _ := m.Payload.(string)
	var status uint64
	if err := s.fs.Remove(name); err != nil {
		status = 1
	}
	s.reply(p, m, int(kernel.FilesystemReturningStatus), 0, status, nil)
}

// CloseByOwner closes every handle a process left open. The scheduler's
// teardown path does not call it.
func (s *Service) CloseByOwner(pid kernel.ProcessID) {
	for id, of := range s.handles {
		if of.owner == pid {
			of.file.Close()
			delete(s.handles, id)
		}
	}
}

// Client wrappers used by the syscall bridge.

// Open opens a file through the filesystem process and returns its handle,
// or 0 on failure.
func Open(p *sched.Process, name string) uint32 {
	sent, err := p.SendMessageWithPayload(kernel.FilesystemProcessID,
		int(kernel.FilesystemOpenFile), name, true)
	if err != nil {
		return 0
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.FilesystemReturningStatus), time.Time{})
	if err != nil {
		return 0
	}
	handle := uint32(reply.Data)
	reply.Release()
	return handle
}

// Close closes a file handle.
func Close(p *sched.Process, handle uint32) error {
	sent, err := p.SendMessage(kernel.FilesystemProcessID,
		int(kernel.FilesystemCloseFile), uint64(handle), 0, true)
	if err != nil {
		return err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.FilesystemReturningStatus), time.Time{})
	if err != nil {
		return err
	}
	reply.Release()
	return nil
}

// Read reads up to length bytes from a file handle at its current
// position.
func Read(p *sched.Process, handle uint32, length int) ([]byte, error) {
	sent, err := p.SendMessage(kernel.FilesystemProcessID,
		int(kernel.FilesystemReadFile), uint64(handle), uint64(length), true)
	if err != nil {
		return nil, err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.FilesystemReturningData), time.Time{})
	if err != nil {
		return nil, err
	}
	buffer, _ := reply.Payload.([]byte)
	reply.Release()
	return buffer, nil
}

// Write writes bytes to a file handle at its current position and returns
// the count written.
func Write(p *sched.Process, handle uint32, buffer []byte) (int, error) {
	sent, err := p.SendMessageFull(kernel.FilesystemProcessID,
		int(kernel.FilesystemWriteFile), uint64(handle), 0, buffer, true)
	if err != nil {
		return 0, err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.FilesystemReturningStatus), time.Time{})
	if err != nil {
		return 0, err
	}
	n := int(reply.Data)
	reply.Release()
	return n, nil
}

// Seek repositions a file handle and returns the new position, or -1 on
// failure.
func Seek(p *sched.Process, handle uint32, offset int32, whence int) (int64, error) {
	data := uint64(whence)<<32 | uint64(uint32(offset))
	sent, err := p.SendMessage(kernel.FilesystemProcessID,
		int(kernel.FilesystemSeekFile), uint64(handle), data, true)
	if err != nil {
		return -1, err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.FilesystemReturningStatus), time.Time{})
	if err != nil {
		return -1, err
	}
	position := int64(reply.Data)
	reply.Release()
	return position, nil
}
