// Package console implements the console collaborator process: it owns the
// output ports, gates them by process ownership, buffers user input, and
// controls input echo. The shell and serial layers above it are outside the
// kernel core; this process is the kernel-side endpoint their messages land
// on.
package console

import (
	"errors"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/james-card/nanoos/internal/kernel"
	"github.com/james-card/nanoos/internal/msg"
	"github.com/james-card/nanoos/internal/sched"
)

// NumPorts is the number of console ports supported.
const NumPorts = 2

// inputBufferSize bounds the bytes buffered ahead of reads.
const inputBufferSize = 1024

// ErrPortBusy indicates an acquire of a port another process holds.
var ErrPortBusy = errors.New("console: port already owned")

// Port is a single console port: an output writer gated by an owner PID,
// plus buffered input and an echo flag.
type Port struct {
	writer      io.Writer
	outputOwner kernel.ProcessID
	inputOwner  kernel.ProcessID
	echo        bool

	input chan byte
}

// Console is the console kernel process.
type Console struct {
	ports [NumPorts]*Port
}

// New builds a console whose port 0 writes to w and reads from r. Port 1
// is left unwired; r may be nil for a write-only console.
func New(w io.Writer, r io.Reader) *Console {
	c := &Console{}
	for i := range c.ports {
		c.ports[i] = &Port{
			outputOwner: kernel.ProcessIDNotSet,
			inputOwner:  kernel.ProcessIDNotSet,
			echo:        true,
			input:       make(chan byte, inputBufferSize),
		}
	}
	c.ports[0].writer = w
	if r != nil {
		go pumpInput(r, c.ports[0].input)
	}
	return c
}

// pumpInput moves bytes from the input source into the port's buffer. It
// is the only concurrency in the console: the kernel side drains the
// channel without blocking.
func pumpInput(r io.Reader, buffer chan<- byte) {
	var b [64]byte
	for {
		n, err := r.Read(b[:])
		for i := 0; i < n; i++ {
			buffer <- b[i]
		}
		if err != nil {
			return
		}
	}
}

// Run is the console's process main loop.
func (c *Console) Run(p *sched.Process) int {
	for {
		m := p.WaitForWork()
		if m != nil {
			c.handle(p, m)
			continue
		}
		for qm := p.PopMessage(); qm != nil; qm = p.PopMessage() {
			c.handle(p, qm)
		}
	}
}

func (c *Console) handle(p *sched.Process, m *msg.Message) {
	cmd := kernel.ConsoleCommand(m.Type)
	switch cmd {
	case kernel.ConsoleWriteBuffer:
		c.writeBufferCommandHandler(p, m)
	case kernel.ConsoleAcquirePort:
		c.acquirePortCommandHandler(p, m)
	case kernel.ConsoleReleasePort:
		c.releasePortCommandHandler(p, m)
	case kernel.ConsoleReleasePidPort:
		c.releasePidPortCommandHandler(m)
	case kernel.ConsoleSetEcho:
		c.setEchoCommandHandler(p, m)
	case kernel.ConsoleReadInput:
		c.readInputCommandHandler(p, m)
	default:
		log.Warnf("dropping unknown console command %d from pid %d", m.Type, m.From)
		m.Release()
	}
}

func (c *Console) reply(p *sched.Process, m *msg.Message, replyType int,
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
		log.Errorf("could not mark console reply done: %v", err)
	}
}

func (c *Console) port(index uint64) *Port {
	if index >= NumPorts {
		return nil
	}
	return c.ports[index]
}

// writeBufferCommandHandler writes the payload bytes to the port named in
// the func word. A port owned by another process is busy; unowned ports
// accept writes so kernel processes can report without acquiring.
func (c *Console) writeBufferCommandHandler(p *sched.Process, m *msg.Message) {
	port := c.port(m.Func)
	if port == nil || port.writer == nil {
		c.reply(p, m, int(kernel.ConsoleReturningStatus), 1, 0, nil)
		return
	}
	if port.outputOwner != kernel.ProcessIDNotSet && port.outputOwner != m.From {
		log.Warnf("pid %d wrote to port %d owned by pid %d", m.From, m.Func, port.outputOwner)
		c.reply(p, m, int(kernel.ConsoleReturningStatus), 1, 0, nil)
		return
	}

	var buffer []byte
	switch v := m.Payload.(type) {
	case []byte:
		buffer = v
	case string:
		buffer = []byte(v)
	}

	var written int
	if len(buffer) > 0 {
		written, _ = port.writer.Write(buffer)
	}
	c.reply(p, m, int(kernel.ConsoleReturningStatus), 0, uint64(written), nil)
}

func (c *Console) acquirePortCommandHandler(p *sched.Process, m *msg.Message) {
	port := c.port(m.Func)
	if port == nil {
		c.reply(p, m, int(kernel.ConsoleReturningStatus), 1, 0, nil)
		return
	}
	if port.outputOwner != kernel.ProcessIDNotSet && port.outputOwner != m.From {
		// Busy: another process holds the port.
		c.reply(p, m, int(kernel.ConsoleReturningStatus), 1, 0, nil)
		return
	}
	port.outputOwner = m.From
	port.inputOwner = m.From
	c.reply(p, m, int(kernel.ConsoleReturningStatus), 0, 0, nil)
}

func (c *Console) releasePortCommandHandler(p *sched.Process, m *msg.Message) {
	port := c.port(m.Func)
	if port != nil && port.outputOwner == m.From {
		port.outputOwner = kernel.ProcessIDNotSet
		port.inputOwner = kernel.ProcessIDNotSet
	}
	c.reply(p, m, int(kernel.ConsoleReturningStatus), 0, 0, nil)
}

// releasePidPortCommandHandler releases every port owned by the PID in the
// data word. The scheduler's entry wrapper sends this when a launched
// command returns; a process that is killed does not send it.
func (c *Console) releasePidPortCommandHandler(m *msg.Message) {
	pid := kernel.ProcessID(m.Data)
	for _, port := range c.ports {
		if port.outputOwner == pid {
			port.outputOwner = kernel.ProcessIDNotSet
		}
		if port.inputOwner == pid {
			port.inputOwner = kernel.ProcessIDNotSet
		}
	}
	m.Release()
}

func (c *Console) setEchoCommandHandler(p *sched.Process, m *msg.Message) {
	port := c.port(m.Func)
	if port == nil {
		c.reply(p, m, int(kernel.ConsoleReturningStatus), 1, 0, nil)
		return
	}
	port.echo = m.Data != 0
	if err := setTerminalEcho(port.writer, port.echo); err != nil {
		log.Debugf("terminal echo toggle unavailable: %v", err)
	}
	c.reply(p, m, int(kernel.ConsoleReturningStatus), 0, 0, nil)
}

// readInputCommandHandler returns up to Data buffered input bytes. An
// empty reply means no input is available; the caller polls.
func (c *Console) readInputCommandHandler(p *sched.Process, m *msg.Message) {
	port := c.port(m.Func)
	if port == nil {
		c.reply(p, m, int(kernel.ConsoleReturningInput), 1, 0, nil)
		return
	}
	if port.inputOwner != kernel.ProcessIDNotSet && port.inputOwner != m.From {
		c.reply(p, m, int(kernel.ConsoleReturningInput), 1, 0, nil)
		return
	}

	limit := int(m.Data)
	if limit <= 0 || limit > inputBufferSize {
		limit = inputBufferSize
	}
	var buffer []byte
	for len(buffer) < limit {
		select {
		case b := <-port.input:
			buffer = append(buffer, b)
		default:
			goto done
		}
	}
done:
	if len(buffer) > 0 && port.echo && port.writer != nil {
		port.writer.Write(buffer)
	}
	c.reply(p, m, int(kernel.ConsoleReturningInput), 0, uint64(len(buffer)), buffer)
}

// Client wrappers.

// WriteString sends bytes to a console port through the calling process's
// message queue and waits for the write to land. Returns the number of
// bytes written.
func WriteString(p *sched.Process, port int, s string) (int, error) {
	sent, err := p.SendMessageFull(kernel.ConsoleProcessID,
		int(kernel.ConsoleWriteBuffer), uint64(port), 0, []byte(s), true)
	if err != nil {
		return 0, err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.ConsoleReturningStatus), time.Time{})
	if err != nil {
		return 0, err
	}
	status := reply.Func
	written := int(reply.Data)
	reply.Release()
	if status != 0 {
		return 0, ErrPortBusy
	}
	return written, nil
}

// AcquirePort claims a console port for the calling process.
func AcquirePort(p *sched.Process, port int) error {
	sent, err := p.SendMessage(kernel.ConsoleProcessID,
		int(kernel.ConsoleAcquirePort), uint64(port), 0, true)
	if err != nil {
		return err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.ConsoleReturningStatus), time.Time{})
	if err != nil {
		return err
	}
	status := reply.Func
	reply.Release()
	if status != 0 {
		return ErrPortBusy
	}
	return nil
}

// ReleasePort gives a console port back.
func ReleasePort(p *sched.Process, port int) error {
	sent, err := p.SendMessage(kernel.ConsoleProcessID,
		int(kernel.ConsoleReleasePort), uint64(port), 0, true)
	if err != nil {
		return err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.ConsoleReturningStatus), time.Time{})
	if err != nil {
		return err
	}
	reply.Release()
	return nil
}

// SetEcho turns input echo on or off for a port.
func SetEcho(p *sched.Process, port int, echo bool) error {
	var data uint64
	if echo {
		data = 1
	}
	sent, err := p.SendMessage(kernel.ConsoleProcessID,
		int(kernel.ConsoleSetEcho), uint64(port), data, true)
	if err != nil {
		return err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.ConsoleReturningStatus), time.Time{})
	if err != nil {
		return err
	}
	reply.Release()
	return nil
}

// ReadInput returns up to limit buffered input bytes, without blocking for
// more.
func ReadInput(p *sched.Process, port, limit int) ([]byte, error) {
	sent, err := p.SendMessage(kernel.ConsoleProcessID,
		int(kernel.ConsoleReadInput), uint64(port), uint64(limit), true)
	if err != nil {
		return nil, err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.ConsoleReturningInput), time.Time{})
	if err != nil {
		return nil, err
	}
	buffer, _ := reply.Payload.([]byte)
	reply.Release()
	return buffer, nil
}
