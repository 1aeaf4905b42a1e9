package sched

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/james-card/nanoos/internal/kernel"
	"github.com/james-card/nanoos/internal/msg"
)

// ProcessInfoElement is the per-process record exported by a
// GET_PROCESS_INFO command.
type ProcessInfoElement struct {
	PID    kernel.ProcessID
	Name   string
	UserID kernel.UserID
}

// ProcessInfo is the reply payload of a GET_PROCESS_INFO command.
type ProcessInfo struct {
	Processes []ProcessInfoElement
}

// handleCommand services one message from the scheduler's own queue.
// Commands with an ID at or beyond the command count are dropped.
func (s *Scheduler) handleCommand(m *msg.Message) {
	cmd := kernel.SchedulerCommand(m.Type)
	if cmd >= kernel.NumSchedulerCommands {
		if cmd == kernel.SchedulerProcessComplete {
			// Completion notice for a process the scheduler itself
			// launched at boot.
			m.Release()
			return
		}
		log.Warnf("dropping unknown scheduler command %d from pid %d", m.Type, m.From)
		m.Release()
		return
	}

	switch cmd {
	case kernel.SchedulerRunProcess:
		s.runProcessCommandHandler(m)
	case kernel.SchedulerKillProcess:
		s.killProcessCommandHandler(m)
	case kernel.SchedulerGetNumRunningProcesses:
		s.getNumRunningProcessesCommandHandler(m)
	case kernel.SchedulerGetProcessInfo:
		s.getProcessInfoCommandHandler(m)
	case kernel.SchedulerGetProcessUser:
		s.getProcessUserCommandHandler(m)
	case kernel.SchedulerSetProcessUser:
		s.setProcessUserCommandHandler(m)
	case kernel.SchedulerCloseAllFileDescriptors:
		s.closeAllFileDescriptorsCommandHandler(m)
	case kernel.SchedulerGetHostname:
		s.getHostnameCommandHandler(m)
	case kernel.SchedulerExecve:
		s.execveCommandHandler(m)
	}
}

// reply reuses the incoming message as the response: the sender is waiting
// on it, so it is marked done rather than released. Fire-and-forget
// commands are released instead.
func (s *Scheduler) reply(m *msg.Message, replyType int, funcWord, dataWord uint64, payload any) {
	if !m.Waiting() {
		m.Release()
		return
	}
	from, err := s.processByPid(m.From)
	if err != nil || from.state == StateFree {
		m.Release()
		return
	}
	m.Init(replyType, funcWord, dataWord, true)
	m.Payload = payload
	if err := from.queue.Push(m); err != nil {
		log.Errorf("could not push scheduler reply to pid %d: %v", m.From, err)
		m.Release()
		return
	}
	if err := m.SetDone(); err != nil {
		log.Errorf("could not mark scheduler reply done: %v", err)
	}
}

func (s *Scheduler) runProcessCommandHandler(m *msg.Message) {
	launch, ok := m.Payload.(*LaunchRequest)
	if !ok || launch.Entry == nil {
		log.Warn("RUN_PROCESS with no launch payload")
		s.reply(m, int(kernel.SchedulerReturningStatus), 0, 1, nil)
		return
	}

	desc := &CommandDescriptor{
		ConsolePort:    launch.ConsolePort,
		ConsoleInput:   launch.ConsoleInput,
		CallingProcess: m.From,
	}
	if caller, err := s.processByPid(m.From); err == nil {
		desc.CallingUser = caller.userID
	}

	pid, err := s.launch(launch.Entry, desc)
	if err != nil {
		// The caller cleans up the payload it allocated.
		log.Warnf("RUN_PROCESS failed: %v", err)
		s.reply(m, int(kernel.SchedulerReturningStatus), 0, 1, nil)
		return
	}
	s.reply(m, int(kernel.SchedulerReturningStatus), uint64(pid), 0, nil)
}

func (s *Scheduler) killProcessCommandHandler(m *msg.Message) {
	pid := kernel.ProcessID(m.Data)
	target, err := s.processByPid(pid)
	if err != nil || pid == kernel.SchedulerProcessID ||
		pid < kernel.FirstUserProcessID {
		log.Warnf("refusing to kill pid %d", pid)
		s.reply(m, int(kernel.SchedulerReturningStatus), 0, 1, nil)
		return
	}
	if target.state == StateFree {
		s.reply(m, int(kernel.SchedulerReturningStatus), 0, 1, nil)
		return
	}

	s.resumeAndPlace(target, nil, true)
	s.reply(m, int(kernel.SchedulerReturningStatus), 0, 0, nil)
}

func (s *Scheduler) getNumRunningProcessesCommandHandler(m *msg.Message) {
	count := 0
	for _, p := range s.processes {
		if p.state != StateFree {
			count++
		}
	}
	s.reply(m, int(kernel.SchedulerReturningCount), 0, uint64(count), nil)
}

func (s *Scheduler) getProcessInfoCommandHandler(m *msg.Message) {
	info := &ProcessInfo{}
	for _, p := range s.processes {
		if p.state == StateFree {
			continue
		}
		info.Processes = append(info.Processes, ProcessInfoElement{
			PID:    p.id,
			Name:   p.name,
			UserID: p.userID,
		})
	}
	s.reply(m, int(kernel.SchedulerReturningInfo), 0, 0, info)
}

func (s *Scheduler) getProcessUserCommandHandler(m *msg.Message) {
	userID := kernel.NoUserID
	if p, err := s.processByPid(m.From); err == nil {
		userID = p.userID
	}
	s.reply(m, int(kernel.SchedulerReturningUser), 0, uint64(uint16(userID)), nil)
}

func (s *Scheduler) setProcessUserCommandHandler(m *msg.Message) {
	p, err := s.processByPid(m.From)
	if err != nil {
		s.reply(m, int(kernel.SchedulerReturningStatus), 0, 1, nil)
		return
	}
	p.userID = kernel.UserID(int16(uint16(m.Data)))
	s.reply(m, int(kernel.SchedulerReturningStatus), 0, 0, nil)
}

func (s *Scheduler) closeAllFileDescriptorsCommandHandler(m *msg.Message) {
	if p, err := s.processByPid(m.From); err == nil {
		p.CloseFileDescriptors()
	}
	s.reply(m, int(kernel.SchedulerReturningStatus), 0, 0, nil)
}

func (s *Scheduler) getHostnameCommandHandler(m *msg.Message) {
	s.reply(m, int(kernel.SchedulerReturningHostname), 0, 0, s.hostname)
}

// execveCommandHandler records the new image name for the calling process.
// The image replacement itself happens inside the VM process, which
// reinitializes its segments from the new executable; the scheduler only
// tracks the identity change.
func (s *Scheduler) execveCommandHandler(m *msg.Message) {
	path, ok := m.Payload.(string)
	if !ok || path == "" {
		s.reply(m, int(kernel.SchedulerReturningStatus), 0, 1, nil)
		return
	}
	p, err := s.processByPid(m.From)
	if err != nil || p.state == StateFree {
		s.reply(m, int(kernel.SchedulerReturningStatus), 0, 1, nil)
		return
	}
	p.name = path
	s.reply(m, int(kernel.SchedulerReturningStatus), 0, 0, nil)
}

// LaunchRequest is the payload of a RUN_PROCESS command.
type LaunchRequest struct {
	Entry        *CommandEntry
	ConsoleInput string
	ConsolePort  int
}

// commandWrapper builds the entry function installed for a launched
// command: it parses argc/argv out of the raw console input, handles
// background (&) launches, invokes the command, and on return releases the
// console, notifies the waiting caller, and closes the file descriptors.
func commandWrapper(entry *CommandEntry, desc *CommandDescriptor) func(*Process) int {
	return func(p *Process) int {
		// The scheduler may be suspended because of launching this
		// process; yield immediately so it gets back to its work.
		p.Yield()

		caller := desc.CallingProcess

		argv := ParseArgs(desc.ConsoleInput)
		if len(argv) == 0 {
			argv = []string{entry.Name}
		}

		background := false
		last := argv[len(argv)-1]
		if last == "&" {
			argv = argv[:len(argv)-1]
			background = true
		} else if strings.HasSuffix(last, "&") {
			argv[len(argv)-1] = strings.TrimSuffix(last, "&")
			background = true
		}
		if background {
			releaseConsole(p)
			notifyProcessComplete(p, caller, 0)
		}

		exitCode := entry.Func(p, argv)

		releaseConsole(p)
		if !background && caller != p.id {
			notifyProcessComplete(p, caller, exitCode)
		}
		p.userID = kernel.NoUserID
		p.CloseFileDescriptors()
		return exitCode
	}
}

// releaseConsole gives up any console port owned by this process. Failure
// just means no console process is registered.
func releaseConsole(p *Process) {
	_, _ = p.SendMessage(kernel.ConsoleProcessID,
		int(kernel.ConsoleReleasePidPort), 0, uint64(p.id), false)
}

// notifyProcessComplete tells the caller its child finished. Completion
// notices to the scheduler land in its own queue and are dropped there.
func notifyProcessComplete(p *Process, caller kernel.ProcessID, exitCode int) {
	_, _ = p.SendMessage(caller, int(kernel.SchedulerProcessComplete),
		0, uint64(uint32(exitCode)), false)
}

// ParseArgs splits a raw console-input string into an argv array. Tokens
// are whitespace-delimited; single and double quotes group tokens, and a
// backslash escapes the quote that would otherwise end a group.
func ParseArgs(consoleInput string) []string {
	var argv []string
	input := consoleInput

	for {
		input = strings.TrimLeft(input, " \t\r\n")
		if input == "" {
			break
		}

		var arg string
		switch input[0] {
		case '"', '\'':
			quote := input[0]
			input = input[1:]
			end := findEndQuote(input, quote)
			if end < 0 {
				arg = input
				input = ""
			} else {
				arg = input[:end]
				input = input[end+1:]
			}
			arg = strings.ReplaceAll(arg, "\\"+string(quote), string(quote))
		default:
			end := strings.IndexAny(input, " \t\r\n")
			if end < 0 {
				arg = input
				input = ""
			} else {
				arg = input[:end]
				input = input[end+1:]
			}
		}
		argv = append(argv, arg)
	}

	return argv
}

// findEndQuote locates the first quote character that is not preceded by
// an odd number of backslashes.
func findEndQuote(input string, quote byte) int {
	for i := 0; i < len(input); i++ {
		if input[i] != quote {
			continue
		}
		backslashes := 0
		for j := i - 1; j >= 0 && input[j] == '\\'; j-- {
			backslashes++
		}
		if backslashes%2 == 0 {
			return i
		}
	}
	return -1
}

// Client wrappers: every process invokes scheduler services by sending
// messages to PID 0 and waiting on the typed reply.

// RunProcess asks the scheduler to launch a command and waits until the
// launch is accepted. Returns the child PID.
func RunProcess(p *Process, entry *CommandEntry, consoleInput string, consolePort int) (kernel.ProcessID, error) {
	sent, err := p.SendMessageWithPayload(kernel.SchedulerProcessID,
		int(kernel.SchedulerRunProcess),
		&LaunchRequest{Entry: entry, ConsoleInput: consoleInput, ConsolePort: consolePort},
		true)
	if err != nil {
		return kernel.ProcessIDNotSet, err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.SchedulerReturningStatus), time.Time{})
	if err != nil {
		return kernel.ProcessIDNotSet, err
	}
	pid := kernel.ProcessID(reply.Func)
	status := reply.Data
	reply.Release()
	if status != 0 {
		return kernel.ProcessIDNotSet, ErrNotRunning
	}
	return pid, nil
}

// WaitForProcessComplete blocks until a child launched by this process
// reports completion, and returns its exit status.
func WaitForProcessComplete(p *Process) (int, error) {
	reply, err := p.WaitForReplyWithType(nil, false,
		int(kernel.SchedulerProcessComplete), time.Time{})
	if err != nil {
		return -1, err
	}
	exitCode := int(int32(uint32(reply.Data)))
	reply.Release()
	return exitCode, nil
}

// KillProcess asks the scheduler to tear down a process.
func KillProcess(p *Process, pid kernel.ProcessID) error {
	sent, err := p.SendMessage(kernel.SchedulerProcessID,
		int(kernel.SchedulerKillProcess), 0, uint64(pid), true)
	if err != nil {
		return err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.SchedulerReturningStatus), time.Time{})
	if err != nil {
		return err
	}
	status := reply.Data
	reply.Release()
	if status != 0 {
		return ErrBadPid
	}
	return nil
}

// NumRunningProcesses returns the number of live processes, with an
// optional deadline.
func NumRunningProcesses(p *Process, deadline time.Time) (int, error) {
	sent, err := p.SendMessage(kernel.SchedulerProcessID,
		int(kernel.SchedulerGetNumRunningProcesses), 0, 0, true)
	if err != nil {
		return 0, err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.SchedulerReturningCount), deadline)
	if err != nil {
		return 0, err
	}
	count := int(reply.Data)
	reply.Release()
	return count, nil
}

// GetProcessInfo returns a snapshot of every live process.
func GetProcessInfo(p *Process) (*ProcessInfo, error) {
	sent, err := p.SendMessage(kernel.SchedulerProcessID,
		int(kernel.SchedulerGetProcessInfo), 0, 0, true)
	if err != nil {
		return nil, err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.SchedulerReturningInfo), time.Time{})
	if err != nil {
		return nil, err
	}
	info, _ := reply.Payload.(*ProcessInfo)
	reply.Release()
	return info, nil
}

// GetProcessUser returns the user that owns the calling process.
func GetProcessUser(p *Process) (kernel.UserID, error) {
	sent, err := p.SendMessage(kernel.SchedulerProcessID,
		int(kernel.SchedulerGetProcessUser), 0, 0, true)
	if err != nil {
		return kernel.NoUserID, err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.SchedulerReturningUser), time.Time{})
	if err != nil {
		return kernel.NoUserID, err
	}
	userID := kernel.UserID(int16(uint16(reply.Data)))
	reply.Release()
	return userID, nil
}

// SetProcessUser sets the user that owns the calling process.
func SetProcessUser(p *Process, userID kernel.UserID) error {
	sent, err := p.SendMessage(kernel.SchedulerProcessID,
		int(kernel.SchedulerSetProcessUser), 0, uint64(uint16(userID)), true)
	if err != nil {
		return err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.SchedulerReturningStatus), time.Time{})
	if err != nil {
		return err
	}
	reply.Release()
	return nil
}

// CloseAllFileDescriptors asks the scheduler to close the calling
// process's descriptor table.
func CloseAllFileDescriptors(p *Process) error {
	sent, err := p.SendMessage(kernel.SchedulerProcessID,
		int(kernel.SchedulerCloseAllFileDescriptors), 0, 0, true)
	if err != nil {
		return err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.SchedulerReturningStatus), time.Time{})
	if err != nil {
		return err
	}
	reply.Release()
	return nil
}

// GetHostname returns the hostname the scheduler read at boot.
func GetHostname(p *Process) (string, error) {
	sent, err := p.SendMessage(kernel.SchedulerProcessID,
		int(kernel.SchedulerGetHostname), 0, 0, true)
	if err != nil {
		return "", err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.SchedulerReturningHostname), time.Time{})
	if err != nil {
		return "", err
	}
	hostname, _ := reply.Payload.(string)
	reply.Release()
	return hostname, nil
}

// Execve notifies the scheduler that the calling process is replacing its
// image with the named executable.
func Execve(p *Process, pathname string) error {
	sent, err := p.SendMessageWithPayload(kernel.SchedulerProcessID,
		int(kernel.SchedulerExecve), pathname, true)
	if err != nil {
		return err
	}
	reply, err := p.WaitForReplyWithType(sent, false,
		int(kernel.SchedulerReturningStatus), time.Time{})
	if err != nil {
		return err
	}
	status := reply.Data
	reply.Release()
	if status != 0 {
		return ErrBadPid
	}
	return nil
}
