package rv32

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/james-card/nanoos/internal/console"
	"github.com/james-card/nanoos/internal/filesystem"
	"github.com/james-card/nanoos/internal/kernel"
	"github.com/james-card/nanoos/internal/proc"
	"github.com/james-card/nanoos/internal/sched"
)

// System-call numbers, read from a7. Arguments travel in a0..a6 and the
// result comes back in a0 (and a1 for the second word of a timespec).
const (
	syscallExit = iota
	syscallWrite
	syscallRead
	syscallOpen
	syscallClose
	syscallLseek
	syscallNanosleep
	syscallTimespecGet
	syscallSetEcho
	syscallGetPid
	syscallSchedYield
	syscallExecve
	numSyscalls
)

// Stream sentinels guest programs use for the standard streams. They
// resolve to the process's descriptor table slots 0..2.
const (
	guestStdin  = 0
	guestStdout = 1
	guestStderr = 2
)

// maxGuestPath caps path strings read out of guest memory.
const maxGuestPath = 256

type syscallFunc func(vm *VM, p *sched.Process) error

type syscallTable [numSyscalls]syscallFunc

// defaultSyscalls is the bridge to the kernel services. Each handler reads
// its arguments from the a-registers, translates guest pointers through
// the VM's memory API, forwards to the kernel by message, and writes the
// result back to a0/a1.
var defaultSyscalls = syscallTable{
	syscallExit:        handleExit,
	syscallWrite:       handleWrite,
	syscallRead:        handleRead,
	syscallOpen:        handleOpen,
	syscallClose:       handleClose,
	syscallLseek:       handleLseek,
	syscallNanosleep:   handleNanosleep,
	syscallTimespecGet: handleTimespecGet,
	syscallSetEcho:     handleSetEcho,
	syscallGetPid:      handleGetPid,
	syscallSchedYield:  handleSchedYield,
	syscallExecve:      handleExecve,
}

// handleSyscall dispatches an ECALL. An out-of-range syscall number is a
// guest fault.
func (vm *VM) handleSyscall() error {
	number := vm.regs.X[17] // a7
	if number >= numSyscalls || vm.syscalls[number] == nil {
		return fmt.Errorf("%w: bad syscall %d", ErrFault, number)
	}
	return vm.syscalls[number](vm, vm.proc)
}

func handleExit(vm *VM, _ *sched.Process) error {
	vm.running = false
	vm.exitCode = int(int32(vm.regs.X[10])) // a0
	return nil
}

// handleWrite copies up to MaxWriteLength bytes out of guest memory and
// forwards them to the stream named in a0: a standard stream goes through
// the descriptor table's output pipe, anything else is a file handle.
func handleWrite(vm *VM, p *sched.Process) error {
	stream := vm.regs.X[10]
	bufferAddress := vm.regs.X[11]
	length := vm.regs.X[12]

	if length > kernel.MaxWriteLength {
		length = kernel.MaxWriteLength
	}

	buffer, err := vm.ReadGuestBytes(bufferAddress, length)
	if err != nil {
		return err
	}

	var written int
	if stream <= guestStderr {
		fd := p.FileDescriptor(int(stream))
		if fd == nil || fd.OutputPipe == (proc.IoPipe{}) {
			// Closed descriptor: nothing written.
			vm.regs.X[10] = 0
			return nil
		}
		pipe := fd.OutputPipe
		sent, err := p.SendMessageFull(pipe.ProcessID, pipe.MessageType,
			0, 0, buffer, true)
		if err != nil {
			vm.regs.X[10] = 0
			return nil
		}
		reply, err := p.WaitForReplyWithType(sent, false,
			int(kernel.ConsoleReturningStatus), time.Time{})
		if err != nil {
			vm.regs.X[10] = 0
			return nil
		}
		written = int(reply.Data)
		reply.Release()
	} else {
		written, _ = filesystem.Write(p, stream, buffer)
	}

	vm.regs.X[10] = uint32(written)
	return nil
}

// handleRead fills guest memory from the stream in a0. Reads from stdin
// poll the console, sleeping between polls until at least one byte is
// available.
func handleRead(vm *VM, p *sched.Process) error {
	stream := vm.regs.X[10]
	bufferAddress := vm.regs.X[11]
	length := vm.regs.X[12]

	if length > kernel.MaxWriteLength {
		length = kernel.MaxWriteLength
	}

	var data []byte
	if stream <= guestStderr {
		for {
			buffer, err := console.ReadInput(p, 0, int(length))
			if err != nil {
				vm.regs.X[10] = 0
				return nil
			}
			if len(buffer) > 0 {
				data = buffer
				break
			}
			p.Sleep(time.Millisecond)
		}
	} else {
		buffer, err := filesystem.Read(p, stream, int(length))
		if err != nil {
			vm.regs.X[10] = 0
			return nil
		}
		data = buffer
	}

	if err := vm.WriteGuestBytes(bufferAddress, data); err != nil {
		return err
	}
	vm.regs.X[10] = uint32(len(data))
	return nil
}

func handleOpen(vm *VM, p *sched.Process) error {
	path, err := vm.ReadGuestString(vm.regs.X[10], maxGuestPath)
	if err != nil {
		return err
	}
	handle := filesystem.Open(p, path)
	if handle == 0 {
		vm.regs.X[10] = ^uint32(0)
	} else {
		vm.regs.X[10] = handle
	}
	return nil
}

func handleClose(vm *VM, p *sched.Process) error {
	if err := filesystem.Close(p, vm.regs.X[10]); err != nil {
		vm.regs.X[10] = ^uint32(0)
	} else {
		vm.regs.X[10] = 0
	}
	return nil
}

func handleLseek(vm *VM, p *sched.Process) error {
	handle := vm.regs.X[10]
	offset := int32(vm.regs.X[11])
	whence := int(vm.regs.X[12])

	position, err := filesystem.Seek(p, handle, offset, whence)
	if err != nil || position < 0 {
		vm.regs.X[10] = ^uint32(0)
		return nil
	}
	vm.regs.X[10] = uint32(position)
	return nil
}

func handleNanosleep(vm *VM, p *sched.Process) error {
	seconds := vm.regs.X[10]
	nanoseconds := vm.regs.X[11]
	p.Sleep(time.Duration(seconds)*time.Second + time.Duration(nanoseconds))
	vm.regs.X[10] = 0
	return nil
}

func handleTimespecGet(vm *VM, _ *sched.Process) error {
	now := time.Now()
	vm.regs.X[10] = uint32(now.Unix())
	vm.regs.X[11] = uint32(now.Nanosecond())
	return nil
}

func handleSetEcho(vm *VM, p *sched.Process) error {
	if err := console.SetEcho(p, 0, vm.regs.X[10] != 0); err != nil {
		vm.regs.X[10] = ^uint32(0)
		return nil
	}
	vm.regs.X[10] = 0
	return nil
}

func handleGetPid(vm *VM, p *sched.Process) error {
	vm.regs.X[10] = uint32(p.ID())
	return nil
}

func handleSchedYield(vm *VM, p *sched.Process) error {
	p.Yield()
	vm.regs.X[10] = 0
	return nil
}

// handleExecve replaces the running guest image: the VM tears down its
// segments, notifies the scheduler of the identity change, and
// reinitializes from the new executable. Control never returns to the old
// image on success.
func handleExecve(vm *VM, p *sched.Process) error {
	path, err := vm.ReadGuestString(vm.regs.X[10], maxGuestPath)
	if err != nil {
		return err
	}

	if err := sched.Execve(p, path); err != nil {
		vm.regs.X[10] = ^uint32(0)
		return nil
	}

	vm.Cleanup()
	if err := vm.Init(vm.fs, path, vm.pid); err != nil {
		log.Warnf("execve of %s failed: %v", path, err)
		vm.running = false
		vm.exitCode = -1
		return nil
	}
	vm.proc = p
	return nil
}
