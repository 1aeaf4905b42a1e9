// Package rv32 runs position-independent RV32IM binaries as ordinary
// scheduled processes. Guest memory is four virtual-memory segments routed
// by the top bits of the 32-bit guest address; guest system calls are
// translated into kernel messages by the bridge in syscalls.go.
package rv32

import (
	"errors"
	"fmt"
	"time"

	"github.com/james-card/nanoos/internal/exe"
	"github.com/james-card/nanoos/internal/sched"
	"github.com/james-card/nanoos/internal/vmem"
)

// Guest memory layout constants.
const (
	InstructionSize = 4

	// ProgramStart is the load address of the executable image. Program
	// and data share one backing file; the boundary between them comes
	// from the executable's header.
	ProgramStart = 0x1000

	// MemorySegmentShift selects the segment from a guest address's top
	// bits.
	MemorySegmentShift = 25

	// StackStart is the initial stack pointer. The stack grows downward;
	// guest stack addresses translate to file offsets by
	// StackStart - addr - InstructionSize, masked into the stack window.
	StackStart = 0x4000000

	// StackOffsetMask bounds the stack window to 64 KiB.
	StackOffsetMask = 0xFFFF

	// ClintAddrMask bounds the mapped-I/O window. The CLINT-style timer
	// registers live inside it.
	ClintAddrMask = 0xFFFF

	// ClintMtimeLow and ClintMtimeHigh are the masked offsets of the
	// memory-mapped timer.
	ClintMtimeLow  = 0xBFF8
	ClintMtimeHigh = 0xBFFC
)

// Segment indices. Data is never selected directly by the address bits:
// program-range addresses at or beyond the data boundary promote to it.
const (
	segProgram = 0
	segStack   = 1
	segMapped  = 2
	segData    = 3
	numSegs    = 4
)

// Cache sizes for the four segments, mirroring how little RAM each is
// worth on the target hardware.
const (
	programCacheSize = 128
	dataCacheSize    = 128
	stackCacheSize   = 32
	mappedCacheSize  = 32
)

// misa fields advertised to the guest.
const (
	misaMXL32 = 1 << 30
	misaIExt  = 1 << 8
	misaMExt  = 1 << 12
)

// ErrFault is the error class for guest faults: bad opcodes, cross-segment
// accesses, unsupported CSRs. The host translates them into a negative
// guest exit code and never faults itself.
var ErrFault = errors.New("rv32: guest fault")

// CoreRegisters is the state of a single RV32IM hart: the 32 general
// registers (x0 hard-wired to zero), the program counter, and the
// machine-level CSRs.
type CoreRegisters struct {
	X  [32]uint32
	PC uint32

	Mstatus  uint32
	Misa     uint32
	Mie      uint32
	Mtvec    uint32
	Mscratch uint32
	Mepc     uint32
	Mcause   uint32
	Mtval    uint32
	Mip      uint32
}

// VM is the full state needed to run one RV32IM process: the core
// registers, the four memory segments, the data-section boundaries parsed
// from the executable header, and the running flag with its exit code.
type VM struct {
	regs     CoreRegisters
	segments [numSegs]vmem.Segment

	dataStart uint32
	dataEnd   uint32

	running  bool
	exitCode int

	fs       vmem.FS
	exePath  string
	pid      uint32
	bootTime time.Time
	proc     *sched.Process

	// syscalls is swapped out by tests; the default bridge forwards to
	// kernel processes.
	syscalls syscallTable
}

// scratchName returns the per-process backing file name for a segment
// file.
func scratchName(pid uint32, kind string) string {
	return fmt.Sprintf("pid%d%s.mem", pid, kind)
}

// Init loads the executable at programPath (a name on the kernel
// filesystem) and prepares the four segments. Scratch files from an
// earlier occupant of the same PID are removed so every run starts from a
// zeroed image.
func (vm *VM) Init(fs vmem.FS, programPath string, pid uint32) error {
	vm.fs = fs
	vm.exePath = programPath
	vm.pid = pid
	vm.bootTime = time.Now()
	vm.syscalls = defaultSyscalls

	var binary vmem.Segment
	if err := binary.Init(fs, programPath, 0, nil); err != nil {
		return fmt.Errorf("opening program: %w", err)
	}
	defer binary.Cleanup(false)

	metadata, err := readMetadata(&binary)
	if err != nil {
		return err
	}

	phyName := scratchName(pid, "phy")
	if err := fs.Remove(phyName); err != nil {
		return err
	}
	if err := vm.segments[segProgram].Init(fs, phyName, programCacheSize, nil); err != nil {
		return fmt.Errorf("program segment: %w", err)
	}
	// The data segment is a second window onto the same backing file.
	if err := vm.segments[segData].Init(fs, phyName, dataCacheSize, nil); err != nil {
		return fmt.Errorf("data segment: %w", err)
	}

	binarySize := binary.Size()
	copied, err := vmem.Copy(&binary, 0, &vm.segments[segProgram], ProgramStart, binarySize)
	if err != nil || copied < binarySize {
		return fmt.Errorf("loading program image: %w", err)
	}
	vm.segments[segProgram].SetSize(binarySize + ProgramStart)
	vm.segments[segData].SetSize(binarySize + ProgramStart)

	vm.dataStart = ProgramStart + metadata.ProgramLength
	vm.dataEnd = vm.dataStart + metadata.DataLength

	stkName := scratchName(pid, "stk")
	if err := fs.Remove(stkName); err != nil {
		return err
	}
	if err := vm.segments[segStack].Init(fs, stkName, stackCacheSize, nil); err != nil {
		return fmt.Errorf("stack segment: %w", err)
	}

	mapName := scratchName(pid, "map")
	if err := fs.Remove(mapName); err != nil {
		return err
	}
	if err := vm.segments[segMapped].Init(fs, mapName, mappedCacheSize, nil); err != nil {
		return fmt.Errorf("mapped segment: %w", err)
	}

	vm.regs = CoreRegisters{}
	vm.regs.Misa = misaMXL32 | misaIExt | misaMExt
	vm.regs.PC = ProgramStart
	vm.regs.X[2] = StackStart

	vm.running = true
	vm.exitCode = 0
	return nil
}

// readMetadata parses the executable trailer out of the tail of the
// binary's backing file.
func readMetadata(binary *vmem.Segment) (*exe.Metadata, error) {
	size := binary.Size()
	if size < exe.TrailerSize {
		return nil, exe.ErrBadSignature
	}
	var tail [exe.TrailerSize]byte
	if _, err := binary.Read(size-exe.TrailerSize, exe.TrailerSize, tail[:]); err != nil {
		return nil, fmt.Errorf("reading trailer: %w", err)
	}
	return exe.ParseTrailer(tail[:])
}

// Cleanup releases every segment and removes the per-process scratch
// files.
func (vm *VM) Cleanup() {
	vm.segments[segMapped].Cleanup(true)
	vm.segments[segStack].Cleanup(true)
	vm.segments[segData].Cleanup(true)
	vm.segments[segProgram].Cleanup(true)
	if vm.fs != nil {
		vm.fs.Remove(scratchName(vm.pid, "phy"))
		vm.fs.Remove(scratchName(vm.pid, "stk"))
		vm.fs.Remove(scratchName(vm.pid, "map"))
	}
}

// Registers exposes the core state for the syscall bridge and tests.
func (vm *VM) Registers() *CoreRegisters { return &vm.regs }

// Running reports whether the guest is still executing.
func (vm *VM) Running() bool { return vm.running }

// ExitCode returns the guest's exit code once it has stopped.
func (vm *VM) ExitCode() int { return vm.exitCode }

// segmentAndAddress routes a raw guest address to its segment index and
// the real offset within that segment's backing file.
func (vm *VM) segmentAndAddress(address uint32) (int, uint32, error) {
	segment := int(address >> MemorySegmentShift)
	switch segment {
	case segProgram:
		if address >= vm.dataStart {
			segment = segData
		}
	case segStack:
		address = (StackStart - address - InstructionSize) & StackOffsetMask
	case segMapped:
		address &= ClintAddrMask
	default:
		return 0, 0, fmt.Errorf("%w: address %#x outside any segment", ErrFault, address)
	}
	return segment, address, nil
}

// mtime returns the value of the memory-mapped CLINT-style timer: the
// microseconds elapsed since the VM booted.
func (vm *VM) mtime() uint64 {
	return uint64(time.Since(vm.bootTime).Microseconds())
}

// MemoryRead32 reads a 32-bit value from guest memory.
func (vm *VM) MemoryRead32(address uint32) (uint32, error) {
	segment, offset, err := vm.segmentAndAddress(address)
	if err != nil {
		return 0, err
	}
	if segment == segMapped {
		switch offset {
		case ClintMtimeLow:
			return uint32(vm.mtime()), nil
		case ClintMtimeHigh:
			return uint32(vm.mtime() >> 32), nil
		}
	}
	return vm.segments[segment].Read32(offset)
}

// MemoryRead16 reads a 16-bit value from guest memory.
func (vm *VM) MemoryRead16(address uint32) (uint16, error) {
	segment, offset, err := vm.segmentAndAddress(address)
	if err != nil {
		return 0, err
	}
	return vm.segments[segment].Read16(offset)
}

// MemoryRead8 reads a byte from guest memory.
func (vm *VM) MemoryRead8(address uint32) (uint8, error) {
	segment, offset, err := vm.segmentAndAddress(address)
	if err != nil {
		return 0, err
	}
	return vm.segments[segment].Read8(offset)
}

// MemoryWrite32 writes a 32-bit value to guest memory.
func (vm *VM) MemoryWrite32(address, value uint32) error {
	segment, offset, err := vm.segmentAndAddress(address)
	if err != nil {
		return err
	}
	return vm.segments[segment].Write32(offset, value)
}

// MemoryWrite16 writes a 16-bit value to guest memory.
func (vm *VM) MemoryWrite16(address uint32, value uint16) error {
	segment, offset, err := vm.segmentAndAddress(address)
	if err != nil {
		return err
	}
	return vm.segments[segment].Write16(offset, value)
}

// MemoryWrite8 writes a byte to guest memory.
func (vm *VM) MemoryWrite8(address uint32, value uint8) error {
	segment, offset, err := vm.segmentAndAddress(address)
	if err != nil {
		return err
	}
	return vm.segments[segment].Write8(offset, value)
}

// ReadGuestBytes copies length bytes out of guest memory into a host
// buffer. Program and data addresses take the bulk path through the data
// segment's window; everything else goes byte by byte through the router.
func (vm *VM) ReadGuestBytes(address, length uint32) ([]byte, error) {
	buffer := make([]byte, length)
	if address>>MemorySegmentShift == segProgram {
		n, err := vm.segments[segData].Read(address, length, buffer)
		if err != nil {
			return nil, err
		}
		return buffer[:n], nil
	}
	for i := uint32(0); i < length; i++ {
		b, err := vm.MemoryRead8(address + i)
		if err != nil {
			return nil, err
		}
		buffer[i] = b
	}
	return buffer, nil
}

// WriteGuestBytes copies a host buffer into guest memory.
func (vm *VM) WriteGuestBytes(address uint32, buffer []byte) error {
	if address>>MemorySegmentShift == segProgram {
		_, err := vm.segments[segData].Write(address, uint32(len(buffer)), buffer)
		return err
	}
	for i, b := range buffer {
		if err := vm.MemoryWrite8(address+uint32(i), b); err != nil {
			return err
		}
	}
	return nil
}

// ReadGuestString reads a NUL-terminated string out of guest memory,
// capped at maxLen bytes.
func (vm *VM) ReadGuestString(address, maxLen uint32) (string, error) {
	var out []byte
	for i := uint32(0); i < maxLen; i++ {
		b, err := vm.MemoryRead8(address + i)
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return string(out), nil
}
