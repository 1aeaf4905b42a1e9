package rv32_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/james-card/nanoos/internal/console"
	"github.com/james-card/nanoos/internal/exe"
	"github.com/james-card/nanoos/internal/filesystem"
	"github.com/james-card/nanoos/internal/kernel"
	"github.com/james-card/nanoos/internal/mem"
	"github.com/james-card/nanoos/internal/rv32"
	"github.com/james-card/nanoos/internal/sched"
)

// Minimal RV32 instruction encoders for test programs.

func encR(rd, funct3, rs1, rs2, funct7 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | 0x33
}

func encI(opcode, rd, funct3, rs1 uint32, imm int32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encS(funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>5)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1F)<<7 | 0x23
}

func encB(funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>12&1)<<31 | (u>>5&0x3F)<<25 | rs2<<20 | rs1<<15 |
		funct3<<12 | (u>>1&0xF)<<8 | (u>>11&1)<<7 | 0x63
}

func encU(opcode, rd, imm20 uint32) uint32 {
	return imm20<<12 | rd<<7 | opcode
}

func encJ(rd uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>1&0x3FF)<<21 | (u>>11&1)<<20 |
		(u>>12&0xFF)<<12 | rd<<7 | 0x6F
}

func addi(rd, rs1 uint32, imm int32) uint32 { return encI(0x13, rd, 0x0, rs1, imm) }
func ecall() uint32                         { return encI(0x73, 0, 0x0, 0, 0) }

// exitProgram is the three-instruction epilogue: exit(code).
func exitProgram(code int32) []uint32 {
	return []uint32{
		addi(10, 0, code), // a0 = code
		addi(17, 0, 0),    // a7 = exit
		ecall(),
	}
}

// buildProgram writes code+data with a v1 trailer into the filesystem
// root and returns the name the VM opens it by.
func buildProgram(t *testing.T, root, name string, code []uint32, data []byte) string {
	t.Helper()

	var image bytes.Buffer
	for _, instruction := range code {
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], instruction)
		image.Write(word[:])
	}
	image.Write(data)

	path := filepath.Join(root, name)
	require.NoError(t, os.WriteFile(path, image.Bytes(), 0o755))
	require.NoError(t, exe.WriteV1Metadata(path,
		uint32(len(code)*4), uint32(len(data))))
	return name
}

func newTestFS(t *testing.T) *filesystem.HostFS {
	t.Helper()
	fs, err := filesystem.NewHostFS(t.TempDir())
	require.NoError(t, err)
	return fs
}

// newVM builds and initializes a VM for a raw instruction sequence.
func newVM(t *testing.T, code []uint32, data []byte) *rv32.VM {
	t.Helper()
	fs := newTestFS(t)
	name := buildProgram(t, fs.Root(), "test.bin", code, data)

	vm := &rv32.VM{}
	require.NoError(t, vm.Init(fs, name, 4))
	t.Cleanup(vm.Cleanup)
	return vm
}

func TestVM_InitState(t *testing.T) {
	vm := newVM(t, exitProgram(0), nil)

	regs := vm.Registers()
	assert.Equal(t, uint32(rv32.ProgramStart), regs.PC)
	assert.Equal(t, uint32(rv32.StackStart), regs.X[2])
	// misa advertises RV32IM.
	assert.Equal(t, uint32(1<<30|1<<8|1<<12), regs.Misa)
	assert.True(t, vm.Running())
}

func TestVM_DivideByZero(t *testing.T) {
	// DIV x5, x6, x0 with x6 = 0xDEADBEEF: the architected result is all
	// ones, the PC advances, and no fault is raised.
	vm := newVM(t, []uint32{encR(5, 0x4, 6, 0, 0x01)}, nil)
	vm.Registers().X[6] = 0xDEADBEEF

	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0xFFFFFFFF), vm.Registers().X[5])
	assert.Equal(t, uint32(rv32.ProgramStart+4), vm.Registers().PC)
}

func TestVM_MExtensionEdgeCases(t *testing.T) {
	code := []uint32{
		encR(5, 0x4, 6, 7, 0x01),  // DIV  x5, x6, x7
		encR(8, 0x6, 6, 7, 0x01),  // REM  x8, x6, x7
		encR(9, 0x5, 6, 0, 0x01),  // DIVU x9, x6, x0
		encR(11, 0x7, 6, 0, 0x01), // REMU x11, x6, x0
		encR(12, 0x1, 6, 7, 0x01), // MULH x12, x6, x7
	}
	vm := newVM(t, code, nil)
	regs := vm.Registers()
	regs.X[6] = 0x80000000 // INT32_MIN
	regs.X[7] = 0xFFFFFFFF // -1

	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0x80000000), regs.X[5], "INT_MIN / -1 overflows to INT_MIN")
	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0), regs.X[8], "INT_MIN %% -1 is 0")
	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0xFFFFFFFF), regs.X[9], "unsigned divide by zero is all ones")
	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0x80000000), regs.X[11], "unsigned remainder by zero is the dividend")
	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0), regs.X[12], "MULH(INT_MIN, -1) high word")
}

func TestVM_ArithmeticAndLogic(t *testing.T) {
	code := []uint32{
		encR(5, 0x0, 6, 7, 0x00),  // ADD
		encR(8, 0x0, 6, 7, 0x20),  // SUB
		encR(9, 0x4, 6, 7, 0x00),  // XOR
		encR(11, 0x2, 6, 7, 0x00), // SLT
		encR(12, 0x3, 6, 7, 0x00), // SLTU
		encR(13, 0x5, 6, 14, 0x20), // SRA
	}
	vm := newVM(t, code, nil)
	regs := vm.Registers()
	regs.X[6] = 0xFFFFFFF0 // -16
	regs.X[7] = 0x00000010 // 16
	regs.X[14] = 2

	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0), regs.X[5])
	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0xFFFFFFE0), regs.X[8])
	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0xFFFFFFE0), regs.X[9])
	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(1), regs.X[11], "-16 < 16 signed")
	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0), regs.X[12], "0xFFFFFFF0 < 16 is false unsigned")
	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0xFFFFFFFC), regs.X[13], "arithmetic shift keeps the sign")
}

func TestVM_X0HardwiredToZero(t *testing.T) {
	code := []uint32{
		addi(0, 0, 123), // writes x0, which must stay 0
		encR(5, 0x0, 0, 0, 0x00), // ADD x5, x0, x0
	}
	vm := newVM(t, code, nil)

	require.NoError(t, vm.Step())
	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0), vm.Registers().X[5])
}

func TestVM_LoadStoreDataSegment(t *testing.T) {
	data := make([]byte, 16)
	code := []uint32{
		encS(0x2, 6, 7, 0),       // SW x7, 0(x6)
		encI(0x03, 8, 0x2, 6, 0), // LW x8, 0(x6)
		encI(0x03, 9, 0x0, 6, 0), // LB x9, 0(x6) sign extends
		encI(0x03, 11, 0x4, 6, 0), // LBU x11, 0(x6)
	}
	vm := newVM(t, code, data)
	regs := vm.Registers()
	regs.X[6] = rv32.ProgramStart + uint32(len(code)*4) // start of data
	regs.X[7] = 0xFFEE8899

	for i := 0; i < len(code); i++ {
		require.NoError(t, vm.Step())
	}
	assert.Equal(t, uint32(0xFFEE8899), regs.X[8])
	assert.Equal(t, uint32(0xFFFFFF99), regs.X[9], "LB sign extends 0x99")
	assert.Equal(t, uint32(0x99), regs.X[11], "LBU zero extends")
}

func TestVM_StackSegmentAddressing(t *testing.T) {
	// SB 0x5A at guest stack address StackStart-1, then LBU it back.
	code := []uint32{
		encS(0x0, 6, 7, 0),        // SB x7, 0(x6)
		encI(0x03, 8, 0x4, 6, 0),  // LBU x8, 0(x6)
	}
	vm := newVM(t, code, nil)
	regs := vm.Registers()
	regs.X[6] = rv32.StackStart - 1
	regs.X[7] = 0x5A

	require.NoError(t, vm.Step())
	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0x5A), regs.X[8])
}

func TestVM_StackPushPop(t *testing.T) {
	code := []uint32{
		addi(2, 2, -8),           // sp -= 8
		encS(0x2, 2, 7, 0),       // SW x7, 0(sp)
		encS(0x2, 2, 8, 4),       // SW x8, 4(sp)
		encI(0x03, 9, 0x2, 2, 0), // LW x9, 0(sp)
		encI(0x03, 11, 0x2, 2, 4), // LW x11, 4(sp)
	}
	vm := newVM(t, code, nil)
	regs := vm.Registers()
	regs.X[7] = 0x12345678
	regs.X[8] = 0x9ABCDEF0

	for i := 0; i < len(code); i++ {
		require.NoError(t, vm.Step())
	}
	assert.Equal(t, uint32(0x12345678), regs.X[9])
	assert.Equal(t, uint32(0x9ABCDEF0), regs.X[11])
}

func TestVM_BranchesAndJumps(t *testing.T) {
	code := []uint32{
		encB(0x0, 6, 7, 8),  // BEQ x6, x7, +8 (taken)
		addi(5, 0, 1),       // skipped
		addi(5, 5, 2),       // x5 = 2
		encJ(1, 8),          // JAL x1, +8
		addi(5, 0, 99),      // skipped
		addi(9, 0, 0),       // landing pad
	}
	vm := newVM(t, code, nil)
	regs := vm.Registers()
	regs.X[6] = 7
	regs.X[7] = 7

	require.NoError(t, vm.Step()) // BEQ taken
	assert.Equal(t, uint32(rv32.ProgramStart+8), regs.PC)
	require.NoError(t, vm.Step()) // x5 = 2
	assert.Equal(t, uint32(2), regs.X[5])
	require.NoError(t, vm.Step()) // JAL
	assert.Equal(t, uint32(rv32.ProgramStart+16), regs.X[1], "link register holds pc+4")
	assert.Equal(t, uint32(rv32.ProgramStart+20), regs.PC)
}

func TestVM_LuiAuipc(t *testing.T) {
	code := []uint32{
		encU(0x37, 5, 0xABCDE), // LUI x5
		encU(0x17, 6, 0x1),     // AUIPC x6
	}
	vm := newVM(t, code, nil)

	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0xABCDE000), vm.Registers().X[5])
	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(rv32.ProgramStart+4+0x1000), vm.Registers().X[6])
}

func TestVM_CsrAccess(t *testing.T) {
	code := []uint32{
		encI(0x73, 5, 0x2, 0, 0x301),  // CSRRS x5, misa, x0
		encI(0x73, 0, 0x1, 6, 0x340),  // CSRRW x0, mscratch, x6
		encI(0x73, 7, 0x2, 0, 0x340),  // CSRRS x7, mscratch, x0
	}
	vm := newVM(t, code, nil)
	vm.Registers().X[6] = 0xC0FFEE

	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(1<<30|1<<8|1<<12), vm.Registers().X[5])
	require.NoError(t, vm.Step())
	require.NoError(t, vm.Step())
	assert.Equal(t, uint32(0xC0FFEE), vm.Registers().X[7])
}

func TestVM_UnsupportedCsrFaults(t *testing.T) {
	vm := newVM(t, []uint32{encI(0x73, 5, 0x2, 0, 0x7FF)}, nil)
	assert.ErrorIs(t, vm.Step(), rv32.ErrFault)
}

func TestVM_InvalidOpcodeFaults(t *testing.T) {
	vm := newVM(t, []uint32{0x0000007B}, nil)
	assert.ErrorIs(t, vm.Step(), rv32.ErrFault)
}

func TestVM_FaultTerminatesWithNegativeExit(t *testing.T) {
	vm := newVM(t, []uint32{0x0000007B}, nil)
	assert.Equal(t, -1, vm.Execute(nil))
}

func TestVM_ComputeOnlyDeterministic(t *testing.T) {
	// Sum 1..10 into a5, store it to the data segment, exit with the sum.
	buildCode := func(dataBase uint32) []uint32 {
		code := []uint32{
			addi(5, 0, 0),            // a5 = 0 (accumulator)
			addi(6, 0, 1),            // x6 = 1 (counter)
			addi(7, 0, 11),           // x7 = 11 (bound)
			encR(5, 0x0, 5, 6, 0x00), // loop: ADD x5, x5, x6
			addi(6, 6, 1),            // counter++
			encB(0x1, 6, 7, -8),      // BNE x6, x7, loop
			encU(0x37, 9, dataBase>>12),          // LUI x9, high(data)
			addi(9, 9, int32(dataBase&0xFFF)),    // x9 = data base
			encS(0x2, 9, 5, 0),       // SW x5, 0(x9)
			addi(10, 5, 0),           // a0 = sum
			addi(17, 0, 0),           // a7 = exit
			ecall(),
		}
		return code
	}

	run := func() (int, uint32) {
		codeLen := uint32(len(buildCode(0)) * 4)
		dataBase := uint32(rv32.ProgramStart) + codeLen
		vm := newVM(t, buildCode(dataBase), make([]byte, 8))
		exitCode := vm.Execute(nil)
		stored, err := vm.MemoryRead32(dataBase)
		require.NoError(t, err)
		return exitCode, stored
	}

	exit1, word1 := run()
	exit2, word2 := run()
	assert.Equal(t, 55, exit1)
	assert.Equal(t, exit1, exit2, "identical runs must exit identically")
	assert.Equal(t, word1, word2, "final data segment must be bit-identical")
	assert.Equal(t, uint32(55), word1)
}

func TestVM_MappedTimerReads(t *testing.T) {
	vm := newVM(t, exitProgram(0), nil)

	base := uint32(2 << rv32.MemorySegmentShift)
	first, err := vm.MemoryRead32(base + rv32.ClintMtimeLow)
	require.NoError(t, err)
	second, err := vm.MemoryRead32(base + rv32.ClintMtimeLow)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second, first, "the mapped timer is monotonic")

	// Non-timer mapped offsets behave like ordinary backed memory.
	require.NoError(t, vm.MemoryWrite32(base+0x100, 0xFEEDFACE))
	v, err := vm.MemoryRead32(base + 0x100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFEEDFACE), v)
}

func TestVM_OutOfRangeSegmentFaults(t *testing.T) {
	vm := newVM(t, exitProgram(0), nil)
	_, err := vm.MemoryRead32(0xF0000000)
	assert.ErrorIs(t, err, rv32.ErrFault)
}

func TestVM_EndToEndWriteAndExit(t *testing.T) {
	// A guest that issues write(stdout, "Hi\n", 3) and exit(7), run as a
	// scheduled process with the full set of kernel services.
	fs := newTestFS(t)

	message := []byte("Hi\n")
	codeTemplate := func(dataBase uint32) []uint32 {
		return []uint32{
			addi(10, 0, 1),                    // a0 = stdout
			encU(0x37, 11, dataBase>>12),      // LUI a1, high(data)
			addi(11, 11, int32(dataBase&0xFFF)), // a1 = data base
			addi(12, 0, int32(len(message))),  // a2 = length
			addi(17, 0, 1),                    // a7 = write
			ecall(),
			addi(10, 0, 7), // a0 = 7
			addi(17, 0, 0), // a7 = exit
			ecall(),
		}
	}
	codeLen := uint32(len(codeTemplate(0)) * 4)
	dataBase := uint32(rv32.ProgramStart) + codeLen
	name := buildProgram(t, fs.Root(), "hi.bin", codeTemplate(dataBase), message)

	s, err := sched.New(sched.Config{
		NumProcesses: 8,
		NumMessages:  16,
		Hostname:     "testhost",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	con := console.New(&out, nil)
	require.NoError(t, s.Register(sched.KernelProcess{
		PID: kernel.ConsoleProcessID, Name: "console", Run: con.Run,
	}))
	require.NoError(t, s.Register(sched.KernelProcess{
		PID:  kernel.FilesystemProcessID,
		Name: "filesystem",
		Run:  filesystem.NewService(fs).Run,
	}))
	manager := mem.NewManager(mem.NewRegion(8 * 1024))
	require.NoError(t, s.Register(sched.KernelProcess{
		PID: kernel.MemoryManagerProcessID, Name: "memory manager", Run: manager.Run,
	}))

	require.NoError(t, s.StartInitial(rv32.Command(fs), name))

	exitCode, err := s.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 7, exitCode, "the scheduler must report the guest's exit status")
	assert.Equal(t, "Hi\n", out.String(), "guest bytes reach stdout in order")
}
