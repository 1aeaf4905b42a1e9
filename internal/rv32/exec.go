package rv32

import (
	"fmt"
	"math"
)

// Opcode values.
const (
	opLoad    = 0x03
	opMiscMem = 0x0F
	opOpImm   = 0x13
	opAuipc   = 0x17
	opStore   = 0x23
	opOp      = 0x33
	opLui     = 0x37
	opBranch  = 0x63
	opJalr    = 0x67
	opJal     = 0x6F
	opSystem  = 0x73
)

// funct3 values for register-register and register-immediate operations.
const (
	funct3AddSub  = 0x0
	funct3Sll     = 0x1
	funct3Slt     = 0x2
	funct3Sltu    = 0x3
	funct3Xor     = 0x4
	funct3SrlSra  = 0x5
	funct3Or      = 0x6
	funct3And     = 0x7
	funct7Add     = 0x00
	funct7Sub     = 0x20
	funct7Srl     = 0x00
	funct7Sra     = 0x20
	funct7MExt    = 0x01
)

// funct3 values for the M extension.
const (
	funct3Mul    = 0x0
	funct3Mulh   = 0x1
	funct3Mulhsu = 0x2
	funct3Mulhu  = 0x3
	funct3Div    = 0x4
	funct3Divu   = 0x5
	funct3Rem    = 0x6
	funct3Remu   = 0x7
)

// funct3 values for loads, stores, and branches.
const (
	funct3Lb  = 0x0
	funct3Lh  = 0x1
	funct3Lw  = 0x2
	funct3Lbu = 0x4
	funct3Lhu = 0x5

	funct3Sb = 0x0
	funct3Sh = 0x1
	funct3Sw = 0x2

	funct3Beq  = 0x0
	funct3Bne  = 0x1
	funct3Blt  = 0x4
	funct3Bge  = 0x5
	funct3Bltu = 0x6
	funct3Bgeu = 0x7
)

// funct3 values for SYSTEM instructions.
const (
	funct3EcallEbreak = 0x0
	funct3Csrrw       = 0x1
	funct3Csrrs       = 0x2
	funct3Csrrc      = 0x3
	funct3Csrrwi      = 0x5
	funct3Csrrsi      = 0x6
	funct3Csrrci      = 0x7

	imm12Ecall  = 0x000
	imm12Ebreak = 0x001
)

// CSR numbers.
const (
	csrMstatus  = 0x300
	csrMisa     = 0x301
	csrMie      = 0x304
	csrMtvec    = 0x305
	csrMscratch = 0x340
	csrMepc     = 0x341
	csrMcause   = 0x342
	csrMtval    = 0x343
	csrMip      = 0x344

	csrMvendorid = 0xF11
	csrMarchid   = 0xF12
	csrMimpid    = 0xF13
	csrMhartid   = 0xF14
)

// fetchInstruction reads the 32-bit instruction at the current PC from the
// program segment.
func (vm *VM) fetchInstruction() (uint32, error) {
	return vm.segments[segProgram].Read32(vm.regs.PC)
}

func (vm *VM) executeMultiplyDivide(rd, rs1, rs2, funct3 uint32) error {
	src1Signed := int32(vm.regs.X[rs1])
	src2Signed := int32(vm.regs.X[rs2])
	src1Unsigned := vm.regs.X[rs1]
	src2Unsigned := vm.regs.X[rs2]

	switch funct3 {
	case funct3Mul:
		vm.regs.X[rd] = uint32(src1Signed * src2Signed)
	case funct3Mulh:
		vm.regs.X[rd] = uint32(uint64(int64(src1Signed)*int64(src2Signed)) >> 32)
	case funct3Mulhsu:
		vm.regs.X[rd] = uint32(uint64(int64(src1Signed)*int64(src2Unsigned)) >> 32)
	case funct3Mulhu:
		vm.regs.X[rd] = uint32(uint64(src1Unsigned) * uint64(src2Unsigned) >> 32)
	case funct3Div:
		switch {
		case src2Signed == 0:
			// Division by zero returns all ones.
			vm.regs.X[rd] = math.MaxUint32
		case src1Signed == math.MinInt32 && src2Signed == -1:
			// Overflow: most negative number divided by -1.
			vm.regs.X[rd] = uint32(math.MinInt32)
		default:
			vm.regs.X[rd] = uint32(src1Signed / src2Signed)
		}
	case funct3Divu:
		if src2Unsigned == 0 {
			vm.regs.X[rd] = math.MaxUint32
		} else {
			vm.regs.X[rd] = src1Unsigned / src2Unsigned
		}
	case funct3Rem:
		switch {
		case src2Signed == 0:
			// Remainder by zero returns the dividend.
			vm.regs.X[rd] = uint32(src1Signed)
		case src1Signed == math.MinInt32 && src2Signed == -1:
			vm.regs.X[rd] = 0
		default:
			vm.regs.X[rd] = uint32(src1Signed % src2Signed)
		}
	case funct3Remu:
		if src2Unsigned == 0 {
			vm.regs.X[rd] = src1Unsigned
		} else {
			vm.regs.X[rd] = src1Unsigned % src2Unsigned
		}
	default:
		return fmt.Errorf("%w: invalid M-extension funct3 %d", ErrFault, funct3)
	}
	return nil
}

func (vm *VM) executeRegisterOperation(rd, rs1, rs2, funct3, funct7 uint32) error {
	if funct7 == funct7MExt {
		return vm.executeMultiplyDivide(rd, rs1, rs2, funct3)
	}

	switch funct3 {
	case funct3AddSub:
		switch funct7 {
		case funct7Add:
			vm.regs.X[rd] = vm.regs.X[rs1] + vm.regs.X[rs2]
		case funct7Sub:
			vm.regs.X[rd] = vm.regs.X[rs1] - vm.regs.X[rs2]
		default:
			return fmt.Errorf("%w: invalid funct7 %#x", ErrFault, funct7)
		}
	case funct3Sll:
		if funct7 != funct7Add {
			return fmt.Errorf("%w: invalid funct7 %#x", ErrFault, funct7)
		}
		vm.regs.X[rd] = vm.regs.X[rs1] << (vm.regs.X[rs2] & 0x1F)
	case funct3Slt:
		if funct7 != funct7Add {
			return fmt.Errorf("%w: invalid funct7 %#x", ErrFault, funct7)
		}
		if int32(vm.regs.X[rs1]) < int32(vm.regs.X[rs2]) {
			vm.regs.X[rd] = 1
		} else {
			vm.regs.X[rd] = 0
		}
	case funct3Sltu:
		if funct7 != funct7Add {
			return fmt.Errorf("%w: invalid funct7 %#x", ErrFault, funct7)
		}
		if vm.regs.X[rs1] < vm.regs.X[rs2] {
			vm.regs.X[rd] = 1
		} else {
			vm.regs.X[rd] = 0
		}
	case funct3Xor:
		if funct7 != funct7Add {
			return fmt.Errorf("%w: invalid funct7 %#x", ErrFault, funct7)
		}
		vm.regs.X[rd] = vm.regs.X[rs1] ^ vm.regs.X[rs2]
	case funct3SrlSra:
		switch funct7 {
		case funct7Srl:
			vm.regs.X[rd] = vm.regs.X[rs1] >> (vm.regs.X[rs2] & 0x1F)
		case funct7Sra:
			vm.regs.X[rd] = uint32(int32(vm.regs.X[rs1]) >> (vm.regs.X[rs2] & 0x1F))
		default:
			return fmt.Errorf("%w: invalid funct7 %#x", ErrFault, funct7)
		}
	case funct3Or:
		if funct7 != funct7Add {
			return fmt.Errorf("%w: invalid funct7 %#x", ErrFault, funct7)
		}
		vm.regs.X[rd] = vm.regs.X[rs1] | vm.regs.X[rs2]
	case funct3And:
		if funct7 != funct7Add {
			return fmt.Errorf("%w: invalid funct7 %#x", ErrFault, funct7)
		}
		vm.regs.X[rd] = vm.regs.X[rs1] & vm.regs.X[rs2]
	default:
		return fmt.Errorf("%w: invalid funct3 %d", ErrFault, funct3)
	}
	return nil
}

func (vm *VM) executeImmediateOperation(rd, rs1 uint32, immediate int32, funct3 uint32) error {
	switch funct3 {
	case funct3AddSub: // ADDI
		vm.regs.X[rd] = vm.regs.X[rs1] + uint32(immediate)
	case funct3Sll: // SLLI
		if immediate&0xFE0 != 0 {
			return fmt.Errorf("%w: invalid SLLI immediate %#x", ErrFault, immediate)
		}
		vm.regs.X[rd] = vm.regs.X[rs1] << (uint32(immediate) & 0x1F)
	case funct3Slt: // SLTI
		if int32(vm.regs.X[rs1]) < immediate {
			vm.regs.X[rd] = 1
		} else {
			vm.regs.X[rd] = 0
		}
	case funct3Sltu: // SLTIU
		if vm.regs.X[rs1] < uint32(immediate) {
			vm.regs.X[rd] = 1
		} else {
			vm.regs.X[rd] = 0
		}
	case funct3Xor: // XORI
		vm.regs.X[rd] = vm.regs.X[rs1] ^ uint32(immediate)
	case funct3SrlSra: // SRLI/SRAI
		shamt := uint32(immediate) & 0x1F
		switch (uint32(immediate) >> 5) & 0x7F {
		case funct7Srl:
			vm.regs.X[rd] = vm.regs.X[rs1] >> shamt
		case funct7Sra:
			vm.regs.X[rd] = uint32(int32(vm.regs.X[rs1]) >> shamt)
		default:
			return fmt.Errorf("%w: invalid shift immediate %#x", ErrFault, immediate)
		}
	case funct3Or: // ORI
		vm.regs.X[rd] = vm.regs.X[rs1] | uint32(immediate)
	case funct3And: // ANDI
		vm.regs.X[rd] = vm.regs.X[rs1] & uint32(immediate)
	default:
		return fmt.Errorf("%w: invalid funct3 %d", ErrFault, funct3)
	}
	return nil
}

func (vm *VM) executeLoad(rd, rs1 uint32, immediate int32, funct3 uint32) error {
	address := vm.regs.X[rs1] + uint32(immediate)

	switch funct3 {
	case funct3Lb:
		value, err := vm.MemoryRead8(address)
		if err != nil {
			return err
		}
		vm.regs.X[rd] = uint32(int32(int8(value)))
	case funct3Lh:
		value, err := vm.MemoryRead16(address)
		if err != nil {
			return err
		}
		vm.regs.X[rd] = uint32(int32(int16(value)))
	case funct3Lw:
		value, err := vm.MemoryRead32(address)
		if err != nil {
			return err
		}
		vm.regs.X[rd] = value
	case funct3Lbu:
		value, err := vm.MemoryRead8(address)
		if err != nil {
			return err
		}
		vm.regs.X[rd] = uint32(value)
	case funct3Lhu:
		value, err := vm.MemoryRead16(address)
		if err != nil {
			return err
		}
		vm.regs.X[rd] = uint32(value)
	default:
		return fmt.Errorf("%w: invalid load funct3 %d", ErrFault, funct3)
	}
	return nil
}

func (vm *VM) executeStore(rs1, rs2 uint32, immediate int32, funct3 uint32) error {
	address := vm.regs.X[rs1] + uint32(immediate)
	value := vm.regs.X[rs2]

	switch funct3 {
	case funct3Sb:
		return vm.MemoryWrite8(address, uint8(value))
	case funct3Sh:
		return vm.MemoryWrite16(address, uint16(value))
	case funct3Sw:
		return vm.MemoryWrite32(address, value)
	default:
		return fmt.Errorf("%w: invalid store funct3 %d", ErrFault, funct3)
	}
}

func (vm *VM) executeBranch(rs1, rs2 uint32, immediate int32, funct3 uint32, nextPC *uint32) error {
	takeBranch := false

	switch funct3 {
	case funct3Beq:
		takeBranch = vm.regs.X[rs1] == vm.regs.X[rs2]
	case funct3Bne:
		takeBranch = vm.regs.X[rs1] != vm.regs.X[rs2]
	case funct3Blt:
		takeBranch = int32(vm.regs.X[rs1]) < int32(vm.regs.X[rs2])
	case funct3Bge:
		takeBranch = int32(vm.regs.X[rs1]) >= int32(vm.regs.X[rs2])
	case funct3Bltu:
		takeBranch = vm.regs.X[rs1] < vm.regs.X[rs2]
	case funct3Bgeu:
		takeBranch = vm.regs.X[rs1] >= vm.regs.X[rs2]
	default:
		return fmt.Errorf("%w: invalid branch funct3 %d", ErrFault, funct3)
	}

	if takeBranch {
		*nextPC = vm.regs.PC + uint32(immediate)
	}
	return nil
}

func (vm *VM) executeSystem(rd, rs1 uint32, immediate int32, funct3 uint32) error {
	if funct3 == funct3EcallEbreak {
		switch immediate {
		case imm12Ecall:
			return vm.handleSyscall()
		case imm12Ebreak:
			// EBREAK would drop into a debugger; ignored here.
			return nil
		default:
			return fmt.Errorf("%w: invalid ECALL immediate %#x", ErrFault, immediate)
		}
	}

	csrNumber := uint32(immediate) & 0xFFF

	var oldValue uint32
	switch csrNumber {
	case csrMstatus:
		oldValue = vm.regs.Mstatus
	case csrMisa:
		oldValue = vm.regs.Misa
	case csrMie:
		oldValue = vm.regs.Mie
	case csrMtvec:
		oldValue = vm.regs.Mtvec
	case csrMscratch:
		oldValue = vm.regs.Mscratch
	case csrMepc:
		oldValue = vm.regs.Mepc
	case csrMcause:
		oldValue = vm.regs.Mcause
	case csrMtval:
		oldValue = vm.regs.Mtval
	case csrMip:
		oldValue = vm.regs.Mip
	case csrMvendorid, csrMarchid, csrMimpid, csrMhartid:
		// Read-only identification CSRs read as zero here.
		oldValue = 0
	default:
		return fmt.Errorf("%w: unsupported CSR %#x", ErrFault, csrNumber)
	}

	vm.regs.X[rd] = oldValue

	newValue := oldValue
	var writeValue uint32
	switch funct3 {
	case funct3Csrrw:
		writeValue = vm.regs.X[rs1]
		newValue = writeValue
	case funct3Csrrs:
		writeValue = vm.regs.X[rs1]
		if rs1 != 0 {
			newValue = oldValue | writeValue
		}
	case funct3Csrrc:
		writeValue = vm.regs.X[rs1]
		if rs1 != 0 {
			newValue = oldValue &^ writeValue
		}
	case funct3Csrrwi:
		newValue = rs1 // The rs1 field holds the immediate.
	case funct3Csrrsi:
		if rs1 != 0 {
			newValue = oldValue | rs1
		}
	case funct3Csrrci:
		if rs1 != 0 {
			newValue = oldValue &^ rs1
		}
	default:
		return fmt.Errorf("%w: invalid SYSTEM funct3 %d", ErrFault, funct3)
	}

	if newValue != oldValue {
		switch csrNumber {
		case csrMstatus:
			vm.regs.Mstatus = newValue
		case csrMisa:
			// misa is read-only here.
		case csrMie:
			vm.regs.Mie = newValue
		case csrMtvec:
			vm.regs.Mtvec = newValue
		case csrMscratch:
			vm.regs.Mscratch = newValue
		case csrMepc:
			vm.regs.Mepc = newValue
		case csrMcause:
			vm.regs.Mcause = newValue
		case csrMtval:
			vm.regs.Mtval = newValue
		case csrMip:
			vm.regs.Mip = newValue
		}
	}

	return nil
}

// ExecuteInstruction decodes and executes a single instruction, advancing
// the PC by 4 unless a branch or jump set a new one.
func (vm *VM) ExecuteInstruction(instruction uint32) error {
	opcode := instruction & 0x7F
	rd := (instruction >> 7) & 0x1F
	funct3 := (instruction >> 12) & 0x7
	rs1 := (instruction >> 15) & 0x1F
	rs2 := (instruction >> 20) & 0x1F
	funct7 := (instruction >> 25) & 0x7F

	// I-type immediate: sign extension falls out of the arithmetic shift.
	immI := int32(instruction) >> 20

	// S-type immediate.
	immS := (int32(instruction) >> 20 &^ 0x1F) | int32((instruction>>7)&0x1F)

	// B-type immediate.
	immB := int32(instruction&0x80000000)>>19 |
		int32((instruction&0x00000080)<<4) |
		int32((instruction>>20)&0x7E0) |
		int32((instruction>>7)&0x1E)
	if instruction&0x80000000 != 0 {
		immB |= -0x2000 // sign extension from bit 12
	}

	// U-type immediate.
	immU := int32(instruction & 0xFFFFF000)

	// J-type immediate.
	immJ := int32((instruction&0x80000000)>>11) |
		int32((instruction&0x7FE00000)>>20) |
		int32((instruction&0x00100000)>>9) |
		int32(instruction&0x000FF000)
	if immJ&0x00100000 != 0 {
		immJ |= -0x200000 // sign extension from bit 20
	}

	nextPC := vm.regs.PC + InstructionSize
	var err error

	switch opcode {
	case opOp:
		err = vm.executeRegisterOperation(rd, rs1, rs2, funct3, funct7)
	case opOpImm:
		err = vm.executeImmediateOperation(rd, rs1, immI, funct3)
	case opLoad:
		err = vm.executeLoad(rd, rs1, immI, funct3)
	case opStore:
		err = vm.executeStore(rs1, rs2, immS, funct3)
	case opBranch:
		err = vm.executeBranch(rs1, rs2, immB, funct3, &nextPC)
	case opLui:
		vm.regs.X[rd] = uint32(immU)
	case opAuipc:
		vm.regs.X[rd] = vm.regs.PC + uint32(immU)
	case opJal:
		vm.regs.X[rd] = vm.regs.PC + InstructionSize
		nextPC = vm.regs.PC + uint32(immJ)
	case opJalr:
		// The LSB of the target is cleared per the architecture.
		vm.regs.X[rd] = vm.regs.PC + InstructionSize
		nextPC = (vm.regs.X[rs1] + uint32(immI)) &^ 1
	case opSystem:
		err = vm.executeSystem(rd, rs1, immI, funct3)
	case opMiscMem:
		// FENCE is a no-op on a single in-order hart.
	default:
		return fmt.Errorf("%w: invalid opcode %#x", ErrFault, opcode)
	}

	if err != nil {
		return err
	}

	vm.regs.PC = nextPC
	return nil
}

// Step fetches and executes one instruction, pinning x0 to zero first.
func (vm *VM) Step() error {
	instruction, err := vm.fetchInstruction()
	if err != nil {
		return err
	}
	vm.regs.X[0] = 0
	return vm.ExecuteInstruction(instruction)
}
