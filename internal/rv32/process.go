package rv32

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/james-card/nanoos/internal/sched"
	"github.com/james-card/nanoos/internal/vmem"
)

// yieldInterval is how many instructions the VM executes between
// cooperative yields, so a long-running guest cannot starve the other
// processes. Yielding does not touch guest state, so a compute-only guest
// stays deterministic.
const yieldInterval = 1024

// Command builds the scheduler command entry that runs an RV32IM binary.
// argv[0] must be the path of the executable on the kernel filesystem.
func Command(fs vmem.FS) *sched.CommandEntry {
	return &sched.CommandEntry{
		Name: "rv32",
		Help: "run a program compiled to the RV32IM instruction set",
		Func: func(p *sched.Process, argv []string) int {
			return RunProcess(p, fs, argv)
		},
	}
}

// RunProcess runs a guest binary to completion inside the calling process.
// Returns a negative value for a problem internal to the VM, zero on
// success, or the positive code the program itself exited with.
func RunProcess(p *sched.Process, fs vmem.FS, argv []string) int {
	if len(argv) == 0 {
		log.Error("no executable path provided")
		return -1
	}

	vm := &VM{}
	if err := vm.Init(fs, argv[0], uint32(p.ID())); err != nil {
		vm.Cleanup()
		log.Errorf("VM init for %s failed: %v", argv[0], err)
		return -1
	}
	defer vm.Cleanup()
	vm.proc = p

	exitCode := vm.Execute(p)
	return exitCode
}

// Execute drives the fetch/decode/execute loop until the guest exits or
// faults. Guest faults terminate the guest with a negative exit code; the
// host itself never faults from guest action.
func (vm *VM) Execute(p *sched.Process) int {
	instructions := 0
	for vm.running {
		if err := vm.Step(); err != nil {
			if errors.Is(err, ErrFault) {
				log.Warnf("guest fault at pc %#x: %v", vm.regs.PC, err)
			} else {
				log.Warnf("guest stopped at pc %#x: %v", vm.regs.PC, err)
			}
			return -1
		}

		instructions++
		if instructions%yieldInterval == 0 && p != nil {
			p.Yield()
		}
	}
	return vm.exitCode
}
