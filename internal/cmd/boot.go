package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/james-card/nanoos/internal/config"
	"github.com/james-card/nanoos/internal/console"
	"github.com/james-card/nanoos/internal/filesystem"
	"github.com/james-card/nanoos/internal/kernel"
	"github.com/james-card/nanoos/internal/mem"
	"github.com/james-card/nanoos/internal/proc"
	"github.com/james-card/nanoos/internal/rv32"
	"github.com/james-card/nanoos/internal/sched"
)

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot <program> [args...]",
		Short: "Boot the kernel and run an RV32IM program",
		Long: "Boot the NanoOs kernel processes, load the given executable\n" +
			"into the virtual machine, and run it to completion. The command\n" +
			"exits with the guest program's exit status.",
		Args: cobra.MinimumNArgs(1),
		RunE: runBoot,
	}
}

func runBoot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	exitCode, err := Boot(cmd.Context(), cfg, args, os.Stdout, os.Stdin)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// Boot assembles the kernel, launches the given program under the VM, and
// runs the scheduler until the program completes. Returns the guest's exit
// status.
func Boot(ctx context.Context, cfg *config.Config, args []string,
	consoleOut io.Writer, consoleIn io.Reader) (int, error) {
	paths := config.NewPaths(config.Home())

	hostFS, err := filesystem.NewHostFS(paths.FsRoot)
	if err != nil {
		return -1, err
	}

	// Stage the executable onto the kernel filesystem so the VM can open
	// it by name.
	programName, err := stageExecutable(hostFS, args[0])
	if err != nil {
		return -1, err
	}

	var users []proc.User
	for _, u := range cfg.Users {
		users = append(users, proc.User{
			UserID:   kernel.UserID(u.ID),
			Username: u.Username,
			Checksum: u.Checksum,
		})
	}

	s, err := sched.New(sched.Config{
		NumProcesses: cfg.NumProcesses,
		NumMessages:  cfg.NumMessages,
		Hostname:     cfg.Hostname(),
		Users:        users,
	})
	if err != nil {
		return -1, err
	}

	con := console.New(consoleOut, consoleIn)
	if err := s.Register(sched.KernelProcess{
		PID:  kernel.ConsoleProcessID,
		Name: "console",
		Run:  con.Run,
	}); err != nil {
		return -1, err
	}

	fsService := filesystem.NewService(hostFS)
	if err := s.Register(sched.KernelProcess{
		PID:  kernel.FilesystemProcessID,
		Name: "filesystem",
		Run:  fsService.Run,
	}); err != nil {
		return -1, err
	}

	// The memory manager is registered last; its region size comes from
	// the configured memory size.
	manager := mem.NewManager(mem.NewRegion(cfg.MemorySize))
	if err := s.Register(sched.KernelProcess{
		PID:  kernel.MemoryManagerProcessID,
		Name: "memory manager",
		Run:  manager.Run,
	}); err != nil {
		return -1, err
	}

	consoleInput := strings.Join(append([]string{programName}, args[1:]...), " ")
	if err := s.StartInitial(rv32.Command(hostFS), consoleInput); err != nil {
		return -1, err
	}

	log.Debugf("booting %s with %d process slots and %d bytes of memory",
		s.Hostname(), cfg.NumProcesses, cfg.MemorySize)

	return s.Run(ctx)
}

// stageExecutable copies a host-path executable into the kernel
// filesystem root and returns the name the VM opens it by. A bare name
// that already exists on the kernel filesystem is used as is.
func stageExecutable(hostFS *filesystem.HostFS, path string) (string, error) {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if _, statErr := os.Stat(filepath.Join(hostFS.Root(), name)); statErr == nil {
			return name, nil
		}
		return "", fmt.Errorf("reading executable: %w", err)
	}
	staged := filepath.Join(hostFS.Root(), name)
	if err := os.WriteFile(staged, data, 0o755); err != nil {
		return "", fmt.Errorf("staging executable: %w", err)
	}
	return name, nil
}
