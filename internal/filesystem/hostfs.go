// Package filesystem is the kernel's filesystem collaborator: a host-backed
// store that provides backing files for virtual memory and a kernel process
// that serves file operations to user programs by message. The on-disk
// filesystem formats themselves (FAT16 and friends) live outside the core.
package filesystem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/james-card/nanoos/internal/vmem"
)

// ErrBadPath indicates a path that escapes the filesystem root.
var ErrBadPath = errors.New("filesystem: invalid path")

// HostFS satisfies vmem.FS on top of a directory of the host filesystem.
// Every kernel file name resolves inside the root.
type HostFS struct {
	root string
}

// NewHostFS creates the root directory if needed and returns a filesystem
// rooted there.
func NewHostFS(root string) (*HostFS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating filesystem root: %w", err)
	}
	return &HostFS{root: root}, nil
}

// Root returns the host directory backing this filesystem.
func (fs *HostFS) Root() string { return fs.root }

func (fs *HostFS) resolve(name string) (string, error) {
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") ||
		filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: %s", ErrBadPath, name)
	}
	return filepath.Join(fs.root, cleaned), nil
}

// Open opens a file for random access, creating it when absent, and
// returns its current size.
func (fs *HostFS) Open(name string) (vmem.File, int64, error) {
	path, err := fs.resolve(name)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", name, err)
	}
	return f, info.Size(), nil
}

// Remove deletes a file. Removing a file that does not exist is not an
// error.
func (fs *HostFS) Remove(name string) error {
	path, err := fs.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}
