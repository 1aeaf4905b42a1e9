package filesystem_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/james-card/nanoos/internal/filesystem"
	"github.com/james-card/nanoos/internal/kernel"
	"github.com/james-card/nanoos/internal/sched"
)

func TestHostFS_OpenCreatesAndReportsSize(t *testing.T) {
	fs, err := filesystem.NewHostFS(t.TempDir())
	require.NoError(t, err)

	f, size, err := fs.Open("fresh.mem")
	require.NoError(t, err)
	defer f.Close()
	assert.Zero(t, size)

	_, err = f.WriteAt([]byte("abcdef"), 0)
	require.NoError(t, err)

	f2, size2, err := fs.Open("fresh.mem")
	require.NoError(t, err)
	defer f2.Close()
	assert.Equal(t, int64(6), size2)
}

func TestHostFS_RejectsEscapingPaths(t *testing.T) {
	fs, err := filesystem.NewHostFS(t.TempDir())
	require.NoError(t, err)

	_, _, err = fs.Open("../escape.mem")
	assert.ErrorIs(t, err, filesystem.ErrBadPath)
	_, _, err = fs.Open("/etc/passwd")
	assert.ErrorIs(t, err, filesystem.ErrBadPath)
}

func TestHostFS_RemoveMissingIsNotAnError(t *testing.T) {
	fs, err := filesystem.NewHostFS(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, fs.Remove("never-existed.mem"))
}

// newFSKernel boots a scheduler with the filesystem service registered.
func newFSKernel(t *testing.T) (*sched.Scheduler, *filesystem.HostFS) {
	t.Helper()
	root := t.TempDir()
	fs, err := filesystem.NewHostFS(root)
	require.NoError(t, err)

	s, err := sched.New(sched.Config{NumProcesses: 8, NumMessages: 16})
	require.NoError(t, err)
	require.NoError(t, s.Register(sched.KernelProcess{
		PID:  kernel.FilesystemProcessID,
		Name: "filesystem",
		Run:  filesystem.NewService(fs).Run,
	}))
	return s, fs
}

func runUntil(t *testing.T, s *sched.Scheduler, cond func() bool) {
	t.Helper()
	for i := 0; i < 100000; i++ {
		s.Tick()
		if cond() {
			return
		}
	}
	t.Fatal("condition never reached")
}

func TestService_FileLifecycleByMessage(t *testing.T) {
	s, fs := newFSKernel(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(fs.Root(), "notes.txt"), []byte("0123456789"), 0o644))

	done := false
	entry := &sched.CommandEntry{
		Name: "filer",
		Func: func(p *sched.Process, argv []string) int {
			handle := filesystem.Open(p, "notes.txt")
			if !assert.NotZero(t, handle) {
				done = true
				return 1
			}

			data, err := filesystem.Read(p, handle, 4)
			assert.NoError(t, err)
			assert.Equal(t, "0123", string(data))

			// Reads advance the position.
			data, err = filesystem.Read(p, handle, 4)
			assert.NoError(t, err)
			assert.Equal(t, "4567", string(data))

			pos, err := filesystem.Seek(p, handle, 2, io.SeekStart)
			assert.NoError(t, err)
			assert.Equal(t, int64(2), pos)

			n, err := filesystem.Write(p, handle, []byte("XY"))
			assert.NoError(t, err)
			assert.Equal(t, 2, n)

			assert.NoError(t, filesystem.Close(p, handle))

			// A closed handle is gone.
			_, err = filesystem.Read(p, handle, 1)
			assert.NoError(t, err)

			done = true
			return 0
		},
	}

	require.NoError(t, s.StartInitial(entry, "filer"))
	runUntil(t, s, func() bool { return done })

	content, err := os.ReadFile(filepath.Join(fs.Root(), "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "01XY456789", string(content))
}

func TestService_HandlesAreOwnerScoped(t *testing.T) {
	s, fs := newFSKernel(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(fs.Root(), "private.txt"), []byte("secret"), 0o644))

	var handle uint32
	opened := false
	ownerEntry := &sched.CommandEntry{
		Name: "owner",
		Func: func(p *sched.Process, argv []string) int {
			handle = filesystem.Open(p, "private.txt")
			opened = true
			for {
				p.Yield()
			}
		},
	}

	done := false
	otherEntry := &sched.CommandEntry{
		Name: "other",
		Func: func(p *sched.Process, argv []string) int {
			for !opened {
				p.Yield()
			}
			// Another process's handle reads nothing here.
			data, err := filesystem.Read(p, handle, 6)
			assert.NoError(t, err)
			assert.Empty(t, data)
			done = true
			return 0
		},
	}

	parent := &sched.CommandEntry{
		Name: "parent",
		Func: func(p *sched.Process, argv []string) int {
			if _, err := sched.RunProcess(p, ownerEntry, "owner &", 0); err != nil {
				t.Errorf("launch owner: %v", err)
				return 1
			}
			if _, err := sched.RunProcess(p, otherEntry, "other &", 0); err != nil {
				t.Errorf("launch other: %v", err)
				return 1
			}
			for !done {
				p.Yield()
			}
			return 0
		},
	}

	require.NoError(t, s.StartInitial(parent, "parent"))
	runUntil(t, s, func() bool { return done })
}
