// Package proc defines the process-facing ABI pieces: file descriptors
// backed by message pipes, the per-process key/value storage used by the
// kernel C library, and the login user table.
package proc

import (
	"hash/crc32"

	"github.com/james-card/nanoos/internal/kernel"
)

// IoPipe directs one side of a file descriptor at a kernel process. These
// are not Unix pipes; a pipe is simply the destination PID plus the message
// type that process expects for the transfer.
type IoPipe struct {
	ProcessID   kernel.ProcessID
	MessageType int
}

// FileDescriptor is one slot in a process's descriptor table.
type FileDescriptor struct {
	InputPipe  IoPipe
	OutputPipe IoPipe
}

// Valid reports whether the descriptor is wired to anything.
func (fd *FileDescriptor) Valid() bool {
	return fd.InputPipe != (IoPipe{}) || fd.OutputPipe != (IoPipe{})
}

// Close unwires the descriptor.
func (fd *FileDescriptor) Close() {
	*fd = FileDescriptor{}
}

// StdStreams returns the default stdin/stdout/stderr table wired at the
// console. Stream sentinels 0..2 used by guest programs resolve to these
// slots.
func StdStreams(readType, writeType int) [kernel.NumFileDescriptors]FileDescriptor {
	console := kernel.ConsoleProcessID
	return [kernel.NumFileDescriptors]FileDescriptor{
		{InputPipe: IoPipe{ProcessID: console, MessageType: readType}},
		{OutputPipe: IoPipe{ProcessID: console, MessageType: writeType}},
		{OutputPipe: IoPipe{ProcessID: console, MessageType: writeType}},
	}
}

// Storage is the tiny integer-keyed map each process carries for kernel
// library bookkeeping (for example the fgets line buffer address). Only the
// running process may read it; only the running process or the scheduler
// may write it. The scheduler enforces that through its accessors.
type Storage [kernel.NumProcessStorageKeys]uint64

// Get returns the value stored under key, or 0 for an out-of-range key.
func (s *Storage) Get(key int) uint64 {
	if key < 0 || key >= len(s) {
		return 0
	}
	return s[key]
}

// Set stores value under key. Out-of-range keys are ignored.
func (s *Storage) Set(key int, value uint64) {
	if key < 0 || key >= len(s) {
		return
	}
	s[key] = value
}

// Clear zeroes every key. The scheduler does this when recycling a slot.
func (s *Storage) Clear() {
	for i := range s {
		s[i] = 0
	}
}

// User is one entry of the in-memory login table.
type User struct {
	UserID   kernel.UserID
	Username string
	Checksum uint32
}

// LoginChecksum computes the checksum stored for a username/password pair.
func LoginChecksum(username, password string) uint32 {
	return crc32.ChecksumIEEE([]byte(username + ":" + password))
}

// UserTable holds the known users.
type UserTable struct {
	users []User
}

// NewUserTable builds a table from the configured users. A nil or empty
// list yields a table with only root and an empty password.
func NewUserTable(users []User) *UserTable {
	if len(users) == 0 {
		users = []User{{
			UserID:   kernel.RootUserID,
			Username: "root",
			Checksum: LoginChecksum("root", ""),
		}}
	}
	return &UserTable{users: users}
}

// Lookup returns the user with the given name.
func (t *UserTable) Lookup(username string) (User, bool) {
	for _, u := range t.users {
		if u.Username == username {
			return u, true
		}
	}
	return User{}, false
}

// Authenticate checks a username/password pair against the table and
// returns the matching user ID, or NoUserID when the pair does not match.
func (t *UserTable) Authenticate(username, password string) kernel.UserID {
	u, ok := t.Lookup(username)
	if !ok {
		return kernel.NoUserID
	}
	if u.Checksum != LoginChecksum(username, password) {
		return kernel.NoUserID
	}
	return u.UserID
}

// Prompt returns the shell prompt suffix for a user: # for root, $ for
// everyone else.
func Prompt(userID kernel.UserID) string {
	if userID == kernel.RootUserID {
		return "#"
	}
	return "$"
}
