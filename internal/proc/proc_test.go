package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/james-card/nanoos/internal/kernel"
)

func TestStdStreams(t *testing.T) {
	fds := StdStreams(10, 11)

	assert.Equal(t, kernel.ConsoleProcessID, fds[0].InputPipe.ProcessID)
	assert.Equal(t, 10, fds[0].InputPipe.MessageType)
	assert.Equal(t, IoPipe{}, fds[0].OutputPipe, "stdin has no output pipe")

	for _, i := range []int{1, 2} {
		assert.Equal(t, kernel.ConsoleProcessID, fds[i].OutputPipe.ProcessID)
		assert.Equal(t, 11, fds[i].OutputPipe.MessageType)
	}
}

func TestFileDescriptor_CloseUnwires(t *testing.T) {
	fds := StdStreams(10, 11)
	require.True(t, fds[1].Valid())
	fds[1].Close()
	assert.False(t, fds[1].Valid())
}

func TestStorage_Bounds(t *testing.T) {
	var s Storage

	s.Set(0, 42)
	s.Set(kernel.NumProcessStorageKeys, 99) // out of range, ignored
	s.Set(-1, 99)

	assert.Equal(t, uint64(42), s.Get(0))
	assert.Zero(t, s.Get(-1))
	assert.Zero(t, s.Get(kernel.NumProcessStorageKeys))

	s.Clear()
	assert.Zero(t, s.Get(0))
}

func TestUserTable_Authenticate(t *testing.T) {
	table := NewUserTable([]User{
		{UserID: kernel.RootUserID, Username: "root", Checksum: LoginChecksum("root", "secret")},
		{UserID: 7, Username: "jill", Checksum: LoginChecksum("jill", "hunter2")},
	})

	assert.Equal(t, kernel.RootUserID, table.Authenticate("root", "secret"))
	assert.Equal(t, kernel.UserID(7), table.Authenticate("jill", "hunter2"))
	assert.Equal(t, kernel.NoUserID, table.Authenticate("jill", "wrong"))
	assert.Equal(t, kernel.NoUserID, table.Authenticate("nobody", ""))
}

func TestUserTable_DefaultsToRoot(t *testing.T) {
	table := NewUserTable(nil)
	u, ok := table.Lookup("root")
	require.True(t, ok)
	assert.Equal(t, kernel.RootUserID, u.UserID)
	assert.Equal(t, kernel.RootUserID, table.Authenticate("root", ""))
}

func TestPrompt(t *testing.T) {
	assert.Equal(t, "#", Prompt(kernel.RootUserID))
	assert.Equal(t, "$", Prompt(7))
	assert.Equal(t, "$", Prompt(kernel.NoUserID))
}
