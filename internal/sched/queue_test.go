package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessQueue_FIFO(t *testing.T) {
	q := newProcessQueue("test", 4)
	a := &Process{id: 1}
	b := &Process{id: 2}
	c := &Process{id: 3}

	require.True(t, q.push(a))
	require.True(t, q.push(b))
	require.True(t, q.push(c))
	assert.Equal(t, 3, q.len())

	assert.Same(t, a, q.pop())
	assert.Same(t, b, q.pop())

	// Wrap around the ring.
	require.True(t, q.push(a))
	require.True(t, q.push(b))
	assert.Same(t, c, q.pop())
	assert.Same(t, a, q.pop())
	assert.Same(t, b, q.pop())
	assert.Nil(t, q.pop())
}

func TestProcessQueue_CapacityBound(t *testing.T) {
	q := newProcessQueue("test", 2)
	require.True(t, q.push(&Process{id: 1}))
	require.True(t, q.push(&Process{id: 2}))
	assert.False(t, q.push(&Process{id: 3}), "a full queue must reject pushes")
}

func TestProcessQueue_RemovePreservesOrder(t *testing.T) {
	q := newProcessQueue("test", 4)
	a := &Process{id: 1}
	b := &Process{id: 2}
	c := &Process{id: 3}
	q.push(a)
	q.push(b)
	q.push(c)

	require.True(t, q.remove(b))
	assert.Equal(t, 2, q.len())
	assert.False(t, q.remove(b))

	assert.Same(t, a, q.pop())
	assert.Same(t, c, q.pop())
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"whitespace only", "  \t\n", nil},
		{"simple", "echo hello world", []string{"echo", "hello", "world"}},
		{"extra whitespace", "  ls   -l  ", []string{"ls", "-l"}},
		{"double quotes", `say "hello there" now`, []string{"say", "hello there", "now"}},
		{"single quotes", "say 'one two' three", []string{"say", "one two", "three"}},
		{"escaped quote", `say "a \" quote"`, []string{"say", `a " quote`}},
		{"unterminated quote", `say "unfinished`, []string{"say", "unfinished"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseArgs(tt.input))
		})
	}
}
