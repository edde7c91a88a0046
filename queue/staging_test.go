package queue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStagingBufferPushFull(t *testing.T) {
	b := NewStagingBuffer[int](2)
	require.NoError(t, b.Push(1))
	require.NoError(t, b.Push(2))
	require.ErrorIs(t, b.Push(3), ErrFull)
	require.True(t, b.IsFull())
	require.Equal(t, 2, b.Count())
}

func TestStagingBufferConsumeDropsSuccesses(t *testing.T) {
	b := NewStagingBuffer[int](4)
	for _, v := range []int{1, 2, 3} {
		require.NoError(t, b.Push(v))
	}
	requeued := b.Consume(
		func(int) error { return nil },
		func(int, error) bool { return true },
	)
	require.Equal(t, 0, requeued)
	require.True(t, b.IsEmpty())
}

func TestStagingBufferConsumeRequeuesInOrder(t *testing.T) {
	b := NewStagingBuffer[int](4)
	for _, v := range []int{1, 2, 3, 4} {
		require.NoError(t, b.Push(v))
	}
	errBoom := errors.New("boom")
	var seen []int
	requeued := b.Consume(
		func(v int) error {
			seen = append(seen, v)
			if v%2 == 0 {
				return errBoom
			}
			return nil
		},
		func(v int, err error) bool {
			// keep only the first failing entry
			return v == 2
		},
	)
	require.Equal(t, []int{1, 2, 3, 4}, seen)
	require.Equal(t, 1, requeued)
	require.Equal(t, 1, b.Count())
}

func TestStagingBufferConsumeEmptyBuffer(t *testing.T) {
	b := NewStagingBuffer[string](2)
	requeued := b.Consume(
		func(string) error { return nil },
		func(string, error) bool { return true },
	)
	require.Equal(t, 0, requeued)
}
