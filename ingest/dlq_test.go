package ingest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeadLetterQueueAddDrainRelease(t *testing.T) {
	q := newDeadLetterQueue()
	cause := errors.New("boom")

	entry := q.Add([]byte("k1"), []byte("v1"), cause)
	require.NotEmpty(t, entry.ID)
	require.Equal(t, 1, q.Depth())

	drained := q.Drain()
	require.Len(t, drained, 1)
	require.Equal(t, "k1", string(drained[0].Key))
	require.Equal(t, 0, q.Depth())

	q.Release(drained[0])
}

func TestDeadLetterQueueCopiesBytes(t *testing.T) {
	q := newDeadLetterQueue()
	key := []byte("mutable")
	entry := q.Add(key, nil, nil)
	key[0] = 'X'
	require.Equal(t, "mutable", string(entry.Key))
}
