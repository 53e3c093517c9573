package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/streamrec/core"
)

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 10))
	require.NoError(t, s.Set(ctx, "b", []byte("2")))

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	now = now.Add(10 * time.Second)
	_, err = s.Get(ctx, "a")
	assert.True(t, core.IsStoreNotFound(err))

	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Delete(ctx, "b", "missing"))
	_, err = s.Get(ctx, "b")
	assert.True(t, core.IsNotFound(err))
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	s := NewMemoryStore()
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
