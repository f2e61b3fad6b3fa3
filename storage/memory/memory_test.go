package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varycache/varycache"
)

func TestSetGet(t *testing.T) {
	c := New(0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("value"), time.Minute))
	value, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), value)
}

func TestGetMissing(t *testing.T) {
	c := New(0)
	_, err := c.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, varycache.ErrNotFound)
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	c := New(0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("value"), -time.Second))
	_, err := c.Get(ctx, "key")
	assert.ErrorIs(t, err, varycache.ErrNotFound)
	assert.Equal(t, 0, c.Len())
}

func TestOverwriteReplacesValue(t *testing.T) {
	c := New(0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("first"), time.Minute))
	require.NoError(t, c.Set(ctx, "key", []byte("second"), time.Minute))

	value, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), value)
	assert.Equal(t, 1, c.Len())
}

func TestSizeLimitEvictsClosestToExpiry(t *testing.T) {
	c := New(10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "soon", []byte("aaaaaa"), time.Minute))
	require.NoError(t, c.Set(ctx, "later", []byte("bbbbbb"), 2*time.Minute))

	_, err := c.Get(ctx, "soon")
	assert.ErrorIs(t, err, varycache.ErrNotFound)

	value, err := c.Get(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbbbb"), value)
	assert.Equal(t, 1, c.Len())
}

func TestPruneDropsExpiredBeforeEvicting(t *testing.T) {
	c := New(10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "expired", []byte("aaaaaa"), -time.Second))
	require.NoError(t, c.Set(ctx, "live", []byte("bbbbbb"), time.Minute))

	value, err := c.Get(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbbbb"), value)
	assert.Equal(t, 1, c.Len())
}
