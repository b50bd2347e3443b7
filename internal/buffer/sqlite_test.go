package buffer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisv1180/envoy-logger/internal/lib/logger/sl"
	"github.com/chrisv1180/envoy-logger/internal/model"
)

func newTestBuffer(t *testing.T) *SQLiteBuffer {
	t.Helper()
	buf, err := NewSQLiteBuffer(sl.Discard(), filepath.Join(t.TempDir(), "nested", "buffer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })
	return buf
}

func TestStoreAndReplay(t *testing.T) {
	ctx := context.Background()
	buf := newTestBuffer(t)

	first := model.NewBatch("hr", []string{"a f=1 1", "b f=2 1"})
	second := model.NewBatch("lr", []string{"c Wh=3 2"})
	require.NoError(t, buf.Store(ctx, first))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, buf.Store(ctx, second))

	count, err := buf.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	pending, err := buf.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, "hr", pending[0].Bucket)
	assert.Equal(t, first.Lines, pending[0].Lines)
	assert.WithinDuration(t, first.Timestamp, pending[0].Timestamp, time.Millisecond)
	assert.Equal(t, second.ID, pending[1].ID)

	limited, err := buf.GetPending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, buf.MarkSent(ctx, []string{first.ID}))
	require.NoError(t, buf.MarkSent(ctx, nil))

	count, err = buf.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestDuplicateIDRejected(t *testing.T) {
	ctx := context.Background()
	buf := newTestBuffer(t)

	b := model.NewBatch("hr", []string{"a f=1 1"})
	require.NoError(t, buf.Store(ctx, b))
	assert.Error(t, buf.Store(ctx, b))
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	buf := newTestBuffer(t)

	require.NoError(t, buf.Store(ctx, model.NewBatch("hr", []string{"a f=1 1"})))

	require.NoError(t, buf.Cleanup(ctx, time.Hour))
	count, err := buf.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, buf.Cleanup(ctx, time.Millisecond))
	count, err = buf.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
