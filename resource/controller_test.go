package resource

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Commit(t *testing.T) {
	c := NewController(Config{CommitLimitBytes: 100})

	err := c.AcquireCommit(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), c.CommittedBytes())

	err = c.AcquireCommit(context.Background(), 40)
	require.NoError(t, err)
	assert.Equal(t, int64(90), c.CommittedBytes())

	// Over the limit.
	ok := c.TryAcquireCommit(20)
	assert.False(t, ok)
	assert.Equal(t, int64(90), c.CommittedBytes())

	// Blocking acquire over the limit times out.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = c.AcquireCommit(ctx, 20)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.ReleaseCommit(50)
	assert.Equal(t, int64(40), c.CommittedBytes())

	err = c.AcquireCommit(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, int64(60), c.CommittedBytes())
}

func TestController_UnlimitedCommit(t *testing.T) {
	c := NewController(Config{CommitLimitBytes: 0})

	err := c.AcquireCommit(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), c.CommittedBytes())

	c.ReleaseCommit(500)
	assert.Equal(t, int64(500), c.CommittedBytes())
}

func TestController_NilReceiver(t *testing.T) {
	var c *Controller

	require.NoError(t, c.AcquireCommit(context.Background(), 100))
	assert.True(t, c.TryAcquireCommit(100))
	c.ReleaseCommit(100)
	assert.Equal(t, int64(0), c.CommittedBytes())

	require.NoError(t, c.AcquireSnapshot(context.Background()))
	assert.True(t, c.TryAcquireSnapshot())
	c.ReleaseSnapshot()

	require.NoError(t, c.AcquireIO(context.Background(), 1<<20))
}

func TestController_SnapshotSlots(t *testing.T) {
	c := NewController(Config{MaxConcurrentSnapshots: 2})

	require.NoError(t, c.AcquireSnapshot(context.Background()))
	require.NoError(t, c.AcquireSnapshot(context.Background()))

	assert.False(t, c.TryAcquireSnapshot())

	c.ReleaseSnapshot()

	assert.True(t, c.TryAcquireSnapshot())
}

func TestRateLimitedWriter(t *testing.T) {
	// Generous limit, just exercising the chunked path.
	c := NewController(Config{SnapshotIOBytesPerSec: 10 << 20})

	var buf bytes.Buffer
	w := NewRateLimitedWriter(context.Background(), &buf, c)

	payload := bytes.Repeat([]byte{0xAB}, 3*ioChunk+17)
	n, err := w.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf.Bytes())
}

func TestRateLimitedReader(t *testing.T) {
	c := NewController(Config{SnapshotIOBytesPerSec: 10 << 20})

	payload := bytes.Repeat([]byte{0xCD}, 2*ioChunk)
	r := NewRateLimitedReader(context.Background(), bytes.NewReader(payload), c)

	var out bytes.Buffer
	n, err := out.ReadFrom(r)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, out.Bytes())
}

func TestRateLimitedWriter_CanceledContext(t *testing.T) {
	c := NewController(Config{SnapshotIOBytesPerSec: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	w := NewRateLimitedWriter(ctx, &buf, c)
	_, err := w.Write(make([]byte, 128))
	require.Error(t, err)
}
