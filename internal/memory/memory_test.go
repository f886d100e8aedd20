package memory

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegion(t *testing.T, initialPages, maxPages int) *Region {
	t.Helper()
	r, err := New(initialPages, maxPages, BackingHeap)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNew(t *testing.T) {
	t.Run("invalid page counts", func(t *testing.T) {
		_, err := New(1, 0, BackingHeap)
		assert.ErrorIs(t, err, ErrInvalidConfig)

		_, err = New(1, MaxPages+1, BackingHeap)
		assert.ErrorIs(t, err, ErrInvalidConfig)

		_, err = New(4, 2, BackingHeap)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("heap backing", func(t *testing.T) {
		r := newTestRegion(t, 2, 16)
		assert.Equal(t, uint64(2*PageSize), r.Len())
		assert.Equal(t, uint32(2), r.Pages())
		assert.Equal(t, uint64(16*PageSize), r.MaxBytes())
	})

	t.Run("mmap backing", func(t *testing.T) {
		r, err := New(2, 16, BackingMmap)
		require.NoError(t, err)
		defer r.Close()

		assert.Equal(t, uint64(2*PageSize), r.Len())

		require.NoError(t, r.Write(0, []byte{1, 2, 3}))
		got := make([]byte, 3)
		require.NoError(t, r.Read(0, got))
		assert.Equal(t, []byte{1, 2, 3}, got)
	})
}

func TestRegion_GrowTo(t *testing.T) {
	t.Run("rounds up to whole pages", func(t *testing.T) {
		r := newTestRegion(t, 1, 8)
		require.NoError(t, r.GrowTo(PageSize+1))
		assert.Equal(t, uint64(2*PageSize), r.Len())
	})

	t.Run("no-op when already large enough", func(t *testing.T) {
		r := newTestRegion(t, 4, 8)
		require.NoError(t, r.GrowTo(PageSize))
		assert.Equal(t, uint64(4*PageSize), r.Len())
	})

	t.Run("monotonic and ceiling-bounded", func(t *testing.T) {
		r := newTestRegion(t, 1, 4)
		require.NoError(t, r.GrowTo(4*PageSize))

		err := r.GrowTo(4*PageSize + 1)
		assert.ErrorIs(t, err, ErrOutOfMemory)
		assert.Equal(t, uint64(4*PageSize), r.Len(), "failed grow must not change length")
	})

	t.Run("preserves existing bytes", func(t *testing.T) {
		r := newTestRegion(t, 1, 8)
		payload := bytes.Repeat([]byte{0xA5}, 128)
		require.NoError(t, r.Write(100, payload))

		require.NoError(t, r.GrowTo(6*PageSize))

		got := make([]byte, 128)
		require.NoError(t, r.Read(100, got))
		assert.Equal(t, payload, got)
	})

	t.Run("new pages are zero", func(t *testing.T) {
		r, err := New(1, 8, BackingMmap)
		require.NoError(t, err)
		defer r.Close()

		require.NoError(t, r.GrowTo(3*PageSize))
		got := make([]byte, PageSize)
		require.NoError(t, r.Read(2*PageSize, got))
		for i, b := range got {
			require.Zero(t, b, "byte %d not zero", i)
		}
	})
}

func TestRegion_ReadWrite(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		r := newTestRegion(t, 1, 4)
		for _, n := range []int{1, 7, 255, 4096} {
			src := bytes.Repeat([]byte{byte(n)}, n)
			require.NoError(t, r.Write(512, src))

			dst := make([]byte, n)
			require.NoError(t, r.Read(512, dst))
			assert.Equal(t, src, dst)
		}
	})

	t.Run("bounds checked", func(t *testing.T) {
		r := newTestRegion(t, 1, 4)

		err := r.Write(PageSize-2, []byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrOutOfBounds)

		err = r.Read(PageSize, make([]byte, 1))
		assert.ErrorIs(t, err, ErrOutOfBounds)

		// Exactly at the boundary is fine.
		assert.NoError(t, r.Write(PageSize-3, []byte{1, 2, 3}))
	})

	t.Run("uint32 round trip", func(t *testing.T) {
		r := newTestRegion(t, 1, 4)
		require.NoError(t, r.WriteUint32(16, 0xDEADBEEF))

		v, err := r.ReadUint32(16)
		require.NoError(t, err)
		assert.Equal(t, uint32(0xDEADBEEF), v)

		// Little-endian byte order on the wire.
		raw := make([]byte, 4)
		require.NoError(t, r.Read(16, raw))
		assert.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, raw)
	})
}

func TestRegion_Flags(t *testing.T) {
	r := newTestRegion(t, 1, 4)

	assert.ErrorIs(t, r.StoreFlag(6, 1), ErrMisaligned)

	require.NoError(t, r.StoreFlag(8, 1))
	v, err := r.LoadFlag(8)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)

	// Producer/consumer handoff: the data written before the flag store must
	// be visible once the consumer observes the flag.
	r2 := newTestRegion(t, 1, 4)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			v, err := r2.LoadFlag(0)
			if err != nil || v == 1 {
				break
			}
		}
		got := make([]byte, 4)
		_ = r2.Read(64, got)
		assert.Equal(t, []byte{9, 9, 9, 9}, got)
	}()

	require.NoError(t, r2.Write(64, []byte{9, 9, 9, 9}))
	require.NoError(t, r2.StoreFlag(0, 1))
	wg.Wait()
}

func TestRegion_DirtyPages(t *testing.T) {
	r := newTestRegion(t, 4, 8)

	assert.True(t, r.DirtyPages().IsEmpty())

	require.NoError(t, r.Write(10, []byte{1}))
	require.NoError(t, r.Write(2*PageSize+5, make([]byte, PageSize))) // spans pages 2 and 3

	dirty := r.DirtyPages()
	assert.Equal(t, uint64(3), dirty.GetCardinality())
	assert.True(t, dirty.Contains(0))
	assert.True(t, dirty.Contains(2))
	assert.True(t, dirty.Contains(3))
	assert.False(t, dirty.Contains(1))
}

func TestRegion_Close(t *testing.T) {
	r, err := New(1, 4, BackingMmap)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close()) // idempotent

	assert.ErrorIs(t, r.GrowTo(2*PageSize), ErrClosed)
	assert.ErrorIs(t, r.Read(0, make([]byte, 1)), ErrClosed)
	assert.ErrorIs(t, r.Write(0, []byte{1}), ErrClosed)
}

func TestRegion_GrowGate(t *testing.T) {
	r := newTestRegion(t, 1, 8)

	budget := errors.New("commit budget exhausted")
	var granted uint64
	r.SetGrowGate(func(delta uint64) error {
		if granted+delta > 2*PageSize {
			return budget
		}
		granted += delta
		return nil
	})

	require.NoError(t, r.GrowTo(3*PageSize))

	err := r.GrowTo(5 * PageSize)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.ErrorIs(t, err, budget)
	assert.Equal(t, uint64(3*PageSize), r.Len(), "refused growth must not commit")
}
