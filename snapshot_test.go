package walloc

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/walloc/codec"
	"github.com/hupe1980/walloc/resource"
)

// populate fills an allocator with a mix of tiered, general and fallback
// allocations and returns the handles/offsets needed to verify a restore.
func populate(t *testing.T, w *Walloc) (render Handle, overflow Handle, general uint32) {
	t.Helper()

	var err error
	render, err = w.AllocateTiered(4096, TierRender)
	require.NoError(t, err)
	require.NoError(t, w.WriteHandle(render, bytes.Repeat([]byte("vtx "), 1024)))

	// Exhaust the render arena so the next request overflows.
	_, err = w.AllocateTiered(500_000, TierRender)
	require.NoError(t, err)
	overflow, err = w.AllocateTiered(64_000, TierRender)
	require.NoError(t, err)
	require.True(t, overflow.Fallback)
	require.NoError(t, w.WriteHandle(overflow, bytes.Repeat([]byte{0x42}, 64_000)))

	general, err = w.Allocate(512)
	require.NoError(t, err)
	require.NoError(t, w.Write(general, []byte("session state")))
	require.NoError(t, w.WriteUint32(general+256, 0xCAFEBABE))

	return render, overflow, general
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	for _, ct := range []codec.Type{codec.None, codec.LZ4, codec.ZSTD} {
		t.Run(ct.String(), func(t *testing.T) {
			w := newTestWalloc(t, WithSnapshotCodec(ct))
			render, overflow, general := populate(t, w)

			var buf bytes.Buffer
			n, err := w.Snapshot(context.Background(), &buf)
			require.NoError(t, err)
			assert.Equal(t, int64(buf.Len()), n)

			restored, err := Restore(context.Background(), &buf, WithBacking(BackingHeap))
			require.NoError(t, err)
			defer restored.Close()

			// Byte content survives.
			got, err := restored.ReadHandle(render)
			require.NoError(t, err)
			assert.Equal(t, bytes.Repeat([]byte("vtx "), 1024), got)

			got, err = restored.ReadHandle(overflow)
			require.NoError(t, err)
			assert.Equal(t, bytes.Repeat([]byte{0x42}, 64_000), got)

			v, err := restored.ReadUint32(general + 256)
			require.NoError(t, err)
			assert.Equal(t, uint32(0xCAFEBABE), v)

			// Accounting survives. The full flag is advisory and re-derived
			// on the next refused allocation, so states are normalized.
			want := w.MemoryStats()
			have := restored.MemoryStats()
			for i := range want.Tiers {
				want.Tiers[i].State = ""
				have.Tiers[i].State = ""
			}
			assert.Equal(t, want.Tiers, have.Tiers)
			assert.Equal(t, want.General, have.General)
			assert.Equal(t, want.Pages, have.Pages)

			// The restored allocator keeps working.
			off, err := restored.Allocate(128)
			require.NoError(t, err)
			require.NoError(t, restored.Free(off))
			require.NoError(t, restored.Free(overflow.Offset))
		})
	}
}

func TestSnapshotRestore_GenerationsSurvive(t *testing.T) {
	w := newTestWalloc(t)

	h, err := w.AllocateTiered(128, TierScene)
	require.NoError(t, err)
	_, err = w.ResetTier(TierScene)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = w.Snapshot(context.Background(), &buf)
	require.NoError(t, err)

	restored, err := Restore(context.Background(), &buf, WithBacking(BackingHeap))
	require.NoError(t, err)
	defer restored.Close()

	// A handle stale before the snapshot stays stale after the restore.
	_, err = restored.ReadHandle(h)
	require.ErrorIs(t, err, ErrStaleHandle)

	h2, err := restored.AllocateTiered(64, TierScene)
	require.NoError(t, err)
	assert.Equal(t, h.Generation+1, h2.Generation)
}

func TestSnapshot_SparsePages(t *testing.T) {
	w := newTestWalloc(t)

	// A single small write keeps the snapshot far below the committed size.
	offset, err := w.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, w.Write(offset, []byte("tiny")))

	var buf bytes.Buffer
	_, err = w.Snapshot(context.Background(), &buf)
	require.NoError(t, err)

	committed := w.MemoryStats().CommittedBytes
	assert.Less(t, uint64(buf.Len()), committed/4)
}

func TestRestore_Corrupt(t *testing.T) {
	w := newTestWalloc(t)
	populate(t, w)

	var buf bytes.Buffer
	_, err := w.Snapshot(context.Background(), &buf)
	require.NoError(t, err)
	snap := buf.Bytes()

	t.Run("flipped byte", func(t *testing.T) {
		bad := append([]byte{}, snap...)
		bad[len(bad)/2] ^= 0xFF

		_, err := Restore(context.Background(), bytes.NewReader(bad), WithBacking(BackingHeap))
		require.ErrorIs(t, err, ErrCorruptSnapshot)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Restore(context.Background(), bytes.NewReader(snap[:len(snap)/2]), WithBacking(BackingHeap))
		require.ErrorIs(t, err, ErrCorruptSnapshot)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Restore(context.Background(), bytes.NewReader(nil), WithBacking(BackingHeap))
		require.ErrorIs(t, err, ErrCorruptSnapshot)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte{}, snap...)
		copy(bad, "NOTASNAP")
		reseal(bad)

		_, err := Restore(context.Background(), bytes.NewReader(bad), WithBacking(BackingHeap))
		require.ErrorIs(t, err, ErrCorruptSnapshot)
	})

	t.Run("unsupported version", func(t *testing.T) {
		bad := append([]byte{}, snap...)
		binary.LittleEndian.PutUint16(bad[8:], 99)
		reseal(bad)

		_, err := Restore(context.Background(), bytes.NewReader(bad), WithBacking(BackingHeap))
		var version *ErrSnapshotVersion
		require.ErrorAs(t, err, &version)
		assert.Equal(t, uint16(99), version.Got)
	})
}

// reseal recomputes the CRC trailer after a deliberate header mutation so
// the test reaches the check under test instead of the checksum.
func reseal(snap []byte) {
	body := snap[:len(snap)-4]
	binary.LittleEndian.PutUint32(snap[len(snap)-4:], crc32.Checksum(body, crc32.MakeTable(crc32.Castagnoli)))
}

func TestSnapshot_RateLimitedAndSlotted(t *testing.T) {
	ctrl := resource.NewController(resource.Config{
		MaxConcurrentSnapshots: 1,
		SnapshotIOBytesPerSec:  50 << 20,
	})
	w := newTestWalloc(t, WithResourceController(ctrl))
	populate(t, w)

	var buf bytes.Buffer
	_, err := w.Snapshot(context.Background(), &buf)
	require.NoError(t, err)

	restored, err := Restore(context.Background(), &buf,
		WithBacking(BackingHeap),
		WithResourceController(resource.NewController(resource.Config{SnapshotIOBytesPerSec: 50 << 20})),
	)
	require.NoError(t, err)
	defer restored.Close()
}

func TestSnapshot_Closed(t *testing.T) {
	w := newTestWalloc(t)
	require.NoError(t, w.Close())

	_, err := w.Snapshot(context.Background(), &bytes.Buffer{})
	require.ErrorIs(t, err, ErrClosed)
}
