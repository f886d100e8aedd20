package walloc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/walloc/codec"
	"github.com/hupe1980/walloc/internal/arena"
	"github.com/hupe1980/walloc/internal/conv"
	"github.com/hupe1980/walloc/internal/freelist"
	"github.com/hupe1980/walloc/internal/memory"
	"github.com/hupe1980/walloc/internal/pool"
	"github.com/hupe1980/walloc/resource"
)

// Snapshot layout, little-endian:
//
//	[8]byte  magic "WALCSNP1"
//	uint16   format version
//	uint8    codec
//	uint8    reserved
//	uint32   total capacity
//	uint32   max pages
//	uint32   committed pages
//	uint8    tier count, then per tier the arena geometry and cursor state
//	uint32   general base, then free spans, live blocks, fallback table, totals
//	uint32   dirty bitmap length + serialized roaring bitmap
//	         one framed compressed block per dirty page, ascending
//	uint32   CRC-32C over everything above
var snapshotMagic = [8]byte{'W', 'A', 'L', 'C', 'S', 'N', 'P', '1'}

const snapshotVersion uint16 = 1

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Snapshot serializes the full allocator state (geometry, cursors, free
// list, fallback table and every dirty page) to w and returns the bytes
// written. Only pages touched since construction are stored, so a mostly
// empty address space snapshots sparsely.
//
// The caller must ensure no allocation or write runs concurrently; a
// snapshot taken mid-mutation is internally consistent per structure but may
// mix states across them.
func (wa *Walloc) Snapshot(ctx context.Context, w io.Writer) (int64, error) {
	if wa.closed.Load() {
		return 0, ErrClosed
	}

	if err := wa.controller.AcquireSnapshot(ctx); err != nil {
		return 0, err
	}
	defer wa.controller.ReleaseSnapshot()

	start := time.Now()
	n, err := wa.writeSnapshot(ctx, w)
	wa.metrics.RecordSnapshot(n, time.Since(start), err)
	wa.logger.LogSnapshot(ctx, n, err)
	return n, err
}

func (wa *Walloc) writeSnapshot(ctx context.Context, w io.Writer) (int64, error) {
	wa.region.AdviseSequential()

	dirty := wa.region.DirtyPages()

	var state bytes.Buffer
	state.Write(snapshotMagic[:])
	writeBin(&state, snapshotVersion)
	writeBin(&state, uint8(wa.opts.snapshotCodec))
	writeBin(&state, uint8(0))
	writeBin(&state, wa.opts.totalCapacity)
	writeBin(&state, uint32(wa.opts.maxPages))
	writeBin(&state, wa.region.Pages())

	writeBin(&state, uint8(len(arenaTiers)))
	for i, tier := range arenaTiers {
		a := wa.arenas[i]
		s := a.Stats()
		writeBin(&state, uint8(tier))
		writeBin(&state, a.Base())
		writeBin(&state, a.Capacity())
		writeBin(&state, a.Alignment())
		writeBin(&state, s.Used)
		writeBin(&state, s.HighWaterMark)
		writeBin(&state, s.LifetimeBytes)
		writeBin(&state, s.LifetimeAllocs)
		writeBin(&state, s.SavedBytes)
		writeBin(&state, s.Generation)
	}

	writeBin(&state, wa.general.Base())
	spans, live := wa.general.SnapshotState()
	writeBin(&state, uint32(len(spans)))
	for _, s := range spans {
		writeBin(&state, s.Offset)
		writeBin(&state, s.Size)
	}
	writeBin(&state, uint32(len(live)))
	for _, blk := range live {
		writeBin(&state, blk.Offset)
		writeBin(&state, blk.Requested)
		writeBin(&state, blk.Actual)
	}

	wa.fallbackMu.Lock()
	fallbackOffsets := make([]uint32, 0, len(wa.fallback))
	for offset := range wa.fallback {
		fallbackOffsets = append(fallbackOffsets, offset)
	}
	sort.Slice(fallbackOffsets, func(i, j int) bool { return fallbackOffsets[i] < fallbackOffsets[j] })
	writeBin(&state, uint32(len(fallbackOffsets)))
	for _, offset := range fallbackOffsets {
		blk := wa.fallback[offset]
		writeBin(&state, offset)
		writeBin(&state, uint8(blk.tier))
		writeBin(&state, blk.size)
	}
	wa.fallbackMu.Unlock()

	gs := wa.general.Stats()
	writeBin(&state, gs.TotalAllocs)
	writeBin(&state, gs.TotalFrees)
	writeBin(&state, gs.PeakUsedBytes)

	bitmapBytes, err := dirty.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("marshal dirty bitmap: %w", err)
	}
	writeBin(&state, uint32(len(bitmapBytes)))
	state.Write(bitmapBytes)

	// Everything before the page payloads is written first so a reader can
	// stream-decode; the CRC covers payloads too.
	crc := crc32.New(castagnoli)
	counted := &countingWriter{w: resource.NewRateLimitedWriter(ctx, w, wa.controller)}
	out := io.MultiWriter(counted, crc)

	if _, err := out.Write(state.Bytes()); err != nil {
		return counted.n, err
	}

	pageBuf := pool.GetPage()
	defer pool.PutPage(pageBuf)
	it := dirty.Iterator()
	for it.HasNext() {
		page := it.Next()
		if err := wa.region.Read(page*PageSize, pageBuf); err != nil {
			return counted.n, translateError(err)
		}
		framed, err := codec.CompressBlock(pageBuf, wa.opts.snapshotCodec)
		if err != nil {
			return counted.n, err
		}
		if _, err := out.Write(framed); err != nil {
			return counted.n, err
		}
	}

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc.Sum32())
	if _, err := counted.Write(trailer[:]); err != nil {
		return counted.n, err
	}
	return counted.n, nil
}

// Restore rebuilds an allocator from a snapshot. Geometry (capacity, tier
// layout, committed pages) comes from the snapshot header; the options only
// configure ambient concerns (backing, logger, metrics, resource controller).
func Restore(ctx context.Context, r io.Reader, optFns ...Option) (*Walloc, error) {
	o := applyOptions(optFns)

	if err := o.controller.AcquireSnapshot(ctx); err != nil {
		return nil, err
	}
	defer o.controller.ReleaseSnapshot()

	data, err := io.ReadAll(resource.NewRateLimitedReader(ctx, r, o.controller))
	if err != nil {
		return nil, err
	}

	w, err := restore(data, o)
	if w != nil {
		w.logger.LogRestore(ctx, w.region.Pages(), nil)
	} else {
		o.logger.LogRestore(ctx, 0, err)
	}
	return w, err
}

func restore(data []byte, o options) (*Walloc, error) {
	if len(data) < len(snapshotMagic)+4 {
		return nil, fmt.Errorf("%w: truncated", ErrCorruptSnapshot)
	}

	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.Checksum(body, castagnoli) != binary.LittleEndian.Uint32(trailer) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	rd := &snapshotReader{data: body}

	var magic [8]byte
	rd.bytes(magic[:])
	if magic != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}
	version := rd.u16()
	if version != snapshotVersion {
		return nil, &ErrSnapshotVersion{Got: version, Want: snapshotVersion}
	}
	snapCodec := codec.Type(rd.u8())
	if !snapCodec.Valid() {
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorruptSnapshot, snapCodec)
	}
	rd.u8() // reserved

	totalCapacity := rd.u32()
	maxPages := rd.u32()
	pages := rd.u32()

	region, err := memory.New(int(pages), int(maxPages), o.memoryBacking())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}

	w := &Walloc{
		opts:       o,
		logger:     o.logger,
		metrics:    o.metricsCollector,
		controller: o.controller,
		region:     region,
		fallback:   make(map[uint32]fallbackBlock),
	}
	w.opts.totalCapacity = totalCapacity
	w.opts.maxPages = int(maxPages)
	w.opts.snapshotCodec = snapCodec

	if o.controller != nil {
		if !o.controller.TryAcquireCommit(int64(region.Len())) {
			_ = region.Close()
			return nil, fmt.Errorf("%w: snapshot exceeds commit budget", ErrOutOfMemory)
		}
		region.SetGrowGate(func(delta uint64) error {
			if !o.controller.TryAcquireCommit(int64(delta)) {
				return fmt.Errorf("commit budget exhausted")
			}
			return nil
		})
	}

	fail := func(err error) (*Walloc, error) {
		_ = w.teardown()
		return nil, err
	}

	tierCount := rd.u8()
	if int(tierCount) != len(arenaTiers) {
		return fail(fmt.Errorf("%w: %d tiers, want %d", ErrCorruptSnapshot, tierCount, len(arenaTiers)))
	}
	for i, tier := range arenaTiers {
		if got := Tier(rd.u8()); got != tier {
			return fail(fmt.Errorf("%w: tier %d out of order", ErrCorruptSnapshot, got))
		}
		base := rd.u32()
		capacity := rd.u32()
		align := rd.u32()
		used := rd.u32()
		highWater := rd.u32()
		lifetimeBytes := rd.u64()
		lifetimeAllocs := rd.u64()
		saved := rd.u64()
		generation := rd.u32()
		if rd.failed() {
			return fail(rd.errTruncated())
		}

		a, err := arena.New(tier.String(), base, capacity, align)
		if err != nil {
			return fail(fmt.Errorf("%w: %w", ErrCorruptSnapshot, err))
		}
		if err := a.RestoreState(used, highWater, lifetimeBytes, lifetimeAllocs, saved, generation); err != nil {
			return fail(fmt.Errorf("%w: %w", ErrCorruptSnapshot, err))
		}
		w.arenas[i] = a
	}

	generalBase := rd.u32()
	spanCount := rd.u32()
	if rd.failed() || int(spanCount) > rd.remaining()/8 {
		return fail(rd.errTruncated())
	}
	spans := make([]freelist.Span, spanCount)
	for i := range spans {
		spans[i] = freelist.Span{Offset: rd.u32(), Size: rd.u32()}
	}
	liveCount := rd.u32()
	if rd.failed() || int(liveCount) > rd.remaining()/12 {
		return fail(rd.errTruncated())
	}
	live := make([]freelist.Live, liveCount)
	for i := range live {
		live[i] = freelist.Live{Offset: rd.u32(), Requested: rd.u32(), Actual: rd.u32()}
	}
	fallbackCount := rd.u32()
	for i := uint32(0); i < fallbackCount; i++ {
		offset := rd.u32()
		tier := Tier(rd.u8())
		size := rd.u32()
		if tier.arenaIndex() < 0 {
			return fail(fmt.Errorf("%w: fallback block with tier %d", ErrCorruptSnapshot, tier))
		}
		w.fallback[offset] = fallbackBlock{tier: tier, size: size}
		w.fallbackBytes[tier.arenaIndex()].Add(uint64(size))
	}
	totalAllocs := rd.u64()
	totalFrees := rd.u64()
	peakUsed := rd.u64()

	bitmapLen, err := conv.Uint32ToInt(rd.u32())
	if err != nil || rd.failed() || rd.remaining() < bitmapLen {
		return fail(rd.errTruncated())
	}
	dirty := roaring.New()
	if err := dirty.UnmarshalBinary(rd.take(bitmapLen)); err != nil {
		return fail(fmt.Errorf("%w: dirty bitmap: %w", ErrCorruptSnapshot, err))
	}

	general, err := freelist.New(region, generalBase)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrCorruptSnapshot, err))
	}
	if err := general.RestoreState(spans, live, totalAllocs, totalFrees, peakUsed); err != nil {
		return fail(translateError(err))
	}
	w.general = general

	it := dirty.Iterator()
	for it.HasNext() {
		page := it.Next()
		payload, n, err := codec.DecompressBlock(rd.rest(), snapCodec)
		if err != nil {
			return fail(fmt.Errorf("%w: page %d: %w", ErrCorruptSnapshot, page, err))
		}
		if len(payload) != PageSize {
			return fail(fmt.Errorf("%w: page %d payload is %d bytes", ErrCorruptSnapshot, page, len(payload)))
		}
		rd.skip(n)
		if err := region.Write(page*PageSize, payload); err != nil {
			return fail(translateError(err))
		}
	}
	if rd.failed() || rd.remaining() != 0 {
		return fail(fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, rd.remaining()))
	}

	w.lastPages.Store(region.Pages())
	return w, nil
}

func writeBin(buf *bytes.Buffer, v any) {
	// bytes.Buffer writes never fail.
	_ = binary.Write(buf, binary.LittleEndian, v)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// snapshotReader is a cursor over the snapshot body. Reads past the end set
// the short flag instead of panicking; callers check failed() at section
// boundaries.
type snapshotReader struct {
	data  []byte
	pos   int
	short bool
}

func (r *snapshotReader) remaining() int { return len(r.data) - r.pos }
func (r *snapshotReader) failed() bool   { return r.short }
func (r *snapshotReader) rest() []byte   { return r.data[r.pos:] }
func (r *snapshotReader) skip(n int)     { r.pos += n }

func (r *snapshotReader) errTruncated() error {
	return fmt.Errorf("%w: truncated state section", ErrCorruptSnapshot)
}

func (r *snapshotReader) take(n int) []byte {
	if r.remaining() < n {
		r.short = true
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *snapshotReader) bytes(dst []byte) {
	if b := r.take(len(dst)); b != nil {
		copy(dst, b)
	}
}

func (r *snapshotReader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *snapshotReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *snapshotReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *snapshotReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}
