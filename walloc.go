package walloc

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/walloc/internal/arena"
	"github.com/hupe1980/walloc/internal/freelist"
	"github.com/hupe1980/walloc/internal/memory"
	"github.com/hupe1980/walloc/resource"
)

const (
	// PageSize is the growth granularity of the linear memory (64 KiB).
	PageSize = memory.PageSize

	// MaxPages caps the addressable memory at 4 GiB.
	MaxPages = memory.MaxPages

	// reservedPrefix keeps the low offsets out of circulation so 0 stays a
	// null sentinel at the host boundary.
	reservedPrefix = 64
)

// ErrInvalidConfig indicates invalid construction options.
var ErrInvalidConfig = errors.New("invalid configuration")

// Tier identifies an allocation lifetime class.
type Tier uint8

const (
	// TierGeneral routes to the general first-fit allocator: arbitrary
	// lifetime, explicit Free.
	TierGeneral Tier = iota
	// TierRender holds per-frame render data, reset once per frame.
	TierRender
	// TierScene holds per-scene data, reset on scene changes.
	TierScene
	// TierEntity holds per-entity data.
	TierEntity
)

func (t Tier) String() string {
	switch t {
	case TierGeneral:
		return "general"
	case TierRender:
		return "render"
	case TierScene:
		return "scene"
	case TierEntity:
		return "entity"
	default:
		return "unknown"
	}
}

// arenaTiers orders the bump-allocated tiers as laid out in memory.
var arenaTiers = [...]Tier{TierRender, TierScene, TierEntity}

func (t Tier) arenaIndex() int {
	switch t {
	case TierRender:
		return 0
	case TierScene:
		return 1
	case TierEntity:
		return 2
	default:
		return -1
	}
}

// Handle is a checked reference to a tiered allocation. It carries the
// generation of the owning tier at issue time; after the tier is reset or
// compacted the handle goes stale and typed access fails with ErrStaleHandle
// instead of silently reading reused memory.
type Handle struct {
	Tier       Tier
	Offset     uint32
	Size       uint32
	Generation uint32
	// Fallback marks an allocation that overflowed into the general
	// allocator. Fallback handles are not invalidated by tier resets and
	// must be released with Free.
	Fallback bool
}

// Valid reports whether the handle refers to an issued allocation.
// The zero Handle is invalid.
func (h Handle) Valid() bool { return h.Offset != 0 }

type fallbackBlock struct {
	tier Tier
	size uint32
}

// Walloc is a tiered allocator over a single growable linear memory.
//
// Three bump arenas (render, scene, entity) serve objects with well-known
// lifetimes; a first-fit general allocator serves everything else and absorbs
// arena overflow. All returned offsets index into the same address space and
// are accessed through the bounds-checked copy primitives; internal buffers
// are never exposed.
type Walloc struct {
	opts       options
	logger     *Logger
	metrics    MetricsCollector
	controller *resource.Controller

	region  *memory.Region
	arenas  [len(arenaTiers)]*arena.Arena
	general *freelist.Allocator

	fallbackMu    sync.Mutex
	fallback      map[uint32]fallbackBlock
	fallbackBytes [len(arenaTiers)]atomic.Uint64

	lastPages atomic.Uint32
	closed    atomic.Bool
}

// New constructs a tiered allocator. The tier arenas are carved from the
// total capacity per the configured percentages; the general allocator
// manages the rest of the address space up to the page ceiling.
func New(optFns ...Option) (*Walloc, error) {
	o := applyOptions(optFns)

	if err := validateOptions(&o); err != nil {
		return nil, err
	}

	region, err := memory.New(o.initialPages, o.maxPages, o.memoryBacking())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	w := &Walloc{
		opts:       o,
		logger:     o.logger,
		metrics:    o.metricsCollector,
		controller: o.controller,
		region:     region,
		fallback:   make(map[uint32]fallbackBlock),
	}

	if o.controller != nil {
		if !o.controller.TryAcquireCommit(int64(region.Len())) {
			_ = region.Close()
			return nil, fmt.Errorf("%w: initial pages exceed commit budget", ErrOutOfMemory)
		}
		region.SetGrowGate(func(delta uint64) error {
			if !o.controller.TryAcquireCommit(int64(delta)) {
				return errors.New("commit budget exhausted")
			}
			return nil
		})
	}

	cursor := uint32(reservedPrefix)
	specs := [len(arenaTiers)]struct {
		pct   int
		align uint32
	}{
		{o.renderPct, o.renderAlign},
		{o.scenePct, o.sceneAlign},
		{o.entityPct, o.entityAlign},
	}
	for i, tier := range arenaTiers {
		capacity := uint32(uint64(o.totalCapacity) * uint64(specs[i].pct) / 100)
		capacity &^= specs[i].align - 1
		if capacity == 0 {
			_ = w.teardown()
			return nil, fmt.Errorf("%w: %s tier capacity rounds to zero", ErrInvalidConfig, tier)
		}

		base := alignUp(cursor, specs[i].align)
		a, err := arena.New(tier.String(), base, capacity, specs[i].align)
		if err != nil {
			_ = w.teardown()
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		w.arenas[i] = a
		cursor = base + capacity
	}

	// The general allocator starts on its own cache line past the tiers and
	// owns everything committed beyond it.
	general, err := freelist.New(region, alignUp(cursor, 64))
	if err != nil {
		_ = w.teardown()
		return nil, translateError(err)
	}
	w.general = general
	w.lastPages.Store(region.Pages())

	w.logger.InfoContext(context.Background(), "allocator initialized",
		"total_capacity", o.totalCapacity,
		"render_capacity", w.arenas[0].Capacity(),
		"scene_capacity", w.arenas[1].Capacity(),
		"entity_capacity", w.arenas[2].Capacity(),
		"general_base", general.Base(),
		"committed_pages", region.Pages(),
		"max_pages", o.maxPages,
	)
	return w, nil
}

func validateOptions(o *options) error {
	if o.renderPct < 0 || o.scenePct < 0 || o.entityPct < 0 ||
		o.renderPct+o.scenePct+o.entityPct > 100 {
		return &ErrInvalidPercentSplit{Render: o.renderPct, Scene: o.scenePct, Entity: o.entityPct}
	}
	for _, align := range []uint32{o.renderAlign, o.sceneAlign, o.entityAlign} {
		if align == 0 || bits.OnesCount32(align) != 1 {
			return fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidConfig, align)
		}
	}
	if o.totalCapacity == 0 {
		return fmt.Errorf("%w: zero total capacity", ErrInvalidConfig)
	}
	if !o.snapshotCodec.Valid() {
		return fmt.Errorf("%w: unknown snapshot codec %d", ErrInvalidConfig, o.snapshotCodec)
	}
	return nil
}

// Allocate reserves size bytes from the general allocator and returns the
// offset. The offset is never 0; 0 is the null sentinel.
func (w *Walloc) Allocate(size uint32) (uint32, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}

	start := time.Now()
	offset, err := w.general.Allocate(size)
	err = translateError(err)

	w.metrics.RecordAllocate(TierGeneral, size, time.Since(start), err)
	w.logger.LogAllocate(context.Background(), TierGeneral, size, offset, false, err)
	w.noteGrowth()

	if err != nil {
		return 0, err
	}
	return offset, nil
}

// AllocateTiered reserves size bytes in the given tier's arena and returns a
// generation-checked handle. When the arena is full the request overflows
// into the general allocator and the handle is tagged Fallback; such memory
// survives tier resets and must be released with Free.
func (w *Walloc) AllocateTiered(size uint32, tier Tier) (Handle, error) {
	if w.closed.Load() {
		return Handle{}, ErrClosed
	}
	if size == 0 {
		return Handle{}, fmt.Errorf("%w: zero-size allocation", ErrInvalidSize)
	}

	if tier == TierGeneral {
		offset, err := w.Allocate(size)
		if err != nil {
			return Handle{}, err
		}
		return Handle{Tier: TierGeneral, Offset: offset, Size: size}, nil
	}

	idx := tier.arenaIndex()
	if idx < 0 {
		return Handle{}, fmt.Errorf("%w: %d", ErrUnknownTier, tier)
	}

	start := time.Now()
	a := w.arenas[idx]

	offset, err := a.Alloc(size)
	if err == nil {
		w.metrics.RecordAllocate(tier, size, time.Since(start), nil)
		w.logger.LogAllocate(context.Background(), tier, size, offset, false, nil)
		return Handle{Tier: tier, Offset: offset, Size: size, Generation: a.Generation()}, nil
	}
	if !errors.Is(err, arena.ErrFull) {
		err = translateError(err)
		w.metrics.RecordAllocate(tier, size, time.Since(start), err)
		w.logger.LogAllocate(context.Background(), tier, size, 0, false, err)
		return Handle{}, err
	}

	// Arena full: overflow into the general allocator.
	offset, ferr := w.general.Allocate(size)
	ferr = translateError(ferr)
	w.metrics.RecordAllocate(tier, size, time.Since(start), ferr)
	w.logger.LogAllocate(context.Background(), tier, size, offset, true, ferr)
	w.noteGrowth()
	if ferr != nil {
		return Handle{}, ferr
	}

	w.trackFallback(offset, tier, size)
	w.metrics.RecordFallback(tier, size)
	return Handle{Tier: tier, Offset: offset, Size: size, Fallback: true}, nil
}

// Free releases a general-allocator block (including tier overflow blocks).
// Fails with ErrInvalidFree when offset is not currently live.
func (w *Walloc) Free(offset uint32) error {
	if w.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	err := translateError(w.general.Free(offset))
	if err == nil {
		w.clearFallback(offset)
	}

	w.metrics.RecordFree(time.Since(start), err)
	w.logger.LogFree(context.Background(), offset, err)
	return err
}

// Realloc resizes a general-allocator block, moving it if it cannot grow in
// place. The classic degenerate forms apply: offset 0 behaves as Allocate,
// newSize 0 frees the block and returns the null offset. After a successful
// call exactly one of the old and new offsets is live.
func (w *Walloc) Realloc(offset uint32, newSize uint32) (uint32, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	if offset == 0 {
		return w.Allocate(newSize)
	}
	if newSize == 0 {
		return 0, w.Free(offset)
	}

	newOffset, err := w.general.Realloc(offset, newSize)
	if err != nil {
		return 0, translateError(err)
	}
	w.moveFallback(offset, newOffset, newSize)
	w.noteGrowth()
	return newOffset, nil
}

// ResetTier moves the tier's cursor back to its base, reclaiming everything
// allocated since the last reset, and bumps the tier generation so existing
// handles go stale. Overflowed (fallback) allocations are not touched.
// Returns the reclaimed bytes.
func (w *Walloc) ResetTier(tier Tier) (uint64, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}

	idx := tier.arenaIndex()
	if idx < 0 {
		return 0, fmt.Errorf("%w: %s is not resettable", ErrUnknownTier, tier)
	}

	reclaimed := w.arenas[idx].Reset()
	w.metrics.RecordReset(tier, reclaimed)
	w.logger.LogReset(context.Background(), tier, reclaimed)
	return reclaimed, nil
}

// CompactTier moves the tier's cursor back to preserve bytes past its base,
// keeping the prefix and discarding everything after it without copying.
// Preserving more than is currently used fails with ErrInvalidCompaction and
// leaves the cursor unchanged. Compaction bumps the generation, so all
// handles into the tier go stale, including ones into the preserved prefix.
func (w *Walloc) CompactTier(tier Tier, preserve uint32) (uint64, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}

	idx := tier.arenaIndex()
	if idx < 0 {
		return 0, fmt.Errorf("%w: %s is not compactable", ErrUnknownTier, tier)
	}

	reclaimed, err := w.arenas[idx].Compact(preserve)
	err = translateError(err)
	w.metrics.RecordCompact(tier, reclaimed, err)
	w.logger.LogCompact(context.Background(), tier, preserve, reclaimed, err)
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// Read copies length bytes starting at offset into a fresh caller-owned
// buffer. The allocator never exposes its internal storage.
func (w *Walloc) Read(offset uint32, length uint32) ([]byte, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}

	buf := make([]byte, length)
	if err := w.region.Read(offset, buf); err != nil {
		return nil, translateError(err)
	}
	return buf, nil
}

// Write copies data into the linear memory starting at offset.
func (w *Walloc) Write(offset uint32, data []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	return translateError(w.region.Write(offset, data))
}

// ReadHandle copies the handle's bytes out after validating it against the
// owning tier's generation.
func (w *Walloc) ReadHandle(h Handle) ([]byte, error) {
	if err := w.checkHandle(h); err != nil {
		return nil, err
	}
	return w.Read(h.Offset, h.Size)
}

// WriteHandle copies data into the handle's range after validating it.
// Fails with ErrOutOfBounds when data exceeds the handle size.
func (w *Walloc) WriteHandle(h Handle, data []byte) error {
	if err := w.checkHandle(h); err != nil {
		return err
	}
	if uint64(len(data)) > uint64(h.Size) {
		return fmt.Errorf("%w: %d bytes into a %d-byte handle", ErrOutOfBounds, len(data), h.Size)
	}
	return w.Write(h.Offset, data)
}

func (w *Walloc) checkHandle(h Handle) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if !h.Valid() {
		return fmt.Errorf("%w: zero handle", ErrStaleHandle)
	}

	if idx := h.Tier.arenaIndex(); idx >= 0 && !h.Fallback {
		if gen := w.arenas[idx].Generation(); gen != h.Generation {
			return fmt.Errorf("%w: %s tier is at generation %d, handle at %d",
				ErrStaleHandle, h.Tier, gen, h.Generation)
		}
		return nil
	}

	// General and fallback handles stay valid until freed.
	if !w.general.IsLive(h.Offset) {
		return fmt.Errorf("%w: offset %d has been freed", ErrStaleHandle, h.Offset)
	}
	return nil
}

// ReadUint32 reads a little-endian uint32 at offset.
func (w *Walloc) ReadUint32(offset uint32) (uint32, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	v, err := w.region.ReadUint32(offset)
	return v, translateError(err)
}

// WriteUint32 writes a little-endian uint32 at offset.
func (w *Walloc) WriteUint32(offset uint32, v uint32) error {
	if w.closed.Load() {
		return ErrClosed
	}
	return translateError(w.region.WriteUint32(offset, v))
}

// PublishFlag atomically stores v at the 4-byte-aligned offset with release
// ordering. A producer finishing an out-of-band write sequence stores its
// data first and publishes the flag last; a consumer pairing with
// ConsumeFlag then observes all of the producer's prior writes.
func (w *Walloc) PublishFlag(offset uint32, v uint32) error {
	if w.closed.Load() {
		return ErrClosed
	}
	return translateError(w.region.StoreFlag(offset, v))
}

// ConsumeFlag atomically loads the flag at the 4-byte-aligned offset with
// acquire ordering.
func (w *Walloc) ConsumeFlag(offset uint32) (uint32, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	v, err := w.region.LoadFlag(offset)
	return v, translateError(err)
}

// MemoryStats returns the per-tier and global introspection report.
func (w *Walloc) MemoryStats() MemoryStats {
	tiers := make([]TierStats, 0, len(arenaTiers))
	var tierUsed uint64
	for i, tier := range arenaTiers {
		s := w.arenas[i].Stats()
		tierUsed += uint64(s.Used)
		tiers = append(tiers, TierStats{
			Tier:          tier,
			Capacity:      s.Capacity,
			Used:          s.Used,
			HighWaterMark: s.HighWaterMark,
			LifetimeBytes: s.LifetimeBytes,
			SavedBytes:    s.SavedBytes,
			FallbackBytes: w.fallbackBytes[i].Load(),
			Generation:    s.Generation,
			State:         s.State.String(),
		})
	}

	gs := w.general.Stats()
	committed := w.region.Len()

	var utilization float64
	if committed > 0 {
		utilization = float64(tierUsed+gs.UsedBytes) / float64(committed) * 100
	}

	return MemoryStats{
		Tiers: tiers,
		General: GeneralStats{
			ManagedBytes:    gs.ManagedBytes,
			UsedBytes:       gs.UsedBytes,
			FreeBytes:       gs.FreeBytes,
			FreeBlocks:      gs.FreeBlocks,
			LiveAllocations: gs.LiveAllocations,
			TotalAllocs:     gs.TotalAllocs,
			TotalFrees:      gs.TotalFrees,
			PeakUsedBytes:   gs.PeakUsedBytes,
		},
		Pages:              w.region.Pages(),
		CommittedBytes:     committed,
		AddressableBytes:   w.region.MaxBytes(),
		UtilizationPercent: utilization,
	}
}

// Close releases the backing memory. Idempotent; all other operations fail
// with ErrClosed afterwards.
func (w *Walloc) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	return w.teardown()
}

func (w *Walloc) teardown() error {
	committed := w.region.Len()
	err := w.region.Close()
	if w.controller != nil {
		w.controller.ReleaseCommit(int64(committed))
	}
	return translateError(err)
}

func (w *Walloc) trackFallback(offset uint32, tier Tier, size uint32) {
	w.fallbackMu.Lock()
	w.fallback[offset] = fallbackBlock{tier: tier, size: size}
	w.fallbackMu.Unlock()
	w.fallbackBytes[tier.arenaIndex()].Add(uint64(size))
}

func (w *Walloc) clearFallback(offset uint32) {
	w.fallbackMu.Lock()
	blk, ok := w.fallback[offset]
	if ok {
		delete(w.fallback, offset)
	}
	w.fallbackMu.Unlock()
	if ok {
		w.fallbackBytes[blk.tier.arenaIndex()].Add(^uint64(blk.size - 1))
	}
}

func (w *Walloc) moveFallback(oldOffset, newOffset, newSize uint32) {
	w.fallbackMu.Lock()
	blk, ok := w.fallback[oldOffset]
	if ok {
		delete(w.fallback, oldOffset)
		w.fallback[newOffset] = fallbackBlock{tier: blk.tier, size: newSize}
	}
	w.fallbackMu.Unlock()
	if ok {
		idx := blk.tier.arenaIndex()
		w.fallbackBytes[idx].Add(uint64(newSize))
		w.fallbackBytes[idx].Add(^uint64(blk.size - 1))
	}
}

func (w *Walloc) noteGrowth() {
	pages := w.region.Pages()
	last := w.lastPages.Load()
	if pages > last && w.lastPages.CompareAndSwap(last, pages) {
		w.metrics.RecordGrow(pages)
		w.logger.LogGrow(context.Background(), last, pages)
	}
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}
