package walloc

// TierStats reports one tier's accounting.
type TierStats struct {
	Tier          Tier
	Capacity      uint32
	Used          uint32
	HighWaterMark uint32 // survives resets
	LifetimeBytes uint64 // cumulative bytes allocated in the tier
	SavedBytes    uint64 // reclaimed by compaction
	FallbackBytes uint64 // live bytes that overflowed into the general allocator
	Generation    uint32
	State         string // empty, filling or full
}

// GeneralStats reports the general allocator's accounting.
type GeneralStats struct {
	ManagedBytes    uint64
	UsedBytes       uint64
	FreeBytes       uint64
	FreeBlocks      int
	LiveAllocations int
	TotalAllocs     uint64
	TotalFrees      uint64
	PeakUsedBytes   uint64
}

// MemoryStats is the global introspection report.
//
// Fallback allocations count against the general allocator and the global
// committed bytes, never against their tier's capacity; FallbackBytes on the
// tier records them separately.
type MemoryStats struct {
	Tiers   []TierStats
	General GeneralStats

	Pages              uint32
	CommittedBytes     uint64
	AddressableBytes   uint64
	UtilizationPercent float64
}
