package walloc

import (
	"log/slog"

	"github.com/hupe1980/walloc/codec"
	"github.com/hupe1980/walloc/internal/memory"
	"github.com/hupe1980/walloc/resource"
)

// Backing selects how the linear memory is stored.
type Backing int

const (
	// BackingMmap reserves the full address space up front as an anonymous
	// mapping and commits pages on demand. Default.
	BackingMmap Backing = iota
	// BackingHeap uses a plain Go slice, reallocated on growth. Portable
	// fallback, useful in tests.
	BackingHeap
)

const (
	// DefaultTotalCapacity sizes the tier region when no option is given.
	DefaultTotalCapacity = 16 << 20

	defaultRenderPercent = 50
	defaultScenePercent  = 30
	defaultEntityPercent = 15

	// Render data is read by bulk uploads, so it gets cache-line alignment.
	defaultRenderAlign = 64
	defaultSceneAlign  = 16
	defaultEntityAlign = 8
)

type options struct {
	totalCapacity uint32
	renderPct     int
	scenePct      int
	entityPct     int
	renderAlign   uint32
	sceneAlign    uint32
	entityAlign   uint32
	initialPages  int
	maxPages      int
	backing       Backing
	snapshotCodec codec.Type

	logger           *Logger
	metricsCollector MetricsCollector
	controller       *resource.Controller
}

// Option configures Walloc construction.
type Option func(*options)

// WithTotalCapacity sets the total bytes the tier arenas are carved from.
// The general allocator manages everything past the tier region, up to the
// page ceiling.
func WithTotalCapacity(bytes uint32) Option {
	return func(o *options) {
		o.totalCapacity = bytes
	}
}

// WithTierPercents sets the share of the total capacity each tier receives.
// Percentages must each be >= 0 and sum to at most 100; the remainder is
// implicitly available to the general allocator.
func WithTierPercents(render, scene, entity int) Option {
	return func(o *options) {
		o.renderPct = render
		o.scenePct = scene
		o.entityPct = entity
	}
}

// WithTierAlignments sets the per-tier allocation alignment in bytes.
// Each must be a power of two.
func WithTierAlignments(render, scene, entity uint32) Option {
	return func(o *options) {
		o.renderAlign = render
		o.sceneAlign = scene
		o.entityAlign = entity
	}
}

// WithInitialPages sets the pages committed at construction. The region is
// grown further during construction if the tier layout needs more.
func WithInitialPages(pages int) Option {
	return func(o *options) {
		o.initialPages = pages
	}
}

// WithMaxPages caps the addressable memory in 64 KiB pages. Defaults to
// 65536 pages (4 GiB). Mostly useful to bound tests and constrained hosts.
func WithMaxPages(pages int) Option {
	return func(o *options) {
		o.maxPages = pages
	}
}

// WithBacking selects the memory backing (mmap reserve/commit or heap).
func WithBacking(b Backing) Option {
	return func(o *options) {
		o.backing = b
	}
}

// WithSnapshotCodec selects the compression codec for snapshot page data.
// Defaults to zstd.
func WithSnapshotCodec(t codec.Type) Option {
	return func(o *options) {
		o.snapshotCodec = t
	}
}

// WithResourceController attaches a resource controller enforcing a commit
// budget and snapshot IO limits. Pass nil for no limits.
func WithResourceController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
//
// Example with BasicMetricsCollector:
//
//	metrics := &walloc.BasicMetricsCollector{}
//	w, _ := walloc.New(walloc.WithMetricsCollector(metrics))
//	// ... use w ...
//	stats := metrics.GetStats()
//	fmt.Printf("Allocs: %d, Avg latency: %dns\n", stats.AllocCount, stats.AllocAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
//
// Example with JSON logging:
//
//	logger := walloc.NewJSONLogger(slog.LevelInfo)
//	w, _ := walloc.New(walloc.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		totalCapacity:    DefaultTotalCapacity,
		renderPct:        defaultRenderPercent,
		scenePct:         defaultScenePercent,
		entityPct:        defaultEntityPercent,
		renderAlign:      defaultRenderAlign,
		sceneAlign:       defaultSceneAlign,
		entityAlign:      defaultEntityAlign,
		initialPages:     1,
		maxPages:         memory.MaxPages,
		backing:          BackingMmap,
		snapshotCodec:    codec.ZSTD,
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func (o *options) memoryBacking() memory.Backing {
	if o.backing == BackingHeap {
		return memory.BackingHeap
	}
	return memory.BackingMmap
}
