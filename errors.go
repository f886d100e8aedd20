package walloc

import (
	"errors"
	"fmt"

	"github.com/hupe1980/walloc/internal/arena"
	"github.com/hupe1980/walloc/internal/freelist"
	"github.com/hupe1980/walloc/internal/memory"
)

var (
	// ErrOutOfMemory indicates that growth would exceed the configured
	// ceiling or commit budget. Recoverable: the caller decides whether to
	// free memory, defer work or abort the frame.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrArenaFull indicates a tier's bump cursor would exceed its capacity.
	// Recoverable: AllocateTiered falls back to the general allocator on its
	// own; direct arena paths may retry after a reset.
	ErrArenaFull = errors.New("arena full")

	// ErrOutOfBounds indicates a read/write range outside committed memory.
	ErrOutOfBounds = errors.New("access out of bounds")

	// ErrMisaligned indicates a flag offset that is not 4-byte aligned.
	ErrMisaligned = errors.New("misaligned offset")

	// ErrInvalidFree indicates free/realloc on an offset that is not a live
	// general-allocator block.
	ErrInvalidFree = errors.New("invalid free")

	// ErrInvalidCompaction indicates a compaction asked to preserve more
	// bytes than the tier currently uses. The cursor is left unchanged.
	ErrInvalidCompaction = errors.New("invalid compaction")

	// ErrInvalidSize indicates a zero-size allocation request.
	ErrInvalidSize = errors.New("invalid size")

	// ErrStaleHandle indicates a handle whose tier has been reset or
	// compacted since the handle was issued.
	ErrStaleHandle = errors.New("stale handle")

	// ErrUnknownTier indicates a tier value outside the configured set.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrClosed indicates use after Close.
	ErrClosed = errors.New("allocator is closed")

	// ErrCorruptSnapshot indicates snapshot data that fails structural or
	// checksum validation during Restore.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

// ErrInvalidPercentSplit indicates tier percentages that do not fit in the
// total capacity.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidPercentSplit struct {
	Render int
	Scene  int
	Entity int
	cause  error
}

func (e *ErrInvalidPercentSplit) Error() string {
	return fmt.Sprintf("invalid tier split: %d/%d/%d%% must each be >= 0 and sum to <= 100",
		e.Render, e.Scene, e.Entity)
}

func (e *ErrInvalidPercentSplit) Unwrap() error { return e.cause }

// ErrSnapshotVersion indicates a snapshot written by an incompatible format
// version.
type ErrSnapshotVersion struct {
	Got  uint16
	Want uint16
}

func (e *ErrSnapshotVersion) Error() string {
	return fmt.Sprintf("unsupported snapshot version %d (want %d)", e.Got, e.Want)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, memory.ErrOutOfMemory), errors.Is(err, freelist.ErrOutOfMemory):
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	case errors.Is(err, arena.ErrFull):
		return fmt.Errorf("%w: %w", ErrArenaFull, err)
	case errors.Is(err, memory.ErrOutOfBounds):
		return fmt.Errorf("%w: %w", ErrOutOfBounds, err)
	case errors.Is(err, memory.ErrMisaligned):
		return fmt.Errorf("%w: %w", ErrMisaligned, err)
	case errors.Is(err, freelist.ErrInvalidFree):
		return fmt.Errorf("%w: %w", ErrInvalidFree, err)
	case errors.Is(err, arena.ErrInvalidCompaction):
		return fmt.Errorf("%w: %w", ErrInvalidCompaction, err)
	case errors.Is(err, freelist.ErrInvalidSize):
		return fmt.Errorf("%w: %w", ErrInvalidSize, err)
	case errors.Is(err, freelist.ErrCorruptState):
		return fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	case errors.Is(err, memory.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}
