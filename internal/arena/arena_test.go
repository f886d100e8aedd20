package arena

import (
	"errors"
	"sort"
	"sync"
	"testing"
)

func TestArena_New(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		a, err := New("render", 64, 1024, 16)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if a.Base() != 64 || a.Capacity() != 1024 || a.Alignment() != 16 {
			t.Errorf("unexpected geometry: base=%d cap=%d align=%d", a.Base(), a.Capacity(), a.Alignment())
		}
		if a.Generation() != 1 {
			t.Errorf("expected generation 1, got %d", a.Generation())
		}
		if a.State() != StateEmpty {
			t.Errorf("expected empty state, got %v", a.State())
		}
	})

	t.Run("invalid alignment", func(t *testing.T) {
		if _, err := New("x", 0, 128, 12); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
		if _, err := New("x", 0, 128, 0); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("misaligned base", func(t *testing.T) {
		if _, err := New("x", 10, 128, 8); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}

func TestArena_Alloc(t *testing.T) {
	t.Run("first allocation starts at base", func(t *testing.T) {
		a, _ := New("render", 128, 1024, 8)
		off, err := a.Alloc(100)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if off != 128 {
			t.Errorf("expected offset 128, got %d", off)
		}
	})

	t.Run("offsets are aligned and monotonic", func(t *testing.T) {
		a, _ := New("render", 0, 4096, 16)
		var prev uint32
		for _, size := range []uint32{1, 3, 17, 5, 100} {
			off, err := a.Alloc(size)
			if err != nil {
				t.Fatalf("Alloc(%d): %v", size, err)
			}
			if off%16 != 0 {
				t.Errorf("offset %d not 16-aligned", off)
			}
			if off < prev {
				t.Errorf("offset %d below previous %d", off, prev)
			}
			prev = off + size
		}
	})

	t.Run("full arena", func(t *testing.T) {
		a, _ := New("scene", 0, 256, 8)
		if _, err := a.Alloc(200); err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		_, err := a.Alloc(100)
		if !errors.Is(err, ErrFull) {
			t.Fatalf("expected ErrFull, got %v", err)
		}
		if a.State() != StateFull {
			t.Errorf("expected full state, got %v", a.State())
		}
		// Failed allocation must not move the cursor.
		if a.Used() != 200 {
			t.Errorf("expected used 200, got %d", a.Used())
		}
	})

	t.Run("exact fit", func(t *testing.T) {
		a, _ := New("entity", 0, 256, 8)
		off, err := a.Alloc(256)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if off != 0 || a.Used() != 256 {
			t.Errorf("expected exact fill, off=%d used=%d", off, a.Used())
		}
	})

	t.Run("zero size", func(t *testing.T) {
		a, _ := New("x", 0, 256, 8)
		if _, err := a.Alloc(0); err == nil {
			t.Error("expected error for zero-size allocation")
		}
	})
}

func TestArena_Reset(t *testing.T) {
	a, _ := New("render", 64, 1024, 8)
	a.Alloc(100)
	a.Alloc(100)
	gen := a.Generation()

	reclaimed := a.Reset()
	if reclaimed != 204 { // 100, then 100 starting at the aligned cursor 104
		t.Errorf("expected 204 reclaimed, got %d", reclaimed)
	}
	if a.Used() != 0 {
		t.Errorf("expected cursor at base, used=%d", a.Used())
	}
	if a.Generation() != gen+1 {
		t.Errorf("expected generation bump, got %d", a.Generation())
	}

	// First allocation after reset returns the base offset again.
	off, err := a.Alloc(10)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if off != 64 {
		t.Errorf("expected base offset 64 after reset, got %d", off)
	}

	// High-water mark survives the reset.
	if hw := a.Stats().HighWaterMark; hw != 204 {
		t.Errorf("expected high-water 204 after reset, got %d", hw)
	}
}

func TestArena_Compact(t *testing.T) {
	t.Run("preserve prefix", func(t *testing.T) {
		a, _ := New("scene", 0, 1024, 8)
		a.Alloc(512)
		reclaimed, err := a.Compact(128)
		if err != nil {
			t.Fatalf("Compact: %v", err)
		}
		if reclaimed != 384 {
			t.Errorf("expected 384 reclaimed, got %d", reclaimed)
		}
		if a.Used() != 128 {
			t.Errorf("expected used 128, got %d", a.Used())
		}
		if a.Stats().SavedBytes != 384 {
			t.Errorf("expected 384 saved, got %d", a.Stats().SavedBytes)
		}

		// Next allocation lands right after the preserved prefix.
		off, err := a.Alloc(8)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if off != 128 {
			t.Errorf("expected offset 128, got %d", off)
		}
	})

	t.Run("preserve beyond used span fails", func(t *testing.T) {
		a, _ := New("scene", 0, 1024, 8)
		a.Alloc(100)
		gen := a.Generation()

		_, err := a.Compact(500)
		if !errors.Is(err, ErrInvalidCompaction) {
			t.Fatalf("expected ErrInvalidCompaction, got %v", err)
		}
		if a.Used() != 104 {
			t.Errorf("cursor must be unchanged, used=%d", a.Used())
		}
		if a.Generation() != gen {
			t.Errorf("generation must be unchanged on failed compact")
		}
	})

	t.Run("preserve everything is a no-op", func(t *testing.T) {
		a, _ := New("scene", 0, 1024, 8)
		a.Alloc(96)
		reclaimed, err := a.Compact(96)
		if err != nil {
			t.Fatalf("Compact: %v", err)
		}
		if reclaimed != 0 || a.Used() != 96 {
			t.Errorf("expected no-op compact, reclaimed=%d used=%d", reclaimed, a.Used())
		}
	})

	t.Run("clears full state", func(t *testing.T) {
		a, _ := New("scene", 0, 256, 8)
		a.Alloc(256)
		a.Alloc(8) // refused, marks full
		if a.State() != StateFull {
			t.Fatalf("expected full state")
		}
		if _, err := a.Compact(64); err != nil {
			t.Fatalf("Compact: %v", err)
		}
		if a.State() != StateFilling {
			t.Errorf("expected filling after compact, got %v", a.State())
		}
	})
}

func TestArena_ConcurrentAlloc(t *testing.T) {
	const (
		workers   = 8
		perWorker = 200
		size      = 16
	)

	a, _ := New("render", 0, workers*perWorker*size, 8)

	offsets := make([][]uint32, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				off, err := a.Alloc(size)
				if err != nil {
					t.Errorf("worker %d: %v", w, err)
					return
				}
				offsets[w] = append(offsets[w], off)
			}
		}(w)
	}
	wg.Wait()

	// No two allocations may overlap, even across racing workers.
	var all []uint32
	for _, offs := range offsets {
		all = append(all, offs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		if all[i] < all[i-1]+size {
			t.Fatalf("overlapping allocations at %d and %d", all[i-1], all[i])
		}
	}

	if got := a.Stats().LifetimeAllocs; got != workers*perWorker {
		t.Errorf("expected %d allocations, got %d", workers*perWorker, got)
	}
}

func TestArena_Stats(t *testing.T) {
	a, _ := New("entity", 0, 1024, 8)
	a.Alloc(100)
	a.Alloc(50)

	s := a.Stats()
	if s.Capacity != 1024 {
		t.Errorf("capacity: %d", s.Capacity)
	}
	if s.Used != 154 { // 100, then 50 starting at the aligned cursor 104
		t.Errorf("used: %d", s.Used)
	}
	if s.HighWaterMark != 154 {
		t.Errorf("high water: %d", s.HighWaterMark)
	}
	if s.LifetimeBytes != 150 {
		t.Errorf("lifetime bytes: %d", s.LifetimeBytes)
	}
	if s.LifetimeAllocs != 2 {
		t.Errorf("lifetime allocs: %d", s.LifetimeAllocs)
	}
	if s.State != StateFilling {
		t.Errorf("state: %v", s.State)
	}
}
