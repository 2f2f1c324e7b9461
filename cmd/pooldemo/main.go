// Command pooldemo retrieves a batch of pool slots, releases half of them,
// and shows the free list handing them back out LIFO — then repeats the
// same batch against a compacting pool to show the swap-with-last
// behavior instead.
package main

import (
	"log/slog"
	"os"
	"unsafe"

	"github.com/nmxmxh/walloc/pool"
	"github.com/nmxmxh/walloc/vm"
)

const elemSize = 8

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	runFreeListDemo(logger)
	runCompactingDemo(logger)
}

func runFreeListDemo(logger *slog.Logger) {
	backend := vm.DefaultBackend()
	info, err := backend.Info()
	if err != nil {
		logger.Error("vm.Info failed", "err", err)
		os.Exit(1)
	}

	p, err := pool.Bootstrap(backend, info, elemSize, 0, pool.DefaultConfig())
	if err != nil {
		logger.Error("pool.Bootstrap failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := p.Destroy(); err != nil {
			logger.Error("pool.Destroy failed", "err", err)
		}
	}()

	slots := make([]unsafe.Pointer, 100)
	for i := range slots {
		s, err := p.Retrieve()
		if err != nil {
			logger.Error("retrieve failed", "i", i, "err", err)
			os.Exit(1)
		}
		slots[i] = s
	}
	logger.Info("retrieved slots", "count", len(slots), "pool_count", p.Count())

	for i := 0; i < len(slots); i += 2 {
		if err := p.Release(slots[i]); err != nil {
			logger.Error("release failed", "i", i, "err", err)
			os.Exit(1)
		}
	}
	logger.Info("released even-indexed slots", "pool_count", p.Count())

	for i := 0; i < 50; i++ {
		got, err := p.Retrieve()
		if err != nil {
			logger.Error("retrieve failed", "err", err)
			os.Exit(1)
		}
		wantIdx := 98 - 2*i
		logger.Info("LIFO retrieve", "want_original_index", wantIdx, "matches", got == slots[wantIdx])
	}
}

func runCompactingDemo(logger *slog.Logger) {
	backend := vm.DefaultBackend()
	info, err := backend.Info()
	if err != nil {
		logger.Error("vm.Info failed", "err", err)
		os.Exit(1)
	}

	p, err := pool.Bootstrap(backend, info, elemSize, pool.FlagCompacting, pool.DefaultConfig())
	if err != nil {
		logger.Error("pool.Bootstrap failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := p.Destroy(); err != nil {
			logger.Error("pool.Destroy failed", "err", err)
		}
	}()

	var slots []unsafe.Pointer
	for i := 0; i < 8; i++ {
		s, err := p.Retrieve()
		if err != nil {
			logger.Error("retrieve failed", "err", err)
			os.Exit(1)
		}
		slots = append(slots, s)
	}

	// Tag the current last slot so the swap is observable by content: a
	// compacting release copies bytes into the freed index, it never
	// moves the address a caller iterating by index would see at idx 2.
	*(*int64)(p.At(p.Count() - 1)) = 0xBEEF
	if err := p.Release(slots[2]); err != nil {
		logger.Error("release failed", "err", err)
		os.Exit(1)
	}
	logger.Info("compacting release swapped last slot into the freed one",
		"freed_index", 2, "content_matches_former_last", *(*int64)(p.At(2)) == 0xBEEF, "pool_count", p.Count())
}
