// Command taggedheapdemo allocates under three tags, writes a distinct
// pattern through each, frees the middle tag, and shows that its bytes
// come back zeroed on reuse while the other two tags are untouched — then
// runs a best-fit scenario across several sub-arenas of one tag.
package main

import (
	"log/slog"
	"os"
	"unsafe"

	"github.com/nmxmxh/walloc/taggedheap"
	"github.com/nmxmxh/walloc/vm"
)

const wordSize = unsafe.Sizeof(int(0))

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	runIsolationDemo(logger)
	runBestFitDemo(logger)
}

func runIsolationDemo(logger *slog.Logger) {
	backend := vm.DefaultBackend()
	info, err := backend.Info()
	if err != nil {
		logger.Error("vm.Info failed", "err", err)
		os.Exit(1)
	}

	h, err := taggedheap.Bootstrap(backend, info, 65*wordSize, 0, 0, taggedheap.DefaultConfig())
	if err != nil {
		logger.Error("taggedheap.Bootstrap failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := h.Destroy(); err != nil {
			logger.Error("taggedheap.Destroy failed", "err", err)
		}
	}()

	const tagA, tagB, tagC = 0, 1, 2
	pa, err := h.Alloc(tagA, 64*wordSize)
	if err != nil {
		logger.Error("alloc failed", "tag", tagA, "err", err)
		os.Exit(1)
	}
	pb, err := h.Alloc(tagB, 64*wordSize)
	if err != nil {
		logger.Error("alloc failed", "tag", tagB, "err", err)
		os.Exit(1)
	}
	pc, err := h.Alloc(tagC, 64*wordSize)
	if err != nil {
		logger.Error("alloc failed", "tag", tagC, "err", err)
		os.Exit(1)
	}

	a := unsafe.Slice((*int)(pa), 64)
	b := unsafe.Slice((*int)(pb), 64)
	c := unsafe.Slice((*int)(pc), 64)
	for i := 0; i < 64; i++ {
		a[i] = i
		b[i] = 64 - i
		c[i] = 64 + i
	}

	if err := h.Free(tagB); err != nil {
		logger.Error("free failed", "tag", tagB, "err", err)
		os.Exit(1)
	}
	pb2, err := h.Alloc(tagB, 64*wordSize)
	if err != nil {
		logger.Error("realloc after free failed", "tag", tagB, "err", err)
		os.Exit(1)
	}
	b2 := unsafe.Slice((*int)(pb2), 64)

	allZero := true
	for i := 0; i < 64; i++ {
		if b2[i] != 0 {
			allZero = false
			break
		}
	}
	logger.Info("tag B reads zero after free+realloc", "all_zero", allZero,
		"tag_a_intact", a[10] == 10, "tag_c_intact", c[10] == 74)
}

func runBestFitDemo(logger *slog.Logger) {
	backend := vm.DefaultBackend()
	info, err := backend.Info()
	if err != nil {
		logger.Error("vm.Info failed", "err", err)
		os.Exit(1)
	}

	const subArena = 1000
	h, err := taggedheap.Bootstrap(backend, info, subArena, 0, taggedheap.FlagSearchForBestFit, taggedheap.DefaultConfig())
	if err != nil {
		logger.Error("taggedheap.Bootstrap failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := h.Destroy(); err != nil {
			logger.Error("taggedheap.Destroy failed", "err", err)
		}
	}()

	const tag = 0
	sizes := []uintptr{100, 901, 950}
	for _, n := range sizes {
		if _, err := h.Alloc(tag, n); err != nil {
			logger.Error("alloc failed", "size", n, "err", err)
			os.Exit(1)
		}
	}
	logger.Info("built three sub-arenas with remaining space ~896, ~96, ~48")

	p, err := h.Alloc(tag, 80)
	if err != nil {
		logger.Error("best-fit alloc failed", "err", err)
		os.Exit(1)
	}
	logger.Info("best-fit request landed", "addr", p)
}
