// Command arenademo exercises the stack-arena pop round-trip and the
// commit-flags-aware exec path (wb_alloc.h's "executable memory arena"
// use case, not a JIT in itself): a small RWX arena is reserved, a payload
// is copied into it, and the arena is torn down. Without -exec it also
// runs a commit-growth demo after the stack demo.
package main

import (
	"flag"
	"log/slog"
	"os"
	"unsafe"

	"github.com/nmxmxh/walloc/arena"
	"github.com/nmxmxh/walloc/vm"
)

func main() {
	exec := flag.Bool("exec", false, "reserve and commit a small RWX arena instead of the stack-pop demo")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if *exec {
		runExecDemo(logger)
		return
	}
	runStackDemo(logger)
	runGrowthDemo(logger)
}

func runStackDemo(logger *slog.Logger) {
	backend := vm.DefaultBackend()
	info, err := backend.Info()
	if err != nil {
		logger.Error("vm.Info failed", "err", err)
		os.Exit(1)
	}

	a, err := arena.Bootstrap(backend, info, arena.FlagStack, arena.DefaultConfig())
	if err != nil {
		logger.Error("arena.Bootstrap failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Destroy(); err != nil {
			logger.Error("arena.Destroy failed", "err", err)
		}
	}()

	p1, err := a.Push(32)
	if err != nil {
		logger.Error("push failed", "err", err)
		os.Exit(1)
	}
	p2, err := a.Push(64)
	if err != nil {
		logger.Error("push failed", "err", err)
		os.Exit(1)
	}
	logger.Info("pushed two frames", "p1", p1, "p2", p2, "head", a.Head())

	if err := a.Pop(); err != nil {
		logger.Error("pop failed", "err", err)
		os.Exit(1)
	}
	logger.Info("popped second frame", "head", a.Head())

	p3, err := a.Push(48)
	if err != nil {
		logger.Error("push failed", "err", err)
		os.Exit(1)
	}
	logger.Info("pushed replacement frame", "p3", p3, "reused_p2_address", p3 == p2)
}

// runGrowthDemo pushes past the arena's initial commit size, forcing
// ensureCapacity to call backend.Commit a second time. arena.Init wraps
// every backend in a circuit breaker before first use, so this Commit call
// — like the Reserve/Commit pair Init already ran — executes through
// vm.WithBreaker, not the raw backend.
func runGrowthDemo(logger *slog.Logger) {
	backend := vm.DefaultBackend()
	info, err := backend.Info()
	if err != nil {
		logger.Error("vm.Info failed", "err", err)
		os.Exit(1)
	}
	info.CommitSize = info.PageSize

	a, err := arena.Init(backend, info, 0, arena.DefaultConfig())
	if err != nil {
		logger.Error("arena.Init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Destroy(); err != nil {
			logger.Error("arena.Destroy failed", "err", err)
		}
	}()

	before := a.EndCommitted()
	if _, err := a.Push(uintptr(info.PageSize) * 2); err != nil {
		logger.Error("push failed", "err", err)
		os.Exit(1)
	}
	logger.Info("grew past initial commit through the breaker-wrapped backend",
		"committed_before", before, "committed_after", a.EndCommitted())
}

func runExecDemo(logger *slog.Logger) {
	backend := vm.DefaultBackend()
	info, err := backend.Info()
	if err != nil {
		logger.Error("vm.Info failed", "err", err)
		os.Exit(1)
	}
	info.TotalMemory = info.PageSize * 4
	info.CommitSize = info.PageSize
	info.CommitFlags = vm.ProtRead | vm.ProtWrite | vm.ProtExecute

	a, err := arena.Init(backend, info, 0, arena.DefaultConfig())
	if err != nil {
		logger.Error("arena.Init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Destroy(); err != nil {
			logger.Error("arena.Destroy failed", "err", err)
		}
	}()

	// x86-64: mov eax, 42; ret
	payload := []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}
	p, err := a.Push(uintptr(len(payload)))
	if err != nil {
		logger.Error("push failed", "err", err)
		os.Exit(1)
	}
	dst := unsafe.Slice((*byte)(p), len(payload))
	copy(dst, payload)
	logger.Info("wrote executable payload into RWX arena", "addr", p, "bytes", len(payload))
}
