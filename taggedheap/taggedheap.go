// Package taggedheap implements a pool of bounded sub-arenas keyed by an
// integer tag: allocations route to the sub-arena chain for their tag, and
// freeing a tag releases every sub-arena in that chain back to the pool in
// one step. It is the outermost allocator of this module, layered on pool
// the way pool is layered on arena.
package taggedheap

import (
	"fmt"
	"unsafe"

	"github.com/google/uuid"

	"github.com/nmxmxh/walloc/arena"
	"github.com/nmxmxh/walloc/errs"
	"github.com/nmxmxh/walloc/internal/align"
	"github.com/nmxmxh/walloc/pool"
	"github.com/nmxmxh/walloc/vm"
)

// Flags selects a Heap's optional modes.
type Flags uint8

const (
	// FlagFixedSize makes the inner pool fixed-size: it never grows its
	// backing arena once the last sub-arena slot is handed out.
	// BootstrapFixed additionally builds that arena over a fixed buffer;
	// Bootstrap's arena stays VM-backed.
	FlagFixedSize Flags = 1 << iota
	// FlagNoZeroMemory propagates to the inner pool, skipping the zero a
	// sub-arena would otherwise get when it's retrieved after a Free.
	FlagNoZeroMemory
	// FlagNoSetCommitSize makes Bootstrap leave the backing arena's
	// commit size at its default instead of sizing it for eight
	// sub-arenas up front.
	FlagNoSetCommitSize
	// FlagSearchForBestFit enables the bounded best-fit scan down a tag's
	// sub-arena chain before a fresh sub-arena is retrieved.
	FlagSearchForBestFit
)

// DefaultMaxTags is the tag-table row count Init/Bootstrap use when the
// caller passes zero for maxTags — the Go stand-in for the original
// library's compile-time WB_ALLOC_TAGGEDHEAP_MAX_TAG_COUNT constant.
const DefaultMaxTags = 64

// bestFitScanWidth bounds how many fitting sub-arenas the best-fit scan
// collects before it stops walking the chain. Eight is small enough that
// the insertion sort over the collected set is effectively free; this is
// not meant to generalize to a larger search.
const bestFitScanWidth = 8

// subArenaHeader is the in-memory layout overlaid on the first bytes of
// every pool slot this Heap retrieves: a tag, a link to the next sub-arena
// for the same tag, and the remaining bump range. The storage buffer
// itself is the rest of the slot, starting at headerSize.
type subArenaHeader struct {
	tag  int
	next uintptr
	head uintptr
	end  uintptr
}

var headerSize = unsafe.Sizeof(subArenaHeader{})

func headerAt(addr uintptr) *subArenaHeader {
	return (*subArenaHeader)(unsafe.Pointer(addr))
}

// Config carries the knobs that aren't part of Flags.
type Config struct {
	Align uintptr
	Name  string
	Sink  errs.Sink
}

// DefaultConfig returns the configuration Init/Bootstrap use when the
// caller passes a zero Config.
func DefaultConfig() Config {
	return Config{Align: 8, Name: "taggedheap-" + uuid.NewString()}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Align == 0 {
		c.Align = d.Align
	}
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Sink == nil {
		c.Sink = errs.NewDefaultSink(nil, 0)
	}
	return c
}

// Heap is a pool of bounded sub-arenas keyed by an integer tag. The zero
// value is not usable; construct one with Init, Bootstrap, or
// BootstrapFixed.
type Heap struct {
	Name string

	pool        *pool.Pool
	backing     *arena.Arena
	ownsBacking bool
	sink        errs.Sink

	arenas       []uintptr
	subArenaSize uintptr
	align        uintptr
	flags        Flags
}

// CalcBootstrapSize returns the number of bytes needed to back
// subArenaCount sub-arenas of subArenaSize bytes each, plus the backing
// arena's own control-block footprint when bootstrapped is true — the Go
// equivalent of the original library's wb_calcTaggedHeapSize, useful for
// callers sizing a fixed buffer ahead of BootstrapFixed. The Heap struct
// itself always lives on the Go heap, never in the buffer; what Bootstrap
// and BootstrapFixed actually carve out of the buffer's first bytes is the
// backing arena.Arena's own bootstrap footprint, not the Heap's.
func CalcBootstrapSize(subArenaSize uintptr, subArenaCount int, bootstrapped bool) uintptr {
	size := uintptr(subArenaCount) * (subArenaSize + headerSize)
	if bootstrapped {
		size += arena.BootstrapFootprint(8)
	}
	return size
}

func poolFlags(flags Flags) pool.Flags {
	pf := pool.FlagNoDoubleFreeCheck
	if flags&FlagNoZeroMemory != 0 {
		pf |= pool.FlagNoZeroMemory
	}
	if flags&FlagFixedSize != 0 {
		pf |= pool.FlagFixedSize
	}
	return pf
}

// Init layers a Heap over backing, a caller-owned arena, with maxTags rows
// in its tag table (DefaultMaxTags if maxTags <= 0). The inner pool's
// element size is subArenaSize plus the header footprint, its double-free
// check is disabled (a sub-arena is never released twice without an
// intervening retrieve through this package's own bookkeeping), and its
// zeroing policy mirrors flags.
func Init(backing *arena.Arena, subArenaSize uintptr, maxTags int, flags Flags, cfg Config) (*Heap, error) {
	cfg = cfg.withDefaults()
	if maxTags <= 0 {
		maxTags = DefaultMaxTags
	}
	p, err := pool.Init(backing, subArenaSize+headerSize, poolFlags(flags), pool.Config{
		Name: cfg.Name + ".pool",
		Sink: cfg.Sink,
	})
	if err != nil {
		return nil, err
	}
	return &Heap{
		Name:         cfg.Name,
		pool:         p,
		sink:         cfg.Sink,
		arenas:       make([]uintptr, maxTags),
		subArenaSize: subArenaSize,
		align:        cfg.Align,
		flags:        flags,
	}, nil
}

// Bootstrap builds a fresh backing arena from backend/info and layers a
// Heap over it, returning a handle that owns both the arena and the inner
// pool. Unless FlagNoSetCommitSize is set, the arena's initial commit is
// sized for eight sub-arenas up front, matching wb_taggedBootstrap's
// default of pre-committing enough space that the common case never grows.
func Bootstrap(backend vm.Backend, info vm.MemoryInfo, subArenaSize uintptr, maxTags int, flags Flags, cfg Config) (*Heap, error) {
	if flags&FlagNoSetCommitSize == 0 {
		info.CommitSize = CalcBootstrapSize(subArenaSize, 8, true)
	}
	a, err := arena.Bootstrap(backend, info, 0, arena.DefaultConfig())
	if err != nil {
		return nil, err
	}
	h, err := Init(a, subArenaSize, maxTags, flags, cfg)
	if err != nil {
		_ = a.Destroy()
		return nil, err
	}
	h.backing = a
	h.ownsBacking = true
	return h, nil
}

// BootstrapFixed is Bootstrap over a caller-owned buffer instead of a VM
// reservation. Size the buffer with CalcBootstrapSize.
func BootstrapFixed(buf []byte, subArenaSize uintptr, maxTags int, flags Flags, cfg Config) (*Heap, error) {
	a, err := arena.BootstrapFixed(buf, 0, arena.DefaultConfig())
	if err != nil {
		return nil, err
	}
	h, err := Init(a, subArenaSize, maxTags, flags|FlagFixedSize, cfg)
	if err != nil {
		return nil, err
	}
	h.backing = a
	h.ownsBacking = true
	return h, nil
}

func (h *Heap) fail(kind errs.Kind, op string, cause error) error {
	err := errs.New(kind, op, h.Name, cause)
	h.sink.Report(err)
	return err
}

func (h *Heap) checkTag(tag int) error {
	if tag < 0 || tag >= len(h.arenas) {
		return h.fail(errs.ContractViolation, "taggedheap", errs.ErrTagOutOfRange)
	}
	return nil
}

// Alloc returns size bytes tagged under tag. size must not exceed the
// sub-arena size the Heap was configured with; a larger request is a
// contract violation, not a backend exhaustion.
//
// Selection order: the tag's head sub-arena if it has room; otherwise, if
// FlagSearchForBestFit is set, the smallest fitting sub-arena found within
// bestFitScanWidth hits down the rest of the chain; otherwise a freshly
// retrieved sub-arena linked at the head of the tag's list.
func (h *Heap) Alloc(tag int, size uintptr) (unsafe.Pointer, error) {
	if err := h.checkTag(tag); err != nil {
		return nil, err
	}
	if size > h.subArenaSize {
		return nil, h.fail(errs.ContractViolation, "taggedheap.Alloc",
			fmt.Errorf("size %d exceeds sub-arena size %d", size, h.subArenaSize))
	}

	if h.arenas[tag] == 0 {
		addr, err := h.newSubArena(tag)
		if err != nil {
			return nil, err
		}
		h.arenas[tag] = addr
	}

	head := headerAt(h.arenas[tag])
	if head.head+size <= head.end {
		return h.bump(head, size), nil
	}

	if h.flags&FlagSearchForBestFit != 0 {
		if fit := h.findBestFit(head, size); fit != nil {
			return h.bump(fit, size), nil
		}
	}

	addr, err := h.newSubArena(tag)
	if err != nil {
		return nil, err
	}
	fresh := headerAt(addr)
	fresh.next = h.arenas[tag]
	h.arenas[tag] = addr
	return h.bump(fresh, size), nil
}

// Free releases every sub-arena associated with tag back to the inner
// pool — which zeroes each one on its next retrieval unless the Heap was
// built with FlagNoZeroMemory — and resets the tag to empty. Allocating
// under tag again after Free re-enters from empty.
func (h *Heap) Free(tag int) error {
	if err := h.checkTag(tag); err != nil {
		return err
	}
	addr := h.arenas[tag]
	for addr != 0 {
		next := headerAt(addr).next
		if err := h.pool.Release(unsafe.Pointer(addr)); err != nil {
			return err
		}
		addr = next
	}
	h.arenas[tag] = 0
	return nil
}

// Destroy releases the backing arena if this Heap was built with Bootstrap
// or BootstrapFixed; it is a no-op for a Heap layered over a caller-owned
// arena via Init.
func (h *Heap) Destroy() error {
	if h.ownsBacking {
		return h.backing.Destroy()
	}
	return nil
}

// MaxTags returns the size of the tag table this Heap was configured with.
func (h *Heap) MaxTags() int { return len(h.arenas) }

func (h *Heap) bump(sa *subArenaHeader, size uintptr) unsafe.Pointer {
	old := sa.head
	sa.head = align.Up(sa.head+size, h.align)
	return unsafe.Pointer(old)
}

func (h *Heap) newSubArena(tag int) (uintptr, error) {
	slot, err := h.pool.Retrieve()
	if err != nil {
		return 0, err
	}
	addr := uintptr(slot)
	sa := headerAt(addr)
	sa.tag = tag
	sa.next = 0
	// end is pinned to the slot's fixed boundary (addr+headerSize+
	// subArenaSize), not head+subArenaSize: rounding head up for
	// alignment must only ever shrink the usable span, never push end
	// past the pool slot this sub-arena actually owns.
	sa.end = addr + headerSize + h.subArenaSize
	sa.head = align.Up(addr+headerSize, h.align)
	return addr, nil
}

// findBestFit walks the chain starting at head.next, collecting up to
// bestFitScanWidth sub-arenas with enough remaining room for size, then
// returns the one with the least remaining free space (end-head) — the
// "obviously intended" metric for the original library's size comparator,
// which as shipped subtracted a value from itself and always compared
// zero to zero.
func (h *Heap) findBestFit(head *subArenaHeader, size uintptr) *subArenaHeader {
	var fits [bestFitScanWidth]*subArenaHeader
	count := 0
	for addr := head.next; addr != 0; {
		sa := headerAt(addr)
		if sa.head+size <= sa.end {
			fits[count] = sa
			count++
			if count >= bestFitScanWidth {
				break
			}
		}
		addr = sa.next
	}
	if count == 0 {
		return nil
	}
	insertionSortBySpace(fits[:count])
	return fits[0]
}

func remainingSpace(sa *subArenaHeader) uintptr { return sa.end - sa.head }

// insertionSortBySpace sorts arr ascending by remainingSpace. The scan
// width is fixed at eight entries, so an insertion sort is simplest; this
// is deliberately not meant to generalize to a larger array.
func insertionSortBySpace(arr []*subArenaHeader) {
	for i := 1; i < len(arr); i++ {
		cur := arr[i]
		minSize := remainingSpace(cur)
		j := i - 1
		for j >= 0 && remainingSpace(arr[j]) > minSize {
			arr[j+1] = arr[j]
			j--
		}
		arr[j+1] = cur
	}
}
