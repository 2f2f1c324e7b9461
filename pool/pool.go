// Package pool implements a fixed-element-size allocator layered on an
// arena. Free slots are threaded through an intrusive singly-linked list
// whose link word lives inside the slot itself; a compacting variant keeps
// the live slots dense by swap-with-last on release instead.
package pool

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"github.com/nmxmxh/walloc/arena"
	"github.com/nmxmxh/walloc/errs"
	"github.com/nmxmxh/walloc/vm"
)

// Flags selects a Pool's optional modes.
type Flags uint8

const (
	// FlagFixedSize disables arena expansion on exhaustion: Retrieve fails
	// once capacity is reached instead of growing the backing arena.
	FlagFixedSize Flags = 1 << iota
	// FlagCompacting makes Release swap the last live slot into the
	// released one instead of threading it onto a free list. There is no
	// free list in this mode.
	FlagCompacting
	// FlagNoZeroMemory makes Retrieve skip zeroing the slot it hands out.
	FlagNoZeroMemory
	// FlagNoDoubleFreeCheck skips the free-list scan Release otherwise
	// performs before linking a slot back in.
	FlagNoDoubleFreeCheck
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// Config carries the knobs that aren't part of Flags.
type Config struct {
	Name string
	Sink errs.Sink
}

// DefaultConfig returns the configuration Init/Bootstrap use when the
// caller passes a zero Config.
func DefaultConfig() Config {
	return Config{Name: "pool-" + uuid.NewString()}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Sink == nil {
		c.Sink = errs.NewDefaultSink(nil, 0)
	}
	return c
}

// Pool is a fixed-element-size allocator. The zero value is not usable;
// construct one with Init, Bootstrap, or BootstrapFixed.
type Pool struct {
	Name string

	backing     *arena.Arena
	ownsBacking bool
	sink        errs.Sink

	elemSize   uintptr
	capacity   int
	count      int
	lastFilled int
	freeList   uintptr
	slots      uintptr
	flags      Flags

	// seen is an O(1) pre-check ahead of the exact free-list scan in
	// Release: a negative Test means the slot is definitely not already
	// free, skipping the scan entirely. It only ever grows (bloom filters
	// can't delete), so a slot freed once and later retrieved and freed
	// again still triggers the exact scan on collision — that's just a
	// slower correct path, never a missed double free.
	seen *bloom.BloomFilter
}

// Init layers a Pool over backing, starting at backing's current head.
// elemSize must be at least a pointer's width, since a free slot's first
// word doubles as the free-list link.
func Init(backing *arena.Arena, elemSize uintptr, flags Flags, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	if elemSize < ptrSize {
		err := errs.New(errs.ContractViolation, "pool.Init", cfg.Name, fmt.Errorf("element size %d smaller than pointer size %d", elemSize, ptrSize))
		cfg.Sink.Report(err)
		return nil, err
	}
	slots := backing.Head()
	capacity := int((backing.EndCommitted() - slots) / elemSize)
	p := &Pool{
		Name:       cfg.Name,
		backing:    backing,
		sink:       cfg.Sink,
		elemSize:   elemSize,
		capacity:   capacity,
		lastFilled: -1,
		slots:      slots,
		flags:      flags,
	}
	if flags&FlagCompacting == 0 && flags&FlagNoDoubleFreeCheck == 0 {
		n := uint(capacity)
		if n < 64 {
			n = 64
		}
		p.seen = bloom.NewWithEstimates(n, 0.01)
	}
	return p, nil
}

// Bootstrap builds a fresh backing arena from backend/info and layers a
// Pool over it, returning a handle that owns both.
func Bootstrap(backend vm.Backend, info vm.MemoryInfo, elemSize uintptr, flags Flags, cfg Config) (*Pool, error) {
	a, err := arena.Bootstrap(backend, info, 0, arena.DefaultConfig())
	if err != nil {
		return nil, err
	}
	p, err := Init(a, elemSize, flags, cfg)
	if err != nil {
		_ = a.Destroy()
		return nil, err
	}
	p.ownsBacking = true
	return p, nil
}

// BootstrapFixed is Bootstrap over a caller-owned buffer instead of a VM
// reservation.
func BootstrapFixed(buf []byte, elemSize uintptr, flags Flags, cfg Config) (*Pool, error) {
	a, err := arena.BootstrapFixed(buf, 0, arena.DefaultConfig())
	if err != nil {
		return nil, err
	}
	p, err := Init(a, elemSize, flags|FlagFixedSize, cfg)
	if err != nil {
		return nil, err
	}
	p.ownsBacking = true
	return p, nil
}

func (p *Pool) fail(kind errs.Kind, op string, cause error) error {
	err := errs.New(kind, op, p.Name, cause)
	p.sink.Report(err)
	return err
}

// grow asks the backing arena for one more commit-sized chunk and
// recomputes capacity from the new committed span.
func (p *Pool) grow() error {
	if p.flags&FlagFixedSize != 0 {
		return p.fail(errs.Exhaustion, "pool.Retrieve", errs.ErrExhausted)
	}
	if err := p.backing.GrowCommitted(); err != nil {
		return err
	}
	p.capacity = int((p.backing.EndCommitted() - p.slots) / p.elemSize)
	return nil
}

// Retrieve hands out a slot: from the free list if one is available and
// the pool isn't compacting, otherwise by bumping into unused capacity,
// growing the backing arena first if the pool isn't fixed-size.
func (p *Pool) Retrieve() (unsafe.Pointer, error) {
	if p.flags&FlagCompacting != 0 {
		return p.retrieveCompacting()
	}
	if p.freeList != 0 {
		slot := p.freeList
		p.freeList = *(*uintptr)(unsafe.Pointer(slot))
		if p.flags&FlagNoZeroMemory == 0 {
			clearSlot(slot, p.elemSize)
		}
		p.count++
		return unsafe.Pointer(slot), nil
	}
	if p.lastFilled >= p.capacity-1 {
		if err := p.grow(); err != nil {
			return nil, err
		}
		if p.lastFilled >= p.capacity-1 {
			return nil, p.fail(errs.Exhaustion, "pool.Retrieve", errs.ErrExhausted)
		}
	}
	p.lastFilled++
	slot := p.slots + uintptr(p.lastFilled)*p.elemSize
	if p.flags&FlagNoZeroMemory == 0 {
		clearSlot(slot, p.elemSize)
	}
	p.count++
	return unsafe.Pointer(slot), nil
}

func (p *Pool) retrieveCompacting() (unsafe.Pointer, error) {
	if p.count >= p.capacity {
		if err := p.grow(); err != nil {
			return nil, err
		}
		if p.count >= p.capacity {
			return nil, p.fail(errs.Exhaustion, "pool.Retrieve", errs.ErrExhausted)
		}
	}
	slot := p.slots + uintptr(p.count)*p.elemSize
	if p.flags&FlagNoZeroMemory == 0 {
		clearSlot(slot, p.elemSize)
	}
	p.count++
	p.lastFilled = p.count - 1
	return unsafe.Pointer(slot), nil
}

// Release returns a slot to the pool. In compacting mode it copies the
// current last live slot over p and shrinks the dense range, invalidating
// any pointer the caller held to that last slot. Otherwise it links p onto
// the free list, first checking (unless FlagNoDoubleFreeCheck is set) that
// p isn't already free.
func (p *Pool) Release(ptr unsafe.Pointer) error {
	addr := uintptr(ptr)
	if p.flags&FlagCompacting != 0 {
		lastAddr := p.slots + uintptr(p.count-1)*p.elemSize
		if addr != lastAddr {
			copySlot(lastAddr, addr, p.elemSize)
		}
		p.count--
		p.lastFilled = p.count - 1
		return nil
	}
	if p.flags&FlagNoDoubleFreeCheck == 0 && p.isAlreadyFree(addr) {
		return p.fail(errs.ContractViolation, "pool.Release", errs.ErrDoubleFree)
	}
	if p.seen != nil {
		p.seen.Add(keyFor(addr))
	}
	*(*uintptr)(unsafe.Pointer(addr)) = p.freeList
	p.freeList = addr
	p.count--
	return nil
}

func (p *Pool) isAlreadyFree(addr uintptr) bool {
	if p.seen != nil && !p.seen.Test(keyFor(addr)) {
		return false
	}
	for n := p.freeList; n != 0; n = *(*uintptr)(unsafe.Pointer(n)) {
		if n == addr {
			return true
		}
	}
	return false
}

// Index returns the slot index of a pointer previously returned by
// Retrieve, or -1 if it isn't within this pool's slot array.
func (p *Pool) Index(ptr unsafe.Pointer) int {
	addr := uintptr(ptr)
	if addr < p.slots {
		return -1
	}
	off := addr - p.slots
	if off%p.elemSize != 0 {
		return -1
	}
	idx := int(off / p.elemSize)
	if idx > p.lastFilled {
		return -1
	}
	return idx
}

// At returns the slot pointer for idx, regardless of whether that slot is
// currently live or on the free list.
func (p *Pool) At(idx int) unsafe.Pointer {
	if idx < 0 || idx > p.lastFilled {
		return nil
	}
	return unsafe.Pointer(p.slots + uintptr(idx)*p.elemSize)
}

// Count returns the number of currently live slots.
func (p *Pool) Count() int { return p.count }

// Capacity returns the number of slots currently carved out of the backing
// arena (which may grow on future Retrieve calls).
func (p *Pool) Capacity() int { return p.capacity }

// Destroy releases the backing arena if this Pool was built with Bootstrap
// or BootstrapFixed; it is a no-op for a Pool layered over a caller-owned
// arena.
func (p *Pool) Destroy() error {
	if p.ownsBacking {
		return p.backing.Destroy()
	}
	return nil
}

func clearSlot(addr, size uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	clear(b)
}

func copySlot(src, dst, size uintptr) {
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), int(size))
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), int(size))
	copy(d, s)
}

func keyFor(addr uintptr) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(addr))
	return b[:]
}
