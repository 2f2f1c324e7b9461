// Package arena implements a linear (bump) allocator over either a
// caller-supplied fixed buffer or a lazily committed virtual memory
// reservation. It is the innermost allocator of this module: pool and
// taggedheap are both built on top of it.
package arena

import (
	"fmt"
	"unsafe"

	"github.com/google/uuid"

	"github.com/nmxmxh/walloc/errs"
	"github.com/nmxmxh/walloc/internal/align"
	"github.com/nmxmxh/walloc/vm"
)

// Flags selects an Arena's optional modes.
type Flags uint8

const (
	// FlagFixedSize marks an arena built over a caller-owned buffer: no
	// commit expansion is possible, and Destroy is a no-op.
	FlagFixedSize Flags = 1 << iota
	// FlagStack enables Pop: every Push reserves a trailing word that
	// records the pre-push head.
	FlagStack
	// FlagExtended makes every Push carry a leading side-band word,
	// readable back via PushEx's return value contract.
	FlagExtended
	// FlagNoZeroMemory skips zeroing the vacated range on Pop and on
	// EndTemp's memset fallback path.
	FlagNoZeroMemory
	// FlagNoRecommit makes EndTemp zero its range with a memset instead
	// of a decommit/recommit pair.
	FlagNoRecommit
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// Config carries the knobs that aren't part of Flags: the alignment every
// push rounds up to, a diagnostic name, and the Sink errors are reported
// through.
type Config struct {
	Align uintptr
	Name  string
	Sink  errs.Sink
}

// DefaultConfig returns the configuration Init/Bootstrap use when the
// caller passes a zero Config: 8-byte alignment, a generated diagnostic
// name, and the package-wide default Sink.
func DefaultConfig() Config {
	return Config{Align: 8, Name: "arena-" + uuid.NewString()}
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

// Arena is a bump allocator. The zero value is not usable; construct one
// with Init, InitFixed, Bootstrap, or BootstrapFixed.
type Arena struct {
	Name string

	backend vm.Backend
	sink    errs.Sink

	// buf retains the Go-heap backing store for a fixed-size arena so the
	// garbage collector never reclaims it while start/head/end still
	// point inside it.
	buf []byte

	start        uintptr
	head         uintptr
	endCommitted uintptr
	endReserved  uintptr

	tempStart uintptr
	tempHead  uintptr
	inTemp    bool

	align       uintptr
	flags       Flags
	commitSize  uintptr
	pageSize    uintptr
	commitFlags vm.Prot
}

// Init reserves info.TotalMemory bytes from backend and commits the first
// info.CommitSize of it. backend is wrapped in a circuit breaker (named for
// cfg.Name) before use, so a host under sustained memory pressure fails
// fast on Reserve/Commit instead of every caller retrying the same doomed
// syscall; the wrapped backend is what's stored and later used by
// ensureCapacity when the arena grows. FlagFixedSize is rejected; use
// InitFixed for a caller-owned buffer.
func Init(backend vm.Backend, info vm.MemoryInfo, flags Flags, cfg Config) (*Arena, error) {
	cfg = cfg.withDefaults()
	if flags&FlagFixedSize != 0 {
		err := errs.New(errs.ContractViolation, "arena.Init", cfg.Name, fmt.Errorf("FlagFixedSize requires InitFixed"))
		cfg.Sink.Report(err)
		return nil, err
	}
	backend = vm.WithBreaker(backend, cfg.Name)
	addr, rerr := backend.Reserve(info.TotalMemory)
	if rerr != nil {
		err := errs.New(errs.BackendFailure, "arena.Init", cfg.Name, rerr)
		cfg.Sink.Report(err)
		return nil, err
	}
	commitFlags := info.CommitFlags
	if commitFlags == 0 {
		commitFlags = vm.ProtRead | vm.ProtWrite
	}
	if cerr := backend.Commit(addr, info.CommitSize, commitFlags); cerr != nil {
		_ = backend.Release(addr, info.TotalMemory)
		err := errs.New(errs.BackendFailure, "arena.Init", cfg.Name, cerr)
		cfg.Sink.Report(err)
		return nil, err
	}
	return &Arena{
		Name:         cfg.Name,
		backend:      backend,
		sink:         cfg.Sink,
		start:        addr,
		head:         addr,
		endCommitted: addr + info.CommitSize,
		endReserved:  addr + info.TotalMemory,
		align:        cfg.Align,
		flags:        flags,
		commitSize:   info.CommitSize,
		pageSize:     info.PageSize,
		commitFlags:  commitFlags,
	}, nil
}

// InitFixed adopts buf as the arena's entire address range; no VM activity
// ever occurs and Destroy is a no-op.
func InitFixed(buf []byte, flags Flags, cfg Config) (*Arena, error) {
	cfg = cfg.withDefaults()
	flags |= FlagFixedSize
	if len(buf) == 0 {
		err := errs.New(errs.ContractViolation, "arena.InitFixed", cfg.Name, fmt.Errorf("empty buffer"))
		cfg.Sink.Report(err)
		return nil, err
	}
	start := uintptr(unsafe.Pointer(&buf[0]))
	pageSize := uintptr(4096)
	return &Arena{
		Name:         cfg.Name,
		sink:         cfg.Sink,
		buf:          buf,
		start:        start,
		head:         start,
		endCommitted: start + uintptr(len(buf)),
		endReserved:  start + uintptr(len(buf)),
		align:        cfg.Align,
		flags:        flags,
		pageSize:     pageSize,
	}, nil
}

// bootstrapFootprint is the amount of space Bootstrap reserves from the
// arena's own first bytes to stand in for the control block the original
// library physically embeds there. Go keeps the *Arena handle itself on
// the garbage-collected heap — a literal placement-new of a struct
// holding interfaces and slices into unmanaged memory would hand the GC a
// pointer it can't see — but callers still observe the same address
// layout: the first usable Push begins after this footprint.
var bootstrapFootprint = unsafe.Sizeof(Arena{})

// BootstrapFootprint returns the number of bytes Bootstrap/BootstrapFixed
// reserve from an arena's own first allocation for its control-block
// footprint, rounded up to alignTo — the figure a caller sizing a fixed
// buffer ahead of time needs to budget for on top of its own payload.
func BootstrapFootprint(alignTo uintptr) uintptr {
	return align.Up(bootstrapFootprint, alignTo)
}

// Bootstrap is Init followed by reserving the arena's own control-block
// footprint out of its first allocation, so the first caller-visible Push
// begins only after that reserved span — mirroring the original library's
// self-hosting handle without aliasing Go pointers into raw memory.
func Bootstrap(backend vm.Backend, info vm.MemoryInfo, flags Flags, cfg Config) (*Arena, error) {
	a, err := Init(backend, info, flags, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := a.reserveFootprint(); err != nil {
		return nil, err
	}
	return a, nil
}

// BootstrapFixed is InitFixed followed by the same footprint reservation.
func BootstrapFixed(buf []byte, flags Flags, cfg Config) (*Arena, error) {
	a, err := InitFixed(buf, flags, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := a.reserveFootprint(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Arena) reserveFootprint() (unsafe.Pointer, error) {
	n := align.Up(bootstrapFootprint, a.align)
	if err := a.ensureCapacity(a.head + n); err != nil {
		return nil, err
	}
	p := unsafe.Pointer(a.head)
	a.head += n
	return p, nil
}

// ensureCapacity grows endCommitted, if necessary and possible, so that
// newHead is committed. It never partially commits: on failure head is
// left untouched by the caller.
func (a *Arena) ensureCapacity(newHead uintptr) error {
	if newHead <= a.endCommitted {
		return nil
	}
	if a.flags&FlagFixedSize != 0 {
		err := errs.New(errs.Exhaustion, "arena", a.Name, errs.ErrExhausted)
		a.sink.Report(err)
		return err
	}
	need := newHead - a.endCommitted
	grow := align.Up(need, a.commitSize)
	if a.endCommitted+grow > a.endReserved {
		err := errs.New(errs.Exhaustion, "arena", a.Name, errs.ErrExhausted)
		a.sink.Report(err)
		return err
	}
	if cerr := a.backend.Commit(a.endCommitted, grow, a.commitFlags); cerr != nil {
		err := errs.New(errs.BackendFailure, "arena", a.Name, cerr)
		a.sink.Report(err)
		return err
	}
	a.endCommitted += grow
	return nil
}

// Push returns an aligned pointer to n writable bytes.
func (a *Arena) Push(n uintptr) (unsafe.Pointer, error) {
	return a.pushEx(n, 0)
}

// PushEx is Push for an arena built with FlagExtended: extended is stored
// in a leading side-band word immediately before the returned pointer,
// retrievable with Extended.
func (a *Arena) PushEx(n uintptr, extended uint64) (unsafe.Pointer, error) {
	if a.flags&FlagExtended == 0 {
		err := errs.New(errs.ContractViolation, "arena.PushEx", a.Name, fmt.Errorf("arena was not created with FlagExtended"))
		a.sink.Report(err)
		return nil, err
	}
	return a.pushEx(n, extended)
}

// Extended reads the leading side-band word stored immediately before p, a
// pointer previously returned by PushEx.
func Extended(p unsafe.Pointer) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(p) - unsafe.Sizeof(uint64(0))))
}

func (a *Arena) pushEx(n uintptr, extended uint64) (unsafe.Pointer, error) {
	rawStart := a.head
	afterHeader := rawStart
	if a.flags&FlagExtended != 0 {
		afterHeader += unsafe.Sizeof(uint64(0))
	}
	payload := align.Up(afterHeader, a.align)
	trailerSize := uintptr(0)
	if a.flags&FlagStack != 0 {
		trailerSize = ptrSize
	}
	newHead := payload + n + trailerSize

	if err := a.ensureCapacity(newHead); err != nil {
		return nil, err
	}

	if a.flags&FlagExtended != 0 {
		*(*uint64)(unsafe.Pointer(payload - unsafe.Sizeof(uint64(0)))) = extended
	}
	if a.flags&FlagStack != 0 {
		*(*uintptr)(unsafe.Pointer(payload + n)) = rawStart
	}
	a.head = newHead
	return unsafe.Pointer(payload), nil
}

// Pop restores head to the value saved by the most recent Push on a stack
// arena. It is a contract violation on a non-stack arena.
func (a *Arena) Pop() error {
	if a.flags&FlagStack == 0 {
		err := errs.New(errs.ContractViolation, "arena.Pop", a.Name, fmt.Errorf("arena was not created with FlagStack"))
		a.sink.Report(err)
		return err
	}
	if a.head-ptrSize < a.start {
		a.head = a.start
		return nil
	}
	saved := *(*uintptr)(unsafe.Pointer(a.head - ptrSize))
	if saved < a.start {
		saved = a.start
	}
	if a.flags&FlagNoZeroMemory == 0 && a.head > saved {
		clearRange(saved, a.head-saved)
	}
	a.head = saved
	return nil
}

// StartTemp brackets the start of a scratch region: head is snapshotted,
// then advanced to the next page boundary. A second StartTemp call while
// one is already active is a silent no-op, matching the original library's
// tolerance of re-entrant calls.
func (a *Arena) StartTemp() error {
	if a.inTemp {
		return nil
	}
	tempHead := a.head
	tempStart := align.Up(a.head, a.pageSize)
	if err := a.ensureCapacity(tempStart); err != nil {
		return err
	}
	a.tempHead = tempHead
	a.tempStart = tempStart
	a.head = tempStart
	a.inTemp = true
	return nil
}

// EndTemp closes the scratch region opened by StartTemp, clearing
// everything pushed inside it and restoring head to the pre-StartTemp
// value. Calling it with no active temp region is a no-op.
func (a *Arena) EndTemp() error {
	if !a.inTemp {
		return nil
	}
	upper := align.Up(a.head, a.pageSize)
	if upper > a.tempStart {
		if a.canRecommit() {
			size := upper - a.tempStart
			if err := a.backend.Decommit(a.tempStart, size); err != nil {
				rerr := errs.New(errs.BackendFailure, "arena.EndTemp", a.Name, err)
				a.sink.Report(rerr)
				return rerr
			}
			if err := a.backend.Commit(a.tempStart, size, a.commitFlags); err != nil {
				rerr := errs.New(errs.BackendFailure, "arena.EndTemp", a.Name, err)
				a.sink.Report(rerr)
				return rerr
			}
		} else if a.flags&FlagNoZeroMemory == 0 {
			clearRange(a.tempStart, upper-a.tempStart)
		}
	}
	a.head = a.tempHead
	a.tempStart = 0
	a.tempHead = 0
	a.inTemp = false
	return nil
}

func (a *Arena) canRecommit() bool {
	return a.backend != nil && a.flags&FlagFixedSize == 0 && a.flags&FlagNoRecommit == 0
}

// Clear resets the arena to empty, decommitting and recommitting its
// entire committed span on a VM-backed arena (the cheap way to zero a
// large span without returning the address range), or memsetting a fixed
// buffer.
func (a *Arena) Clear() error {
	size := a.endCommitted - a.start
	if a.canRecommit() {
		if err := a.backend.Decommit(a.start, size); err != nil {
			rerr := errs.New(errs.BackendFailure, "arena.Clear", a.Name, err)
			a.sink.Report(rerr)
			return rerr
		}
		if err := a.backend.Commit(a.start, size, a.commitFlags); err != nil {
			rerr := errs.New(errs.BackendFailure, "arena.Clear", a.Name, err)
			a.sink.Report(rerr)
			return rerr
		}
	} else {
		clearRange(a.start, size)
	}
	a.head = a.start
	a.inTemp = false
	a.tempStart, a.tempHead = 0, 0
	return nil
}

// Destroy releases the arena's VM reservation. It is a no-op for
// fixed-size arenas, which never own one.
func (a *Arena) Destroy() error {
	if a.flags&FlagFixedSize != 0 || a.backend == nil {
		return nil
	}
	if err := a.backend.Release(a.start, a.endReserved-a.start); err != nil {
		rerr := errs.New(errs.BackendFailure, "arena.Destroy", a.Name, err)
		a.sink.Report(rerr)
		return rerr
	}
	return nil
}

// GrowCommitted commits at least one more CommitSize-rounded chunk beyond
// the arena's current committed span, without moving head. Callers that
// manage their own sub-range of the arena directly (pool does this for its
// slot array) use this instead of Push to extend their backing storage.
func (a *Arena) GrowCommitted() error {
	return a.ensureCapacity(a.endCommitted + 1)
}

// Head returns the current bump pointer, mostly useful for tests asserting
// monotonicity and round-trip behavior.
func (a *Arena) Head() uintptr { return a.head }

// Start returns the arena's base address.
func (a *Arena) Start() uintptr { return a.start }

// EndCommitted returns one past the last committed byte.
func (a *Arena) EndCommitted() uintptr { return a.endCommitted }

func clearRange(addr, size uintptr) {
	if size == 0 {
		return
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	clear(b)
}
