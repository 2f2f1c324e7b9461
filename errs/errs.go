// Package errs carries the three-way error taxonomy every allocator in this
// module reports through instead of panicking: a ContractViolation (caller
// broke an invariant), an Exhaustion (memory ran out within a fixed budget),
// or a BackendFailure (the OS refused a reserve/commit call). Allocators
// never throw; they return a zero value and hand the error to a Sink.
package errs

import "errors"

// Kind classifies why an allocator operation failed.
type Kind int

const (
	// ContractViolation means the caller passed an argument that violates
	// an allocator's documented precondition: FlagFixedSize passed to
	// arena.Init, Pop or PushEx on an arena without the matching mode, an
	// element size below pointer width, an oversize or out-of-range tagged
	// allocation, a double free.
	ContractViolation Kind = iota
	// Exhaustion means the request was well-formed but no space remains
	// within the allocator's fixed or reserved bound.
	Exhaustion
	// BackendFailure means the underlying vm.Backend refused a reserve or
	// commit call.
	BackendFailure
)

func (k Kind) String() string {
	switch k {
	case ContractViolation:
		return "contract_violation"
	case Exhaustion:
		return "exhaustion"
	case BackendFailure:
		return "backend_failure"
	default:
		return "unknown"
	}
}

// Error is the concrete error type every allocator in this module returns.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "arena.Push", "pool.Retrieve".
	Op string
	// Object names the allocator instance involved, when it has one.
	Object string
	Err    error
}

func (e *Error) Error() string {
	if e.Object != "" {
		return e.Op + " (" + e.Object + "): " + e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op/object, wrapping the underlying cause.
func New(kind Kind, op, object string, err error) *Error {
	return &Error{Kind: kind, Op: op, Object: object, Err: err}
}

// Is reports whether err is, or wraps, an *Error of the given Kind, so
// callers can write errs.Is(err, errs.Exhaustion). To match the underlying
// cause instead, use errors.Is with one of the sentinel errors below.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

var (
	// ErrNilPointer describes a pointer the allocator didn't hand out. No
	// allocator in this module reports it: pool.Release does not check
	// where a pointer came from.
	ErrNilPointer = errors.New("not a pointer this allocator owns")
	// ErrZeroAlignment describes an alignment that isn't a positive power
	// of two. No allocator in this module reports it: a zero Config.Align
	// is replaced by the default of 8, and other values are not validated.
	ErrZeroAlignment = errors.New("alignment must be a positive power of two")
	// ErrExhausted is the underlying cause for Exhaustion errors.
	ErrExhausted = errors.New("allocator exhausted")
	// ErrTagOutOfRange is the underlying cause when a tag falls outside a
	// tagged heap's configured tag count.
	ErrTagOutOfRange = errors.New("tag out of range")
	// ErrDoubleFree is the underlying cause when a pool slot is released
	// twice without an intervening retrieve.
	ErrDoubleFree = errors.New("double free")
)
