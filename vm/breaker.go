package vm

import (
	"time"

	"github.com/sony/gobreaker"
)

// breakerBackend wraps a Backend's Reserve and Commit calls — the two calls
// that ask the OS for more resources rather than release them — in separate
// circuit breakers, so that a host under memory pressure fails fast instead
// of having every allocator on it retry the same doomed mmap/VirtualAlloc
// call. Decommit and Release always run directly: giving memory back should
// never be blocked by a breaker that's open because memory is scarce.
type breakerBackend struct {
	next    Backend
	reserve *gobreaker.CircuitBreaker
	commit  *gobreaker.CircuitBreaker
}

// WithBreaker decorates next with circuit breakers around its Reserve and
// Commit calls, named for diagnostics.
func WithBreaker(next Backend, name string) Backend {
	st := gobreaker.Settings{
		Name:        name + ".reserve",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	reserve := gobreaker.NewCircuitBreaker(st)
	st.Name = name + ".commit"
	commit := gobreaker.NewCircuitBreaker(st)
	return &breakerBackend{next: next, reserve: reserve, commit: commit}
}

func (b *breakerBackend) Reserve(size uintptr) (uintptr, error) {
	out, err := b.reserve.Execute(func() (interface{}, error) {
		return b.next.Reserve(size)
	})
	if err != nil {
		return 0, err
	}
	return out.(uintptr), nil
}

func (b *breakerBackend) Commit(addr, size uintptr, prot Prot) error {
	_, err := b.commit.Execute(func() (interface{}, error) {
		return nil, b.next.Commit(addr, size, prot)
	})
	return err
}

func (b *breakerBackend) Decommit(addr, size uintptr) error {
	return b.next.Decommit(addr, size)
}

func (b *breakerBackend) Release(addr, size uintptr) error {
	return b.next.Release(addr, size)
}

func (b *breakerBackend) Info() (MemoryInfo, error) {
	return b.next.Info()
}
