package errs

import (
	"context"
	"log/slog"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// Sink is the injectable error-reporting hook every allocator constructor
// accepts, mirroring wb_config.errorCallback in the original library: an
// allocator never panics on a recoverable failure, it calls Report and
// returns a zero value.
type Sink interface {
	Report(err *Error)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(err *Error)

func (f SinkFunc) Report(err *Error) { f(err) }

// slogSink logs every reported error through a *slog.Logger, rate limited
// per (Op, Kind) pair so a tight allocation-failure loop can't turn into a
// log storm.
type slogSink struct {
	logger  *slog.Logger
	limiter *limiter.TokenBucket
}

// NewDefaultSink builds the Sink every allocator falls back to when the
// caller supplies none: structured logging via logger (slog.Default() if
// nil), throttled to at most rate reports per key per second.
func NewDefaultSink(logger *slog.Logger, rate int) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if rate <= 0 {
		rate = 5
	}
	tb, _ := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     int64(rate),
			Duration: time.Second,
			Burst:    int64(rate),
		},
		store.NewMemoryStore(time.Minute),
	)
	return &slogSink{logger: logger.With("component", "allocator"), limiter: tb}
}

func (s *slogSink) Report(err *Error) {
	key := err.Op + ":" + err.Kind.String()
	if s.limiter != nil && !s.limiter.Allow(key) {
		return
	}
	level := slog.LevelWarn
	if err.Kind == BackendFailure {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, err.Kind.String(),
		"op", err.Op,
		"object", err.Object,
		"err", err.Err,
	)
}
