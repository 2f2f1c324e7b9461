package errs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/walloc/errs"
)

func TestErrorKindRoundTrip(t *testing.T) {
	err := errs.New(errs.Exhaustion, "arena.Push", "frame-arena", errs.ErrExhausted)
	require.True(t, errs.Is(err, errs.Exhaustion))
	assert.False(t, errs.Is(err, errs.ContractViolation))
	assert.Contains(t, err.Error(), "frame-arena")
	assert.Contains(t, err.Error(), "exhaustion")
}

func TestDefaultSinkDoesNotPanic(t *testing.T) {
	sink := errs.NewDefaultSink(nil, 2)
	for i := 0; i < 10; i++ {
		sink.Report(errs.New(errs.BackendFailure, "vm.Reserve", "", errs.ErrExhausted))
	}
}

func TestSinkFunc(t *testing.T) {
	var got *errs.Error
	sink := errs.SinkFunc(func(err *errs.Error) { got = err })
	sink.Report(errs.New(errs.ContractViolation, "pool.Release", "obj-pool", errs.ErrNilPointer))
	require.NotNil(t, got)
	assert.Equal(t, errs.ContractViolation, got.Kind)
}
