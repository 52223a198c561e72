package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildErrorUnwraps(t *testing.T) {
	cause := errors.New("bad param")
	err := NewBuildError("ripple-1", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ripple-1")
}

func TestRuntimeErrorUnwraps(t *testing.T) {
	cause := errors.New("panic: index out of range")
	err := NewRuntimeError(KernelPanic, cause)
	assert.ErrorIs(t, err, cause)

	var target *RuntimeError
	assert.True(t, errors.As(err, &target))
	assert.Equal(t, KernelPanic, target.Kind)
}

func TestLifecycleErrorMessage(t *testing.T) {
	err := NewLifecycleError(AlreadyBuilt, "hilbert-3")
	assert.Equal(t, "AlreadyBuilt: hilbert-3", err.Error())
}

func TestTransportErrorMessage(t *testing.T) {
	err := NewTransportError(Timeout, "statescript.service")
	assert.Equal(t, "Timeout: statescript.service", err.Error())
}

func TestConfigurationErrorFormats(t *testing.T) {
	err := NewConfigurationError("unknown node type %q", "foo")
	assert.Equal(t, `configuration error: unknown node type "foo"`, err.Error())
}
