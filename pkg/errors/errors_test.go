package errors

import (
	stderrors "errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	err := Wrap(io.EOF, ErrorTypeSessionCreation, "open failed")
	require.NotNil(t, err)

	assert.True(t, stderrors.Is(err, io.EOF))
	assert.Equal(t, ErrorTypeSessionCreation, err.Type)
	assert.NotEmpty(t, err.Stack)
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "nothing"))
}

func TestWrapKeepsOriginalStack(t *testing.T) {
	inner := New(ErrorTypeConnection, "reset")
	outer := Wrap(inner, ErrorTypeSessionClose, "close failed")

	assert.Equal(t, inner.Stack, outer.Stack)
}

func TestNewf(t *testing.T) {
	err := Newf(ErrorTypePoolTimeout, "waited %d ms", 250)
	assert.Equal(t, "pool_timeout: waited 250 ms", err.Error())
}

func TestTypeHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"config", New(ErrorTypeConfig, "x"), IsConfig},
		{"pool timeout", New(ErrorTypePoolTimeout, "x"), IsPoolTimeout},
		{"session creation", New(ErrorTypeSessionCreation, "x"), IsSessionCreation},
		{"invalid state", New(ErrorTypeInvalidState, "x"), IsInvalidState},
		{"session close", New(ErrorTypeSessionClose, "x"), IsSessionClose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.False(t, tt.check(io.EOF))
		})
	}
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeConfig, "bad").WithDetail("field", "account")
	assert.Equal(t, "account", err.Details["field"])
}
