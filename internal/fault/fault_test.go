package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := New(Transient, "throttled")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", base, Transient},
		{"wrapped once", fmt.Errorf("attach: %w", base), Transient},
		{"wrapped twice", fmt.Errorf("run: %w", fmt.Errorf("attach: %w", base)), Transient},
		{"unclassified", errors.New("plain"), Unknown},
		{"nil", nil, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(Fatal, nil))
}

func TestWrapKeepsChain(t *testing.T) {
	sentinel := errors.New("sentinel")
	wrapped := Wrap(Busy, fmt.Errorf("mount: %w", sentinel))
	assert.ErrorIs(t, wrapped, sentinel)
	assert.Equal(t, Busy, KindOf(wrapped))
}

func TestFromProvider(t *testing.T) {
	tests := []struct {
		name string
		code string
		want Kind
	}{
		{"throttling", "Throttling", Transient},
		{"request limit", "RequestLimitExceeded", Transient},
		{"attach race", "VolumeInUse", Transient},
		{"eventual consistency", "IncorrectState", Transient},
		{"permission denied", "UnauthorizedOperation", Fatal},
		{"missing snapshot", "InvalidSnapshot.NotFound", Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &smithy.GenericAPIError{Code: tt.code, Message: "x"}
			assert.Equal(t, tt.want, KindOf(FromProvider(err)))
		})
	}

	t.Run("non-API error is fatal", func(t *testing.T) {
		assert.Equal(t, Fatal, KindOf(FromProvider(errors.New("dial tcp: timeout"))))
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, FromProvider(nil))
	})
}
