package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseAllRunsInReverseOrder(t *testing.T) {
	stack := NewStack()
	var order []string
	for _, name := range []string{"volume", "attachment", "mount"} {
		name := name
		stack.Push(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	warnings := stack.ReleaseAll(context.Background())
	assert.Empty(t, warnings)
	assert.Equal(t, []string{"mount", "attachment", "volume"}, order)
}

func TestReleaseAllIsIdempotent(t *testing.T) {
	stack := NewStack()
	runs := 0
	stack.Push("volume", func(context.Context) error {
		runs++
		return nil
	})

	stack.ReleaseAll(context.Background())
	stack.ReleaseAll(context.Background())
	assert.Equal(t, 1, runs)
}

func TestReleaseAllCollectsWarnings(t *testing.T) {
	stack := NewStack()
	stack.Push("volume", func(context.Context) error { return nil })
	stack.Push("attachment", func(context.Context) error { return errors.New("detach timed out") })
	stack.Push("mount", func(context.Context) error { return errors.New("target busy") })

	warnings := stack.ReleaseAll(context.Background())
	require.Len(t, warnings, 2)
	assert.Equal(t, "mount", warnings[0].Resource)
	assert.Equal(t, "attachment", warnings[1].Resource)
}

func TestReleaseFailureDoesNotAbortSequence(t *testing.T) {
	stack := NewStack()
	volumeReleased := false
	stack.Push("volume", func(context.Context) error {
		volumeReleased = true
		return nil
	})
	stack.Push("mount", func(context.Context) error { return errors.New("busy") })

	stack.ReleaseAll(context.Background())
	assert.True(t, volumeReleased)
}

func TestDisarmedReleaseIsSkipped(t *testing.T) {
	stack := NewStack()
	kept := false
	rel := stack.Push("volume", func(context.Context) error {
		kept = true
		return nil
	})
	unmounted := false
	stack.Push("mount", func(context.Context) error {
		unmounted = true
		return nil
	})

	rel.Disarm()
	warnings := stack.ReleaseAll(context.Background())
	assert.Empty(t, warnings)
	assert.False(t, kept)
	assert.True(t, unmounted)
}

func TestReleaseAllIgnoresCancellation(t *testing.T) {
	stack := NewStack()
	var sawErr error
	stack.Push("volume", func(ctx context.Context) error {
		sawErr = ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stack.ReleaseAll(ctx)
	assert.NoError(t, sawErr)
}
