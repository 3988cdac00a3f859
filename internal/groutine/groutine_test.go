package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoCarriesNameAndContext(t *testing.T) {
	type result struct {
		name string
		err  error
	}
	parent, cancel := context.WithCancel(context.Background())
	done := make(chan result, 1)

	Go(parent, "worker-1", func(ctx context.Context) {
		<-ctx.Done()
		done <- result{name: Name(ctx), err: ctx.Err()}
	})

	cancel()
	select {
	case got := <-done:
		assert.Equal(t, "worker-1", got.name)
		assert.ErrorIs(t, got.err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not observe cancellation")
	}
}

func TestGoNilParent(t *testing.T) {
	done := make(chan string, 1)
	Go(nil, "worker-2", func(ctx context.Context) {
		done <- Name(ctx)
	})
	select {
	case name := <-done:
		require.Equal(t, "worker-2", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}
}

func TestNameWithoutLabel(t *testing.T) {
	assert.Empty(t, Name(context.Background()))
	assert.Empty(t, Name(nil))
}
