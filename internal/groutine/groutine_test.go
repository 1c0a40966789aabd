package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_PropagatesName(t *testing.T) {
	names := make(chan string, 1)
	done := Go(context.Background(), "worker-42", func(ctx context.Context) {
		names <- GetName(ctx)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine MUST finish")
	}
	assert.Equal(t, "worker-42", <-names)
}

func TestGo_DoneClosedAfterReturn(t *testing.T) {
	release := make(chan struct{})
	done := Go(nil, "blocked", func(ctx context.Context) { //nolint:staticcheck
		<-release
	})

	assert.False(t, Exited(done), "goroutine MUST still be running")
	close(release)

	require.Eventually(t, func() bool { return Exited(done) }, time.Second, 5*time.Millisecond)
}

func TestGo_StopsOnParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := Go(ctx, "cancellable", func(ctx context.Context) {
		<-ctx.Done()
	})

	cancel()
	require.Eventually(t, func() bool { return Exited(done) }, time.Second, 5*time.Millisecond)
}

func TestGetName_Missing(t *testing.T) {
	assert.Empty(t, GetName(context.Background()))
	assert.Empty(t, GetName(nil)) //nolint:staticcheck
}

func TestGetGID(t *testing.T) {
	assert.NotZero(t, GetGID())
}
