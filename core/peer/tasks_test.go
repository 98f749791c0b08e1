package peer

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskGroupStopCancelsAndWaits(t *testing.T) {
	g := newTaskGroup()

	var finished int32
	for i := 0; i < 3; i++ {
		assert.True(t, g.Go(context.Background(), func(ctx context.Context) {
			<-ctx.Done()
			atomic.AddInt32(&finished, 1)
		}))
	}

	g.Stop()
	assert.Equal(t, int32(3), atomic.LoadInt32(&finished))
	assert.False(t, g.Go(context.Background(), func(ctx context.Context) {}))
}

func TestTaskGroupHonorsCallerContext(t *testing.T) {
	g := newTaskGroup()
	defer g.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	g.Go(ctx, func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	cancel()
	<-done
}
