package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoop_StartStopJoin(t *testing.T) {
	l := New("test")

	var ticks int64
	ok := l.Start(context.Background(), 5*time.Millisecond, func(ctx context.Context, tickC <-chan time.Time) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-tickC:
				atomic.AddInt64(&ticks, 1)
			}
		}
	})
	require.True(t, ok)
	require.True(t, l.IsRunning())

	// 第二次启动应该被拒绝
	ok = l.Start(context.Background(), 0, func(ctx context.Context, tickC <-chan time.Time) {})
	require.False(t, ok)

	time.Sleep(30 * time.Millisecond)
	require.True(t, l.StopAndJoin(time.Second))
	require.False(t, l.IsRunning())
	require.Greater(t, atomic.LoadInt64(&ticks), int64(0))
}

func TestLoop_JoinBeforeStart(t *testing.T) {
	l := New("idle")
	require.True(t, l.Join(10*time.Millisecond))
	l.Stop() // Stop before Start must not panic
}

func TestLoop_Restart(t *testing.T) {
	l := New("restart")
	run := func(ctx context.Context, _ <-chan time.Time) { <-ctx.Done() }

	require.True(t, l.Start(context.Background(), 0, run))
	require.True(t, l.StopAndJoin(time.Second))
	require.True(t, l.Start(context.Background(), 0, run))
	require.True(t, l.StopAndJoin(time.Second))
}

func TestLoop_JoinTimeout(t *testing.T) {
	l := New("slow")
	release := make(chan struct{})
	require.True(t, l.Start(context.Background(), 0, func(ctx context.Context, _ <-chan time.Time) {
		<-release
	}))
	l.Stop()
	require.False(t, l.Join(20*time.Millisecond))
	close(release)
	require.True(t, l.Join(time.Second))
}
