package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/logging"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/model"
)

func testMsg(id string) *model.RawMessage {
	return &model.RawMessage{ID: id, Topic: "sensors/test", ReceivedAt: time.Now()}
}

// otherLaneKey finds a key that hashes onto a different lane than base.
func otherLaneKey(t *testing.T, l *lanes, base string) string {
	t.Helper()
	want := l.laneIndex(base)
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("alt-%d", i)
		if l.laneIndex(key) != want {
			return key
		}
	}
	t.Fatal("no key found on a different lane")
	return ""
}

func TestLanesPreserveOrderPerKey(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]string)
	done := make(chan struct{}, 100)

	l := newLanes(100, 4, func(_ context.Context, key string, msg *model.RawMessage) {
		mu.Lock()
		seen[key] = append(seen[key], msg.ID)
		mu.Unlock()
		done <- struct{}{}
	}, logging.Default())

	const perKey = 20
	for i := 0; i < perKey; i++ {
		for _, key := range []string{"a", "b", "c"} {
			require.True(t, l.dispatch(key, testMsg(fmt.Sprintf("%s-%d", key, i))))
		}
	}
	for i := 0; i < perKey*3; i++ {
		<-done
	}
	l.shutdown(time.Second)

	for _, key := range []string{"a", "b", "c"} {
		require.Len(t, seen[key], perKey)
		for i, id := range seen[key] {
			assert.Equal(t, fmt.Sprintf("%s-%d", key, i), id)
		}
	}
}

func TestLanesPoolStaysFixedAcrossKeys(t *testing.T) {
	before := runtime.NumGoroutine()
	l := newLanes(64, 8, func(_ context.Context, _ string, _ *model.RawMessage) {}, logging.Default())

	for i := 0; i < 5000; i++ {
		l.dispatch(fmt.Sprintf("sensor-%d", i), testMsg(fmt.Sprintf("%d", i)))
	}

	assert.Len(t, l.pool, 8)
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+8+2,
		"distinct keys must not grow the goroutine count past the pool")
	l.shutdown(time.Second)
}

func TestLanesDropWhenFull(t *testing.T) {
	block := make(chan struct{})
	l := newLanes(2, 4, func(_ context.Context, _ string, _ *model.RawMessage) {
		<-block
	}, logging.Default())

	// First message occupies the worker; two more fill the queue.
	require.True(t, l.dispatch("a", testMsg("1")))
	time.Sleep(20 * time.Millisecond)
	require.True(t, l.dispatch("a", testMsg("2")))
	require.True(t, l.dispatch("a", testMsg("3")))

	assert.False(t, l.dispatch("a", testMsg("4")), "message beyond capacity should be dropped")

	// A key on a different lane is unaffected by the congested one.
	assert.True(t, l.dispatch(otherLaneKey(t, l, "a"), testMsg("5")))

	close(block)
	l.shutdown(time.Second)
}

func TestLanesRejectAfterShutdown(t *testing.T) {
	l := newLanes(10, 4, func(_ context.Context, _ string, _ *model.RawMessage) {}, logging.Default())
	require.True(t, l.dispatch("a", testMsg("1")))
	l.shutdown(time.Second)

	assert.False(t, l.dispatch("a", testMsg("2")))
}

func TestLanesDispatchDuringShutdownNeverPanics(t *testing.T) {
	// A dispatcher racing shutdown must see a clean reject, never a send on
	// a closed channel. An escaped panic here crashes the test binary.
	for round := 0; round < 50; round++ {
		l := newLanes(4, 4, func(_ context.Context, _ string, _ *model.RawMessage) {}, logging.Default())

		stop := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; ; i++ {
					select {
					case <-stop:
						return
					default:
					}
					l.dispatch(fmt.Sprintf("sensor-%d-%d", g, i%16), testMsg("x"))
				}
			}(g)
		}

		l.shutdown(time.Second)
		close(stop)
		wg.Wait()

		assert.False(t, l.dispatch("late", testMsg("y")))
	}
}

func TestLanesShutdownDrainsQueuedWork(t *testing.T) {
	var mu sync.Mutex
	var processed []string

	l := newLanes(50, 4, func(_ context.Context, _ string, msg *model.RawMessage) {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		processed = append(processed, msg.ID)
		mu.Unlock()
	}, logging.Default())

	for i := 0; i < 10; i++ {
		require.True(t, l.dispatch("a", testMsg(fmt.Sprintf("%d", i))))
	}
	l.shutdown(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, processed, 10)
}

func TestLanesShutdownCancelsAfterGrace(t *testing.T) {
	started := make(chan struct{})
	l := newLanes(10, 4, func(ctx context.Context, _ string, _ *model.RawMessage) {
		close(started)
		<-ctx.Done()
	}, logging.Default())

	require.True(t, l.dispatch("a", testMsg("1")))
	<-started

	finished := make(chan struct{})
	go func() {
		l.shutdown(30 * time.Millisecond)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not cancel in-flight work after grace expired")
	}
}

func TestLanesPanicIsolation(t *testing.T) {
	var mu sync.Mutex
	var processed []string
	done := make(chan struct{}, 3)

	l := newLanes(10, 4, func(_ context.Context, _ string, msg *model.RawMessage) {
		defer func() { done <- struct{}{} }()
		if msg.ID == "poison" {
			panic("boom")
		}
		mu.Lock()
		processed = append(processed, msg.ID)
		mu.Unlock()
	}, logging.Default())

	require.True(t, l.dispatch("a", testMsg("1")))
	require.True(t, l.dispatch("a", testMsg("poison")))
	require.True(t, l.dispatch("a", testMsg("2")))
	for i := 0; i < 3; i++ {
		<-done
	}
	l.shutdown(time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2"}, processed, "messages after the panic keep flowing")
}

func TestLanesDepth(t *testing.T) {
	block := make(chan struct{})
	l := newLanes(10, 4, func(_ context.Context, _ string, _ *model.RawMessage) {
		<-block
	}, logging.Default())

	other := otherLaneKey(t, l, "a")
	require.True(t, l.dispatch("a", testMsg("1")))
	time.Sleep(20 * time.Millisecond)
	require.True(t, l.dispatch("a", testMsg("2")))
	require.True(t, l.dispatch(other, testMsg("3")))
	time.Sleep(20 * time.Millisecond)

	// One message per lane is in flight, one is queued behind lane a.
	assert.Equal(t, 1, l.depth())

	close(block)
	l.shutdown(time.Second)
}
