package pipeline

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/logging"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/metrics"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/model"
)

// laneFunc processes one message inside its sensor's lane.
type laneFunc func(ctx context.Context, key string, msg *model.RawMessage)

// lanes routes messages onto a fixed pool of bounded work queues. Keys are
// assigned to lanes by hash, so every message for a sensor lands on the same
// queue and stays strictly ordered, while the goroutine count holds steady
// no matter how many distinct keys the wildcard subscriptions produce.
//
// Dispatch never blocks: a full queue drops the message. That trades a lost
// reading under sustained overload for a transport callback that always
// returns promptly.
type lanes struct {
	process laneFunc
	log     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	accepting bool
	pool      []*lane
	wg        sync.WaitGroup
}

type laneItem struct {
	key string
	msg *model.RawMessage
}

type lane struct {
	ch chan laneItem
}

func newLanes(capacity, count int, process laneFunc, log *logging.Logger) *lanes {
	ctx, cancel := context.WithCancel(context.Background())
	l := &lanes{
		process:   process,
		log:       log.Named("lanes"),
		ctx:       ctx,
		cancel:    cancel,
		accepting: true,
		pool:      make([]*lane, count),
	}
	for i := range l.pool {
		ln := &lane{ch: make(chan laneItem, capacity)}
		l.pool[i] = ln
		l.wg.Add(1)
		go l.run(ln)
	}
	metrics.LanesActive.Set(float64(count))
	return l
}

// laneIndex maps a sensor key onto its lane in the pool.
func (l *lanes) laneIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.pool)))
}

// dispatch queues a message onto the lane for key. Returns false if the
// message was dropped (queue full or shutdown in progress).
//
// The mutex stays held across the send so shutdown cannot close a channel
// between the accepting check and the send. The send is non-blocking, so
// the critical section never stalls the transport callback.
func (l *lanes) dispatch(key string, msg *model.RawMessage) bool {
	ln := l.pool[l.laneIndex(key)]

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.accepting {
		return false
	}
	select {
	case ln.ch <- laneItem{key: key, msg: msg}:
		metrics.LaneQueueDepth.Inc()
		return true
	default:
		metrics.LaneDroppedTotal.Inc()
		return false
	}
}

func (l *lanes) run(ln *lane) {
	defer l.wg.Done()
	for item := range ln.ch {
		metrics.LaneQueueDepth.Dec()
		l.runOne(item.key, item.msg)
	}
}

// runOne isolates a single message: a panic anywhere in the stages is
// contained here, so one poisoned message cannot take down the lane or any
// other sensor's work.
func (l *lanes) runOne(key string, msg *model.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic while processing message",
				"sensor_key", key,
				"topic", msg.Topic,
				"panic", r)
		}
	}()
	l.process(l.ctx, key, msg)
}

// shutdown stops intake, lets lanes drain for up to grace, then cancels the
// lane context so blocked inference or storage calls abort. Always waits for
// every lane goroutine to exit before returning.
func (l *lanes) shutdown(grace time.Duration) {
	l.mu.Lock()
	if !l.accepting {
		l.mu.Unlock()
		return
	}
	l.accepting = false
	for _, ln := range l.pool {
		close(ln.ch)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		l.log.Warn("drain grace period expired, cancelling in-flight work", "grace", grace)
		l.cancel()
		<-done
	}
	l.cancel()
}

// depth returns the total number of queued messages across lanes.
func (l *lanes) depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, ln := range l.pool {
		total += len(ln.ch)
	}
	return total
}
