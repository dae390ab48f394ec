package broadcast

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/logging"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/model"
)

func entry(key, tenantID, label string) model.SnapshotEntry {
	return model.SnapshotEntry{
		SensorKey: key,
		TenantID:  tenantID,
		Label:     label,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestHubSnapshotKeepsLatestPerSensor(t *testing.T) {
	h := NewHub(8, logging.Default())

	h.Publish(entry("a", "t1", ""))
	h.Publish(entry("b", "t1", ""))
	h.Publish(entry("a", "t1", "bearing_wear"))

	snap := h.Snapshot("")
	require.Len(t, snap, 2)

	byKey := make(map[string]model.SnapshotEntry)
	for _, e := range snap {
		byKey[e.SensorKey] = e
	}
	assert.Equal(t, "bearing_wear", byKey["a"].Label, "later publish replaces earlier entry")
}

func TestHubSnapshotTenantScoping(t *testing.T) {
	h := NewHub(8, logging.Default())

	h.Publish(entry("a", "t1", ""))
	h.Publish(entry("b", "t2", ""))
	h.Publish(entry("c", "", "")) // unresolved sensor, no tenant

	assert.Len(t, h.Snapshot(""), 3, "platform scope sees everything")

	t1 := h.Snapshot("t1")
	require.Len(t, t1, 2)
	for _, e := range t1 {
		assert.NotEqual(t, "t2", e.TenantID)
	}
}

func TestHubSubscriberReceivesUpdates(t *testing.T) {
	h := NewHub(8, logging.Default())
	sub := h.Subscribe("t1")
	defer sub.Close()

	h.Publish(entry("a", "t1", "ok"))

	select {
	case got := <-sub.Updates():
		assert.Equal(t, "a", got.SensorKey)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

func TestHubSubscriberTenantFilter(t *testing.T) {
	h := NewHub(8, logging.Default())
	sub := h.Subscribe("t1")
	defer sub.Close()

	h.Publish(entry("other", "t2", ""))
	h.Publish(entry("untenanted", "", ""))
	h.Publish(entry("mine", "t1", ""))

	got := []string{(<-sub.Updates()).SensorKey, (<-sub.Updates()).SensorKey}
	assert.Equal(t, []string{"untenanted", "mine"}, got)

	select {
	case e := <-sub.Updates():
		t.Fatalf("unexpected extra update: %+v", e)
	default:
	}
}

func TestHubSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	h := NewHub(2, logging.Default())
	slow := h.Subscribe("")
	defer slow.Close()
	healthy := h.Subscribe("")
	defer healthy.Close()

	done := make(chan struct{})
	go func() {
		// Well past the slow subscriber's buffer.
		for i := 0; i < 20; i++ {
			h.Publish(entry(fmt.Sprintf("s-%d", i), "", ""))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The healthy subscriber still got its buffered share.
	assert.NotEmpty(t, healthy.Updates())
	// The slow one holds at most its buffer.
	assert.LessOrEqual(t, len(slow.Updates()), 2)
}

func TestSubscriberCloseIsIdempotent(t *testing.T) {
	h := NewHub(8, logging.Default())
	sub := h.Subscribe("t1")

	sub.Close()
	sub.Close()

	assert.Zero(t, h.SubscriberCount())

	// Publishing after close must not panic.
	h.Publish(entry("a", "t1", ""))
}

func TestSubscriberChannelClosesOnClose(t *testing.T) {
	h := NewHub(8, logging.Default())
	sub := h.Subscribe("t1")
	sub.Close()

	_, ok := <-sub.Updates()
	assert.False(t, ok)
}

func TestHubSubscriberCount(t *testing.T) {
	h := NewHub(8, logging.Default())
	assert.Zero(t, h.SubscriberCount())

	a := h.Subscribe("")
	b := h.Subscribe("")
	assert.Equal(t, 2, h.SubscriberCount())

	a.Close()
	assert.Equal(t, 1, h.SubscriberCount())
	b.Close()
	assert.Zero(t, h.SubscriberCount())
}
