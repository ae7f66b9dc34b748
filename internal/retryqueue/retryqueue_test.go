package retryqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/uhn-gateway/internal/clock"
	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/model"
)

func TestEnqueueRejectsPoisonPayload(t *testing.T) {
	q := New(Options{MaxSendLen: 4})
	err := q.Enqueue("t", []byte("toolong"), model.PriorityNormal, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, gwerr.ErrPoison)
}

func TestEnqueueEvictsLowBeforeNormal(t *testing.T) {
	fc := clock.NewFrozen(time.Now())
	q := New(Options{Capacity: 2, Clock: fc})
	require.NoError(t, q.Enqueue("t1", []byte("a"), model.PriorityLow, time.Hour))
	require.NoError(t, q.Enqueue("t2", []byte("b"), model.PriorityNormal, time.Hour))
	require.NoError(t, q.Enqueue("t3", []byte("c"), model.PriorityHigh, time.Hour))

	report := q.HealthReport()
	assert.Equal(t, 1, report.High)
	assert.Equal(t, 1, report.Normal)
	assert.Equal(t, 0, report.Low)
	assert.Equal(t, uint64(1), report.Dropped)
}

func TestEnqueueRejectsWhenNothingToEvict(t *testing.T) {
	fc := clock.NewFrozen(time.Now())
	q := New(Options{Capacity: 1, Clock: fc})
	require.NoError(t, q.Enqueue("t1", []byte("a"), model.PriorityHigh, time.Hour))
	err := q.Enqueue("t2", []byte("b"), model.PriorityHigh, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, gwerr.ErrFull)
}

func TestDrainDueOrdersHighNormalLow(t *testing.T) {
	fc := clock.NewFrozen(time.Now())
	q := New(Options{Capacity: 10, Clock: fc})
	require.NoError(t, q.Enqueue("low", []byte("a"), model.PriorityLow, time.Hour))
	require.NoError(t, q.Enqueue("normal", []byte("b"), model.PriorityNormal, time.Hour))
	require.NoError(t, q.Enqueue("high", []byte("c"), model.PriorityHigh, time.Hour))

	var order []string
	n := q.DrainDue(fc.Now(), func(topic string, payload []byte) error {
		order = append(order, topic)
		return nil
	})
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"high", "normal", "low"}, order)
	assert.Equal(t, 0, q.PendingCount())
}

func TestDrainDueStopsBucketOnFailure(t *testing.T) {
	fc := clock.NewFrozen(time.Now())
	q := New(Options{Capacity: 10, Clock: fc})
	require.NoError(t, q.Enqueue("n1", []byte("a"), model.PriorityNormal, time.Hour))
	require.NoError(t, q.Enqueue("n2", []byte("b"), model.PriorityNormal, time.Hour))

	failErr := errors.New("send failed")
	calls := 0
	n := q.DrainDue(fc.Now(), func(topic string, payload []byte) error {
		calls++
		return failErr
	})
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, calls) // stops at head-of-line, doesn't try n2
	assert.Equal(t, 2, q.PendingCount())
}

func TestDrainDueDropsExpiredWithoutPublishing(t *testing.T) {
	fc := clock.NewFrozen(time.Now())
	q := New(Options{Capacity: 10, Clock: fc})
	require.NoError(t, q.Enqueue("expired", []byte("a"), model.PriorityHigh, time.Millisecond))
	fc.Advance(time.Second)

	published := []string{}
	n := q.DrainDue(fc.Now(), func(topic string, payload []byte) error {
		published = append(published, topic)
		return nil
	})
	assert.Equal(t, 0, n)
	assert.Empty(t, published)
	assert.Equal(t, 0, q.PendingCount())
}

func TestClearExpiredRemovesOnlyExpired(t *testing.T) {
	fc := clock.NewFrozen(time.Now())
	q := New(Options{Capacity: 10, Clock: fc})
	require.NoError(t, q.Enqueue("short", []byte("a"), model.PriorityNormal, time.Millisecond))
	require.NoError(t, q.Enqueue("long", []byte("b"), model.PriorityNormal, time.Hour))
	fc.Advance(time.Second)

	removed := q.ClearExpired(fc.Now())
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, q.PendingCount())
}
