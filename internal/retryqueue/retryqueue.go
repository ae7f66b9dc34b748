// Package retryqueue is the Persistent Retry Queue (C3): three
// priority-ordered FIFO buckets mirrored to disk so pending publishes
// survive a restart (spec §4.3). Grounded on the teacher's
// internal/messaging broker for the mutex-guarded-struct shape, and on
// internal/config's WAL/atomic-write idiom for the disk mirror, adapted
// into a simpler append+replace file (the retry queue's on-disk image is
// replaced wholesale on each mirror, not WAL-protected, since a partial
// mirror only costs already-queued retries, never primary configuration).
package retryqueue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fisaks/uhn-gateway/internal/clock"
	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/logging"
	"github.com/fisaks/uhn-gateway/internal/model"
)

const defaultCapacity = 100

// PublishFunc attempts to deliver one message; a non-nil error means
// "try again later" and stops draining that priority bucket at that
// point (head-of-line); DrainDue still goes on to the lower buckets.
type PublishFunc func(topic string, payload []byte) error

// HealthReport summarizes queue depth per bucket for diagnostics.
type HealthReport struct {
	High, Normal, Low int
	Dropped           uint64
}

type entry struct {
	Topic      string        `json:"topic"`
	Payload    []byte        `json:"payload"`
	Priority   model.Priority `json:"priority"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
}

// Queue is C3's public contract.
type Queue struct {
	mu       sync.Mutex
	buckets  map[model.Priority][]entry
	capacity int
	dropped  uint64
	maxSend  int // poison threshold: serialized size exceeding this is rejected

	clock clock.Clock
	path  string

	persistMu sync.Mutex // guards the on-disk image independent of mu
}

// Options configures capacity/poison-size/clock; zero values fall back
// to spec defaults.
type Options struct {
	Capacity   int
	MaxSendLen int
	Clock      clock.Clock
	ImagePath  string
}

func New(opt Options) *Queue {
	if opt.Capacity <= 0 {
		opt.Capacity = defaultCapacity
	}
	if opt.MaxSendLen <= 0 {
		opt.MaxSendLen = 16384
	}
	if opt.Clock == nil {
		opt.Clock = clock.System{}
	}
	return &Queue{
		buckets:  map[model.Priority][]entry{model.PriorityHigh: nil, model.PriorityNormal: nil, model.PriorityLow: nil},
		capacity: opt.Capacity,
		maxSend:  opt.MaxSendLen,
		clock:    opt.Clock,
		path:     opt.ImagePath,
	}
}

func (q *Queue) total() int {
	return len(q.buckets[model.PriorityHigh]) + len(q.buckets[model.PriorityNormal]) + len(q.buckets[model.PriorityLow])
}

// Enqueue appends a message to its priority bucket, evicting the oldest
// LOW (falling back to oldest NORMAL) entry if the queue is at capacity,
// rejecting with ErrFull if neither bucket has anything to evict, and
// rejecting poison messages (serialized size over maxSend) outright
// without ever touching disk (spec §4.3).
func (q *Queue) Enqueue(topic string, payload []byte, priority model.Priority, ttl time.Duration) error {
	if len(payload) > q.maxSend {
		return fmt.Errorf("%w: payload %d bytes exceeds send buffer %d", gwerr.ErrPoison, len(payload), q.maxSend)
	}

	now := q.clock.Now()
	e := entry{
		Topic:     topic,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	q.mu.Lock()
	if q.total() >= q.capacity {
		if !q.evictOneLocked(model.PriorityLow) && !q.evictOneLocked(model.PriorityNormal) {
			q.mu.Unlock()
			return fmt.Errorf("%w: retry queue at capacity %d", gwerr.ErrFull, q.capacity)
		}
	}
	q.buckets[priority] = append(q.buckets[priority], e)
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	// Disk mirror happens outside q.mu (spec §5 shared-resource table).
	q.mirror(snapshot)
	return nil
}

func (q *Queue) evictOneLocked(p model.Priority) bool {
	b := q.buckets[p]
	if len(b) == 0 {
		return false
	}
	q.buckets[p] = b[1:]
	q.dropped++
	return true
}

// DrainDue walks HIGH then NORMAL then LOW, oldest first within a
// bucket, invoking publish for each unexpired message; on success the
// message is removed, on failure it stays and iteration of that bucket
// stops (head-of-line blocking), expired messages are dropped without
// publishing regardless of position (spec §4.3).
func (q *Queue) DrainDue(now time.Time, publish PublishFunc) int {
	published := 0
	for _, p := range []model.Priority{model.PriorityHigh, model.PriorityNormal, model.PriorityLow} {
		published += q.drainBucket(p, now, publish)
	}
	return published
}

func (q *Queue) drainBucket(p model.Priority, now time.Time, publish PublishFunc) int {
	published := 0
	for {
		q.mu.Lock()
		b := q.buckets[p]
		if len(b) == 0 {
			q.mu.Unlock()
			return published
		}
		head := b[0]
		q.mu.Unlock()

		if !head.ExpiresAt.After(now) {
			q.mu.Lock()
			q.buckets[p] = dropFront(q.buckets[p])
			q.mu.Unlock()
			continue
		}

		if err := publish(head.Topic, head.Payload); err != nil {
			return published // head-of-line: stop this bucket, leave head in place
		}
		q.mu.Lock()
		q.buckets[p] = dropFront(q.buckets[p])
		snapshot := q.snapshotLocked()
		q.mu.Unlock()
		q.mirror(snapshot)
		published++
	}
}

func dropFront(b []entry) []entry {
	if len(b) == 0 {
		return b
	}
	return b[1:]
}

// ClearExpired removes expired messages from every bucket without
// publishing them, returning the count removed (spec §4.3, invoked by
// C5 under memory pressure).
func (q *Queue) ClearExpired(now time.Time) int {
	q.mu.Lock()
	removed := 0
	for p, b := range q.buckets {
		kept := b[:0:0]
		for _, e := range b {
			if e.ExpiresAt.After(now) {
				kept = append(kept, e)
			} else {
				removed++
			}
		}
		q.buckets[p] = kept
	}
	snapshot := q.snapshotLocked()
	q.mu.Unlock()
	if removed > 0 {
		q.mirror(snapshot)
	}
	return removed
}

// PendingCount returns the total number of queued messages across all
// buckets.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total()
}

// HealthReport reports per-bucket depth and cumulative drop count.
func (q *Queue) HealthReport() HealthReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	return HealthReport{
		High:    len(q.buckets[model.PriorityHigh]),
		Normal:  len(q.buckets[model.PriorityNormal]),
		Low:     len(q.buckets[model.PriorityLow]),
		Dropped: q.dropped,
	}
}

// imageRecord is the on-disk shape spec §6 defines for mqtt_queue.json.
type imageRecord struct {
	Topic      string    `json:"topic"`
	Payload    string    `json:"payload"` // base64
	Priority   string    `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (q *Queue) snapshotLocked() []imageRecord {
	var out []imageRecord
	for _, p := range []model.Priority{model.PriorityHigh, model.PriorityNormal, model.PriorityLow} {
		for _, e := range q.buckets[p] {
			out = append(out, imageRecord{
				Topic:     e.Topic,
				Payload:   base64.StdEncoding.EncodeToString(e.Payload),
				Priority:  e.Priority.String(),
				CreatedAt: e.CreatedAt,
				ExpiresAt: e.ExpiresAt,
			})
		}
	}
	return out
}

func (q *Queue) mirror(records []imageRecord) {
	if q.path == "" {
		return
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		logging.Tagged("retryqueue").Warn("mirror marshal failed", "error", err)
		return
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logging.Tagged("retryqueue").Warn("mirror write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, q.path); err != nil {
		logging.Tagged("retryqueue").Warn("mirror rename failed", "error", err)
	}
}

func priorityFromString(s string) model.Priority {
	switch s {
	case model.PriorityHigh.String():
		return model.PriorityHigh
	case model.PriorityLow.String():
		return model.PriorityLow
	default:
		return model.PriorityNormal
	}
}

// Recover replays the on-disk image into memory, dropping any entry
// whose expires_at is at or before bootTime. If rtcValid is false, every
// entry is treated as expired and dropped (spec §4.3's conservative
// rule for an untrustworthy boot clock).
func (q *Queue) Recover(bootTime time.Time, rtcValid bool) (recovered, droppedExpired int, err error) {
	if q.path == "" {
		return 0, 0, nil
	}
	data, readErr := os.ReadFile(q.path)
	if os.IsNotExist(readErr) {
		return 0, 0, nil
	}
	if readErr != nil {
		return 0, 0, readErr
	}
	var records []imageRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, 0, fmt.Errorf("%w: mqtt_queue.json: %v", gwerr.ErrPersist, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range records {
		if !rtcValid || !r.ExpiresAt.After(bootTime) {
			droppedExpired++
			continue
		}
		payload, decErr := base64.StdEncoding.DecodeString(r.Payload)
		if decErr != nil {
			droppedExpired++
			continue
		}
		p := priorityFromString(r.Priority)
		q.buckets[p] = append(q.buckets[p], entry{
			Topic:     r.Topic,
			Payload:   payload,
			Priority:  p,
			CreatedAt: r.CreatedAt,
			ExpiresAt: r.ExpiresAt,
		})
		recovered++
	}
	return recovered, droppedExpired, nil
}
