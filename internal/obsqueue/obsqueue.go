// Package obsqueue is the Live Observation Queue (C2): a bounded,
// in-memory FIFO of Observations produced by the Modbus poller and
// drained by the MQTT/HTTP publisher (spec §4.2). Grounded on the
// teacher's internal/messaging package's mutex-guarded struct style
// (sync.Mutex + plain slice/map state, no channel-based queue), adapted
// from a pub/sub broker into a bounded drop-oldest FIFO.
package obsqueue

import (
	"encoding/json"
	"sync"

	"github.com/fisaks/uhn-gateway/internal/model"
)

// Queue is C2's public contract. Capacity is fixed at construction
// (spec §4.2: a bounded queue, drop-oldest on overflow).
type Queue struct {
	mu       sync.Mutex
	items    []model.Observation
	capacity int
	dropped  uint64
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make([]model.Observation, 0, capacity),
		capacity: capacity,
	}
}

// Enqueue appends an observation, dropping the oldest entry first if the
// queue is already at capacity (spec §4.2 edge case: "queue full ->
// drop oldest, increment a dropped-observations counter").
func (q *Queue) Enqueue(o model.Observation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, o)
}

// DrainAll removes and returns every observation currently queued, in
// FIFO order, leaving the queue empty (spec §4.2). The publishers do not
// call it; they drain with DrainUpTo.
func (q *Queue) DrainAll() []model.Observation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = make([]model.Observation, 0, q.capacity)
	return out
}

// DrainUpTo removes and returns up to n of the oldest queued
// observations, leaving any remainder queued in place (spec §4.7 step
// 4: "drain up to MAX_REGISTERS_PER_PUBLISH samples from C2").
func (q *Queue) DrainUpTo(n int) []model.Observation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	out := append([]model.Observation(nil), q.items[:n]...)
	q.items = append([]model.Observation(nil), q.items[n:]...)
	return out
}

// FlushDevice removes and returns every observation belonging to id,
// leaving observations for other devices in place and in their original
// relative order (spec §4.2 flush_device, invoked by the BLE delete
// handler after delete_device succeeds). Entries are held as decoded
// structs, so it compares each DeviceId directly and parses no JSON;
// FlushDeviceJSON is the device_id-only parse for pre-serialized entries.
func (q *Queue) FlushDevice(id model.DeviceId) []model.Observation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var matched, kept []model.Observation
	for _, o := range q.items {
		if o.DeviceId == id {
			matched = append(matched, o)
		} else {
			kept = append(kept, o)
		}
	}
	q.items = kept
	return matched
}

// DropOldest removes up to n of the oldest queued observations,
// returning how many were actually dropped (spec §4.5 Critical-tier
// memory action: "drop oldest 20 from C2").
func (q *Queue) DropOldest(n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return 0
	}
	q.items = q.items[n:]
	q.dropped += uint64(n)
	return n
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DroppedCount reports the cumulative number of observations dropped by
// Enqueue overflow or DropOldest since construction.
func (q *Queue) DroppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// deviceIDOnly is the minimal shape used to sniff device_id out of a
// raw observation payload without paying for a full Observation decode,
// for the JSON-backed variant of flush (see FlushDeviceJSON).
type deviceIDOnly struct {
	DeviceId model.DeviceId `json:"device_id"`
}

// FlushDeviceJSON is the JSON-backed counterpart of FlushDevice for
// callers that store observations pre-serialized. It parses only the
// device_id field of each entry before deciding whether to keep it.
func FlushDeviceJSON(raw [][]byte, id model.DeviceId) (matched, kept [][]byte) {
	for _, b := range raw {
		var probe deviceIDOnly
		if err := json.Unmarshal(b, &probe); err != nil {
			kept = append(kept, b)
			continue
		}
		if probe.DeviceId == id {
			matched = append(matched, b)
		} else {
			kept = append(kept, b)
		}
	}
	return matched, kept
}
