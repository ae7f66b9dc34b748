package model

import "time"

// Observation is the ephemeral record C6 enqueues into C2 and C7 drains
// (spec §3). It ceases to exist once drained-and-published, dropped by
// eviction, or flushed because its device was deleted.
type Observation struct {
	DeviceId     DeviceId   `json:"device_id"`
	RegisterId   RegisterId `json:"register_id"`
	RegisterName string     `json:"register_name"`
	Timestamp    time.Time  `json:"timestamp"`
	RawWords     []uint16   `json:"raw_words,omitempty"`
	Value        float64    `json:"value"`
	Unit         string     `json:"unit"`
	Error        bool       `json:"error,omitempty"`
	ErrorDetail  string     `json:"error_detail,omitempty"`
}

// Key is the dedup key C7 uses when draining into its in-memory map
// (spec §4.7 step 4: "device_id + _ + register_id").
func (o Observation) Key() string {
	return string(o.DeviceId) + "_" + string(o.RegisterId)
}

// Priority is the retry-queue ordering tier (spec §3).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "LOW"
	}
}

// QueuedMessage is a serialized publish payload pending retry in C3.
type QueuedMessage struct {
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	Priority   Priority  `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}

func (m QueuedMessage) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}
