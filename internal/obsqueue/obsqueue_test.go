package obsqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/uhn-gateway/internal/model"
)

func obs(device, register string) model.Observation {
	return model.Observation{
		DeviceId:   model.DeviceId(device),
		RegisterId: model.RegisterId(register),
		Timestamp:  time.Now(),
		Value:      1,
	}
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	q := New(2)
	q.Enqueue(obs("d1", "r1"))
	q.Enqueue(obs("d1", "r2"))
	q.Enqueue(obs("d1", "r3"))

	all := q.DrainAll()
	require.Len(t, all, 2)
	assert.Equal(t, model.RegisterId("r2"), all[0].RegisterId)
	assert.Equal(t, model.RegisterId("r3"), all[1].RegisterId)
	assert.Equal(t, uint64(1), q.DroppedCount())
}

func TestDrainAllEmptiesQueue(t *testing.T) {
	q := New(10)
	q.Enqueue(obs("d1", "r1"))
	q.Enqueue(obs("d1", "r2"))

	all := q.DrainAll()
	assert.Len(t, all, 2)
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.DrainAll())
}

func TestFlushDeviceKeepsOthersInOrder(t *testing.T) {
	q := New(10)
	q.Enqueue(obs("d1", "r1"))
	q.Enqueue(obs("d2", "r1"))
	q.Enqueue(obs("d1", "r2"))
	q.Enqueue(obs("d3", "r1"))

	matched := q.FlushDevice("d1")
	require.Len(t, matched, 2)
	assert.Equal(t, model.RegisterId("r1"), matched[0].RegisterId)
	assert.Equal(t, model.RegisterId("r2"), matched[1].RegisterId)

	remaining := q.DrainAll()
	require.Len(t, remaining, 2)
	assert.Equal(t, model.DeviceId("d2"), remaining[0].DeviceId)
	assert.Equal(t, model.DeviceId("d3"), remaining[1].DeviceId)
}

func TestFlushDeviceJSONFiltersByDeviceID(t *testing.T) {
	raw := [][]byte{
		[]byte(`{"device_id":"d1","value":1}`),
		[]byte(`{"device_id":"d2","value":2}`),
		[]byte(`{"device_id":"d1","value":3}`),
	}
	matched, kept := FlushDeviceJSON(raw, "d1")
	assert.Len(t, matched, 2)
	assert.Len(t, kept, 1)
}
