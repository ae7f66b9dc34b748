package mqttpub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/uhn-gateway/internal/model"
)

func TestDedupKeepsNewestPerKey(t *testing.T) {
	samples := []model.Observation{
		{DeviceId: "d1", RegisterId: "r1", Value: 1},
		{DeviceId: "d1", RegisterId: "r2", Value: 2},
		{DeviceId: "d1", RegisterId: "r1", Value: 9},
	}
	out := dedup(samples)
	require.Len(t, out, 2)
	assert.Equal(t, float64(9), out[0].Value)
	assert.Equal(t, float64(2), out[1].Value)
}

func TestDedupEmpty(t *testing.T) {
	assert.Nil(t, dedup(nil))
}

type fakeConfigSource struct {
	server  model.ServerConfig
	token   uint64
	devices []model.DeviceView
	names   map[model.DeviceId]string
}

func (f *fakeConfigSource) GetServerConfig() model.ServerConfig { return f.server }
func (f *fakeConfigSource) ChangeToken() uint64                 { return f.token }
func (f *fakeConfigSource) GetAllDevicesWithRegisters(minimal bool) ([]model.DeviceView, error) {
	return f.devices, nil
}
func (f *fakeConfigSource) Name(id model.DeviceId) (string, bool) {
	n, ok := f.names[id]
	return n, ok
}

func TestEnsureBufferSizeClampsToRange(t *testing.T) {
	cfg := &fakeConfigSource{devices: []model.DeviceView{{RegisterCount: 1}}}
	pub := NewPublisher(Options{Config: cfg})
	pub.ensureBufferSize()
	assert.Equal(t, minBufferSize, pub.bufferSize)
	assert.False(t, pub.bufferDirty)

	cfg.devices = []model.DeviceView{{RegisterCount: 10000}}
	pub.bufferDirty = true
	pub.ensureBufferSize()
	assert.Equal(t, maxBufferSize, pub.bufferSize)
}

func TestEnsureBufferSizeSkipsWhenClean(t *testing.T) {
	cfg := &fakeConfigSource{devices: []model.DeviceView{{RegisterCount: 1}}}
	pub := NewPublisher(Options{Config: cfg})
	pub.ensureBufferSize()
	cfg.devices = []model.DeviceView{{RegisterCount: 10000}}
	pub.ensureBufferSize() // dirty flag already false, shouldn't recompute
	assert.Equal(t, minBufferSize, pub.bufferSize)
}
