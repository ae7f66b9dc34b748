package payload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/uhn-gateway/internal/model"
)

type fakeLookup map[model.DeviceId]string

func (f fakeLookup) Name(id model.DeviceId) (string, bool) {
	name, ok := f[id]
	return name, ok
}

func TestBuildSkipsDeletedDevice(t *testing.T) {
	lookup := fakeLookup{"d1": "Tank 1"}
	samples := []model.Observation{
		{DeviceId: "d1", RegisterId: "r1", RegisterName: "temperature", Value: 27.5, Unit: "°C"},
		{DeviceId: "gone", RegisterId: "r2", RegisterName: "level", Value: 1.0, Unit: "m"},
	}
	data, skipped, err := Build(time.Now(), samples, lookup)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Contains(t, string(data), `"temperature"`)
	assert.NotContains(t, string(data), "level")
}

func TestBuildReturnsNilWhenNothingSurvives(t *testing.T) {
	data, skipped, err := Build(time.Now(), []model.Observation{{DeviceId: "gone"}}, fakeLookup{})
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Nil(t, data)
}

func TestFilterForTopic(t *testing.T) {
	samples := []model.Observation{
		{RegisterId: "a"}, {RegisterId: "b"}, {RegisterId: "c"},
	}
	out := FilterForTopic(samples, []model.RegisterId{"a", "c"})
	require.Len(t, out, 2)
	assert.Equal(t, model.RegisterId("a"), out[0].RegisterId)
	assert.Equal(t, model.RegisterId("c"), out[1].RegisterId)
}
