// Package payload builds the MQTT/HTTP publish payloads spec §4.7
// defines, shared between the MQTT publisher (C7) and the HTTP
// publisher so the wire shape is identical regardless of transport.
// Grounded on the teacher's internal/messaging edge-broker.go
// PublishDeviceState, generalized from "one device's state" to "a
// dedup'd batch of register samples across many devices".
package payload

import (
	"encoding/json"
	"time"

	"github.com/fisaks/uhn-gateway/internal/clock"
	"github.com/fisaks/uhn-gateway/internal/model"
)

// DeviceNameLookup resolves a device id to its display name, backed by
// C1's shadow copy; Name returns ok=false if the device no longer
// exists (spec §4.7 "registers whose device has been deleted since the
// sample was taken are skipped").
type DeviceNameLookup interface {
	Name(id model.DeviceId) (name string, ok bool)
}

type registerValue struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type deviceBlock struct {
	DeviceName string                   `json:"device_name"`
	Registers  map[string]registerValue `json:"-"`
}

// MarshalJSON flattens DeviceName and the per-register values into one
// object, matching spec §4.7's shape where register entries sit
// alongside device_name rather than nested under a "registers" key.
func (b deviceBlock) MarshalJSON() ([]byte, error) {
	out := map[string]any{"device_name": b.DeviceName}
	for name, v := range b.Registers {
		out[name] = v
	}
	return json.Marshal(out)
}

type envelope struct {
	Timestamp string                 `json:"timestamp"`
	Devices   map[string]deviceBlock `json:"devices"`
}

// Build assembles the default/customize-mode payload shape for the
// given (already deduplicated) samples, skipping any whose device is no
// longer present in lookup and reporting how many were skipped so the
// caller can log one aggregate line (spec §4.7, §8 scenario 4).
func Build(ts time.Time, samples []model.Observation, lookup DeviceNameLookup) ([]byte, int, error) {
	env := envelope{
		Timestamp: clock.FormatObservation(ts),
		Devices:   map[string]deviceBlock{},
	}
	skipped := 0
	for _, s := range samples {
		name, ok := lookup.Name(s.DeviceId)
		if !ok {
			skipped++
			continue
		}
		blk, exists := env.Devices[string(s.DeviceId)]
		if !exists {
			blk = deviceBlock{DeviceName: name, Registers: map[string]registerValue{}}
		}
		blk.Registers[s.RegisterName] = registerValue{Value: s.Value, Unit: s.Unit}
		env.Devices[string(s.DeviceId)] = blk
	}
	if len(env.Devices) == 0 {
		return nil, skipped, nil
	}
	data, err := json.Marshal(env)
	return data, skipped, err
}

// FilterForTopic keeps only samples whose RegisterId is named in ids
// (spec §4.7 customize-mode per-topic filtering).
func FilterForTopic(samples []model.Observation, ids []model.RegisterId) []model.Observation {
	want := make(map[model.RegisterId]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []model.Observation
	for _, s := range samples {
		if _, ok := want[s.RegisterId]; ok {
			out = append(out, s)
		}
	}
	return out
}
