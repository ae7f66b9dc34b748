package ble

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/model"
	"github.com/fisaks/uhn-gateway/internal/modbus"
)

type fakeStore struct {
	devices map[model.DeviceId]model.Device
	server  model.ServerConfig
	logging model.LoggingConfig
	notified int
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: map[model.DeviceId]model.Device{
		"d1": {DeviceId: "d1", Name: "Tank 1", Enabled: true, Registers: []model.Register{{RegisterId: "r1", Name: "temp"}}},
	}}
}

func (f *fakeStore) ListDevices() ([]model.DeviceId, error) {
	var ids []model.DeviceId
	for id := range f.devices {
		ids = append(ids, id)
	}
	return ids, nil
}
func (f *fakeStore) ReadDevice(id model.DeviceId, minimal bool) (model.DeviceView, bool, error) {
	d, ok := f.devices[id]
	if !ok {
		return model.DeviceView{}, false, nil
	}
	return model.DeviceView{Device: d, RegisterCount: len(d.Registers)}, true, nil
}
func (f *fakeStore) GetAllDevicesWithRegisters(minimal bool) ([]model.DeviceView, error) {
	var out []model.DeviceView
	for _, d := range f.devices {
		out = append(out, model.DeviceView{Device: d, RegisterCount: len(d.Registers)})
	}
	return out, nil
}
func (f *fakeStore) CreateDevice(cfg model.Device) (model.DeviceId, error) {
	cfg.DeviceId = "new1"
	f.devices["new1"] = cfg
	return "new1", nil
}
func (f *fakeStore) UpdateDevice(id model.DeviceId, cfg model.Device) error {
	if _, ok := f.devices[id]; !ok {
		return assertErr("not found")
	}
	cfg.DeviceId = id
	f.devices[id] = cfg
	return nil
}
func (f *fakeStore) DeleteDevice(id model.DeviceId) error {
	delete(f.devices, id)
	return nil
}
func (f *fakeStore) CreateRegister(deviceId model.DeviceId, reg model.Register) (model.RegisterId, error) {
	return "r2", nil
}
func (f *fakeStore) UpdateRegister(deviceId model.DeviceId, registerId model.RegisterId, cfg model.Register) error {
	return nil
}
func (f *fakeStore) DeleteRegister(deviceId model.DeviceId, registerId model.RegisterId) error {
	return nil
}
func (f *fakeStore) GetServerConfig() model.ServerConfig            { return f.server }
func (f *fakeStore) UpdateServerConfig(cfg model.ServerConfig) error { f.server = cfg; return nil }
func (f *fakeStore) GetLoggingConfig() model.LoggingConfig          { return f.logging }
func (f *fakeStore) UpdateLoggingConfig(cfg model.LoggingConfig) error {
	f.logging = cfg
	return nil
}
func (f *fakeStore) ClearAllConfigurations(actor string) error {
	f.devices = map[model.DeviceId]model.Device{}
	return nil
}
func (f *fakeStore) NotifyAllServices() { f.notified++ }

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakeDevices struct{}

func (fakeDevices) WriteRegister(ctx context.Context, deviceId model.DeviceId, registerId model.RegisterId, value float64) error {
	return nil
}
func (fakeDevices) DeviceHealthReport(id model.DeviceId) (modbus.DeviceHealth, bool) {
	if id != "d1" {
		return modbus.DeviceHealth{}, false
	}
	return modbus.DeviceHealth{ConsecutiveFailures: 0}, true
}
func (fakeDevices) AllDeviceHealth() map[model.DeviceId]modbus.DeviceHealth {
	return map[model.DeviceId]modbus.DeviceHealth{"d1": {}}
}

func newTestProcessor() (*Processor, *fakeStore) {
	store := newFakeStore()
	p := NewProcessor()
	RegisterHandlers(p, store, fakeDevices{}, nil)
	return p, store
}

func TestSubmitRejectsUnknownOp(t *testing.T) {
	p, _ := newTestProcessor()
	resp := p.Submit(model.CommandEnvelope{Op: "bogus", Type: "x"})
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 202, resp.ErrorCode)
}

func TestSubmitAssignsIncreasingIds(t *testing.T) {
	p, _ := newTestProcessor()
	r1 := p.Submit(model.CommandEnvelope{Op: "read", Type: "devices"})
	r2 := p.Submit(model.CommandEnvelope{Op: "read", Type: "devices"})
	require.Equal(t, "ok", r1.Status)
	id1 := r1.Data.(map[string]uint64)["command_id"]
	id2 := r2.Data.(map[string]uint64)["command_id"]
	assert.Less(t, id1, id2)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	p, _ := newTestProcessor()
	for i := 0; i < queueDepth; i++ {
		resp := p.Submit(model.CommandEnvelope{Op: "read", Type: "server_config"})
		require.Equal(t, "ok", resp.Status)
	}
	resp := p.Submit(model.CommandEnvelope{Op: "read", Type: "server_config"})
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 201, resp.ErrorCode)
}

func TestExecuteReadDevice(t *testing.T) {
	p, _ := newTestProcessor()
	payload, _ := json.Marshal(map[string]string{"device_id": "d1"})
	resp := p.Execute(t.Context(), model.CommandEnvelope{Op: "read", Type: "device", Payload: payload})
	require.Equal(t, "ok", resp.Status)
	view := resp.Data.(model.DeviceView)
	assert.Equal(t, model.DeviceId("d1"), view.DeviceId)
}

func TestExecuteReadDeviceNotFound(t *testing.T) {
	p, _ := newTestProcessor()
	payload, _ := json.Marshal(map[string]string{"device_id": "missing"})
	resp := p.Execute(t.Context(), model.CommandEnvelope{Op: "read", Type: "device", Payload: payload})
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 501, resp.ErrorCode)
}

func TestControlDisableDeviceNotifies(t *testing.T) {
	p, store := newTestProcessor()
	payload, _ := json.Marshal(map[string]string{"device_id": "d1"})
	resp := p.Execute(t.Context(), model.CommandEnvelope{Op: "control", Type: "disable_device", Payload: payload})
	require.Equal(t, "ok", resp.Status)
	assert.False(t, store.devices["d1"].Enabled)
	assert.Equal(t, 1, store.notified)
}

func TestBatchAtomicAbortsOnUnknownSubcommand(t *testing.T) {
	p, _ := newTestProcessor()
	payload, _ := json.Marshal(batchPayload{
		Mode: "atomic",
		Commands: []model.CommandEnvelope{
			{Op: "read", Type: "server_config"},
			{Op: "bogus", Type: "x"},
		},
	})
	resp := p.Execute(t.Context(), model.CommandEnvelope{Op: "batch", Type: "batch", Payload: payload})
	assert.Equal(t, "error", resp.Status)
}

func TestBatchSequentialCountsResults(t *testing.T) {
	p, _ := newTestProcessor()
	payload, _ := json.Marshal(batchPayload{
		Mode: "sequential",
		Commands: []model.CommandEnvelope{
			{Op: "read", Type: "server_config"},
			{Op: "read", Type: "nonexistent"},
		},
	})
	resp := p.Execute(t.Context(), model.CommandEnvelope{Op: "batch", Type: "batch", Payload: payload})
	require.Equal(t, "ok", resp.Status)
	result := resp.Data.(batchResult)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
}

func TestPaginateRespectsPageAndLimit(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	out := paginate(items, pagingParams{Page: 2, Limit: 5})
	assert.Equal(t, []int{5, 6, 7, 8, 9}, out)
}

func TestWrapStoreErrDistinguishesStoreFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not found", fmt.Errorf("%w: device d9", gwerr.ErrNotFound), 501},
		{"duplicate address", &gwerr.DuplicateAddressError{Address: 7}, 502},
		{"busy", fmt.Errorf("%w: factory_reset in progress", gwerr.ErrBusy), 505},
		{"persist failure", fmt.Errorf("%w: devices.json: disk full", gwerr.ErrPersist), 506},
		{"generic validation error", gwerr.ErrInvalidConfig, 503},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			detail := wrapStoreErr(c.err)
			assert.Equal(t, c.code, detail.Code)
		})
	}
}

func TestPaginateLegacyOffset(t *testing.T) {
	items := []int{0, 1, 2, 3}
	out := paginate(items, pagingParams{Offset: 2, Limit: 10})
	assert.Equal(t, []int{2, 3}, out)
}
