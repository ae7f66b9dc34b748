package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := New(Paths{Dir: dir})
	_, err := s.Recover()
	require.NoError(t, err)
	require.NoError(t, s.Load())
	return s
}

func validTCPDevice(name string) model.Device {
	return model.Device{
		Name:        name,
		Protocol:    model.ProtocolTCP,
		IPAddress:   "10.0.0.5",
		Port:        502,
		SlaveUnitId: 1,
		RefreshMs:   1000,
		TimeoutMs:   500,
		RetryCount:  2,
		Enabled:     true,
	}
}

func TestCreateDeviceAssignsIdAndIgnoresCallerSuppliedOne(t *testing.T) {
	s := openTestStore(t)
	cfg := validTCPDevice("pump-1")
	cfg.DeviceId = "attacker-chosen-id"

	id, err := s.CreateDevice(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, model.DeviceId("attacker-chosen-id"), id)
	assert.NotEmpty(t, id)

	view, ok, err := s.ReadDevice(id, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pump-1", view.Name)
	assert.Equal(t, id, view.DeviceId)
}

func TestCreateDeviceRejectsInvalidConfig(t *testing.T) {
	s := openTestStore(t)
	cfg := validTCPDevice("")
	_, err := s.CreateDevice(cfg)
	assert.Error(t, err)

	missingIP := validTCPDevice("no-ip")
	missingIP.IPAddress = ""
	_, err = s.CreateDevice(missingIP)
	assert.Error(t, err)
}

func TestChangeTokenBumpsOnSuccessAndNotOnFailedMutation(t *testing.T) {
	s := openTestStore(t)
	before := s.ChangeToken()

	_, err := s.CreateDevice(validTCPDevice("dev"))
	require.NoError(t, err)
	afterCreate := s.ChangeToken()
	assert.Greater(t, afterCreate, before)

	_, err = s.CreateDevice(validTCPDevice(""))
	assert.Error(t, err)
	assert.Equal(t, afterCreate, s.ChangeToken(), "a rejected mutation must not bump the change token")
}

func TestCreateRegisterRejectsDuplicateAddress(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateDevice(validTCPDevice("dev"))
	require.NoError(t, err)

	r1 := model.Register{Name: "temp", Address: 10, Function: model.FCReadHoldingRegisters, DataType: model.TypeUint16}
	_, err = s.CreateRegister(id, r1)
	require.NoError(t, err)

	r2 := model.Register{Name: "other", Address: 10, Function: model.FCReadHoldingRegisters, DataType: model.TypeUint16}
	_, err = s.CreateRegister(id, r2)
	assert.ErrorIs(t, err, gwerr.ErrDuplicateAddress)
}

func TestCreateRegisterAppliesDefaultsAndIndex(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateDevice(validTCPDevice("dev"))
	require.NoError(t, err)

	regId, err := s.CreateRegister(id, model.Register{
		Name: "flow", Address: 1, Function: model.FCReadHoldingRegisters, DataType: model.TypeUint16,
	})
	require.NoError(t, err)

	view, _, err := s.ReadDevice(id, false)
	require.NoError(t, err)
	require.Len(t, view.Registers, 1)
	got := view.Registers[0]
	assert.Equal(t, regId, got.RegisterId)
	assert.Equal(t, 1.0, got.Scale)
	assert.Equal(t, -1, got.Decimals)
	assert.Equal(t, 1, got.RegisterIndex)
}

func TestDeleteRegisterRenumbersSurvivors(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateDevice(validTCPDevice("dev"))
	require.NoError(t, err)

	r1, err := s.CreateRegister(id, model.Register{Name: "a", Address: 1, Function: model.FCReadHoldingRegisters, DataType: model.TypeUint16})
	require.NoError(t, err)
	r2, err := s.CreateRegister(id, model.Register{Name: "b", Address: 2, Function: model.FCReadHoldingRegisters, DataType: model.TypeUint16})
	require.NoError(t, err)
	_, err = s.CreateRegister(id, model.Register{Name: "c", Address: 3, Function: model.FCReadHoldingRegisters, DataType: model.TypeUint16})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRegister(id, r1))

	view, _, err := s.ReadDevice(id, false)
	require.NoError(t, err)
	require.Len(t, view.Registers, 2)
	for _, r := range view.Registers {
		if r.RegisterId == r2 {
			assert.Equal(t, 1, r.RegisterIndex)
		} else {
			assert.Equal(t, 2, r.RegisterIndex)
		}
	}
}

func TestDeleteDeviceRemovesItsRegisters(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateDevice(validTCPDevice("dev"))
	require.NoError(t, err)
	_, err = s.CreateRegister(id, model.Register{Name: "a", Address: 1, Function: model.FCReadHoldingRegisters, DataType: model.TypeUint16})
	require.NoError(t, err)

	require.NoError(t, s.DeleteDevice(id))

	_, ok, err := s.ReadDevice(id, true)
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.DeleteDevice(id)
	assert.ErrorIs(t, err, gwerr.ErrNotFound)
}

func TestDevicesSurviveReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	s1 := New(Paths{Dir: dir})
	_, err := s1.Recover()
	require.NoError(t, err)
	require.NoError(t, s1.Load())

	id, err := s1.CreateDevice(validTCPDevice("pump-1"))
	require.NoError(t, err)
	_, err = s1.CreateRegister(id, model.Register{Name: "flow", Address: 1, Function: model.FCReadHoldingRegisters, DataType: model.TypeUint16})
	require.NoError(t, err)

	s2 := New(Paths{Dir: dir})
	_, err = s2.Recover()
	require.NoError(t, err)
	require.NoError(t, s2.Load())

	view, ok, err := s2.ReadDevice(id, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pump-1", view.Name)
	assert.Len(t, view.Registers, 1)
}

func TestRecoverRemovesStaleTempFromInterruptedWrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "devices.json")
	tmp := target + ".tmp"

	require.NoError(t, os.WriteFile(tmp, []byte(`{"devices":{}}`), 0o644))

	s := New(Paths{Dir: dir})
	_, err := s.wal.append("write", target, tmp, []byte(`{"devices":{}}`))
	require.NoError(t, err)

	report, err := s.Recover()
	require.NoError(t, err)
	assert.Contains(t, report.StaleTempRemoved, tmp)
	_, statErr := os.Stat(tmp)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRecoverCompletesMissingMarkerWhenRenameSucceeded(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "devices.json")
	tmp := target + ".tmp"
	require.NoError(t, os.WriteFile(target, []byte(`{"devices":{}}`), 0o644))

	s := New(Paths{Dir: dir})
	_, err := s.wal.append("write", target, tmp, []byte(`{"devices":{}}`))
	require.NoError(t, err)

	report, err := s.Recover()
	require.NoError(t, err)
	assert.Contains(t, report.MarkersCompleted, target)
}

func TestUpdateServerConfigValidatesAndPersists(t *testing.T) {
	s := openTestStore(t)
	cfg := model.DefaultServerConfig()
	cfg.NetworkMode = model.NetworkModeWiFi
	cfg.WiFi.SSID = "" // invalid: required when wifi mode is in use

	err := s.UpdateServerConfig(cfg)
	assert.Error(t, err)

	cfg.WiFi.SSID = "factory-floor"
	cfg.MQTT.BrokerHost = "broker.local" // DefaultServerConfig leaves this empty; protocol=mqtt requires it
	require.NoError(t, s.UpdateServerConfig(cfg))
	assert.Equal(t, "factory-floor", s.GetServerConfig().WiFi.SSID)
}

func TestClearAllConfigurationsResetsEverythingAndNotifies(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateDevice(validTCPDevice("dev"))
	require.NoError(t, err)
	before := s.ChangeToken()

	require.NoError(t, s.ClearAllConfigurations("operator"))

	ids, err := s.ListDevices()
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, model.DefaultServerConfig(), s.GetServerConfig())
	assert.Greater(t, s.ChangeToken(), before)
}

func TestSubscribeChangesReceivesBumpedToken(t *testing.T) {
	s := openTestStore(t)
	var got uint64
	s.SubscribeChanges("test", func(token uint64) { got = token })

	_, err := s.CreateDevice(validTCPDevice("dev"))
	require.NoError(t, err)

	assert.Equal(t, s.ChangeToken(), got)
}
