package config

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/fisaks/uhn-gateway/internal/model"
)

// generateId returns an 8-hex-char random id (4 random bytes), short
// enough to stay legible in logs and BLE payloads while keeping
// collision probability low for the device counts this gateway targets.
func generateId() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// newDeviceId generates a DeviceId not already present in inv, retrying
// up to 5 times on collision (spec §4.1 create_device).
func newDeviceId(inv *inventory) (model.DeviceId, error) {
	for attempt := 0; attempt < 5; attempt++ {
		s, err := generateId()
		if err != nil {
			return "", err
		}
		id := model.DeviceId(s)
		if _, exists := inv.Devices[id]; !exists {
			return id, nil
		}
	}
	return "", errTooManyIdCollisions
}

// newRegisterId generates a RegisterId not already used on this device.
func newRegisterId(d *model.Device) (model.RegisterId, error) {
	used := make(map[model.RegisterId]struct{}, len(d.Registers))
	for _, r := range d.Registers {
		used[r.RegisterId] = struct{}{}
	}
	for attempt := 0; attempt < 5; attempt++ {
		s, err := generateId()
		if err != nil {
			return "", err
		}
		id := model.RegisterId(s)
		if _, exists := used[id]; !exists {
			return id, nil
		}
	}
	return "", errTooManyIdCollisions
}
