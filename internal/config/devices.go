package config

import (
	"fmt"
	"sort"

	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/model"
)

// DeleteObserver is the shape of a post-delete callback that lets C2
// flush a deleted device's observations (spec §3 invariant, §4.2
// flush_device). The Store holds no such callback and never calls into
// C2; the BLE delete handler flushes C2 itself after DeleteDevice returns.
type DeleteObserver func(id model.DeviceId)

// ListDevices returns every device id currently known (spec §4.1).
func (s *Store) ListDevices() ([]model.DeviceId, error) {
	snap, err := s.withReadSnapshot()
	if err != nil {
		return nil, err
	}
	ids := make([]model.DeviceId, 0, len(snap.Devices))
	for id := range snap.Devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Name resolves id to its current display name, satisfying
// payload.DeviceNameLookup so C7/C8's publishers can detect a sample
// whose device was deleted after it was queued (spec §4.7).
func (s *Store) Name(id model.DeviceId) (string, bool) {
	v, ok, err := s.ReadDevice(id, true)
	if err != nil || !ok {
		return "", false
	}
	return v.Name, true
}

// ReadDevice returns a single device view, minimal substituting
// RegisterCount for the full Registers slice (spec §4.1).
func (s *Store) ReadDevice(id model.DeviceId, minimal bool) (model.DeviceView, bool, error) {
	snap, err := s.withReadSnapshot()
	if err != nil {
		return model.DeviceView{}, false, err
	}
	d, ok := snap.Devices[id]
	if !ok {
		return model.DeviceView{}, false, nil
	}
	return toView(d, minimal), true, nil
}

func toView(d model.Device, minimal bool) model.DeviceView {
	v := model.DeviceView{Device: d}
	if minimal {
		v.RegisterCount = len(d.Registers)
		v.Device.Registers = nil
	} else {
		v.Registers = d.Registers
	}
	return v
}

// GetAllDevicesWithRegisters returns every device as a view (spec §4.1).
func (s *Store) GetAllDevicesWithRegisters(minimal bool) ([]model.DeviceView, error) {
	snap, err := s.withReadSnapshot()
	if err != nil {
		return nil, err
	}
	out := make([]model.DeviceView, 0, len(snap.Devices))
	for _, d := range snap.Devices {
		out = append(out, toView(d, minimal))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceId < out[j].DeviceId })
	return out, nil
}

// CreateDevice always assigns a fresh id, rejecting any caller-supplied
// device_id (spec §9 "Ambiguous behaviors to flag": always generate a new
// id, never trust one from the payload, to prevent silent overwrites).
func (s *Store) CreateDevice(cfg model.Device) (model.DeviceId, error) {
	if err := validateDeviceConfig(cfg); err != nil {
		return "", err
	}
	cfg.DeviceId = ""

	var newId model.DeviceId
	err := s.withWriteLock(func(inv *inventory) error {
		id, err := newDeviceId(inv)
		if err != nil {
			return err
		}
		cfg.DeviceId = id
		for i := range cfg.Registers {
			cfg.Registers[i].ApplyDefaults()
			cfg.Registers[i].RegisterIndex = i + 1
		}
		if err := checkDuplicateAddresses(cfg.Registers); err != nil {
			return err
		}
		inv.Devices[id] = cfg
		newId = id
		return nil
	})
	return newId, err
}

// UpdateDevice preserves existing Registers and the canonical device_id
// field (spec §4.1) — the incoming cfg's own Registers/DeviceId are
// ignored, not merged, to keep register mutation exclusively through
// create_register/update_register/delete_register.
func (s *Store) UpdateDevice(id model.DeviceId, cfg model.Device) error {
	return s.withWriteLock(func(inv *inventory) error {
		existing, ok := inv.Devices[id]
		if !ok {
			return fmt.Errorf("%w: device %s", gwerr.ErrNotFound, id)
		}
		if err := validateDeviceConfig(cfg); err != nil {
			return err
		}
		cfg.DeviceId = id
		cfg.Registers = existing.Registers
		inv.Devices[id] = cfg
		return nil
	})
}

// DeleteDevice removes a device and all its registers. It does not touch
// C2: the caller flushes the device's queued observations after this
// returns successfully (the BLE delete handler does so through its
// ObservationFlusher).
func (s *Store) DeleteDevice(id model.DeviceId) error {
	return s.withWriteLock(func(inv *inventory) error {
		if _, ok := inv.Devices[id]; !ok {
			return fmt.Errorf("%w: device %s", gwerr.ErrNotFound, id)
		}
		delete(inv.Devices, id)
		return nil
	})
}

// CreateRegister rejects a duplicate address on the same device and
// applies spec §4.1's defaults (scale=1.0, offset=0.0, unit="",
// decimals=-1, writable=false).
func (s *Store) CreateRegister(deviceId model.DeviceId, reg model.Register) (model.RegisterId, error) {
	var newId model.RegisterId
	err := s.withWriteLock(func(inv *inventory) error {
		d, ok := inv.Devices[deviceId]
		if !ok {
			return fmt.Errorf("%w: device %s", gwerr.ErrNotFound, deviceId)
		}
		for _, existing := range d.Registers {
			if existing.Address == reg.Address {
				return &gwerr.DuplicateAddressError{Address: reg.Address}
			}
		}
		if err := validateRegisterConfig(&reg); err != nil {
			return err
		}
		reg.ApplyDefaults()
		id, err := newRegisterId(&d)
		if err != nil {
			return err
		}
		reg.RegisterId = id
		reg.RegisterIndex = len(d.Registers) + 1
		d.Registers = append(d.Registers, reg)
		inv.Devices[deviceId] = d
		newId = id
		return nil
	})
	return newId, err
}

// UpdateRegister rejects an address collision with a sibling register on
// the same device (spec §4.1).
func (s *Store) UpdateRegister(deviceId model.DeviceId, registerId model.RegisterId, cfg model.Register) error {
	return s.withWriteLock(func(inv *inventory) error {
		d, ok := inv.Devices[deviceId]
		if !ok {
			return fmt.Errorf("%w: device %s", gwerr.ErrNotFound, deviceId)
		}
		idx := -1
		for i, r := range d.Registers {
			if r.RegisterId == registerId {
				idx = i
				continue
			}
			if r.Address == cfg.Address {
				return &gwerr.DuplicateAddressError{Address: cfg.Address}
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: register %s", gwerr.ErrNotFound, registerId)
		}
		if err := validateRegisterConfig(&cfg); err != nil {
			return err
		}
		cfg.RegisterId = registerId
		cfg.RegisterIndex = d.Registers[idx].RegisterIndex
		d.Registers[idx] = cfg
		inv.Devices[deviceId] = d
		return nil
	})
}

// DeleteRegister removes a register and renumbers the surviving
// register_index values 1..N (spec §4.1).
func (s *Store) DeleteRegister(deviceId model.DeviceId, registerId model.RegisterId) error {
	return s.withWriteLock(func(inv *inventory) error {
		d, ok := inv.Devices[deviceId]
		if !ok {
			return fmt.Errorf("%w: device %s", gwerr.ErrNotFound, deviceId)
		}
		out := make([]model.Register, 0, len(d.Registers))
		found := false
		for _, r := range d.Registers {
			if r.RegisterId == registerId {
				found = true
				continue
			}
			out = append(out, r)
		}
		if !found {
			return fmt.Errorf("%w: register %s", gwerr.ErrNotFound, registerId)
		}
		reindex(out)
		d.Registers = out
		inv.Devices[deviceId] = d
		return nil
	})
}

// reindex assigns register_index 1..N in slice order, the dedicated
// helper spec_full calls out so it's unit-testable apart from deletion.
func reindex(regs []model.Register) {
	for i := range regs {
		regs[i].RegisterIndex = i + 1
	}
}

func checkDuplicateAddresses(regs []model.Register) error {
	seen := map[uint16]bool{}
	for _, r := range regs {
		if seen[r.Address] {
			return &gwerr.DuplicateAddressError{Address: r.Address}
		}
		seen[r.Address] = true
	}
	return nil
}

func validateDeviceConfig(cfg model.Device) error {
	var errs multiErr
	if cfg.Name == "" {
		errs.add("name is required")
	}
	switch cfg.Protocol {
	case model.ProtocolRTU:
		if cfg.SerialPort == "" {
			errs.add("serial_port is required for protocol=rtu")
		}
		if cfg.Baud <= 0 {
			errs.add("baud must be > 0 for protocol=rtu")
		}
	case model.ProtocolTCP:
		if cfg.IPAddress == "" {
			errs.add("ip_address is required for protocol=tcp")
		}
		if cfg.Port <= 0 || cfg.Port > 65535 {
			errs.add("port must be 1..65535 for protocol=tcp")
		}
	default:
		errs.addf("protocol must be %q or %q", model.ProtocolRTU, model.ProtocolTCP)
	}
	if cfg.SlaveUnitId == 0 || cfg.SlaveUnitId > 247 {
		errs.add("slave_unit_id must be 1..247")
	}
	if cfg.RefreshMs <= 0 {
		errs.add("refresh_period_ms must be > 0")
	}
	if cfg.TimeoutMs <= 0 {
		errs.add("timeout_ms must be > 0")
	}
	if cfg.RetryCount < 0 {
		errs.add("retry_count must be >= 0")
	}
	return errs.err()
}

func validateRegisterConfig(r *model.Register) error {
	var errs multiErr
	if r.Name == "" {
		errs.add("name is required")
	}
	switch r.Function {
	case model.FCReadCoils, model.FCReadDiscreteInputs, model.FCReadHoldingRegisters, model.FCReadInputRegisters:
	default:
		errs.addf("function_code must be one of 1,2,3,4")
	}
	r.Decimals = clampDecimals(r.Decimals)
	if r.Subscribe != nil {
		r.Subscribe.QoS = clampQoS(r.Subscribe.QoS)
	}
	return errs.err()
}
