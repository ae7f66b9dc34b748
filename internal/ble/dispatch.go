package ble

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/model"
	"github.com/fisaks/uhn-gateway/internal/modbus"
)

// ConfigStore is the slice of C1 the command processor mutates and
// reads. Satisfied directly by *internal/config.Store.
type ConfigStore interface {
	ListDevices() ([]model.DeviceId, error)
	ReadDevice(id model.DeviceId, minimal bool) (model.DeviceView, bool, error)
	GetAllDevicesWithRegisters(minimal bool) ([]model.DeviceView, error)
	CreateDevice(cfg model.Device) (model.DeviceId, error)
	UpdateDevice(id model.DeviceId, cfg model.Device) error
	DeleteDevice(id model.DeviceId) error
	CreateRegister(deviceId model.DeviceId, reg model.Register) (model.RegisterId, error)
	UpdateRegister(deviceId model.DeviceId, registerId model.RegisterId, cfg model.Register) error
	DeleteRegister(deviceId model.DeviceId, registerId model.RegisterId) error
	GetServerConfig() model.ServerConfig
	UpdateServerConfig(cfg model.ServerConfig) error
	GetLoggingConfig() model.LoggingConfig
	UpdateLoggingConfig(cfg model.LoggingConfig) error
	ClearAllConfigurations(actor string) error
	NotifyAllServices()
}

// DeviceController is the slice of C6 the processor drives directly:
// synchronous register writes and device health lookups for
// control-op status queries. Satisfied by *internal/modbus.Scheduler.
type DeviceController interface {
	WriteRegister(ctx context.Context, deviceId model.DeviceId, registerId model.RegisterId, value float64) error
	DeviceHealthReport(id model.DeviceId) (modbus.DeviceHealth, bool)
	AllDeviceHealth() map[model.DeviceId]modbus.DeviceHealth
}

type pagingParams struct {
	Page   int `json:"page"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// paginate applies spec §4.8's pagination rule: an explicit page wins
// over a legacy offset, and limit defaults to 10 once page is given.
func paginate[T any](items []T, pg pagingParams) []T {
	limit := pg.Limit
	if limit <= 0 {
		if pg.Page <= 0 {
			limit = len(items)
		} else {
			limit = 10
		}
	}
	start := pg.Offset
	if pg.Page > 0 {
		start = (pg.Page - 1) * limit
	}
	if start < 0 || start >= len(items) {
		return []T{}
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func decode[T any](raw json.RawMessage) (T, *gwerr.Detailed) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, gwerr.DetailInvalidConfig(err.Error())
	}
	return v, nil
}

// ObservationFlusher is C2's post-delete cleanup seam: after a device is
// deleted through C1, the processor flushes any of its observations still
// sitting in the queue (spec §3 invariant).
type ObservationFlusher interface {
	FlushDevice(id model.DeviceId) []model.Observation
}

// RegisterHandlers wires every op/type pair spec §4.8 enumerates (minus
// `ota`, an external delegated seam) into p's dispatch table.
func RegisterHandlers(p *Processor, store ConfigStore, devices DeviceController, obs ObservationFlusher) {
	registerReadOps(p, store, devices)
	registerMutationOps(p, store, obs)
	registerControlOps(p, store, devices)
	registerSystemOps(p, store)
	registerBatchOp(p)
	p.Register("ota", "delegated", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		return nil, gwerr.NewDetailed(203, gwerr.DomainBLE, gwerr.SeverityWarn, "OTA is handled by the OTA component, not the command processor")
	})
}

func registerReadOps(p *Processor, store ConfigStore, devices DeviceController) {
	p.Register("read", "devices", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		pg, derr := decode[pagingParams](raw)
		if derr != nil {
			return nil, derr
		}
		ids, err := store.ListDevices()
		if err != nil {
			return nil, gwerr.DetailInvalidConfig(err.Error())
		}
		return paginate(ids, pg), nil
	})

	p.Register("read", "devices_summary", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		pg, derr := decode[pagingParams](raw)
		if derr != nil {
			return nil, derr
		}
		views, err := store.GetAllDevicesWithRegisters(true)
		if err != nil {
			return nil, gwerr.DetailInvalidConfig(err.Error())
		}
		return paginate(views, pg), nil
	})

	p.Register("read", "devices_with_registers", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		pg, derr := decode[pagingParams](raw)
		if derr != nil {
			return nil, derr
		}
		views, err := store.GetAllDevicesWithRegisters(false)
		if err != nil {
			return nil, gwerr.DetailInvalidConfig(err.Error())
		}
		return paginate(views, pg), nil
	})

	p.Register("read", "device", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			DeviceId  model.DeviceId `json:"device_id"`
			RegOffset int            `json:"reg_offset"`
			RegLimit  int            `json:"reg_limit"`
		}](raw)
		if derr != nil {
			return nil, derr
		}
		view, ok, err := store.ReadDevice(req.DeviceId, false)
		if err != nil {
			return nil, gwerr.DetailInvalidConfig(err.Error())
		}
		if !ok {
			return nil, gwerr.DetailConfigNotFound("device " + string(req.DeviceId))
		}
		if req.RegLimit > 0 || req.RegOffset > 0 {
			view.Registers = paginate(view.Registers, pagingParams{Offset: req.RegOffset, Limit: req.RegLimit})
		}
		return view, nil
	})

	p.Register("read", "registers", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			DeviceId model.DeviceId `json:"device_id"`
			pagingParams
		}](raw)
		if derr != nil {
			return nil, derr
		}
		view, ok, err := store.ReadDevice(req.DeviceId, false)
		if err != nil {
			return nil, gwerr.DetailInvalidConfig(err.Error())
		}
		if !ok {
			return nil, gwerr.DetailConfigNotFound("device " + string(req.DeviceId))
		}
		return paginate(view.Registers, req.pagingParams), nil
	})

	p.Register("read", "registers_summary", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			DeviceId model.DeviceId `json:"device_id"`
		}](raw)
		if derr != nil {
			return nil, derr
		}
		view, ok, err := store.ReadDevice(req.DeviceId, false)
		if err != nil {
			return nil, gwerr.DetailInvalidConfig(err.Error())
		}
		if !ok {
			return nil, gwerr.DetailConfigNotFound("device " + string(req.DeviceId))
		}
		return map[string]int{"register_count": len(view.Registers)}, nil
	})

	p.Register("read", "server_config", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		return store.GetServerConfig(), nil
	})

	p.Register("read", "logging_config", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		return store.GetLoggingConfig(), nil
	})

	p.Register("read", "production_mode", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		return map[string]byte{"production_mode": store.GetLoggingConfig().ProductionMode}, nil
	})

	p.Register("read", "full_config", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			Section string `json:"section"`
			pagingParams
		}](raw)
		if derr != nil {
			return nil, derr
		}
		out := map[string]any{}
		switch req.Section {
		case "", "all":
			views, err := store.GetAllDevicesWithRegisters(false)
			if err != nil {
				return nil, gwerr.DetailInvalidConfig(err.Error())
			}
			out["devices"] = paginate(views, req.pagingParams)
			out["server_config"] = store.GetServerConfig()
			out["logging_config"] = store.GetLoggingConfig()
		case "devices":
			views, err := store.GetAllDevicesWithRegisters(false)
			if err != nil {
				return nil, gwerr.DetailInvalidConfig(err.Error())
			}
			out["devices"] = paginate(views, req.pagingParams)
		case "server_config":
			out["server_config"] = store.GetServerConfig()
		case "logging_config":
			out["logging_config"] = store.GetLoggingConfig()
		case "metadata":
			ids, err := store.ListDevices()
			if err != nil {
				return nil, gwerr.DetailInvalidConfig(err.Error())
			}
			out["device_count"] = len(ids)
		default:
			return nil, gwerr.DetailInvalidConfig("unknown full_config section " + req.Section)
		}
		return out, nil
	})

	// data starts/stops a streaming session for one device; the
	// streaming transport itself is external (spec §2 out-of-scope), so
	// this only acknowledges the request.
	p.Register("read", "data", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			DeviceId model.DeviceId `json:"device_id"`
			Action   string         `json:"action"`
		}](raw)
		if derr != nil {
			return nil, derr
		}
		if _, ok, err := store.ReadDevice(req.DeviceId, true); err != nil || !ok {
			return nil, gwerr.DetailConfigNotFound("device " + string(req.DeviceId))
		}
		return map[string]string{"device_id": string(req.DeviceId), "action": req.Action}, nil
	})
}

func registerMutationOps(p *Processor, store ConfigStore, obs ObservationFlusher) {
	p.Register("create", "device", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		cfg, derr := decode[model.Device](raw)
		if derr != nil {
			return nil, derr
		}
		id, err := store.CreateDevice(cfg)
		if err != nil {
			return nil, wrapStoreErr(err)
		}
		store.NotifyAllServices()
		return map[string]model.DeviceId{"device_id": id}, nil
	})

	p.Register("create", "register", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			DeviceId model.DeviceId `json:"device_id"`
			model.Register
		}](raw)
		if derr != nil {
			return nil, derr
		}
		id, err := store.CreateRegister(req.DeviceId, req.Register)
		if err != nil {
			return nil, wrapStoreErr(err)
		}
		store.NotifyAllServices()
		return map[string]any{"device_id": req.DeviceId, "register_id": id}, nil
	})

	p.Register("update", "device", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			DeviceId model.DeviceId `json:"device_id"`
			model.Device
		}](raw)
		if derr != nil {
			return nil, derr
		}
		if err := store.UpdateDevice(req.DeviceId, req.Device); err != nil {
			return nil, wrapStoreErr(err)
		}
		store.NotifyAllServices()
		return map[string]model.DeviceId{"device_id": req.DeviceId}, nil
	})

	p.Register("update", "register", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			DeviceId   model.DeviceId `json:"device_id"`
			RegisterId model.RegisterId `json:"register_id"`
			model.Register
		}](raw)
		if derr != nil {
			return nil, derr
		}
		if err := store.UpdateRegister(req.DeviceId, req.RegisterId, req.Register); err != nil {
			return nil, wrapStoreErr(err)
		}
		store.NotifyAllServices()
		return map[string]any{"device_id": req.DeviceId, "register_id": req.RegisterId}, nil
	})

	p.Register("update", "server_config", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		cfg, derr := decode[model.ServerConfig](raw)
		if derr != nil {
			return nil, derr
		}
		if err := store.UpdateServerConfig(cfg); err != nil {
			return nil, wrapStoreErr(err)
		}
		store.NotifyAllServices()
		return cfg, nil
	})

	p.Register("update", "logging_config", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		cfg, derr := decode[model.LoggingConfig](raw)
		if derr != nil {
			return nil, derr
		}
		if err := store.UpdateLoggingConfig(cfg); err != nil {
			return nil, wrapStoreErr(err)
		}
		store.NotifyAllServices()
		return cfg, nil
	})

	p.Register("delete", "device", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			DeviceId model.DeviceId `json:"device_id"`
		}](raw)
		if derr != nil {
			return nil, derr
		}
		if err := store.DeleteDevice(req.DeviceId); err != nil {
			return nil, wrapStoreErr(err)
		}
		if obs != nil {
			obs.FlushDevice(req.DeviceId)
		}
		store.NotifyAllServices()
		return map[string]model.DeviceId{"device_id": req.DeviceId}, nil
	})

	p.Register("delete", "register", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			DeviceId   model.DeviceId   `json:"device_id"`
			RegisterId model.RegisterId `json:"register_id"`
		}](raw)
		if derr != nil {
			return nil, derr
		}
		if err := store.DeleteRegister(req.DeviceId, req.RegisterId); err != nil {
			return nil, wrapStoreErr(err)
		}
		store.NotifyAllServices()
		return map[string]any{"device_id": req.DeviceId, "register_id": req.RegisterId}, nil
	})
}

func registerControlOps(p *Processor, store ConfigStore, devices DeviceController) {
	setEnabled := func(ctx context.Context, raw json.RawMessage, enabled bool) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			DeviceId model.DeviceId `json:"device_id"`
		}](raw)
		if derr != nil {
			return nil, derr
		}
		view, ok, err := store.ReadDevice(req.DeviceId, false)
		if err != nil {
			return nil, gwerr.DetailInvalidConfig(err.Error())
		}
		if !ok {
			return nil, gwerr.DetailConfigNotFound("device " + string(req.DeviceId))
		}
		view.Device.Enabled = enabled
		if err := store.UpdateDevice(req.DeviceId, view.Device); err != nil {
			return nil, wrapStoreErr(err)
		}
		store.NotifyAllServices()
		return map[string]any{"device_id": req.DeviceId, "enabled": enabled}, nil
	}
	p.Register("control", "enable_device", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		return setEnabled(ctx, raw, true)
	})
	p.Register("control", "disable_device", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		return setEnabled(ctx, raw, false)
	})

	p.Register("control", "get_device_status", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			DeviceId model.DeviceId `json:"device_id"`
		}](raw)
		if derr != nil {
			return nil, derr
		}
		health, ok := devices.DeviceHealthReport(req.DeviceId)
		if !ok {
			return nil, gwerr.DetailConfigNotFound("device " + string(req.DeviceId))
		}
		return health, nil
	})

	p.Register("control", "get_all_device_status", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		return devices.AllDeviceHealth(), nil
	})

	p.Register("control", "set_production_mode", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			ProductionMode byte `json:"production_mode"`
		}](raw)
		if derr != nil {
			return nil, derr
		}
		cfg := store.GetLoggingConfig()
		cfg.ProductionMode = req.ProductionMode
		if err := store.UpdateLoggingConfig(cfg); err != nil {
			return nil, wrapStoreErr(err)
		}
		store.NotifyAllServices()
		return cfg, nil
	})
}

func registerSystemOps(p *Processor, store ConfigStore) {
	p.Register("system", "factory_reset", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			Actor string `json:"actor"`
		}](raw)
		if derr != nil {
			return nil, derr
		}
		actor := req.Actor
		if actor == "" {
			actor = "ble"
		}
		if err := store.ClearAllConfigurations(actor); err != nil {
			return nil, wrapStoreErr(err)
		}
		store.NotifyAllServices()
		return map[string]string{"status": "reset"}, nil
	})

	// restore_config replaces every device with the payload's device
	// list and overwrites server/logging config in one call; there is
	// no partial/merge mode (spec leaves the exact semantics open, and a
	// restore is inherently a full replace of the prior state).
	p.Register("system", "restore_config", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[struct {
			ServerConfig  *model.ServerConfig  `json:"server_config"`
			LoggingConfig *model.LoggingConfig `json:"logging_config"`
			Devices       []model.Device       `json:"devices"`
		}](raw)
		if derr != nil {
			return nil, derr
		}
		if req.Devices != nil {
			existing, err := store.ListDevices()
			if err != nil {
				return nil, gwerr.DetailInvalidConfig(err.Error())
			}
			for _, id := range existing {
				_ = store.DeleteDevice(id)
			}
			for _, d := range req.Devices {
				if _, err := store.CreateDevice(d); err != nil {
					return nil, wrapStoreErr(err)
				}
			}
		}
		if req.ServerConfig != nil {
			if err := store.UpdateServerConfig(*req.ServerConfig); err != nil {
				return nil, wrapStoreErr(err)
			}
		}
		if req.LoggingConfig != nil {
			if err := store.UpdateLoggingConfig(*req.LoggingConfig); err != nil {
				return nil, wrapStoreErr(err)
			}
		}
		store.NotifyAllServices()
		return map[string]string{"status": "restored"}, nil
	})
}

type batchPayload struct {
	Mode     string                   `json:"mode"`
	Commands []model.CommandEnvelope `json:"commands"`
}

type batchResult struct {
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Results   []model.CommandResponse `json:"results"`
}

// registerBatchOp implements the three modes spec §4.8 names: in
// sequential mode subcommands run in order and successes/failures are
// tallied; in atomic mode a pre-pass checks every subcommand has a
// registered handler and the whole batch is rejected up front if one
// doesn't, otherwise every subcommand runs best-effort (no true
// rollback, as spec documents); parallel mode runs every subcommand
// concurrently and joins.
func registerBatchOp(p *Processor) {
	p.Register("batch", "batch", func(ctx context.Context, raw json.RawMessage) (any, *gwerr.Detailed) {
		req, derr := decode[batchPayload](raw)
		if derr != nil {
			return nil, derr
		}

		switch req.Mode {
		case "atomic":
			for _, sub := range req.Commands {
				if _, ok := p.handlerFor(sub.Op, sub.Type); !ok {
					return nil, gwerr.DetailInvalidConfig("atomic batch aborted: no handler for op=" + sub.Op + " type=" + sub.Type)
				}
			}
			return runSequential(ctx, p, req.Commands), nil
		case "parallel":
			return runParallel(ctx, p, req.Commands), nil
		default:
			return runSequential(ctx, p, req.Commands), nil
		}
	})
}

func runSequential(ctx context.Context, p *Processor, cmds []model.CommandEnvelope) batchResult {
	res := batchResult{Results: make([]model.CommandResponse, 0, len(cmds))}
	for _, sub := range cmds {
		r := p.Execute(ctx, sub)
		res.Results = append(res.Results, r)
		if r.Status == "ok" {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	return res
}

func runParallel(ctx context.Context, p *Processor, cmds []model.CommandEnvelope) batchResult {
	results := make([]model.CommandResponse, len(cmds))
	done := make(chan int, len(cmds))
	for i, sub := range cmds {
		go func(i int, sub model.CommandEnvelope) {
			results[i] = p.Execute(ctx, sub)
			done <- i
		}(i, sub)
	}
	for range cmds {
		<-done
	}
	res := batchResult{Results: results}
	for _, r := range results {
		if r.Status == "ok" {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	return res
}

// wrapStoreErr maps a C1 mutation error onto its matching error_code/domain
// (spec §6/§7) instead of collapsing everything to invalid-config.
func wrapStoreErr(err error) *gwerr.Detailed {
	var dup *gwerr.DuplicateAddressError
	switch {
	case errors.As(err, &dup):
		return gwerr.DetailDuplicateAddr(int(dup.Address))
	case errors.Is(err, gwerr.ErrNotFound):
		return gwerr.DetailConfigNotFound(err.Error())
	case errors.Is(err, gwerr.ErrBusy):
		return gwerr.DetailBusy(err.Error())
	case errors.Is(err, gwerr.ErrPersist):
		return gwerr.DetailPersistFailure(err.Error())
	default:
		return gwerr.DetailInvalidConfig(err.Error())
	}
}
