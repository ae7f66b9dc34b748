// Package config is the Configuration Store (C1): the device/register
// inventory and server/logging configuration, atomically persisted to
// the on-device filesystem and served to readers through a two-copy
// cache (spec §4.1). It is grounded on the teacher's strict-JSON
// LoadEdgeConfig (DisallowUnknownFields, a small multiErr accumulator)
// generalized from the teacher's bus/catalog/device model to the
// spec'd Device/Register model, plus the WAL-backed atomic write
// protocol and shadow-copy read path spec.md adds on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/logging"
	"github.com/fisaks/uhn-gateway/internal/model"
)

// inventory is the authoritative in-memory shape mirrored to disk.
type inventory struct {
	Devices map[model.DeviceId]model.Device `json:"devices"`
}

func emptyInventory() *inventory {
	return &inventory{Devices: map[model.DeviceId]model.Device{}}
}

func cloneInventory(in *inventory) *inventory {
	out := emptyInventory()
	for id, d := range in.Devices {
		d2 := d
		d2.Registers = append([]model.Register(nil), d.Registers...)
		out.Devices[id] = d2
	}
	return out
}

// Paths describes the filesystem layout (spec §6).
type Paths struct {
	Dir string
}

func (p Paths) devicesFile() string       { return filepath.Join(p.Dir, "devices.json") }
func (p Paths) serverConfigFile() string  { return filepath.Join(p.Dir, "server_config.json") }
func (p Paths) loggingConfigFile() string { return filepath.Join(p.Dir, "logging_config.json") }
func (p Paths) walFile() string           { return filepath.Join(p.Dir, "wal.log") }
func (p Paths) auditLogFile() string      { return filepath.Join(p.Dir, "factory_reset_audit.log") }

// ChangeListener is invoked (from notify_all_services) whenever a
// mutation commits. Consumers (C6, C7) don't have to poll a channel;
// they read the returned token once per cycle and compare.
type ChangeListener func(token uint64)

// Store is C1's public contract (spec §4.1).
type Store struct {
	paths Paths
	wal   *wal

	cacheMu    sync.Mutex // guards primary + dirty/ttl bookkeeping
	primary    *inventory
	dirty      bool
	loadedAt   time.Time
	cacheTTL   time.Duration

	shadow atomic.Pointer[inventory] // lock-free read path

	serverMu sync.Mutex
	server   model.ServerConfig

	loggingMu sync.Mutex
	logging_  model.LoggingConfig

	changeToken atomic.Uint64
	listenersMu sync.Mutex
	listeners   map[string]ChangeListener

	audit *auditLog
}

const (
	readLockTimeout  = 100 * time.Millisecond
	writeLockTimeout = 2 * time.Second
)

// New constructs a Store against the given directory. It does not load
// from disk — call Recover then Load (or just Load, which is a no-op
// WAL-wise) before serving requests; the coordinator sequences these.
func New(paths Paths) *Store {
	return &Store{
		paths:     paths,
		wal:       newWAL(paths.walFile()),
		primary:   emptyInventory(),
		cacheTTL:  600 * time.Second,
		server:    model.DefaultServerConfig(),
		logging_:  model.DefaultLoggingConfig(),
		listeners: map[string]ChangeListener{},
		audit:     newAuditLog(paths.auditLogFile()),
	}
}

// Recover runs the WAL startup scan (spec §4.1) and should be called
// exactly once, before Load, by the coordinator.
func (s *Store) Recover() (RecoveryReport, error) {
	report, err := s.wal.Recover()
	if err != nil {
		return report, err
	}
	if len(report.StaleTempRemoved) > 0 || len(report.MarkersCompleted) > 0 {
		logging.Tagged("config").Info("wal recovery complete",
			"stale_temp_removed", report.StaleTempRemoved,
			"markers_completed", report.MarkersCompleted)
	}
	return report, nil
}

// Load reads devices.json/server_config.json/logging_config.json from
// disk into the primary cache and publishes the first shadow snapshot.
// Missing files are treated as empty/default, matching a first-boot
// device with no prior configuration.
func (s *Store) Load() error {
	inv := emptyInventory()
	if data, err := os.ReadFile(s.paths.devicesFile()); err == nil {
		if err := json.Unmarshal(data, inv); err != nil {
			return fmt.Errorf("%w: devices.json: %v", gwerr.ErrPersist, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", gwerr.ErrPersist, err)
	}

	var server model.ServerConfig
	if data, err := os.ReadFile(s.paths.serverConfigFile()); err == nil {
		if err := json.Unmarshal(data, &server); err != nil {
			return fmt.Errorf("%w: server_config.json: %v", gwerr.ErrPersist, err)
		}
	} else {
		server = model.DefaultServerConfig()
	}

	var logCfg model.LoggingConfig
	if data, err := os.ReadFile(s.paths.loggingConfigFile()); err == nil {
		if err := json.Unmarshal(data, &logCfg); err != nil {
			return fmt.Errorf("%w: logging_config.json: %v", gwerr.ErrPersist, err)
		}
	} else {
		logCfg = model.DefaultLoggingConfig()
	}

	s.cacheMu.Lock()
	s.primary = inv
	s.dirty = false
	s.loadedAt = time.Now()
	s.cacheMu.Unlock()
	s.shadow.Store(cloneInventory(inv))

	s.serverMu.Lock()
	s.server = server
	s.serverMu.Unlock()

	s.loggingMu.Lock()
	s.logging_ = logCfg
	s.loggingMu.Unlock()

	return nil
}

// withReadSnapshot takes the cache lock briefly, verifies TTL validity
// and reloads if needed, then returns the shadow to read from without
// holding the lock (spec §4.1 two-copy cache, §5 shared-resource table).
func (s *Store) withReadSnapshot() (*inventory, error) {
	locked := make(chan struct{})
	go func() { s.cacheMu.Lock(); close(locked) }()
	select {
	case <-locked:
	case <-time.After(readLockTimeout):
		// The helper goroutine still takes the lock eventually; release
		// it then so the timeout does not leave cacheMu held.
		go func() { <-locked; s.cacheMu.Unlock() }()
		// Couldn't get the lock quickly: serve the current shadow
		// snapshot without a reload rather than blocking the reader.
		if snap := s.shadow.Load(); snap != nil {
			return snap, nil
		}
		return emptyInventory(), nil
	}
	defer s.cacheMu.Unlock()

	if s.dirty || time.Since(s.loadedAt) > s.cacheTTL {
		if err := s.reloadLocked(); err != nil {
			// Reload failed: serve the last good shadow rather than error,
			// the read path is meant to stay available.
			logging.Tagged("config").Warn("reload on TTL/dirty expiry failed", "error", err)
		}
	}
	return s.shadow.Load(), nil
}

func (s *Store) reloadLocked() error {
	inv := emptyInventory()
	data, err := os.ReadFile(s.paths.devicesFile())
	if err != nil {
		if os.IsNotExist(err) {
			s.primary = inv
			s.dirty = false
			s.loadedAt = time.Now()
			s.shadow.Store(cloneInventory(inv))
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, inv); err != nil {
		return err
	}
	s.primary = inv
	s.dirty = false
	s.loadedAt = time.Now()
	s.shadow.Store(cloneInventory(inv))
	return nil
}

// withWriteLock acquires the cache lock with the write timeout, runs fn
// against the primary copy, persists on success, and swaps the shadow —
// all per spec §4.1's invalidation rule: a failed mutation leaves primary
// intact but marks it dirty so the next access reloads.
func (s *Store) withWriteLock(fn func(inv *inventory) error) error {
	locked := make(chan struct{})
	go func() { s.cacheMu.Lock(); close(locked) }()
	select {
	case <-locked:
	case <-time.After(writeLockTimeout):
		go func() { <-locked; s.cacheMu.Unlock() }()
		return gwerr.ErrBusy
	}
	defer s.cacheMu.Unlock()

	working := cloneInventory(s.primary)
	if err := fn(working); err != nil {
		return err
	}

	data, err := json.MarshalIndent(working, "", "  ")
	if err != nil {
		s.dirty = true
		return fmt.Errorf("%w: marshal: %v", gwerr.ErrPersist, err)
	}
	if err := atomicWrite(s.wal, s.paths.devicesFile(), data); err != nil {
		s.dirty = true
		return err
	}

	s.primary = working
	s.loadedAt = time.Now()
	s.shadow.Store(cloneInventory(working))
	s.bumpChangeToken()
	return nil
}

func (s *Store) bumpChangeToken() {
	s.changeToken.Add(1)
	token := s.changeToken.Load()
	s.listenersMu.Lock()
	fns := make([]ChangeListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(token)
	}
}

// ChangeToken is the monotonically advancing value consumers compare
// between cycles (spec §4.9, glossary "Change token").
func (s *Store) ChangeToken() uint64 { return s.changeToken.Load() }

// SubscribeChanges registers a listener under id, replacing any prior
// listener with the same id.
func (s *Store) SubscribeChanges(id string, fn ChangeListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners[id] = fn
}

// NotifyAllServices forces a broadcast without a config change — used
// after a restore_config or clear_all_configurations even when the
// resulting state happens to equal the old one.
func (s *Store) NotifyAllServices() {
	s.bumpChangeToken()
}
