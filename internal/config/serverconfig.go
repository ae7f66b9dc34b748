package config

import (
	"encoding/json"
	"fmt"

	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/model"
)

// GetServerConfig returns the current network/publish configuration
// (spec §4.1).
func (s *Store) GetServerConfig() model.ServerConfig {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()
	return s.server
}

// UpdateServerConfig validates and persists a new server configuration,
// then broadcasts a change token bump so C4/C7 pick it up on their next
// cycle (spec §4.1, §4.9).
func (s *Store) UpdateServerConfig(cfg model.ServerConfig) error {
	if err := validateServerConfig(&cfg); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", gwerr.ErrPersist, err)
	}
	if err := atomicWrite(s.wal, s.paths.serverConfigFile(), data); err != nil {
		return err
	}
	s.serverMu.Lock()
	s.server = cfg
	s.serverMu.Unlock()
	s.bumpChangeToken()
	return nil
}

// GetLoggingConfig returns the current logging level/destination config.
func (s *Store) GetLoggingConfig() model.LoggingConfig {
	s.loggingMu.Lock()
	defer s.loggingMu.Unlock()
	return s.logging_
}

// UpdateLoggingConfig validates and persists a new logging configuration.
func (s *Store) UpdateLoggingConfig(cfg model.LoggingConfig) error {
	if err := validateLoggingConfig(&cfg); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", gwerr.ErrPersist, err)
	}
	if err := atomicWrite(s.wal, s.paths.loggingConfigFile(), data); err != nil {
		return err
	}
	s.loggingMu.Lock()
	s.logging_ = cfg
	s.loggingMu.Unlock()
	s.bumpChangeToken()
	return nil
}

// ClearAllConfigurations wipes devices, server config and logging config
// back to defaults, records the action in the audit log, and forces a
// broadcast even if the resulting state happens to equal the prior one
// (spec §4.1, §4.8 BLE "system" op family).
func (s *Store) ClearAllConfigurations(actor string) error {
	empty := emptyInventory()
	data, err := json.MarshalIndent(empty, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", gwerr.ErrPersist, err)
	}
	if err := atomicWrite(s.wal, s.paths.devicesFile(), data); err != nil {
		return err
	}

	defaultServer := model.DefaultServerConfig()
	serverData, err := json.MarshalIndent(defaultServer, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", gwerr.ErrPersist, err)
	}
	if err := atomicWrite(s.wal, s.paths.serverConfigFile(), serverData); err != nil {
		return err
	}

	defaultLogging := model.DefaultLoggingConfig()
	loggingData, err := json.MarshalIndent(defaultLogging, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", gwerr.ErrPersist, err)
	}
	if err := atomicWrite(s.wal, s.paths.loggingConfigFile(), loggingData); err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.primary = empty
	s.dirty = false
	s.cacheMu.Unlock()
	s.shadow.Store(cloneInventory(empty))

	s.serverMu.Lock()
	s.server = defaultServer
	s.serverMu.Unlock()

	s.loggingMu.Lock()
	s.logging_ = defaultLogging
	s.loggingMu.Unlock()

	s.audit.record("clear_all_configurations", actor, "devices, server_config, logging_config reset to defaults")
	s.NotifyAllServices()
	return nil
}

func validateServerConfig(c *model.ServerConfig) error {
	var errs multiErr
	switch c.NetworkMode {
	case model.NetworkModeWiFi, model.NetworkModeEthernet, model.NetworkModeDual:
	default:
		errs.addf("network_mode must be one of wifi, ethernet, dual")
	}
	if c.NetworkMode == model.NetworkModeWiFi || c.NetworkMode == model.NetworkModeDual {
		if c.WiFi.SSID == "" {
			errs.add("wifi.ssid is required when network_mode includes wifi")
		}
	}
	switch c.Protocol {
	case model.ProtocolMQTT, model.ProtocolHTTP:
	default:
		errs.addf("protocol must be mqtt or http")
	}
	if c.Protocol == model.ProtocolMQTT {
		if c.MQTT.BrokerHost == "" {
			errs.add("mqtt.broker_host is required when protocol=mqtt")
		}
		if c.MQTT.BrokerPort <= 0 || c.MQTT.BrokerPort > 65535 {
			errs.add("mqtt.broker_port must be 1..65535")
		}
		if c.MQTT.KeepAliveSec <= 0 {
			errs.add("mqtt.keep_alive_sec must be > 0")
		}
		switch c.MQTT.PublishMode {
		case model.PublishModeDefault, model.PublishModeCustomize:
		default:
			errs.addf("mqtt.publish_mode must be default or customize")
		}
	}
	if c.Protocol == model.ProtocolHTTP {
		if c.HTTP.Endpoint == "" {
			errs.add("http.endpoint is required when protocol=http")
		}
		if c.HTTP.TimeoutMs <= 0 {
			errs.add("http.timeout_ms must be > 0")
		}
	}
	return errs.err()
}

func validateLoggingConfig(c *model.LoggingConfig) error {
	var errs multiErr
	if c.RetentionWindowSec <= 0 {
		errs.add("retention_window_sec must be > 0")
	}
	if c.ReportingInterval <= 0 {
		errs.add("reporting_interval_sec must be > 0")
	}
	if c.ProductionMode != 0 && c.ProductionMode != 1 {
		errs.add("production_mode must be 0 or 1")
	}
	return errs.err()
}
