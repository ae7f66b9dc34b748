// Package gwerr is the error taxonomy shared by every component: sentinel
// errors for programmatic matching (errors.Is), plus the user-visible
// {error_code, domain, severity, message, suggestion} shape the BLE
// command processor and HTTP/MQTT error paths emit (spec'd code ranges:
// NETWORK 0-99, MQTT 100-199, BLE 200-299, MODBUS 300-399, MEMORY
// 400-499, CONFIG 500-599, SYSTEM 600-699).
package gwerr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Components compare against these with errors.Is;
// Detailed wraps them when richer context is useful.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateAddress = errors.New("duplicate register address")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrPersist          = errors.New("persistence failure")
	ErrBusy             = errors.New("resource busy")
	ErrFull             = errors.New("queue full")
	ErrPoison           = errors.New("message poisoned: exceeds transport buffer")
	ErrUnauthorized     = errors.New("caller-supplied id rejected")
)

// DuplicateAddressError carries the colliding register address so callers
// can report it without re-parsing an error string. Wraps ErrDuplicateAddress.
type DuplicateAddressError struct {
	Address uint16
}

func (e *DuplicateAddressError) Error() string {
	return fmt.Sprintf("%s: address %d", ErrDuplicateAddress, e.Address)
}

func (e *DuplicateAddressError) Unwrap() error { return ErrDuplicateAddress }

type Domain string

const (
	DomainNetwork Domain = "NETWORK"
	DomainMQTT    Domain = "MQTT"
	DomainBLE     Domain = "BLE"
	DomainModbus  Domain = "MODBUS"
	DomainMemory  Domain = "MEMORY"
	DomainConfig  Domain = "CONFIG"
	DomainSystem  Domain = "SYSTEM"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

var domainRange = map[Domain][2]int{
	DomainNetwork: {0, 99},
	DomainMQTT:    {100, 199},
	DomainBLE:     {200, 299},
	DomainModbus:  {300, 399},
	DomainMemory:  {400, 499},
	DomainConfig:  {500, 599},
	DomainSystem:  {600, 699},
}

// Detailed is the structured, user-visible error every BLE/HTTP response
// error path produces. Code must fall inside its Domain's range; NewDetailed
// panics on a mismatch since that's an authoring bug, never a runtime one.
type Detailed struct {
	Code       int
	Domain     Domain
	Severity   Severity
	Message    string
	Suggestion string
	cause      error
}

func NewDetailed(code int, domain Domain, severity Severity, message string) *Detailed {
	lo, hi := domainRange[domain][0], domainRange[domain][1]
	if code < lo || code > hi {
		panic(fmt.Sprintf("gwerr: code %d outside %s range [%d,%d]", code, domain, lo, hi))
	}
	return &Detailed{Code: code, Domain: domain, Severity: severity, Message: message}
}

func (d *Detailed) WithSuggestion(s string) *Detailed {
	d.Suggestion = s
	return d
}

func (d *Detailed) WithCause(err error) *Detailed {
	d.cause = err
	return d
}

func (d *Detailed) Error() string {
	if d.cause != nil {
		return fmt.Sprintf("[%s:%d] %s: %v", d.Domain, d.Code, d.Message, d.cause)
	}
	return fmt.Sprintf("[%s:%d] %s", d.Domain, d.Code, d.Message)
}

func (d *Detailed) Unwrap() error { return d.cause }

// Common pre-built details, used across C1/C3/C7/C8.
var (
	DetailConfigNotFound   = func(what string) *Detailed { return NewDetailed(501, DomainConfig, SeverityWarn, what+" not found") }
	DetailDuplicateAddr    = func(addr int) *Detailed { return NewDetailed(502, DomainConfig, SeverityWarn, fmt.Sprintf("register address %d already in use on this device", addr)) }
	DetailInvalidConfig    = func(reason string) *Detailed { return NewDetailed(503, DomainConfig, SeverityWarn, "invalid configuration: "+reason) }
	DetailPoisonPayload    = func(size, max int) *Detailed {
		return NewDetailed(504, DomainConfig, SeverityError, fmt.Sprintf("payload %d bytes exceeds buffer %d bytes", size, max))
	}
	DetailBusy             = func(op string) *Detailed { return NewDetailed(505, DomainConfig, SeverityWarn, "busy: "+op) }
	DetailPersistFailure   = func(reason string) *Detailed { return NewDetailed(506, DomainConfig, SeverityError, "failed to persist configuration: "+reason) }
	DetailQueueFull        = func(what string) *Detailed { return NewDetailed(101, DomainMQTT, SeverityWarn, what+" queue is full") }
	DetailBLEBusy          = func() *Detailed { return NewDetailed(201, DomainBLE, SeverityWarn, "command queue is full, try again shortly") }
	DetailBLEUnknownOp     = func(op, typ string) *Detailed {
		return NewDetailed(202, DomainBLE, SeverityWarn, fmt.Sprintf("no handler for op=%q type=%q", op, typ))
	}
	DetailModbusTimeout    = func(device string) *Detailed { return NewDetailed(301, DomainModbus, SeverityError, "timeout polling device "+device) }
	DetailModbusProtocol   = func(device string, err error) *Detailed {
		return NewDetailed(302, DomainModbus, SeverityError, "protocol error on device "+device).WithCause(err)
	}
)
