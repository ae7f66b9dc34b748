// Package model holds the data types shared across components, per
// spec §3: Device, Register, ServerConfig, LoggingConfig, Observation,
// QueuedMessage, NetworkInterface/Selection, and the BLE command
// envelope. These are plain structs with JSON tags — the config store
// (C1) persists them, the poller (C6) and publisher (C7) read them, the
// BLE processor (C8) mutates them through C1.
package model

import (
	"time"

	"github.com/fisaks/uhn-gateway/internal/util"
)

type ProtocolKind string

const (
	ProtocolRTU ProtocolKind = "rtu"
	ProtocolTCP ProtocolKind = "tcp"
)

type Parity string

const (
	ParityNone Parity = "N"
	ParityEven Parity = "E"
	ParityOdd  Parity = "O"
)

// DeviceId is an opaque short random hex id, never reused once assigned
// (spec §3 invariant).
type DeviceId string

// RegisterId is an opaque id scoped to its owning Device.
type RegisterId string

type Device struct {
	DeviceId     DeviceId     `json:"device_id"`
	Name         string       `json:"name"`
	Protocol     ProtocolKind `json:"protocol"`
	SerialPort   string       `json:"serial_port,omitempty"`
	Baud         int          `json:"baud,omitempty"`
	Parity       Parity       `json:"parity,omitempty"`
	StopBits     int          `json:"stop_bits,omitempty"`
	IPAddress    string       `json:"ip_address,omitempty"`
	Port         int          `json:"port,omitempty"`
	SlaveUnitId  uint8        `json:"slave_unit_id"`
	RefreshMs    int          `json:"refresh_period_ms"`
	TimeoutMs    int          `json:"timeout_ms"`
	RetryCount   int          `json:"retry_count"`
	Enabled      bool         `json:"enabled"`
	Registers    []Register   `json:"registers"`
}

func (d Device) RefreshPeriod() time.Duration { return time.Duration(d.RefreshMs) * time.Millisecond }
func (d Device) Timeout() time.Duration       { return time.Duration(d.TimeoutMs) * time.Millisecond }

// DeviceView is what C1's read paths hand out: the "minimal" flag
// substitutes RegisterCount for the full Registers slice (spec §4.1
// read_device(id, minimal)).
type DeviceView struct {
	Device
	RegisterCount int        `json:"register_count,omitempty"`
	Registers     []Register `json:"registers,omitempty"`
}

type FunctionCode int

const (
	FCReadCoils            FunctionCode = 1
	FCReadDiscreteInputs   FunctionCode = 2
	FCReadHoldingRegisters FunctionCode = 3
	FCReadInputRegisters   FunctionCode = 4
)

type DataType string

const (
	TypeUint16  DataType = "uint16"
	TypeInt16   DataType = "int16"
	TypeBool    DataType = "bool"
	TypeInt32   DataType = "int32"
	TypeUint32  DataType = "uint32"
	TypeInt64   DataType = "int64"
	TypeUint64  DataType = "uint64"
	TypeFloat32 DataType = "float32"
	TypeFloat64 DataType = "float64"
)

// WordCount reports how many 16-bit Modbus registers this type occupies.
func (t DataType) WordCount() int {
	switch t {
	case TypeUint16, TypeInt16, TypeBool:
		return 1
	case TypeInt32, TypeUint32, TypeFloat32:
		return 2
	case TypeInt64, TypeUint64, TypeFloat64:
		return 4
	default:
		return 1
	}
}

type Endianness string

const (
	EndianBE         Endianness = "BE"          // big-endian, natural word order
	EndianLE         Endianness = "LE"          // little-endian, natural word order
	EndianBESwap     Endianness = "BE_SWAP"     // big-endian words, byte-swapped within each word
	EndianLEWordSwap Endianness = "LE_WORDSWAP" // little-endian bytes, word order swapped
)

type WritePolicy struct {
	Writable bool     `json:"writable"`
	MinValue *float64 `json:"min_value,omitempty"`
	MaxValue *float64 `json:"max_value,omitempty"`
}

type SubscribeOverride struct {
	Enabled     bool   `json:"enabled"`
	TopicSuffix string `json:"topic_suffix,omitempty"`
	QoS         int    `json:"qos"`
}

type Register struct {
	RegisterId    RegisterId         `json:"register_id"`
	RegisterIndex int                `json:"register_index"`
	Name          string             `json:"name"`
	Address       uint16             `json:"address"`
	Function      FunctionCode       `json:"function_code"`
	DataType      DataType           `json:"data_type"`
	Endian        Endianness         `json:"endianness,omitempty"`
	Scale         float64            `json:"scale"`
	Offset        float64            `json:"offset"`
	Decimals      int                `json:"decimals"`
	Unit          string             `json:"unit"`
	Write         *WritePolicy       `json:"write,omitempty"`
	Subscribe     *SubscribeOverride `json:"subscribe,omitempty"`
}

// ApplyDefaults fills in the defaults spec §4.1 mandates for a freshly
// created register: scale=1.0, offset=0.0, unit="", decimals=-1,
// writable=false.
func (r *Register) ApplyDefaults() {
	if r.Scale == 0 {
		r.Scale = 1.0
	}
	if r.Decimals == 0 {
		r.Decimals = -1
	}
}

// Calibrate converts a raw register reading into its engineering value:
// value = (raw * scale) + offset, then optional rounding to Decimals.
func (r Register) Calibrate(raw float64) float64 {
	v := raw*r.Scale + r.Offset
	return util.RoundTo(v, r.Decimals)
}

// InverseCalibrate is the write-path inverse: raw = (value - offset) / scale.
func (r Register) InverseCalibrate(value float64) float64 {
	if r.Scale == 0 {
		return 0
	}
	return (value - r.Offset) / r.Scale
}
