package modbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/uhn-gateway/internal/clock"
	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/model"
)

func reg(id string, fn model.FunctionCode, addr uint16, dt model.DataType) model.Register {
	r := model.Register{RegisterId: model.RegisterId(id), Function: fn, Address: addr, DataType: dt}
	r.ApplyDefaults()
	return r
}

func TestGroupRegistersMergesContiguousSameFunction(t *testing.T) {
	regs := []model.Register{
		reg("r1", model.FCReadHoldingRegisters, 0, model.TypeUint16),
		reg("r2", model.FCReadHoldingRegisters, 1, model.TypeUint16),
		reg("r3", model.FCReadHoldingRegisters, 2, model.TypeUint16),
	}
	groups := groupRegisters(regs)
	require.Len(t, groups, 1)
	assert.Equal(t, uint16(0), groups[0].start)
	assert.Equal(t, uint16(3), groups[0].words)
	assert.Len(t, groups[0].regs, 3)
}

func TestGroupRegistersSplitsOnGapOrFunctionChange(t *testing.T) {
	regs := []model.Register{
		reg("r1", model.FCReadHoldingRegisters, 0, model.TypeUint16),
		reg("r2", model.FCReadHoldingRegisters, 5, model.TypeUint16), // gap
		reg("r3", model.FCReadInputRegisters, 5, model.TypeUint16),  // different function, same address
	}
	groups := groupRegisters(regs)
	assert.Len(t, groups, 3)
}

func TestGroupRegistersCapsAtMaxWordsPerRequest(t *testing.T) {
	var regs []model.Register
	for i := uint16(0); i < maxWordsPerRequest+1; i++ {
		regs = append(regs, reg(string(rune('a')+rune(i)), model.FCReadHoldingRegisters, i, model.TypeUint16))
	}
	groups := groupRegisters(regs)
	require.Len(t, groups, 2)
	assert.Equal(t, uint16(maxWordsPerRequest), groups[0].words)
	assert.Equal(t, uint16(1), groups[1].words)
}

func TestBuildScheduleSkipsDisabledDevicesAndSortsBuses(t *testing.T) {
	views := []model.DeviceView{
		{Device: model.Device{DeviceId: "d2", Protocol: model.ProtocolTCP, Enabled: true}},
		{Device: model.Device{DeviceId: "d1", Protocol: model.ProtocolTCP, Enabled: true}},
		{Device: model.Device{DeviceId: "d3", Protocol: model.ProtocolRTU, SerialPort: "/dev/ttyS0", Enabled: true}},
		{Device: model.Device{DeviceId: "off", Protocol: model.ProtocolTCP, Enabled: false}},
	}
	sched := buildSchedule(views)
	assert.Len(t, sched.devices, 3)
	assert.Equal(t, []model.DeviceId{"d1", "d2"}, sched.tcp)
	assert.Equal(t, []model.DeviceId{"d3"}, sched.rtuPorts["/dev/ttyS0"])
	_, disabled := sched.devices["off"]
	assert.False(t, disabled)
}

type fakeSink struct {
	observations []model.Observation
}

func (f *fakeSink) Enqueue(o model.Observation) { f.observations = append(f.observations, o) }

func TestEmitObservationsAppliesCalibrationAndSkipsDecodeFailures(t *testing.T) {
	sink := &fakeSink{}
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewScheduler(Options{Config: fakeConfigSource{}, Sink: sink, Clock: clk})

	good := reg("temp", model.FCReadHoldingRegisters, 0, model.TypeUint16)
	good.Scale = 0.1
	good.Offset = 32
	good.Decimals = 1
	good.Unit = "F"

	tooShort := reg("broken", model.FCReadHoldingRegisters, 1, model.TypeInt32) // needs 2 words

	d := model.Device{DeviceId: "dev1"}
	g := registerGroup{regs: []model.Register{good, tooShort}}

	// good needs 1 word, tooShort needs 2 but only 1 remains after good —
	// emitObservations stops before decoding it, so it is skipped rather
	// than crashing the loop.
	s.emitObservations(d, g, []uint16{100, 5})

	require.Len(t, sink.observations, 1)
	obs := sink.observations[0]
	assert.Equal(t, model.RegisterId("temp"), obs.RegisterId)
	assert.Equal(t, 42.0, obs.Value) // 100*0.1+32 = 42.0
	assert.Equal(t, "F", obs.Unit)
	assert.Equal(t, clk.Now(), obs.Timestamp)
}

type fakeConfigSource struct {
	views []model.DeviceView
	token uint64
}

func (f fakeConfigSource) GetAllDevicesWithRegisters(minimal bool) ([]model.DeviceView, error) {
	return f.views, nil
}
func (f fakeConfigSource) ChangeToken() uint64 { return f.token }

func TestDueGatesRepollUntilRefreshPeriodElapses(t *testing.T) {
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewScheduler(Options{Config: fakeConfigSource{}, Sink: &fakeSink{}, Clock: clk})

	assert.True(t, s.due("dev1", 100*time.Millisecond), "never-polled device is always due")
	s.markPolled("dev1")
	assert.False(t, s.due("dev1", 100*time.Millisecond))

	clk.Advance(150 * time.Millisecond)
	assert.True(t, s.due("dev1", 100*time.Millisecond))
}

// pollDevice against an unreachable TCP endpoint must record a health
// failure and must not enqueue any observation, without blocking beyond
// the device's configured timeout.
func TestPollDeviceRecordsFailureAndSkipsEnqueueOnUnreachableDevice(t *testing.T) {
	sink := &fakeSink{}
	clk := clock.NewFrozen(time.Now())
	s := NewScheduler(Options{Config: fakeConfigSource{}, Sink: sink, Clock: clk})

	d := model.Device{
		DeviceId:    "unreachable",
		Protocol:    model.ProtocolTCP,
		IPAddress:   "127.0.0.1",
		Port:        1, // nothing listens here
		TimeoutMs:   50,
		RetryCount:  0,
		SlaveUnitId: 1,
	}
	groups := []registerGroup{{function: model.FCReadHoldingRegisters, start: 0, words: 1, regs: []model.Register{
		reg("r1", model.FCReadHoldingRegisters, 0, model.TypeUint16),
	}}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.pollDevice(ctx, d, groups)

	h, ok := s.DeviceHealthReport("unreachable")
	require.True(t, ok)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.NotEmpty(t, h.LastError)
	assert.Empty(t, sink.observations)
}

func TestWriteRegisterRejectsUnknownDeviceOrRegister(t *testing.T) {
	s := NewScheduler(Options{Config: fakeConfigSource{}, Sink: &fakeSink{}})
	err := s.WriteRegister(context.Background(), "missing", "r1", 1)
	assert.ErrorIs(t, err, gwerr.ErrNotFound)
}

func TestWriteRegisterRejectsNonWritableAndOutOfRangeValues(t *testing.T) {
	minV, maxV := 0.0, 100.0
	writable := reg("w1", model.FCReadHoldingRegisters, 0, model.TypeUint16)
	writable.Write = &model.WritePolicy{Writable: true, MinValue: &minV, MaxValue: &maxV}

	readonly := reg("ro", model.FCReadHoldingRegisters, 1, model.TypeUint16)

	d := model.Device{DeviceId: "dev1", Registers: []model.Register{writable, readonly}}

	s := NewScheduler(Options{Config: fakeConfigSource{}, Sink: &fakeSink{}})
	s.scheduleRef.Store(&schedule{
		devices: map[model.DeviceId]model.Device{"dev1": d},
		groups:  map[model.DeviceId][]registerGroup{},
	})

	err := s.WriteRegister(context.Background(), "dev1", "ro", 1)
	assert.ErrorIs(t, err, gwerr.ErrInvalidConfig, "a register with no write policy must be rejected")

	err = s.WriteRegister(context.Background(), "dev1", "w1", 200)
	assert.ErrorIs(t, err, gwerr.ErrInvalidConfig, "a value above MaxValue must be rejected before touching the wire")

	err = s.WriteRegister(context.Background(), "dev1", "missing", 1)
	assert.ErrorIs(t, err, gwerr.ErrNotFound)
}
