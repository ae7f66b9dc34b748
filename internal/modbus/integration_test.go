package modbus

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"

	"github.com/fisaks/uhn-gateway/internal/clock"
	"github.com/fisaks/uhn-gateway/internal/model"
)

// TestPollDeviceAgainstRealTCPSlave exercises pollDevice over an actual
// TCP socket against github.com/tbrandon/mbserver, the same in-process
// Modbus slave simulator the teacher's cmd/tools/mb-sim drives, rather
// than a fake transport: ensureConnected/deviceClient.read go through
// goburrow/modbus's real TCP handler end to end, proving the
// read-then-calibrate path works against real Modbus framing, not just
// the grouping/calibration helpers in isolation.
func TestPollDeviceAgainstRealTCPSlave(t *testing.T) {
	srv := mbserver.NewServer()
	defer srv.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	require.NoError(t, srv.ListenTCP(addr))
	srv.HoldingRegisters[0] = 275 // raw reading; calibrated to 27.5 below

	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	sink := &fakeSink{}
	clk := clock.NewFrozen(time.Now())
	s := NewScheduler(Options{Config: fakeConfigSource{}, Sink: sink, Clock: clk})

	d := model.Device{
		DeviceId:    "d1",
		Protocol:    model.ProtocolTCP,
		IPAddress:   "127.0.0.1",
		Port:        port,
		TimeoutMs:   2000,
		RetryCount:  2,
		SlaveUnitId: 1,
	}
	temp := reg("temp", model.FCReadHoldingRegisters, 0, model.TypeUint16)
	temp.Scale = 0.1
	temp.Unit = "C"
	groups := []registerGroup{{function: model.FCReadHoldingRegisters, start: 0, words: 1, regs: []model.Register{temp}}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.pollDevice(ctx, d, groups)

	h, ok := s.DeviceHealthReport("d1")
	require.True(t, ok)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	require.Len(t, sink.observations, 1)
	assert.Equal(t, 27.5, sink.observations[0].Value)
	assert.Equal(t, "C", sink.observations[0].Unit)
}
