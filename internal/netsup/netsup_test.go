package netsup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/uhn-gateway/internal/clock"
	"github.com/fisaks/uhn-gateway/internal/model"
)

func TestFailoverAfterDelay(t *testing.T) {
	fc := clock.NewFrozen(time.Now())
	s := New(Options{Primary: model.InterfaceEthernet, Clock: fc, FailoverDelay: 100 * time.Millisecond})

	s.ReportLinkState(model.LinkStatus{Kind: model.InterfaceEthernet, Status: model.LinkUp, IP: "10.0.0.1"})
	s.ReportLinkState(model.LinkStatus{Kind: model.InterfaceWiFi, Status: model.LinkUp, IP: "10.0.0.2"})

	kind, ip := s.Current()
	assert.Equal(t, model.InterfaceEthernet, kind)
	assert.Equal(t, "10.0.0.1", ip)

	s.ReportLinkState(model.LinkStatus{Kind: model.InterfaceEthernet, Status: model.LinkDown})
	fc.Advance(200 * time.Millisecond)
	s.Tick()

	kind, ip = s.Current()
	assert.Equal(t, model.InterfaceWiFi, kind)
	assert.Equal(t, "10.0.0.2", ip)
}

func TestFailbackRequiresHysteresis(t *testing.T) {
	fc := clock.NewFrozen(time.Now())
	s := New(Options{
		Primary:       model.InterfaceEthernet,
		Clock:         fc,
		FailoverDelay: 10 * time.Millisecond,
		Hysteresis:    500 * time.Millisecond,
	})
	s.ReportLinkState(model.LinkStatus{Kind: model.InterfaceWiFi, Status: model.LinkUp, IP: "wifi-ip"})
	s.ReportLinkState(model.LinkStatus{Kind: model.InterfaceEthernet, Status: model.LinkDown})
	fc.Advance(20 * time.Millisecond)
	s.Tick()

	kind, _ := s.Current()
	require.Equal(t, model.InterfaceWiFi, kind)

	// primary comes back up, but hysteresis hasn't elapsed yet
	s.ReportLinkState(model.LinkStatus{Kind: model.InterfaceEthernet, Status: model.LinkUp, IP: "eth-ip"})
	kind, _ = s.Current()
	assert.Equal(t, model.InterfaceWiFi, kind, "should not fail back before hysteresis elapses")

	fc.Advance(600 * time.Millisecond)
	s.Tick()
	kind, ip := s.Current()
	assert.Equal(t, model.InterfaceEthernet, kind)
	assert.Equal(t, "eth-ip", ip)
}

func TestSubscribeTransitionsNotifiedOnSwitch(t *testing.T) {
	fc := clock.NewFrozen(time.Now())
	s := New(Options{Primary: model.InterfaceEthernet, Clock: fc, FailoverDelay: 10 * time.Millisecond})
	s.ReportLinkState(model.LinkStatus{Kind: model.InterfaceEthernet, Status: model.LinkUp})
	s.ReportLinkState(model.LinkStatus{Kind: model.InterfaceWiFi, Status: model.LinkUp, IP: "wifi-ip"})

	var seen model.InterfaceKind
	s.SubscribeTransitions("test", func(active model.InterfaceKind, ip string) {
		seen = active
	})

	s.ReportLinkState(model.LinkStatus{Kind: model.InterfaceEthernet, Status: model.LinkDown})
	fc.Advance(20 * time.Millisecond)
	s.Tick()

	assert.Equal(t, model.InterfaceWiFi, seen)
}
