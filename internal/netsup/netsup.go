// Package netsup is the Network Supervisor (C4): tracks link state for
// every configured interface and elects an active one with hysteresis
// so a flapping link doesn't thrash MQTT/HTTP reconnects (spec §4.4).
// Grounded on the teacher's internal/messaging broker's
// mutex-guarded-struct shape and its reconnect-callback pattern
// (AddOnConnectPublisher), generalized into a primary/secondary failover
// state machine with a subscriber list instead of a single broker.
package netsup

import (
	"sync"
	"time"

	"github.com/fisaks/uhn-gateway/internal/clock"
	"github.com/fisaks/uhn-gateway/internal/logging"
	"github.com/fisaks/uhn-gateway/internal/model"
)

const (
	defaultHysteresis    = 10 * time.Second
	defaultFailoverDelay = 1 * time.Second
	defaultProbeInterval = 5 * time.Second
)

// TransitionListener is invoked whenever the active interface changes,
// so MQTT/HTTP publishers know to reconnect (spec §4.4
// subscribe_transitions).
type TransitionListener func(active model.InterfaceKind, ip string)

// Handle is the opaque value active_client() hands publishers; it
// carries just enough to open a connection against the currently active
// interface without the publisher needing to know about failover.
type Handle struct {
	Kind model.InterfaceKind
	IP   string
}

// Options configures the primary interface and timing; zero values fall
// back to spec defaults.
type Options struct {
	Primary        model.InterfaceKind
	Hysteresis     time.Duration
	FailoverDelay  time.Duration
	ProbeInterval  time.Duration
	Clock          clock.Clock
}

// Supervisor is C4's public contract.
type Supervisor struct {
	mu     sync.RWMutex
	links  map[model.InterfaceKind]model.LinkStatus
	active model.InterfaceKind
	clk    clock.Clock

	primary       model.InterfaceKind
	hysteresis    time.Duration
	failoverDelay time.Duration
	probeInterval time.Duration

	// stability bookkeeping for hysteresis/failover timers, keyed by
	// interface: when it last became Up (for failback) or last stopped
	// being Available (for failover).
	upSince   map[model.InterfaceKind]time.Time
	downSince map[model.InterfaceKind]time.Time

	listenersMu sync.Mutex
	listeners   map[string]TransitionListener
}

func New(opt Options) *Supervisor {
	if opt.Hysteresis <= 0 {
		opt.Hysteresis = defaultHysteresis
	}
	if opt.FailoverDelay <= 0 {
		opt.FailoverDelay = defaultFailoverDelay
	}
	if opt.ProbeInterval <= 0 {
		opt.ProbeInterval = defaultProbeInterval
	}
	if opt.Clock == nil {
		opt.Clock = clock.System{}
	}
	return &Supervisor{
		links:         map[model.InterfaceKind]model.LinkStatus{},
		active:        opt.Primary,
		clk:           opt.Clock,
		primary:       opt.Primary,
		hysteresis:    opt.Hysteresis,
		failoverDelay: opt.FailoverDelay,
		probeInterval: opt.ProbeInterval,
		upSince:       map[model.InterfaceKind]time.Time{},
		downSince:     map[model.InterfaceKind]time.Time{},
		listeners:     map[string]TransitionListener{},
	}
}

// ReportLinkState is the callback the underlying network stack invokes
// on link-state changes (spec §4.4 "transitions driven by link-state
// callbacks"). A flap within the hysteresis window resets the interface's
// stability timer rather than acting immediately.
func (s *Supervisor) ReportLinkState(status model.LinkStatus) {
	now := s.clk.Now()
	status.LastTransition = now

	s.mu.Lock()
	prev, existed := s.links[status.Kind]
	s.links[status.Kind] = status

	if status.Available() {
		if !existed || !prev.Available() {
			s.upSince[status.Kind] = now
		}
		delete(s.downSince, status.Kind)
	} else {
		if existed && prev.Available() {
			s.downSince[status.Kind] = now
		}
		delete(s.upSince, status.Kind)
	}
	s.mu.Unlock()

	s.evaluate()
}

// Tick runs the periodic liveness-probe-driven re-evaluation (spec §4.4
// default 5 s); callers that also wire real liveness probes should call
// ReportLinkState from the probe result before Tick, or just call Tick
// after refreshing link state externally.
func (s *Supervisor) Tick() {
	s.evaluate()
}

// evaluate applies the failover/failback rules against the current
// snapshot of link states and stability timers.
func (s *Supervisor) evaluate() {
	now := s.clk.Now()

	s.mu.Lock()
	current := s.active
	currentStatus, currentKnown := s.links[current]

	// Failback: if the primary is not active but has been continuously
	// Up for at least hysteresis, switch back to it.
	if current != s.primary {
		if primaryStatus, ok := s.links[s.primary]; ok && primaryStatus.Available() {
			if since, ok := s.upSince[s.primary]; ok && now.Sub(since) >= s.hysteresis {
				s.switchActiveLocked(s.primary)
				s.mu.Unlock()
				s.notify(s.primary, primaryStatus.IP)
				return
			}
		}
	}

	// Failover: if the current active has been unavailable for at least
	// failoverDelay, move to the next available interface (any other
	// interface currently Up).
	unavailable := !currentKnown || !currentStatus.Available()
	if unavailable {
		since, ok := s.downSince[current]
		if !ok {
			since = now // first observation of unavailability this tick
			s.downSince[current] = since
		}
		if now.Sub(since) >= s.failoverDelay {
			for kind, status := range s.links {
				if kind == current || !status.Available() {
					continue
				}
				s.switchActiveLocked(kind)
				s.mu.Unlock()
				s.notify(kind, status.IP)
				return
			}
		}
	}
	s.mu.Unlock()
}

func (s *Supervisor) switchActiveLocked(to model.InterfaceKind) {
	s.active = to
	delete(s.downSince, to)
	logging.Tagged("netsup").Info("active interface changed", "active", to)
}

func (s *Supervisor) notify(kind model.InterfaceKind, ip string) {
	s.listenersMu.Lock()
	fns := make([]TransitionListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(kind, ip)
	}
}

// Current returns the active interface kind and its current IP, if
// known (spec §4.4 current()).
func (s *Supervisor) Current() (model.InterfaceKind, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.links[s.active].IP
}

// IsAvailable reports whether the currently active interface is Up.
func (s *Supervisor) IsAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.links[s.active].Available()
}

// ActiveClient returns the opaque handle publishers use to address the
// currently active interface.
func (s *Supervisor) ActiveClient() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Handle{Kind: s.active, IP: s.links[s.active].IP}
}

// SubscribeTransitions registers a listener under id, replacing any
// prior listener with the same id (spec §4.4 subscribe_transitions).
func (s *Supervisor) SubscribeTransitions(id string, fn TransitionListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners[id] = fn
}

// ProbeInterval reports the configured liveness-probe period, for C9 to
// schedule the supervisor's Tick.
func (s *Supervisor) ProbeInterval() time.Duration { return s.probeInterval }
