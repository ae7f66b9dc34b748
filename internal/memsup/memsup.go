// Package memsup is the Memory Supervisor (C5): a periodic tick that
// reads free memory from internal/memalloc and applies the tiered
// recovery policy spec.md §4.5 defines, reaching into C2/C3 to shed load
// as pressure rises. Grounded on the teacher's poller task-loop shape
// (a ticking goroutine with a running flag) generalized from "poll a
// Modbus device" to "poll free memory and react".
package memsup

import (
	"time"

	"github.com/fisaks/uhn-gateway/internal/clock"
	"github.com/fisaks/uhn-gateway/internal/logging"
	"github.com/fisaks/uhn-gateway/internal/memalloc"
)

// Tier is the current pressure level (spec §4.5 table).
type Tier int

const (
	Healthy Tier = iota
	Warning
	Critical
	Emergency
	Fatal
)

func (t Tier) String() string {
	switch t {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Emergency:
		return "emergency"
	case Fatal:
		return "fatal"
	default:
		return "healthy"
	}
}

const (
	healthyThreshold   = 50 * 1024
	warningThreshold   = 30 * 1024
	criticalThreshold  = 15 * 1024
	emergencyThreshold = 10 * 1024
	fatalConsecutive   = 3
	defaultTick        = 5 * time.Second
	dropFromC2OnCritical = 20
)

// ObservationDropper drops the oldest N entries from C2 (spec §4.5
// Critical action); implemented by *obsqueue.Queue in production.
type ObservationDropper interface {
	DropOldest(n int) int
}

// ExpiryClearer clears expired entries from C3 (spec §4.5 Warning and
// Critical actions).
type ExpiryClearer interface {
	ClearExpired(now time.Time) int
}

// RestartRequester is invoked on the Fatal tier after logging and a 1s
// delay (spec §4.5); production wiring triggers a process restart, tests
// can just record that it was called.
type RestartRequester func()

// Options wires C5 to its collaborators.
type Options struct {
	Allocator   memalloc.Allocator
	Observation ObservationDropper
	Retry       ExpiryClearer
	Restart     RestartRequester
	Clock       clock.Clock
	TickPeriod  time.Duration
}

// Supervisor is C5's public contract.
type Supervisor struct {
	alloc   memalloc.Allocator
	obs     ObservationDropper
	retry   ExpiryClearer
	restart RestartRequester
	clk     clock.Clock
	tick    time.Duration

	tier                Tier
	consecutiveEmergency int
	emergencyCounter     uint64
}

func New(opt Options) *Supervisor {
	if opt.TickPeriod <= 0 {
		opt.TickPeriod = defaultTick
	}
	if opt.Clock == nil {
		opt.Clock = clock.System{}
	}
	return &Supervisor{
		alloc:   opt.Allocator,
		obs:     opt.Observation,
		retry:   opt.Retry,
		restart: opt.Restart,
		clk:     opt.Clock,
		tick:    opt.TickPeriod,
	}
}

// TickPeriod reports the configured polling period for C9 to schedule.
func (s *Supervisor) TickPeriod() time.Duration { return s.tick }

// CurrentTier reports the last tier computed by Check/ForceRecovery.
func (s *Supervisor) CurrentTier() Tier { return s.tier }

// EmergencyCount is the cumulative number of ticks that reached
// Emergency (spec §4.5 "increment emergency counter").
func (s *Supervisor) EmergencyCount() uint64 { return s.emergencyCounter }

// Check reads free internal memory and applies the tiered policy once
// (spec §4.5); call on every tick.
func (s *Supervisor) Check() Tier {
	free := s.alloc.FreeBytes(memalloc.PoolSmall)
	tier := tierFor(free)
	s.apply(tier)
	return tier
}

func tierFor(freeInternal int) Tier {
	switch {
	case freeInternal > healthyThreshold:
		return Healthy
	case freeInternal > criticalThreshold:
		return Warning
	case freeInternal > emergencyThreshold:
		return Critical
	default:
		return Emergency
	}
}

// apply executes the tier's action set and tracks the Fatal escalation
// (three consecutive ticks at or below the emergency threshold).
func (s *Supervisor) apply(tier Tier) {
	log := logging.Tagged("memsup")
	switch tier {
	case Healthy:
		s.consecutiveEmergency = 0
		// "reset event counters": the emergency counter itself is
		// cumulative telemetry, not reset here — only the consecutive
		// streak used for Fatal escalation resets.
	case Warning:
		s.consecutiveEmergency = 0
		if s.retry != nil {
			s.retry.ClearExpired(s.clk.Now())
		}
	case Critical:
		s.consecutiveEmergency = 0
		s.runCriticalActions()
	case Emergency:
		s.runCriticalActions()
		s.emergencyCounter++
		s.consecutiveEmergency++
		if s.consecutiveEmergency >= fatalConsecutive {
			tier = Fatal
			log.Error("memory fatal: requesting restart", "free_internal_threshold", emergencyThreshold)
			time.Sleep(1 * time.Second)
			if s.restart != nil {
				s.restart()
			}
			s.consecutiveEmergency = 0
		}
	}
	s.tier = tier
}

func (s *Supervisor) runCriticalActions() {
	if s.obs != nil {
		s.obs.DropOldest(dropFromC2OnCritical)
	}
	if s.retry != nil {
		s.retry.ClearExpired(s.clk.Now())
	}
	if s.alloc != nil {
		s.alloc.ForceDefragment()
	}
}

// ForceRecovery runs a named tier's actions immediately, for manual
// tests (spec §4.5 force_recovery(action)).
func (s *Supervisor) ForceRecovery(tier Tier) {
	s.apply(tier)
}
