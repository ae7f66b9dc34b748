package memsup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/uhn-gateway/internal/memalloc"
)

type fakeDropper struct{ dropped int }

func (f *fakeDropper) DropOldest(n int) int { f.dropped += n; return n }

type fakeClearer struct{ cleared int }

func (f *fakeClearer) ClearExpired(now time.Time) int { f.cleared++; return 0 }

func TestHealthyTierResetsStreak(t *testing.T) {
	alloc := memalloc.NewHostAllocator(100*1024, 1024*1024)
	s := New(Options{Allocator: alloc})
	tier := s.Check()
	assert.Equal(t, Healthy, tier)
}

func TestWarningClearsExpiredOnC3(t *testing.T) {
	alloc := memalloc.NewHostAllocator(100*1024, 1024*1024)
	alloc.Reserve(memalloc.PoolSmall, 100*1024-25*1024) // leaves 25KB free -> Warning
	clearer := &fakeClearer{}
	s := New(Options{Allocator: alloc, Retry: clearer})
	tier := s.Check()
	assert.Equal(t, Warning, tier)
	assert.Equal(t, 1, clearer.cleared)
}

func TestEmergencyTierDropsFromC2AndClearsExpired(t *testing.T) {
	alloc := memalloc.NewHostAllocator(100*1024, 1024*1024)
	alloc.Reserve(memalloc.PoolSmall, 100*1024-10*1024) // 10KB free -> Emergency
	dropper := &fakeDropper{}
	clearer := &fakeClearer{}
	s := New(Options{Allocator: alloc, Observation: dropper, Retry: clearer})
	tier := s.Check()
	require.Equal(t, Emergency, tier)
	assert.Equal(t, 20, dropper.dropped)
	assert.Equal(t, 1, clearer.cleared)
}

func TestFatalAfterThreeConsecutiveEmergencyTicks(t *testing.T) {
	alloc := memalloc.NewHostAllocator(100*1024, 1024*1024)
	alloc.Reserve(memalloc.PoolSmall, 100*1024-5*1024) // 5KB free -> Emergency
	restarted := false
	s := New(Options{Allocator: alloc, Restart: func() { restarted = true }})

	s.Check()
	s.Check()
	assert.False(t, restarted)
	s.Check()
	assert.True(t, restarted)
}

func TestForceRecoveryRunsNamedTier(t *testing.T) {
	alloc := memalloc.NewHostAllocator(100*1024, 1024*1024)
	dropper := &fakeDropper{}
	s := New(Options{Allocator: alloc, Observation: dropper})
	s.ForceRecovery(Critical)
	assert.Equal(t, 20, dropper.dropped)
	assert.Equal(t, Critical, s.CurrentTier())
}
