// Package memalloc represents the target hardware's two-tier RAM split
// (spec §1: ~300KB internal RAM, ~8MB external RAM) as an allocator
// interface with two backends, per design note §9 ("Large-memory
// allocator abstraction"). Each pool is a fixed byte budget: callers
// account for long-lived allocations with Reserve/Release, and FreeBytes
// reports the budget minus what is reserved. No gateway component
// reserves against either pool in this module, so at runtime FreeBytes
// reports each pool's full budget; C5 (the memory supervisor) reads the
// small pool's number to pick its tier. On a development/CI host both
// pools are ordinary Go heap memory instrumented with counters — there's
// no separate address space to allocate from.
package memalloc

import (
	"runtime"
	"sync"
	"time"

	"github.com/fisaks/uhn-gateway/internal/logging"
)

// Pool identifies which backend a caller is budgeting against.
type Pool int

const (
	PoolSmall Pool = iota // internal RAM equivalent
	PoolLarge             // external RAM equivalent
)

// Allocator tracks a budget per pool and reports free bytes the way the
// target firmware's heap introspection would. Reserve/Release let
// callers account for long-lived allocations (a retry-queue bucket, an
// observation queue) against a pool's budget; the memory supervisor
// reads FreeBytes to decide tier.
type Allocator interface {
	Reserve(pool Pool, bytes int)
	Release(pool Pool, bytes int)
	FreeBytes(pool Pool) int
	// ForceDefragment performs a large allocation-then-free, the C5
	// Critical-tier action spec'd in §4.5, to encourage the runtime to
	// coalesce free space. It's a best-effort hint, not a guarantee.
	ForceDefragment()
}

type budget struct {
	mu        sync.Mutex
	capacity  int
	reserved  int
}

// hostAllocator is the development/CI-host implementation: fixed budgets
// sized to mirror the target's internal/external RAM, Reserve/Release
// bookkeeping, and runtime.MemStats read only to add the host heap size
// to the over-budget warning (it never affects FreeBytes).
type hostAllocator struct {
	small budget
	large budget

	warnMu       sync.Mutex
	lastWarnedAt time.Time
}

// NewHostAllocator builds the dev/CI Allocator. smallCapacityBytes and
// largeCapacityBytes should mirror the target's ~300KB/~8MB split so C5's
// thresholds (spec §4.5: 50KB/30KB/15KB/10KB of the *internal* pool) behave
// the same in tests as on hardware.
func NewHostAllocator(smallCapacityBytes, largeCapacityBytes int) Allocator {
	return &hostAllocator{
		small: budget{capacity: smallCapacityBytes},
		large: budget{capacity: largeCapacityBytes},
	}
}

func (a *hostAllocator) pool(p Pool) *budget {
	if p == PoolLarge {
		return &a.large
	}
	return &a.small
}

func (a *hostAllocator) Reserve(p Pool, bytes int) {
	b := a.pool(p)
	b.mu.Lock()
	b.reserved += bytes
	over := b.reserved > b.capacity
	b.mu.Unlock()
	if over {
		a.warnOnce("allocator pool over budget", p)
	}
}

func (a *hostAllocator) Release(p Pool, bytes int) {
	b := a.pool(p)
	b.mu.Lock()
	b.reserved -= bytes
	if b.reserved < 0 {
		b.reserved = 0
	}
	b.mu.Unlock()
}

func (a *hostAllocator) FreeBytes(p Pool) int {
	b := a.pool(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	free := b.capacity - b.reserved
	if free < 0 {
		return 0
	}
	return free
}

func (a *hostAllocator) ForceDefragment() {
	buf := make([]byte, 64*1024)
	_ = buf
	runtime.GC()
}

// warnOnce throttles the "pool over budget" log line to once every 30s
// across both pools (one shared timestamp) so a sustained overrun doesn't flood the log the way a tight
// retry loop would — the same backoff-style throttling the teacher
// applies to Modbus reconnect attempts, here applied to a log line
// instead of a connection attempt. It also reports the host process's
// actual heap usage alongside the simulated pool overrun, since a host
// running many other test binaries is the one case where the budgeted
// numbers and real memory pressure can diverge.
func (a *hostAllocator) warnOnce(msg string, p Pool) {
	a.warnMu.Lock()
	defer a.warnMu.Unlock()
	if time.Since(a.lastWarnedAt) < 30*time.Second {
		return
	}
	a.lastWarnedAt = time.Now()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	logging.Tagged("memalloc").Warn(msg, "pool", p, "host_heap_alloc_bytes", mem.HeapAlloc)
}
