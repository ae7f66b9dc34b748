// Package ble is the BLE Command Processor (C8): validates decoded JSON
// command envelopes handed in by the (external, out-of-scope) BLE
// transport, assigns each a monotonically increasing id, queues it by
// priority, and drains the queue on a single worker at 50ms tick
// granularity (spec §4.8). Grounded on the teacher's
// internal/poller/command-scheduler.go ticker-driven worker loop,
// generalized from "poll devices on a schedule" to "drain a priority
// command queue on a schedule".
package ble

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/logging"
	"github.com/fisaks/uhn-gateway/internal/model"
)

const workerTick = 50 * time.Millisecond
const queueDepth = 32

// HandlerFunc executes one op/type combination against its payload and
// returns either the success data or a structured error.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, *gwerr.Detailed)

// Processor owns the priority queue and dispatch table.
type Processor struct {
	mu      sync.Mutex
	queues  map[model.Priority][]model.CommandEnvelope
	depth   int
	nextId  atomic.Uint64
	handlers map[string]map[string]HandlerFunc

	// recent records the response of each command the worker has
	// executed, keyed by its assigned id. Submit does not consult it: a
	// redelivered envelope gets a new id and is queued and executed again.
	recent *lru.Cache[uint64, model.CommandResponse]

	stopping chan struct{}
}

func NewProcessor() *Processor {
	cache, _ := lru.New[uint64, model.CommandResponse](256)
	p := &Processor{
		queues:   map[model.Priority][]model.CommandEnvelope{},
		depth:    queueDepth,
		handlers: map[string]map[string]HandlerFunc{},
		recent:   cache,
		stopping: make(chan struct{}),
	}
	return p
}

// Register wires one (op, type) pair to its handler. Called during
// construction by the dispatch table built in dispatch.go.
func (p *Processor) Register(op, typ string, fn HandlerFunc) {
	byType, ok := p.handlers[op]
	if !ok {
		byType = map[string]HandlerFunc{}
		p.handlers[op] = byType
	}
	byType[typ] = fn
}

func (p *Processor) handlerFor(op, typ string) (HandlerFunc, bool) {
	byType, ok := p.handlers[op]
	if !ok {
		return nil, false
	}
	fn, ok := byType[typ]
	return fn, ok
}

func (p *Processor) queueLen() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

// Submit validates, assigns an id, and enqueues cmd, rejecting with a
// busy error once the bounded queue (depth 32) is full (spec §4.8
// "Back pressure").
func (p *Processor) Submit(cmd model.CommandEnvelope) model.CommandResponse {
	if cmd.Op == "" || cmd.Type == "" {
		detail := gwerr.DetailBLEUnknownOp(cmd.Op, cmd.Type)
		return errorResponse(detail)
	}
	if _, ok := p.handlerFor(cmd.Op, cmd.Type); !ok {
		detail := gwerr.DetailBLEUnknownOp(cmd.Op, cmd.Type)
		return errorResponse(detail)
	}

	p.mu.Lock()
	if p.queueLen() >= p.depth {
		p.mu.Unlock()
		return errorResponse(gwerr.DetailBLEBusy())
	}
	cmd.Id = p.nextId.Add(1)
	cmd.EnqueuedAt = time.Now()
	pr := cmd.ParsedPriority()
	p.queues[pr] = append(p.queues[pr], cmd)
	p.mu.Unlock()

	return model.OKResponse(map[string]uint64{"command_id": cmd.Id})
}

// dequeue pops the oldest command from the highest non-empty priority
// bucket (HIGH, then NORMAL, then LOW).
func (p *Processor) dequeue() (model.CommandEnvelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range []model.Priority{model.PriorityHigh, model.PriorityNormal, model.PriorityLow} {
		q := p.queues[pr]
		if len(q) == 0 {
			continue
		}
		cmd := q[0]
		p.queues[pr] = q[1:]
		return cmd, true
	}
	return model.CommandEnvelope{}, false
}

// Run drains the queue at workerTick granularity until ctx is
// cancelled or Stop is called (spec §4.8, §5: single-threaded worker).
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(workerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopping:
			return
		case <-ticker.C:
			p.drainOne(ctx)
		}
	}
}

func (p *Processor) Stop() {
	select {
	case <-p.stopping:
	default:
		close(p.stopping)
	}
}

func (p *Processor) drainOne(ctx context.Context) {
	cmd, ok := p.dequeue()
	if !ok {
		return
	}
	resp := p.Execute(ctx, cmd)
	if p.recent != nil {
		p.recent.Add(cmd.Id, resp)
	}
}

// Execute runs cmd synchronously against its registered handler,
// bypassing the queue — used directly by tests and by batch's
// subcommand execution (spec §4.8 batch modes).
func (p *Processor) Execute(ctx context.Context, cmd model.CommandEnvelope) model.CommandResponse {
	fn, ok := p.handlerFor(cmd.Op, cmd.Type)
	if !ok {
		return errorResponse(gwerr.DetailBLEUnknownOp(cmd.Op, cmd.Type))
	}
	data, detail := fn(ctx, cmd.Payload)
	if detail != nil {
		logging.Tagged("ble").Warn("command failed", "op", cmd.Op, "type", cmd.Type, "error", detail.Error())
		return errorResponse(detail)
	}
	return model.OKResponse(data)
}

func errorResponse(d *gwerr.Detailed) model.CommandResponse {
	return model.CommandResponse{
		Status:     "error",
		ErrorCode:  d.Code,
		Domain:     string(d.Domain),
		Severity:   string(d.Severity),
		Message:    d.Message,
		Suggestion: d.Suggestion,
	}
}
