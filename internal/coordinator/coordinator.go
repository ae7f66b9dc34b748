// Package coordinator is the Coordinator (C9): it owns the startup
// order filesystem → C1 → C4 → C5 → C2 → C3 → C6 → C7 → C8, the
// cross-component wiring (C1 mutations notify C6/C7, C4 transitions
// notify the publishers), and shuts everything down in reverse order
// with a bounded wait per component (spec §4.9, §5). Grounded on the
// teacher's cmd/server/edge/main.go (context.WithCancel + signal.Notify
// shutdown, one goroutine per task, a 200ms drain sleep after cancel),
// generalized from "one main function wiring one edge" into a reusable
// struct the cmd/gateway entrypoint and tests both drive.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fisaks/uhn-gateway/internal/ble"
	"github.com/fisaks/uhn-gateway/internal/config"
	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/httppub"
	"github.com/fisaks/uhn-gateway/internal/logging"
	"github.com/fisaks/uhn-gateway/internal/memalloc"
	"github.com/fisaks/uhn-gateway/internal/memsup"
	"github.com/fisaks/uhn-gateway/internal/modbus"
	"github.com/fisaks/uhn-gateway/internal/model"
	"github.com/fisaks/uhn-gateway/internal/mqttpub"
	"github.com/fisaks/uhn-gateway/internal/netsup"
	"github.com/fisaks/uhn-gateway/internal/obsqueue"
	"github.com/fisaks/uhn-gateway/internal/retryqueue"
)

// stopWait bounds how long Stop waits for the component goroutines to
// exit. It is one shared wait on the whole errgroup, not a separate wait
// per component.
const stopWait = 2 * time.Second

// Options carries everything needed to assemble a Gateway: filesystem
// location, static config defaults, and hooks a test harness can
// override (clock injection happens inside each component's own
// Options, composed here).
type Options struct {
	ConfigDir        string
	ObsQueueCapacity int
	RetryQueueOpt    retryqueue.Options
	NetworkOpt       netsup.Options
	MemoryAllocator  memalloc.Allocator
	MQTTClient       *mqttpub.Client
	RestartFn        func()
}

// Gateway owns every component instance and the background goroutines
// driving them. It is the single object cmd/gateway constructs and
// tests exercise end-to-end.
type Gateway struct {
	opt Options

	Store   *config.Store
	ObsQ    *obsqueue.Queue
	RetryQ  *retryqueue.Queue
	Net     *netsup.Supervisor
	Mem     *memsup.Supervisor
	RTU     *modbus.Scheduler
	TCP     *modbus.Scheduler
	MQTT    *mqttpub.Publisher
	HTTP    *httppub.Publisher
	Cmd     *ble.Processor

	ctx    context.Context
	eg     *errgroup.Group
	cancel context.CancelFunc
}

// New assembles every component but starts nothing (spec §4.9's
// ordering lives in Start, not here, so tests can inspect wiring before
// any goroutine runs).
func New(opt Options) (*Gateway, error) {
	if opt.ObsQueueCapacity <= 0 {
		opt.ObsQueueCapacity = 100
	}
	if opt.MemoryAllocator == nil {
		opt.MemoryAllocator = memalloc.NewHostAllocator(300*1024, 8*1024*1024)
	}

	store := config.New(config.Paths{Dir: opt.ConfigDir})

	gw := &Gateway{opt: opt, Store: store}
	return gw, nil
}

// Start brings every component up in the order spec §4.9 mandates:
// filesystem mount (the caller ensures ConfigDir exists) → C1 (with WAL
// recovery) → C4 → C5 → C2 → C3 → C6 → C7 → C8.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(ctx)
	g.ctx = egCtx
	g.eg = eg
	g.cancel = cancel

	if err := os.MkdirAll(g.opt.ConfigDir, 0o755); err != nil {
		return err
	}

	if _, err := g.Store.Recover(); err != nil {
		return err
	}
	if err := g.Store.Load(); err != nil {
		return err
	}

	g.Net = netsup.New(g.opt.NetworkOpt)

	// C5's recovery actions reach directly into C2 and C3, so those two
	// queues are built first and C5 right after them; none of them start
	// doing work until the goroutines are spawned at the bottom of Start,
	// which does follow the mandated order.
	g.ObsQ = obsqueue.New(g.opt.ObsQueueCapacity)

	retryOpt := g.opt.RetryQueueOpt
	g.RetryQ = retryqueue.New(retryOpt)
	if retryOpt.ImagePath != "" {
		if _, _, err := g.RetryQ.Recover(time.Now(), true); err != nil {
			logging.Tagged("coordinator").Warn("retry queue recover failed", "error", err)
		}
	}

	g.Mem = memsup.New(memsup.Options{
		Allocator:   g.opt.MemoryAllocator,
		Observation: g.ObsQ,
		Retry:       g.RetryQ,
		Restart:     g.restart,
	})

	g.RTU = modbus.NewScheduler(modbus.Options{Config: g.Store, Sink: g.ObsQ})
	g.TCP = modbus.NewScheduler(modbus.Options{Config: g.Store, Sink: g.ObsQ})

	mqttClient := g.opt.MQTTClient
	if mqttClient == nil {
		mqttClient = mqttpub.NewClient(g.Store.GetServerConfig().MQTT)
	}

	g.MQTT = mqttpub.NewPublisher(mqttpub.Options{
		Client:  mqttClient,
		Config:  g.Store,
		Queue:   g.ObsQ,
		Retry:   g.RetryQ,
		Network: g.Net,
	})

	g.HTTP = httppub.NewPublisher(httppub.Options{
		Config: g.Store,
		Queue:  g.ObsQ,
		Retry:  g.RetryQ,
	})

	g.Cmd = ble.NewProcessor()
	ble.RegisterHandlers(g.Cmd, g.Store, deviceController{store: g.Store, rtu: g.RTU, tcp: g.TCP}, g.ObsQ)

	// C1 mutations (via C8) must make C6/C7 reload within one cycle
	// (spec §4.9, testable property in §8); NotifyAllServices already
	// bumps the change token both schedulers and the publisher poll, so
	// the listener here only needs to exist for components that don't
	// poll the token themselves (none today, but the seam matches
	// spec §4.1's subscribe_changes/notify_all_services contract).
	g.Store.SubscribeChanges("coordinator", func(uint64) {})

	g.spawn(g.runNetworkProbe)
	g.spawn(g.runMemoryTick)
	g.spawn(g.RTU.RunRTU)
	g.spawn(g.TCP.RunTCP)
	g.spawn(g.MQTT.Run)
	g.spawn(g.HTTP.Run)
	g.spawn(g.Cmd.Run)

	return nil
}

// Stop signals components in the reverse of their startup order, then
// waits up to stopWait once for all of their goroutines together.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Cmd.Stop()
	g.HTTP.Stop()
	g.MQTT.Stop()
	g.TCP.Stop()
	g.RTU.Stop()

	done := make(chan error, 1)
	go func() { done <- g.eg.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			logging.Tagged("coordinator").Error("component exited with error during shutdown", "error", err)
		}
	case <-time.After(stopWait):
		logging.Tagged("coordinator").Warn("component shutdown timed out, forcing teardown")
	}
}

// spawn runs fn under the shared errgroup, which fans every component's
// goroutine into one cancellation-aware wait: the first component to
// return an error (via panic recovery below) cancels egCtx for the
// rest, and Stop's final Wait captures that first error.
func (g *Gateway) spawn(fn func(ctx context.Context)) {
	g.eg.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("component panic: %v", r)
			}
		}()
		fn(g.ctx)
		return nil
	})
}

func (g *Gateway) runNetworkProbe(ctx context.Context) {
	ticker := time.NewTicker(g.Net.ProbeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Net.Tick()
		}
	}
}

func (g *Gateway) runMemoryTick(ctx context.Context) {
	ticker := time.NewTicker(g.Mem.TickPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Mem.Check()
		}
	}
}

func (g *Gateway) restart() {
	logging.Tagged("coordinator").Error("fatal memory pressure, restarting")
	if g.opt.RestartFn != nil {
		g.opt.RestartFn()
		return
	}
	os.Exit(1)
}

// deviceController adapts the two schedulers (RTU+TCP) into the single
// ble.DeviceController C8 expects, since a write or a status lookup
// doesn't know in advance which bus owns a device id.
type deviceController struct {
	store *config.Store
	rtu   *modbus.Scheduler
	tcp   *modbus.Scheduler
}

func (d deviceController) WriteRegister(ctx context.Context, deviceId model.DeviceId, registerId model.RegisterId, value float64) error {
	view, ok, err := d.store.ReadDevice(deviceId, true)
	if err != nil {
		return err
	}
	if !ok {
		return gwerr.ErrNotFound
	}
	if view.Protocol == model.ProtocolTCP {
		return d.tcp.WriteRegister(ctx, deviceId, registerId, value)
	}
	return d.rtu.WriteRegister(ctx, deviceId, registerId, value)
}

func (d deviceController) DeviceHealthReport(id model.DeviceId) (modbus.DeviceHealth, bool) {
	if h, ok := d.rtu.DeviceHealthReport(id); ok {
		return h, true
	}
	return d.tcp.DeviceHealthReport(id)
}

func (d deviceController) AllDeviceHealth() map[model.DeviceId]modbus.DeviceHealth {
	out := d.rtu.AllDeviceHealth()
	for id, h := range d.tcp.AllDeviceHealth() {
		out[id] = h
	}
	return out
}
