package mqttpub

import (
	"context"
	"time"

	"github.com/fisaks/uhn-gateway/internal/clock"
	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/logging"
	"github.com/fisaks/uhn-gateway/internal/model"
	"github.com/fisaks/uhn-gateway/internal/netsup"
	"github.com/fisaks/uhn-gateway/internal/payload"
	"github.com/fisaks/uhn-gateway/internal/retryqueue"
)

// maxRegistersPerPublish bounds how many queued samples one publish
// cycle drains from C2 (spec §4.7 step 4).
const maxRegistersPerPublish = 200

const retainLimitBytes = 16 * 1024

const failurePriority = model.PriorityNormal
const failureTTL = 24 * time.Hour

const minBufferSize = 512
const maxBufferSize = 16384

const bytesPerRegister = 64
const bufferBaseOverhead = 300

// ConfigSource is the slice of C1 the publisher needs: the current
// server config, a change token to detect edits, and a device-name
// lookup for payload building.
type ConfigSource interface {
	GetServerConfig() model.ServerConfig
	ChangeToken() uint64
	GetAllDevicesWithRegisters(minimal bool) ([]model.DeviceView, error)
	payload.DeviceNameLookup
}

// ObservationSource is the drain side of C2.
type ObservationSource interface {
	DrainUpTo(n int) []model.Observation
	Len() int
}

// RetryQueue is the slice of C3 the publisher needs.
type RetryQueue interface {
	Enqueue(topic string, payload []byte, priority model.Priority, ttl time.Duration) error
	DrainDue(now time.Time, publish retryqueue.PublishFunc) int
}

// NetworkSupervisor is the slice of C4 the publisher needs: gating
// publish attempts on link availability (spec §4.7, §4.4).
type NetworkSupervisor interface {
	IsAvailable() bool
	SubscribeTransitions(id string, fn netsup.TransitionListener)
}

// LEDBlinker is invoked on a successful publish (spec §4.7 step 6); nil
// is a valid no-op value for builds/tests with no LED hardware.
type LEDBlinker interface {
	Blink()
}

// Publisher drives the publish-interval state machine described in
// spec §4.7, reusing internal/payload to build wire bodies and routing
// failures into C3. Grounded on the teacher's edge-broker.go
// diff-and-publish loop, generalized from "publish on state change" to
// "publish on an interval latch, drain-and-dedup first".
type Publisher struct {
	client  *Client
	cfg     ConfigSource
	obs     ObservationSource
	retry   RetryQueue
	network NetworkSupervisor
	led     LEDBlinker
	clk     clock.Clock

	tickPeriod time.Duration

	lastToken   uint64
	bufferDirty bool
	bufferSize  int

	locked           bool
	lastPublishDflt  time.Time
	lastPublishTopic map[string]time.Time

	stopping chan struct{}
}

type Options struct {
	Client     *Client
	Config     ConfigSource
	Queue      ObservationSource
	Retry      RetryQueue
	Network    NetworkSupervisor
	LED        LEDBlinker
	Clock      clock.Clock
	TickPeriod time.Duration
}

func NewPublisher(opt Options) *Publisher {
	clk := opt.Clock
	if clk == nil {
		clk = clock.System{}
	}
	tick := opt.TickPeriod
	if tick <= 0 {
		tick = time.Second
	}
	return &Publisher{
		client:           opt.Client,
		cfg:              opt.Config,
		obs:              opt.Queue,
		retry:            opt.Retry,
		network:          opt.Network,
		led:              opt.LED,
		clk:              clk,
		tickPeriod:       tick,
		bufferDirty:      true,
		lastPublishTopic: map[string]time.Time{},
		stopping:         make(chan struct{}),
	}
}

// Run connects the client and drives the interval state machine until
// ctx is cancelled or Stop is called (spec §5: one goroutine per
// publisher, cooperative stop).
func (p *Publisher) Run(ctx context.Context) {
	if p.network != nil {
		p.network.SubscribeTransitions("mqttpub", func(model.InterfaceKind, string) {
			p.client.Disconnect()
		})
	}

	ticker := time.NewTicker(p.tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.client.Disconnect()
			return
		case <-p.stopping:
			p.client.Disconnect()
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// Stop requests Run return at the next tick boundary.
func (p *Publisher) Stop() {
	select {
	case <-p.stopping:
	default:
		close(p.stopping)
	}
}

func (p *Publisher) tick(ctx context.Context) {
	if token := p.cfg.ChangeToken(); token != p.lastToken {
		p.lastToken = token
		p.bufferDirty = true
	}

	serverCfg := p.cfg.GetServerConfig()
	if serverCfg.Protocol != model.ProtocolMQTT {
		return
	}
	if p.network != nil && !p.network.IsAvailable() {
		return
	}

	if !p.client.IsConnected() {
		if err := p.client.Connect(ctx); err != nil {
			logging.Tagged("mqttpub").Warn("connect failed", "error", err)
			return
		}
	}

	now := p.clk.Now()
	p.retry.DrainDue(now, func(topic string, body []byte) error {
		return p.client.Publish(ctx, topic, 1, len(body) <= retainLimitBytes, body)
	})

	p.ensureBufferSize()
	p.publishCycle(ctx, now, serverCfg.MQTT)
}

func (p *Publisher) ensureBufferSize() {
	if !p.bufferDirty {
		return
	}
	views, err := p.cfg.GetAllDevicesWithRegisters(true)
	if err != nil {
		return
	}
	total := 0
	for _, v := range views {
		total += v.RegisterCount
	}
	size := total*bytesPerRegister + bufferBaseOverhead
	if size < minBufferSize {
		size = minBufferSize
	}
	if size > maxBufferSize {
		size = maxBufferSize
	}
	p.bufferSize = size
	p.bufferDirty = false
}

// publishCycle implements spec §4.7's seven-step algorithm: latch
// elapsed modes, bail early if C2 is empty, drain-and-dedup once, build
// one payload per elapsed mode/topic, publish with the retain policy,
// and route failures to C3.
func (p *Publisher) publishCycle(ctx context.Context, now time.Time, mqtt model.MQTTConfig) {
	if p.locked {
		return
	}

	var elapsedDefault bool
	var elapsedTopics []model.CustomTopic

	switch mqtt.PublishMode {
	case model.PublishModeCustomize:
		for _, t := range mqtt.CustomizeMode.Topics {
			interval, err := model.ParseInterval(t.IntervalValue, t.IntervalUnit)
			if err != nil {
				logging.Tagged("mqttpub").Warn("bad interval config", "topic", t.Topic, "error", err)
				continue
			}
			last := p.lastPublishTopic[t.Topic]
			if last.IsZero() || now.Sub(last) >= interval {
				elapsedTopics = append(elapsedTopics, t)
			}
		}
		if len(elapsedTopics) == 0 {
			return
		}
	default:
		interval, err := model.ParseInterval(mqtt.DefaultMode.IntervalValue, mqtt.DefaultMode.IntervalUnit)
		if err != nil {
			logging.Tagged("mqttpub").Warn("bad interval config", "error", err)
			return
		}
		if !p.lastPublishDflt.IsZero() && now.Sub(p.lastPublishDflt) < interval {
			return
		}
		elapsedDefault = true
	}

	p.locked = true
	defer func() { p.locked = false }()

	if elapsedDefault {
		p.lastPublishDflt = now
	}
	for _, t := range elapsedTopics {
		p.lastPublishTopic[t.Topic] = now
	}

	if p.obs.Len() == 0 {
		return
	}
	samples := dedup(p.obs.DrainUpTo(maxRegistersPerPublish))
	if len(samples) == 0 {
		return
	}

	if elapsedDefault {
		p.buildAndPublish(ctx, mqtt.DefaultMode.TopicPublish, now, samples)
		return
	}
	for _, t := range elapsedTopics {
		filtered := payload.FilterForTopic(samples, t.RegisterIds)
		if len(filtered) == 0 {
			continue
		}
		p.buildAndPublish(ctx, t.Topic, now, filtered)
	}
}

func (p *Publisher) buildAndPublish(ctx context.Context, topic string, now time.Time, samples []model.Observation) {
	body, skipped, err := payload.Build(now, samples, p.cfg)
	if err != nil {
		logging.Tagged("mqttpub").Error("payload build failed", "topic", topic, "error", err)
		return
	}
	if skipped > 0 {
		logging.Tagged("mqttpub").Info("skipped samples for deleted devices", "topic", topic, "count", skipped)
	}
	if body == nil {
		return
	}
	p.send(ctx, topic, body)
}

// send applies the poison/retain policy and enqueues to C3 on failure
// (spec §4.7 step 5).
func (p *Publisher) send(ctx context.Context, topic string, body []byte) {
	if p.bufferSize > 0 && len(body) > p.bufferSize {
		detail := gwerr.DetailPoisonPayload(len(body), p.bufferSize)
		logging.Tagged("mqttpub").Error("dropping poison payload", "topic", topic, "error", detail.Error())
		return
	}

	retain := len(body) <= retainLimitBytes
	if err := p.client.Publish(ctx, topic, 1, retain, body); err != nil {
		if qerr := p.retry.Enqueue(topic, body, failurePriority, failureTTL); qerr != nil {
			logging.Tagged("mqttpub").Warn("retry enqueue failed", "topic", topic, "error", qerr)
		}
		return
	}
	if p.led != nil {
		p.led.Blink()
	}
}

// dedup keeps the newest sample per device_id+register_id, preserving
// first-seen order for the rest (spec §4.7 step 4).
func dedup(samples []model.Observation) []model.Observation {
	if len(samples) == 0 {
		return nil
	}
	byKey := make(map[string]model.Observation, len(samples))
	order := make([]string, 0, len(samples))
	for _, s := range samples {
		k := s.Key()
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = s
	}
	out := make([]model.Observation, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}
