// Package httppub is the HTTP Publisher: the same drain-dedup-build
// cycle as internal/mqttpub (C7), but POSTing (or whatever method is
// configured) a JSON body over net/http instead of an MQTT publish.
// No complete example repo in the retrieval pack grounds a third-party
// HTTP client (no go-resty/fasthttp usage anywhere outside
// other_examples' bare go.mod manifests), so this is the one transport
// built directly on the standard library — net/http plus an explicit
// timeout/retry loop is the idiomatic choice absent a pack precedent.
package httppub

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fisaks/uhn-gateway/internal/clock"
	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/logging"
	"github.com/fisaks/uhn-gateway/internal/model"
	"github.com/fisaks/uhn-gateway/internal/payload"
)

const maxRegistersPerPublish = 200
const failurePriority = model.PriorityNormal
const failureTTL = 24 * time.Hour

// ConfigSource is the slice of C1 the HTTP publisher needs.
type ConfigSource interface {
	GetServerConfig() model.ServerConfig
	payload.DeviceNameLookup
}

// ObservationSource is the drain side of C2.
type ObservationSource interface {
	DrainUpTo(n int) []model.Observation
	Len() int
}

// RetryQueue is the slice of C3 this publisher needs for a failed post.
type RetryQueue interface {
	Enqueue(topic string, payload []byte, priority model.Priority, ttl time.Duration) error
}

// Publisher drains C2 on its own interval and POSTs the batch to the
// configured HTTP endpoint, retrying transport failures retry_count
// times before routing the payload into C3. Grounded on
// internal/mqttpub.Publisher's interval-latch design, generalized away
// from a broker connection to a stateless HTTP round trip per request.
type Publisher struct {
	httpClient *http.Client
	cfg        ConfigSource
	obs        ObservationSource
	retry      RetryQueue
	clk        clock.Clock

	tickPeriod   time.Duration
	lastPublish  time.Time
	locked       bool

	stopping chan struct{}
}

type Options struct {
	Config     ConfigSource
	Queue      ObservationSource
	Retry      RetryQueue
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
		httpClient: &http.Client{},
		cfg:        opt.Config,
		obs:        opt.Queue,
		retry:      opt.Retry,
		clk:        clk,
		tickPeriod: tick,
		stopping:   make(chan struct{}),
	}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopping:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Publisher) Stop() {
	select {
	case <-p.stopping:
	default:
		close(p.stopping)
	}
}

func (p *Publisher) tick(ctx context.Context) {
	serverCfg := p.cfg.GetServerConfig()
	if serverCfg.Protocol != model.ProtocolHTTP {
		return
	}
	if p.locked {
		return
	}

	now := p.clk.Now()
	httpCfg := serverCfg.HTTP
	interval, err := model.ParseInterval(httpCfg.IntervalValue, httpCfg.IntervalUnit)
	if err != nil {
		logging.Tagged("httppub").Warn("bad interval config", "error", err)
		return
	}
	if !p.lastPublish.IsZero() && now.Sub(p.lastPublish) < interval {
		return
	}

	p.locked = true
	defer func() { p.locked = false }()
	p.lastPublish = now

	if p.obs.Len() == 0 {
		return
	}
	samples := p.obs.DrainUpTo(maxRegistersPerPublish)
	body, skipped, err := payload.Build(now, samples, p.cfg)
	if err != nil {
		logging.Tagged("httppub").Error("payload build failed", "error", err)
		return
	}
	if skipped > 0 {
		logging.Tagged("httppub").Info("skipped samples for deleted devices", "count", skipped)
	}
	if body == nil {
		return
	}

	p.send(ctx, httpCfg, body)
}

// send issues the configured request, retrying retry_count times on
// transport or non-2xx failure before routing the payload into C3
// (spec §4.7's HTTP-mode analogue to the MQTT publish-failure path).
func (p *Publisher) send(ctx context.Context, cfg model.HTTPConfig, body []byte) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	attempts := cfg.RetryCount + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = p.attempt(reqCtx, cfg, body)
		cancel()
		if lastErr == nil {
			return
		}
	}

	detail := gwerr.NewDetailed(50, gwerr.DomainNetwork, gwerr.SeverityError, "http publish failed after retries").WithCause(lastErr)
	logging.Tagged("httppub").Error("dropping payload", "error", detail.Error())
	if qerr := p.retry.Enqueue(cfg.Endpoint, body, failurePriority, failureTTL); qerr != nil {
		logging.Tagged("httppub").Warn("retry enqueue failed", "error", qerr)
	}
}

func (p *Publisher) attempt(ctx context.Context, cfg model.HTTPConfig, body []byte) error {
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("httppub: unexpected status %d", resp.StatusCode)
	}
	return nil
}
