// Package alert raises operator alerts with per-kind throttling.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/psantana5/evalfarm/pkg/logging"
)

// Kind groups alerts for throttling
type Kind string

const (
	KindNoWorkers        Kind = "no_workers"
	KindFailedEval       Kind = "failed_eval"
	KindLowFrameRate     Kind = "low_frame_rate"
	KindTimeout          Kind = "timeout"
	KindPermanentFailure Kind = "permanent_failure"
	KindDataLoss         Kind = "data_loss"
	KindRunAborted       Kind = "run_aborted"
	KindRunError         Kind = "run_error"
)

// Alert is one operator notification
type Alert struct {
	Kind   Kind           `json:"kind"`
	Title  string         `json:"title"`
	Text   string         `json:"text"`
	Fields logging.Fields `json:"fields,omitempty"`
	Time   time.Time      `json:"time"`
}

// Sink delivers alerts somewhere an operator will see them
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// Config controls throttling and delivery
type Config struct {
	// Interval is the minimum spacing between two alerts of one kind
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	Burst      int           `mapstructure:"burst" yaml:"burst"`
	WebhookURL string        `mapstructure:"webhook_url" yaml:"webhook_url"`
}

// DefaultConfig allows one alert per kind per minute
func DefaultConfig() Config {
	return Config{Interval: time.Minute, Burst: 1}
}

// Alerter throttles alerts per kind and fans them out to its sinks
type Alerter struct {
	mu       sync.Mutex
	limiters map[Kind]*rate.Limiter
	limit    rate.Limit
	burst    int
	sinks    []Sink
	logger   *logging.Logger
	onRaise  func(Kind)
}

// New creates an alerter. Alerts are always logged; a webhook sink is added
// when cfg names one.
func New(cfg Config, logger *logging.Logger, sinks ...Sink) *Alerter {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhookSink(cfg.WebhookURL))
	}
	return &Alerter{
		limiters: make(map[Kind]*rate.Limiter),
		limit:    limit,
		burst:    cfg.Burst,
		sinks:    sinks,
		logger:   logger,
	}
}

// OnRaise registers a callback invoked for every alert that passes the
// throttle
func (a *Alerter) OnRaise(fn func(Kind)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onRaise = fn
}

func (a *Alerter) limiter(kind Kind) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.limiters[kind]
	if !ok {
		l = rate.NewLimiter(a.limit, a.burst)
		a.limiters[kind] = l
	}
	return l
}

// Raise emits an alert unless its kind is throttled. Reports whether it was
// emitted.
func (a *Alerter) Raise(ctx context.Context, kind Kind, title, text string, fields logging.Fields) bool {
	if !a.limiter(kind).Allow() {
		return false
	}

	alert := Alert{Kind: kind, Title: title, Text: text, Fields: fields, Time: time.Now()}

	logFields := logging.Fields{"alert": string(kind), "text": text}
	for k, v := range fields {
		logFields[k] = v
	}
	a.logger.Warn("ALERT: "+title, logFields)

	for _, sink := range a.sinks {
		if err := sink.Send(ctx, alert); err != nil {
			a.logger.Error("Failed to deliver alert", logging.Fields{"alert": string(kind), "error": err.Error()})
		}
	}

	a.mu.Lock()
	fn := a.onRaise
	a.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
	return true
}

// WebhookSink posts alerts as JSON
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Send posts a to the webhook
func (s *WebhookSink) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
