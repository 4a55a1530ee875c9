package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/procura/internal/config"
	"github.com/pitabwire/procura/internal/observability"
	"github.com/pitabwire/procura/model"
)

// Webhook request headers.
const (
	HeaderSignature = "X-Procura-Signature"
	HeaderEvent     = "X-Procura-Event"
	HeaderDelivery  = "X-Procura-Delivery"
	HeaderTimestamp = "X-Procura-Timestamp"
)

// Delivery statuses.
const (
	DeliverySucceeded   = "succeeded"
	DeliveryFailed      = "failed"
	DeliveryCircuitOpen = "circuit_open"
)

// ErrQueueFull is returned by Publish when the delivery queue is saturated.
var ErrQueueFull = errors.New("webhook queue full")

// Endpoint is a subscriber registered by an organization.
type Endpoint struct {
	ID     string
	URL    string
	Secret string
	Events []string
}

// Wants reports whether the endpoint subscribes to eventType. "*" matches
// every event.
func (e Endpoint) Wants(eventType string) bool {
	return slices.Contains(e.Events, eventType) || slices.Contains(e.Events, "*")
}

// EndpointSource lists the active webhook endpoints of an organization.
type EndpointSource interface {
	ActiveEndpoints(ctx context.Context, orgID string) ([]Endpoint, error)
}

// Delivery is the record of one delivery attempt.
type Delivery struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	WebhookID      string    `json:"webhook_id"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	Status         string    `json:"status"`
	StatusCode     int       `json:"status_code,omitempty"`
	Error          string    `json:"error,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// DeliveryStore records delivery attempts.
type DeliveryStore interface {
	RecordDelivery(ctx context.Context, d Delivery) error
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret, prefixed with
// the algorithm name.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatcher delivers events to webhook endpoints from a bounded queue
// drained by a fixed worker pool. Each endpoint has its own circuit breaker.
type Dispatcher struct {
	cfg        config.WebhooksConfig
	source     EndpointSource
	deliveries DeliveryStore
	client     *http.Client
	metrics    *observability.Metrics
	logger     *zap.Logger

	queue chan model.Event
	wg    sync.WaitGroup

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	closed   bool
}

// NewDispatcher creates a Dispatcher. Call Start to launch the workers.
func NewDispatcher(cfg config.WebhooksConfig, source EndpointSource, deliveries DeliveryStore,
	client *http.Client, metrics *observability.Metrics, logger *zap.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:        cfg,
		source:     source,
		deliveries: deliveries,
		client:     client,
		metrics:    metrics,
		logger:     logger,
		queue:      make(chan model.Event, cfg.QueueSize),
		breakers:   make(map[string]*CircuitBreaker),
	}
}

// Start launches the worker pool. Workers exit when Stop closes the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for ev := range d.queue {
				d.dispatch(context.WithoutCancel(ctx), ev)
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight deliveries until ctx ends.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish enqueues event without blocking.
func (d *Dispatcher) Publish(_ context.Context, event model.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("webhook dispatcher stopped")
	}
	select {
	case d.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev model.Event) {
	endpoints, err := d.source.ActiveEndpoints(ctx, ev.OrganizationID)
	if err != nil {
		d.logger.Error("list webhook endpoints failed",
			zap.String("org_id", ev.OrganizationID),
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("marshal webhook event failed", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}

	for _, ep := range endpoints {
		if !ep.Wants(ev.Type) {
			continue
		}
		d.deliver(ctx, ep, ev, body)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, ev model.Event, body []byte) {
	ctx, span := observability.StartSpan(ctx, "webhook.deliver",
		observability.AttrEndpoint.String(ep.ID),
		observability.AttrOrgID.String(ev.OrganizationID),
	)

	rec := Delivery{
		ID:             uuid.New().String(),
		OrganizationID: ev.OrganizationID,
		WebhookID:      ep.ID,
		EventID:        ev.ID,
		EventType:      ev.Type,
		CreatedAt:      time.Now().UTC(),
	}

	breaker := d.breaker(ep.ID)
	var deliverErr error
	if !breaker.Allow() {
		rec.Status = DeliveryCircuitOpen
		deliverErr = fmt.Errorf("circuit open for endpoint %s", ep.ID)
	} else {
		start := time.Now()
		rec.StatusCode, deliverErr = d.post(ctx, ep, ev, rec.ID, body)
		elapsed := time.Since(start)
		rec.DurationMs = elapsed.Milliseconds()
		if deliverErr != nil {
			rec.Status = DeliveryFailed
			breaker.RecordFailure()
		} else {
			rec.Status = DeliverySucceeded
			breaker.RecordSuccess()
		}
		d.metrics.RecordWebhookDelivery(rec.Status, elapsed)
	}
	if deliverErr != nil {
		rec.Error = deliverErr.Error()
		d.logger.Warn("webhook delivery failed",
			zap.String("webhook_id", ep.ID),
			zap.String("event_id", ev.ID),
			zap.String("status", rec.Status),
			zap.Error(deliverErr),
		)
	}
	observability.EndSpanWithError(span, deliverErr)

	if d.deliveries != nil {
		if err := d.deliveries.RecordDelivery(ctx, rec); err != nil {
			d.metrics.RecordAuditFailure("webhook_delivery")
			d.logger.Warn("record webhook delivery failed", zap.String("webhook_id", ep.ID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, ep Endpoint, ev model.Event, deliveryID string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.OccurredAt.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign(ep.Secret, body))
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint responded %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) breaker(endpointID string) *CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.breakers[endpointID]
	if !ok {
		cb = NewCircuitBreaker(d.cfg.CircuitBreaker.FailureThreshold,
			d.cfg.CircuitBreaker.SuccessThreshold, d.cfg.CircuitBreaker.Timeout)
		cb.onChange = func(s BreakerState) {
			d.metrics.SetCircuitBreakerState(endpointID, float64(s))
		}
		d.breakers[endpointID] = cb
	}
	return cb
}
