package surface

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
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Nurdok/spanreed/internal/circuitbreaker"
	"github.com/Nurdok/spanreed/internal/domain"
)

var defaultBackoff = []time.Duration{
	0,
	2 * time.Second,
	10 * time.Second,
}

const (
	maxAttempts    = 3
	defaultTimeout = 30 * time.Second
)

// ErrNoSurfaceDelivered is returned when every surface the request asked
// on either failed or had its circuit open.
var ErrNoSurfaceDelivered = errors.New("surface: no surface accepted the prompt")

// Breaker is the dispatcher's view of the circuit breaker.
type Breaker interface {
	Allow(endpoint string) error
	RecordSuccess(endpoint string)
	RecordFailure(endpoint string)
}

// MetricsSink receives delivery counters. All methods must be
// non-blocking and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(surface, statusClass string, duration time.Duration)
	DeliveryOutcome(surface, outcome string)
}

// PromptPayload is the body POSTed to a surface endpoint. The surface
// renders the prompt and later submits the user's reply, quoting the
// request id, through the replies API.
type PromptPayload struct {
	RequestID string          `json:"request_id"`
	RunID     string          `json:"run_id"`
	Surface   string          `json:"surface"`
	Prompt    json.RawMessage `json:"prompt"`
	ExpiresAt string          `json:"expires_at"`
}

type sendResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r sendResult) isSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r sendResult) isRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return r.StatusCode >= 500
}

// WebhookDispatcher delivers prompts over HTTP. Surfaces are tried in the
// request's priority order: the first one that accepts the prompt wins and
// the rest are skipped. Each endpoint gets bounded retries with backoff
// and sits behind a circuit breaker so one dead bridge cannot slow every
// suspension down.
type WebhookDispatcher struct {
	endpoints map[string]Endpoint
	client    *http.Client
	breaker   Breaker
	metrics   MetricsSink
	backoff   []time.Duration
}

func NewWebhookDispatcher(endpoints []Endpoint) *WebhookDispatcher {
	byName := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byName[ep.Name] = ep
	}
	return &WebhookDispatcher{
		endpoints: byName,
		client:    &http.Client{},
		backoff:   defaultBackoff,
	}
}

func (d *WebhookDispatcher) WithBreaker(b Breaker) *WebhookDispatcher {
	d.breaker = b
	return d
}

func (d *WebhookDispatcher) WithMetrics(m MetricsSink) *WebhookDispatcher {
	d.metrics = m
	return d
}

// Deliver attempts the request's surfaces in priority order.
func (d *WebhookDispatcher) Deliver(ctx context.Context, req domain.InteractionRequest) error {
	for _, name := range req.Surfaces {
		ep, ok := d.endpoints[name]
		if !ok {
			log.Printf("surface: request=%s asked on unconfigured surface %q", req.ID, name)
			continue
		}
		if d.breaker != nil {
			if err := d.breaker.Allow(ep.URL); err != nil {
				log.Printf("surface: request=%s surface=%s circuit open, skipping", req.ID, name)
				continue
			}
		}
		if err := d.deliverTo(ctx, ep, req); err != nil {
			if d.metrics != nil {
				d.metrics.DeliveryOutcome(name, "failed")
			}
			log.Printf("surface: request=%s surface=%s: %v", req.ID, name, err)
			continue
		}
		if d.metrics != nil {
			d.metrics.DeliveryOutcome(name, "success")
		}
		log.Printf("surface: request=%s delivered via %s", req.ID, name)
		return nil
	}
	return fmt.Errorf("%w: request=%s surfaces=%v", ErrNoSurfaceDelivered, req.ID, req.Surfaces)
}

func (d *WebhookDispatcher) deliverTo(ctx context.Context, ep Endpoint, req domain.InteractionRequest) error {
	payload := PromptPayload{
		RequestID: req.ID.String(),
		RunID:     req.RunID.String(),
		Surface:   ep.Name,
		Prompt:    req.Prompt,
		ExpiresAt: req.ExpiresAt.UTC().Format(time.RFC3339),
	}

	var last sendResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			idx := attempt - 1
			if idx >= len(d.backoff) {
				idx = len(d.backoff) - 1
			}
			timer := time.NewTimer(d.backoff[idx])
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				return ctx.Err()
			case <-timer.C:
			}
		}

		last = d.send(ctx, ep, payload)
		if d.metrics != nil {
			d.metrics.DeliveryAttemptCompleted(ep.Name, classifyStatus(last.StatusCode, last.Error), last.Duration)
		}

		if last.isSuccess() {
			if d.breaker != nil {
				d.breaker.RecordSuccess(ep.URL)
			}
			return nil
		}
		if d.breaker != nil {
			d.breaker.RecordFailure(ep.URL)
		}
		if !last.isRetryable() {
			return fmt.Errorf("non-retryable status=%d", last.StatusCode)
		}
		log.Printf("surface: surface=%s attempt=%d status=%d err=%v", ep.Name, attempt, last.StatusCode, last.Error)
	}
	if last.Error != nil {
		return last.Error
	}
	return fmt.Errorf("exhausted retries, last status=%d", last.StatusCode)
}

func (d *WebhookDispatcher) send(ctx context.Context, ep Endpoint, payload PromptPayload) sendResult {
	start := time.Now()

	body, err := json.Marshal(payload)
	if err != nil {
		return sendResult{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	timeout := ep.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(sendCtx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return sendResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Spanreed-Request-ID", payload.RequestID)
	httpReq.Header.Set("X-Spanreed-Run-ID", payload.RunID)
	httpReq.Header.Set("X-Spanreed-Signature", computeSignature(ep.Secret, body))

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return sendResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return sendResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature lets surface implementations verify incoming prompts.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// classifyStatus maps a delivery result to a bounded metrics label:
// 2xx, 4xx, 5xx, timeout, connection_error, other_error.
func classifyStatus(statusCode int, err error) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(msg, "connection refused") ||
			strings.Contains(msg, "no such host") ||
			strings.Contains(msg, "network is unreachable") ||
			strings.Contains(msg, "dial") {
			return "connection_error"
		}
		return "other_error"
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "other_error"
	}
}

var _ Breaker = (*circuitbreaker.CircuitBreaker)(nil)
