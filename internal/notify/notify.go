// Package notify defines the Notifier and Postback capabilities from
// SPEC_FULL.md §6 and ships webhook-backed reference implementations,
// grounded on the teacher's flat-map alert payload shape in
// internal/interfaces/alerts/emit.go.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sawpanic/signalengine/internal/strategy"
)

// Payload is the flat map of ProposalCard fields plus trace_id sent to
// both Notifier and Postback sinks.
type Payload map[string]interface{}

// CardPayload flattens a card plus its trace id per §6.
func CardPayload(c *strategy.Card, traceID string) Payload {
	return Payload{
		"symbol":              c.Symbol,
		"strategy":            c.Strategy,
		"side":                string(c.Side),
		"entry":               c.Entry,
		"stop":                c.Stop,
		"suggested_leverage":  c.SuggestedLeverage,
		"position_size_quote": c.PositionSizeQuote,
		"max_risk_quote":      c.MaxRiskQuote,
		"ttl_minutes":         c.TTLMinutes,
		"rationale":           c.Rationale,
		"created_at":          c.CreatedAt.Format(time.RFC3339),
		"priority":            c.Priority,
		"confidence":          c.Confidence,
		"oi_freshness":        string(c.OIFreshness),
		"trace_id":            traceID,
	}
}

// NotifierResult is send_card's return shape (§6): disabled
// configurations return (true, nil, nil, 0).
type NotifierResult struct {
	OK         bool
	HTTPStatus *int
	MessageID  *string
	LatencyMs  int64
}

// Notifier is the outbound alert sink capability.
type Notifier interface {
	SendCard(ctx context.Context, payload Payload) (NotifierResult, error)
}

// PostbackResult is send's return shape (§6).
type PostbackResult struct {
	OK         bool
	HTTPStatus *int
	LatencyMs  int64
}

// Postback is the secondary delivery sink capability.
type Postback interface {
	Send(ctx context.Context, payload Payload) (PostbackResult, error)
}

// DisabledNotifier always returns the spec's documented disabled
// response: (true, nil, nil, 0).
type DisabledNotifier struct{}

func (DisabledNotifier) SendCard(ctx context.Context, payload Payload) (NotifierResult, error) {
	return NotifierResult{OK: true}, nil
}

// DisabledPostback always returns the spec's documented disabled
// response: (true, nil, 0).
type DisabledPostback struct{}

func (DisabledPostback) Send(ctx context.Context, payload Payload) (PostbackResult, error) {
	return PostbackResult{OK: true}, nil
}

// WebhookNotifier POSTs the flat payload as JSON to a configured URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier constructs a WebhookNotifier with a bounded
// default HTTP client timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (n *WebhookNotifier) SendCard(ctx context.Context, payload Payload) (NotifierResult, error) {
	start := time.Now()
	body, err := json.Marshal(payload)
	if err != nil {
		return NotifierResult{}, fmt.Errorf("notify: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return NotifierResult{}, fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return NotifierResult{OK: false, LatencyMs: latency}, fmt.Errorf("notify: send card: %w", err)
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	ok := status >= 200 && status < 300
	var msgID *string
	if id := resp.Header.Get("X-Message-Id"); id != "" {
		msgID = &id
	}
	return NotifierResult{OK: ok, HTTPStatus: &status, MessageID: msgID, LatencyMs: latency}, nil
}

// WebhookPostback POSTs the flat payload as JSON to a configured URL,
// distinct from the notifier sink.
type WebhookPostback struct {
	URL    string
	Client *http.Client
}

// NewWebhookPostback constructs a WebhookPostback with a bounded
// default HTTP client timeout.
func NewWebhookPostback(url string) *WebhookPostback {
	return &WebhookPostback{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *WebhookPostback) Send(ctx context.Context, payload Payload) (PostbackResult, error) {
	start := time.Now()
	body, err := json.Marshal(payload)
	if err != nil {
		return PostbackResult{}, fmt.Errorf("notify: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return PostbackResult{}, fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return PostbackResult{OK: false, LatencyMs: latency}, fmt.Errorf("notify: send postback: %w", err)
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	ok := status >= 200 && status < 300
	return PostbackResult{OK: ok, HTTPStatus: &status, LatencyMs: latency}, nil
}
