package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventAnalysisCompleted is the only event the webhook emits today.
const EventAnalysisCompleted = "analysis.completed"

const (
	headerEvent     = "X-Reviewradar-Event"
	headerDelivery  = "X-Reviewradar-Delivery"
	headerProduct   = "X-Reviewradar-Product"
	headerSignature = "X-Signature-256"
)

// Event is the webhook body: one analysis wrapped with delivery metadata.
type Event struct {
	ID       string           `json:"id"`
	Event    string           `json:"event"`
	SentAt   time.Time        `json:"sent_at"`
	Analysis *AnalysisPayload `json:"analysis"`
}

// AnalysisPayload is the analysis part of an Event. Empty ad analysis and a
// false truncation flag are omitted.
type AnalysisPayload struct {
	Product    string `json:"product"`
	AdAnalysis string `json:"ad_analysis,omitempty"`
	Positive   string `json:"positive"`
	Negative   string `json:"negative"`
	Summary    string `json:"summary"`
	PostCount  int    `json:"post_count"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// Webhook posts analysis events to a generic HTTP endpoint. With a secret the
// body is signed so receivers can verify it came from this instance.
type Webhook struct {
	client *http.Client
	url    string
	secret string
	now    func() time.Time
}

// NewWebhook creates a webhook notifier.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
		secret: secret,
		now:    time.Now,
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	ev := Event{
		ID:     uuid.NewString(),
		Event:  EventAnalysisCompleted,
		SentAt: w.now().UTC(),
		Analysis: &AnalysisPayload{
			Product:    n.Product,
			AdAnalysis: n.AdAnalysis,
			Positive:   n.Positive,
			Negative:   n.Negative,
			Summary:    n.Summary,
			PostCount:  n.PostCount,
			Truncated:  n.Truncated,
		},
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "reviewradar/1.0")
	req.Header.Set(headerEvent, ev.Event)
	req.Header.Set(headerDelivery, ev.ID)
	// Product names are often Korean; keep the header ASCII.
	req.Header.Set(headerProduct, url.QueryEscape(n.Product))
	if w.secret != "" {
		req.Header.Set(headerSignature, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s for %q: %w", ev.Event, n.Product, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook rejected %s for %q: status %d %s",
			ev.Event, n.Product, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
