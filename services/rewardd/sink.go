package rewardd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"recircle/engine"
)

// WebhookSink delivers review hold notifications to the human review tool.
// Deliveries are rate limited and retried with capped exponential backoff;
// a notification that still fails is logged and dropped, since the persisted
// review decision, not the notification, is the source of truth.
type WebhookSink struct {
	endpoint   string
	token      string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	log        *slog.Logger
}

// NewWebhookSink constructs a sink for the configured endpoint.
func NewWebhookSink(cfg SinkConfig, log *slog.Logger) *WebhookSink {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookSink{
		endpoint:   cfg.Endpoint,
		token:      cfg.BearerToken,
		client:     &http.Client{Timeout: cfg.Timeout.Duration},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		maxRetries: cfg.MaxRetries,
		log:        log,
	}
}

type noticePayload struct {
	ClaimID     string   `json:"claimId"`
	OwnerID     string   `json:"ownerId"`
	Merchant    string   `json:"merchant"`
	Amount      string   `json:"amount"`
	Confidence  float64  `json:"confidence"`
	ReasonCodes []string `json:"reasonCodes"`
}

// Notify pushes one hold notification. Returns the final delivery error after
// retries are exhausted.
func (s *WebhookSink) Notify(ctx context.Context, notice engine.ReviewNotice) error {
	if s.endpoint == "" {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rewardd: review sink rate wait: %w", err)
	}

	payload := noticePayload{
		ClaimID:    notice.ClaimID,
		OwnerID:    notice.OwnerID,
		Merchant:   notice.MerchantRef,
		Amount:     notice.Amount.String(),
		Confidence: notice.Confidence,
	}
	for _, code := range notice.ReasonCodes {
		payload.ReasonCodes = append(payload.ReasonCodes, string(code))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rewardd: encode notice: %w", err)
	}

	backoff := 250 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 8*time.Second {
				backoff = 8 * time.Second
			}
		}
		lastErr = s.deliver(ctx, body)
		if lastErr == nil {
			return nil
		}
		s.log.Warn("review notice delivery failed",
			"claim", notice.ClaimID, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("rewardd: review sink delivery: %w", lastErr)
}

func (s *WebhookSink) deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
