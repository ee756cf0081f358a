package rewardd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"recircle/core/claims"
)

// Classification is the vision classifier's verdict on one receipt image.
// Everything in it is advisory input to the review router.
type Classification struct {
	Confidence  float64         `json:"confidence"`
	Category    claims.Category `json:"category"`
	MerchantRef string          `json:"merchant"`
	Amount      string          `json:"amount"`
	Flags       []string        `json:"flags"`
	Channels    []string        `json:"paymentChannels"`
}

// Classifier calls the external vision classifier. Failures degrade to a
// zero-confidence classification so submissions route to manual review
// instead of erroring.
type Classifier struct {
	endpoint string
	client   *http.Client
}

// NewClassifier constructs a client for the configured endpoint. An empty
// endpoint disables remote classification.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	return &Classifier{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout.Duration},
	}
}

type classifyRequest struct {
	MediaRef string `json:"mediaRef"`
}

// Classify scores the referenced receipt image.
func (c *Classifier) Classify(ctx context.Context, mediaRef string) (Classification, error) {
	var out Classification
	if c.endpoint == "" {
		return out, nil
	}
	body, err := json.Marshal(classifyRequest{MediaRef: mediaRef})
	if err != nil {
		return out, fmt.Errorf("rewardd: encode classify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("rewardd: build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("rewardd: classify %s: %w", mediaRef, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("rewardd: classifier returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("rewardd: decode classification: %w", err)
	}
	return out, nil
}
