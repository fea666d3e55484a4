// Package classifier calls the external complexity classifier HTTP service
// (§6): "input {message, context?, hasTools?}, output {level, latencyMs,
// inheritedFromContext?}".
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentoven/botgateway/pkg/models"
)

// Request is the body sent to the classifier service.
type Request struct {
	Message  string `json:"message"`
	Context  string `json:"context,omitempty"`
	HasTools bool   `json:"hasTools,omitempty"`
}

// Response is the classifier's reply.
type Response struct {
	Level                models.ComplexityLevel `json:"level"`
	LatencyMs            int64                  `json:"latencyMs"`
	InheritedFromContext bool                   `json:"inheritedFromContext,omitempty"`
}

// Client calls a classifier descriptor's baseUrl. A single Client is shared
// across all classifier descriptors since the only per-call variable is the
// target URL.
type Client struct {
	httpClient *http.Client
}

// New builds a Client with the given hard timeout.
func New(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Classify posts a classification request and decodes the response. Any
// transport failure, non-2xx status, or malformed body is surfaced to the
// caller as a plain error — the routing engine wraps it as a
// gatewayerr.ClassifierError and treats complexity routing as disabled for
// the request, per §7.
func (c *Client) Classify(ctx context.Context, baseURL, message, priorContext string, hasTools bool) (*Response, error) {
	payload, err := json.Marshal(Request{Message: message, Context: priorContext, HasTools: hasTools})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("classifier response decode failed: %w", err)
	}
	return &out, nil
}
