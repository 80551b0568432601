// Package mind is the narrow client for the optional external Mind service,
// a remote memory endpoint Spark can sync insights to and query during
// retrieval. Every call is best-effort with a short timeout; an absent or
// failing Mind degrades to nothing.
package mind

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"spark/internal/logging"
	"spark/internal/types"
)

// Client talks to a Mind server. The zero-value URL disables every call.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

// callTimeout bounds each Mind round trip independently of the caller's
// deadline.
const callTimeout = 900 * time.Millisecond

// NewClient builds a client. An empty baseURL yields a disabled client that
// answers every query with nothing.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: callTimeout},
		log:     logging.Named("mind"),
	}
}

// Enabled reports whether a Mind endpoint is configured.
func (c *Client) Enabled() bool { return c != nil && c.baseURL != "" }

type queryRequest struct {
	Text string `json:"text"`
	K    int    `json:"k"`
}

type queryResponse struct {
	Results []struct {
		Key   string  `json:"key"`
		Text  string  `json:"text"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// Query asks Mind for up to k memories relevant to text. Implements
// retrieval.MindSource. Failures return nil.
func (c *Client) Query(ctx context.Context, text string, k int) []types.Candidate {
	if !c.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body, err := json.Marshal(queryRequest{Text: text, K: k})
	if err != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	c.prepare(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("mind query failed", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Debug("mind query rejected", zap.Int("status", resp.StatusCode))
		return nil
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil
	}
	out := make([]types.Candidate, 0, len(qr.Results))
	for _, r := range qr.Results {
		if r.Text == "" {
			continue
		}
		out = append(out, types.Candidate{
			Source:    types.SourceMind,
			Key:       r.Key,
			Text:      r.Text,
			Score:     r.Score,
			Rationale: "mind memory",
		})
	}
	return out
}

// Sync pushes a batch of insights to Mind. Called once per bridge cycle;
// failure is logged and skipped.
func (c *Client) Sync(ctx context.Context, insights []types.Insight) error {
	if !c.Enabled() || len(insights) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]interface{}{"insights": insights})
	if err != nil {
		return fmt.Errorf("failed to encode sync batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sync", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.prepare(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mind sync failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mind sync rejected: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) prepare(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
