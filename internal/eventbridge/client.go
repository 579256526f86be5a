package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kingrea/runlevel/internal/supervisor"
)

// Client reads a running supervisor's bridge.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL ("host:port" is accepted too).
func NewClient(baseURL string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL != "" && !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

// Workers fetches /workers.
func (c *Client) Workers(ctx context.Context) ([]supervisor.Status, error) {
	var resp WorkersResponse
	if err := c.get(ctx, "/workers", &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("eventbridge: build request: %w", err)
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("eventbridge: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if msg := body["error"]; msg != "" {
			return fmt.Errorf("eventbridge: GET %s: %s (%d)", path, msg, resp.StatusCode)
		}
		return fmt.Errorf("eventbridge: GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("eventbridge: decode %s: %w", path, err)
	}
	return nil
}
