package readiness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultCheckTimeout = 5 * time.Second

// HTTPDoer is the subset of *http.Client used by HTTPCheck.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPCheck is ready when a GET of url answers with a 2xx status. Transport
// errors and other statuses are reported as not ready.
func HTTPCheck(url string, client HTTPDoer) CheckFunc {
	if client == nil {
		client = &http.Client{Timeout: defaultCheckTimeout}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return nil
	}
}
