package actuation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Actuator performs the external unlock call.
type Actuator interface {
	Actuate(ctx context.Context, target string) error
}

// HTTPActuator issues GET http://<target><path>. Any 2xx status is success.
type HTTPActuator struct {
	client *http.Client
	path   string
}

// NewHTTPActuator creates an actuator calling path on the target host.
// timeout bounds each call in addition to the caller's context.
func NewHTTPActuator(path string, timeout time.Duration) *HTTPActuator {
	if path == "" {
		path = "/unlock"
	}
	return &HTTPActuator{
		client: &http.Client{Timeout: timeout},
		path:   path,
	}
}

// URL returns the endpoint called for target.
func (a *HTTPActuator) URL(target string) string {
	target = strings.TrimRight(target, "/")
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	return target + a.path
}

// Actuate implements Actuator.
func (a *HTTPActuator) Actuate(ctx context.Context, target string) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("no actuation target configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL(target), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
