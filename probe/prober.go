package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 8 * time.Second

// Result classifies one health probe.
type Result struct {
	Healthy bool
	Reason  string
	Status  int
	Payload map[string]interface{}
}

func Unhealthy(reason string) Result {
	return Result{Reason: reason}
}

// Prober issues GET {baseURL}/api/health against a sandbox. The bypass
// header keeps the target's own middleware from rewriting the probe
// back through the gateway.
type Prober struct {
	Client  *http.Client
	Timeout time.Duration
}

func (p *Prober) Probe(ctx context.Context, baseURL, role string) Result {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := strings.TrimRight(baseURL, "/") + "/api/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Unhealthy(fmt.Sprintf("health probe (%s): %v", role, err))
	}
	req.Header.Set("User-Agent", "sandbox-watchdog/1.0")
	req.Header.Set("x-sandbox-bypass", "true")

	resp, err := client.Do(req)
	if err != nil {
		return Unhealthy(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return Result{Reason: fmt.Sprintf("health-status-%d", resp.StatusCode), Status: resp.StatusCode}
	}

	payload := map[string]interface{}{}
	body, err := io.ReadAll(resp.Body)
	if err == nil {
		// A malformed body is not a failed check.
		json.Unmarshal(body, &payload)
	}
	return Result{Healthy: true, Status: resp.StatusCode, Payload: payload}
}
