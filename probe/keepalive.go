package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Pinger nudges the active sandbox so its host does not idle it out.
// Best-effort: callers log failures and move on.
type Pinger struct {
	Token  string
	Client *http.Client
}

func (p *Pinger) Ping(ctx context.Context, baseURL string) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	u := strings.TrimRight(baseURL, "/") + "/internal/keepalive"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-keepalive-token", p.Token)
	req.Header.Set("User-Agent", "sandbox-keepalive/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("keepalive status %d", resp.StatusCode)
	}
	return nil
}
