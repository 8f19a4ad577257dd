package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dan-fein/sandbox-bootstrap-next/model"
	"github.com/dan-fein/sandbox-bootstrap-next/saga"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			// Ticks provision and wait for readiness; give them room.
			Timeout: 15 * time.Minute,
		},
	}
}

func (c *Client) State() (*model.SandboxState, error) {
	var state model.SandboxState
	if err := c.get("/api/state", &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) Rotations() ([]saga.Event, error) {
	var events []saga.Event
	if err := c.get("/api/rotations", &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) Health() (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if err := c.get("/api/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Tick triggers one watchdog pass and returns the response body.
func (c *Client) Tick(force bool) (string, error) {
	u := c.BaseURL + "/watchdog"
	if force {
		u += "?force=true"
	}
	req, err := http.NewRequest(http.MethodPost, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("x-sandbox-bypass", "true")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK {
		return msg, fmt.Errorf("watchdog returned %d: %s", resp.StatusCode, msg)
	}
	return msg, nil
}

func (c *Client) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-sandbox-bypass", "true")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
