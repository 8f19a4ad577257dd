package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// EdgeConfig talks to the hosted edge-config API. Items are read one
// key at a time; mutations go through the batched PATCH endpoint,
// which applies all items in a single request.
type EdgeConfig struct {
	BaseURL    string
	ID         string
	Token      string
	HTTPClient *http.Client
}

func NewEdgeConfig(baseURL, id, token string) *EdgeConfig {
	return &EdgeConfig{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ID:         id,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *EdgeConfig) Read(ctx context.Context, key string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/v1/edge-config/%s/item/%s", e.BaseURL, e.ID, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.Token)

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("edge-config read %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("edge-config read %s: %w", key, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("edge-config read %s: status %d: %s", key, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(bytes.TrimSpace(body)) == 0 || string(bytes.TrimSpace(body)) == "null" {
		return nil, nil
	}
	return json.RawMessage(body), nil
}

func (e *EdgeConfig) ReadFirst(ctx context.Context, keys ...string) (json.RawMessage, error) {
	return readFirst(ctx, e, keys)
}

func (e *EdgeConfig) Apply(ctx context.Context, ops []Op) error {
	payload, err := json.Marshal(map[string]interface{}{"items": ops})
	if err != nil {
		return fmt.Errorf("edge-config apply: %w", err)
	}

	u := fmt.Sprintf("%s/v1/edge-config/%s/items", e.BaseURL, e.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+e.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("edge-config apply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return &WriteError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}
