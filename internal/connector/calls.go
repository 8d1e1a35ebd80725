package connector

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

// CallsConfig points the connector at the call-management API.
type CallsConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// CallsConnector talks to the call-management HTTP API.
type CallsConnector struct {
	cfg    CallsConfig
	client *http.Client
}

func NewCallsConnector(cfg CallsConfig) *CallsConnector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &CallsConnector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *CallsConnector) Description() string {
	return "Query and schedule phone conversations in the call-management system."
}

func (c *CallsConnector) Actions() []Action {
	return []Action{
		{Name: "get_conversation", Description: "Fetch a conversation with its transcript (conversation_id)."},
		{Name: "list_calls", Description: "List recent calls for a contact (contact_id, optional limit)."},
		{Name: "schedule_call", Description: "Schedule an outbound call (contact_id, at as RFC3339, optional purpose)."},
		{Name: "add_note", Description: "Attach a note to a conversation (conversation_id, note)."},
	}
}

func (c *CallsConnector) Execute(ctx context.Context, action string, params map[string]any) (Result, error) {
	if c.cfg.BaseURL == "" {
		return nil, Permanentf("calls: base_url is not configured")
	}
	switch action {
	case "get_conversation":
		if err := requireParams("calls", action, params, "conversation_id"); err != nil {
			return nil, err
		}
		return c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(stringParam(params, "conversation_id")), nil, nil)

	case "list_calls":
		if err := requireParams("calls", action, params, "contact_id"); err != nil {
			return nil, err
		}
		q := url.Values{}
		q.Set("contact_id", stringParam(params, "contact_id"))
		if limit := stringParam(params, "limit"); limit != "" {
			q.Set("limit", limit)
		}
		return c.do(ctx, http.MethodGet, "/calls", q, nil)

	case "schedule_call":
		if err := requireParams("calls", action, params, "contact_id", "at"); err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339, stringParam(params, "at"))
		if err != nil {
			return nil, Permanentf("calls.schedule_call: at must be RFC3339: %v", err)
		}
		body := map[string]any{
			"contact_id":   stringParam(params, "contact_id"),
			"scheduled_at": at.UTC().Format(time.RFC3339),
			"purpose":      stringParam(params, "purpose"),
		}
		return c.do(ctx, http.MethodPost, "/calls", nil, body)

	case "add_note":
		if err := requireParams("calls", action, params, "conversation_id", "note"); err != nil {
			return nil, err
		}
		path := "/conversations/" + url.PathEscape(stringParam(params, "conversation_id")) + "/notes"
		return c.do(ctx, http.MethodPost, path, nil, map[string]any{"note": stringParam(params, "note")})
	}
	return nil, UnknownAction("calls", action)
}

// do performs one API call. Client errors other than 408/429 are permanent.
func (c *CallsConnector) do(ctx context.Context, method, path string, query url.Values, body any) (Result, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, Permanent(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calls: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("calls: read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		err := fmt.Errorf("calls: %s %s: status %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(truncate(data, 512))))
		if res.StatusCode >= 400 && res.StatusCode < 500 &&
			res.StatusCode != http.StatusRequestTimeout && res.StatusCode != http.StatusTooManyRequests {
			return nil, Permanent(err)
		}
		return nil, err
	}

	out := Result{"status_code": res.StatusCode}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("calls: invalid JSON response: %w", err)
	}
	out["data"] = decoded
	return out, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
