// Package openvidu is a minimal client for the call-session provisioning
// service used by video-call tasks.
package openvidu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const basicAuthUser = "OPENVIDUAPP"

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned for non-2xx responses other than the "session
// already exists" conflict.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openvidu %s: status %d: %s", e.Op, e.Code, e.Body)
}

type Client struct {
	baseURL string
	secret  string
	client  HTTPClient
}

func New(baseURL, secret string, client HTTPClient) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), secret: secret, client: client}
}

// CreateSession creates a routed session named customID. A 409 means the
// session already exists and customID is returned unchanged.
func (c *Client) CreateSession(ctx context.Context, customID string) (string, error) {
	body := map[string]any{
		"mediaMode":       "ROUTED",
		"recordingMode":   "MANUAL",
		"customSessionId": customID,
	}
	var out struct {
		SessionID string `json:"sessionId"`
		ID        string `json:"id"`
	}
	code, err := c.post(ctx, "create session", "/openvidu/api/sessions", body, &out)
	if code == http.StatusConflict {
		return customID, nil
	}
	if err != nil {
		return "", err
	}
	if out.SessionID != "" {
		return out.SessionID, nil
	}
	if out.ID != "" {
		return out.ID, nil
	}
	return customID, nil
}

// CreateConnectionToken requests a token for one participant. data is
// attached to the connection (the journey id).
func (c *Client) CreateConnectionToken(ctx context.Context, sessionID, data string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	path := "/openvidu/api/sessions/" + url.PathEscape(sessionID) + "/connection"
	if _, err := c.post(ctx, "create connection", path, map[string]any{"data": data}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("openvidu create connection: empty token")
	}
	return out.Token, nil
}

func (c *Client) post(ctx context.Context, op, path string, body any, out any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("openvidu %s: encode: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return 0, fmt.Errorf("openvidu %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(basicAuthUser, c.secret)
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("openvidu %s: %w", op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("openvidu %s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if len(data) > 0 && out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("openvidu %s: decode: %w", op, err)
		}
	}
	return resp.StatusCode, nil
}
