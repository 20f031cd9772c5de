// Package share mints expiring public links to documents. Client calls a
// share endpoint over HTTP; Service is the endpoint itself.
package share

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Request struct {
	DocID         string `json:"docId"`
	ExpiresInDays int    `json:"expiresInDays"`
	RequireAuth   bool   `json:"requireAuth"`
	Watermark     bool   `json:"watermark"`
	Password      string `json:"password,omitempty"`
}

type Response struct {
	ID          string    `json:"id,omitempty"`
	ShareURL    string    `json:"shareUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
	RequireAuth bool      `json:"requireAuth"`
	Watermark   bool      `json:"watermark"`
}

// Error is a non-2xx answer from the share endpoint. Error() is the server's
// message unchanged.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

type Client struct {
	endpoint   string
	httpClient *http.Client
}

func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{endpoint: strings.TrimSpace(endpoint), httpClient: httpClient}
}

// CreateShareLink posts req to the endpoint. authorization, when set, is sent
// as the Authorization header so the endpoint sees the caller's identity.
func (c *Client) CreateShareLink(ctx context.Context, authorization string, req Request) (Response, error) {
	if c.endpoint == "" {
		return Response{}, fmt.Errorf("share endpoint is not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode share request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build share request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		httpReq.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("share request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read share response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		message := http.StatusText(resp.StatusCode)
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			message = payload.Error
		}
		return Response{}, &Error{Status: resp.StatusCode, Message: message}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("decode share response: %w", err)
	}
	if out.ShareURL == "" {
		return Response{}, fmt.Errorf("share response missing shareUrl")
	}
	return out, nil
}
