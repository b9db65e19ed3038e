// Package api defines the JSON bodies exchanged with the broker's admin HTTP
// endpoints and small helpers for calling them.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// Entry is one registered connection, as listed by GET /status and returned
// by GET /peers/{identity}.
type Entry struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
	Topic    string `json:"topic"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Publishers  int     `json:"publishers"`
	Subscribers int     `json:"subscribers"`
	Entries     []Entry `json:"entries"`
}

// TopicInfo combines a topic's current registrations with its lifetime
// message counters.
type TopicInfo struct {
	Topic       string `json:"topic"`
	Publishers  int    `json:"publishers"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
}

// TopicsResponse is returned by GET /topics.
type TopicsResponse struct {
	Topics []TopicInfo `json:"topics"`
}

// PublishRequest is the body of POST /publish.
type PublishRequest struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// PublishResponse reports how many subscribers received a REST publish.
type PublishResponse struct {
	Topic     string `json:"topic"`
	Message   string `json:"message"`
	Delivered int    `json:"delivered"`
}

// ErrorResponse is the body of every non-2xx admin response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusError is returned by the helpers for a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %s: %d: %s", e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends body as JSON and decodes the response into out, if out is
// not nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		serr := &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode}
		var body ErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body) == nil {
			serr.Message = body.Error
		}
		return serr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
