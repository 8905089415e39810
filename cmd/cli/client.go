package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"safe-python-sandbox/internal/api"
)

// client talks to the sandbox HTTP API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Body   api.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Body.Error, e.Status, e.Body.Code)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

func (c *client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Body)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *client) execute(ctx context.Context, req api.ExecutionRequest) (*api.ExecutionResponse, error) {
	var resp api.ExecutionResponse
	if err := c.do(ctx, http.MethodPost, "/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) submit(ctx context.Context, req api.ExecutionRequest) (*api.SubmitResponse, error) {
	var resp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/executions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) execution(ctx context.Context, id string) (*api.ExecutionResponse, error) {
	var resp api.ExecutionResponse
	if err := c.do(ctx, http.MethodGet, "/executions/"+id, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) result(ctx context.Context, id string) (*api.ResultResponse, error) {
	var resp api.ResultResponse
	if err := c.do(ctx, http.MethodGet, "/executions/"+id+"/result", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) kill(ctx context.Context, id string) (*api.KillResponse, error) {
	var resp api.KillResponse
	if err := c.do(ctx, http.MethodDelete, "/executions/"+id, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// events streams SSE events for id to fn until the server closes the
// stream or fn returns an error.
func (c *client) events(ctx context.Context, id string, fn func(event, data string) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/executions/"+id+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the per-request timeout.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Body)
		return apiErr
	}

	var event string
	var data []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" {
				if err := fn(event, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}
