package main

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

const apiKeyHeader = "X-API-Key"

// adminClient talks to the /admin surface of a running gateway
type adminClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAdminClient(server, apiKey string, timeout time.Duration) *adminClient {
	return &adminClient{
		baseURL: strings.TrimRight(server, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// problem is the subset of an RFC 7807 body the CLI reports
type problem struct {
	Title   string `json:"title"`
	Status  int    `json:"status"`
	Detail  string `json:"detail"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (p *problem) Error() string {
	msg := p.Message
	if msg == "" {
		msg = p.Detail
	}
	if msg == "" {
		msg = p.Title
	}
	if p.Code != "" {
		return fmt.Sprintf("%s (%d): %s", p.Code, p.Status, msg)
	}
	return fmt.Sprintf("HTTP %d: %s", p.Status, msg)
}

// do sends a request to path under /admin and returns the raw body of a
// 2xx response. Other statuses are decoded as problem details.
func (c *adminClient) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/admin"+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p := &problem{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, p); jsonErr != nil || (p.Message == "" && p.Detail == "" && p.Title == "") {
			p.Message = strings.TrimSpace(string(data))
			if p.Message == "" {
				p.Message = http.StatusText(resp.StatusCode)
			}
		}
		return nil, p
	}
	return data, nil
}
