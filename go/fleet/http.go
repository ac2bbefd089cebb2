// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient implements Client against a Machines-style REST API:
//
//	GET  /v1/apps/{app}/machines
//	GET  /v1/apps/{app}/machines/{id}
//	POST /v1/apps/{app}/machines
//	POST /v1/apps/{app}/machines/{id}/start
//
// Requests are authenticated with a bearer token.
type HTTPClient struct {
	baseURL string
	appName string
	token   string
	client  *http.Client
}

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	// BaseURL is the API root, e.g. "https://api.machines.dev".
	BaseURL string

	// AppName scopes every request to one fleet.
	AppName string

	// Token is the API bearer token.
	Token string

	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration
}

// NewHTTPClient creates a fleet API client.
func NewHTTPClient(config HTTPClientConfig) (*HTTPClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("fleet API base URL is required")
	}
	if config.AppName == "" {
		return nil, fmt.Errorf("fleet app name is required")
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: config.BaseURL,
		appName: config.AppName,
		token:   config.Token,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// ListInstances implements Client.
func (c *HTTPClient) ListInstances(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	if err := c.do(ctx, http.MethodGet, c.machinesPath(""), nil, &instances); err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	return instances, nil
}

// GetInstance implements Client.
func (c *HTTPClient) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var instance Instance
	if err := c.do(ctx, http.MethodGet, c.machinesPath(id), nil, &instance); err != nil {
		return nil, fmt.Errorf("getting instance %s: %w", id, err)
	}
	return &instance, nil
}

// StartInstance implements Client.
func (c *HTTPClient) StartInstance(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, c.machinesPath(id)+"/start", nil, nil); err != nil {
		return fmt.Errorf("starting instance %s: %w", id, err)
	}
	return nil
}

// CreateInstance implements Client.
func (c *HTTPClient) CreateInstance(ctx context.Context, req CreateRequest) (*Instance, error) {
	var instance Instance
	if err := c.do(ctx, http.MethodPost, c.machinesPath(""), req, &instance); err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}
	return &instance, nil
}

func (c *HTTPClient) machinesPath(id string) string {
	p := fmt.Sprintf("/v1/apps/%s/machines", url.PathEscape(c.appName))
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

// do issues one API request, encoding body as JSON when present and decoding
// the response into out when non-nil.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Bodies on error responses are short JSON blobs; keep a bounded
		// amount for the error message.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(detail))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
