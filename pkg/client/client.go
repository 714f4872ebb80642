// Package client talks to the coordinator's operator API.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/evalfarm/pkg/api"
	"github.com/psantana5/evalfarm/pkg/models"
)

// Client manages communication with the operator API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises a Client
type Option func(*Client)

// WithToken sends token as a bearer token on every request
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTLS sets the TLS configuration used to reach an HTTPS endpoint
func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) {
		c.httpClient.Transport = &http.Transport{TLSClientConfig: cfg}
	}
}

// NewClient creates a client for the API at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListQuery selects units. Zero values leave a dimension unfiltered.
type ListQuery struct {
	Generation *int
	Trial      float64
	Algo       string
	Hostname   string
	Status     models.UnitStatus
	Best       bool
	Limit      int
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	if q.Generation != nil {
		v.Set("generation", strconv.Itoa(*q.Generation))
	}
	if q.Trial != 0 {
		v.Set("trial", strconv.FormatFloat(q.Trial, 'f', -1, 64))
	}
	if q.Algo != "" {
		v.Set("algo", q.Algo)
	}
	if q.Hostname != "" {
		v.Set("hostname", q.Hostname)
	}
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}
	if q.Best {
		v.Set("sort", "best")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// UnitList is the list response
type UnitList struct {
	Units []*models.EvaluationUnit `json:"units"`
	Count int                      `json:"count"`
}

// ListUnits lists units without their controllers
func (c *Client) ListUnits(ctx context.Context, q ListQuery) (*UnitList, error) {
	var out UnitList
	if err := c.do(ctx, http.MethodGet, "/api/v1/units?"+q.values().Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUnit fetches one unit including its controller
func (c *Client) GetUnit(ctx context.Context, id string) (*models.EvaluationUnit, error) {
	var out models.EvaluationUnit
	if err := c.do(ctx, http.MethodGet, "/api/v1/units/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Requeue resets a unit to pending. It needs the operator token.
func (c *Client) Requeue(ctx context.Context, id string) (*models.EvaluationUnit, error) {
	var out models.EvaluationUnit
	if err := c.do(ctx, http.MethodPost, "/api/v1/units/"+url.PathEscape(id)+"/requeue", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerationSummary counts a generation's units by status. trial 0 means
// the server default.
func (c *Client) GenerationSummary(ctx context.Context, generation int, trial float64, algo string) (*api.GenerationSummaryResponse, error) {
	v := url.Values{}
	if trial != 0 {
		v.Set("trial", strconv.FormatFloat(trial, 'f', -1, 64))
	}
	if algo != "" {
		v.Set("algo", algo)
	}
	var out api.GenerationSummaryResponse
	path := fmt.Sprintf("/api/v1/generations/%d?%s", generation, v.Encode())
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns nil when the coordinator's store answers
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, http.MethodGet, "/health", &out)
}

// StatusError is returned for any non-200 response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to operator API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
