// Package remoteclient is a concurrency-safe HTTP client for the remote
// relational store's PostgREST-style upsert/select/delete API. It
// distinguishes rate-limit failures from other client and server errors so
// the Dispatcher can apply backoff only where appropriate.
package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrKind distinguishes the failure modes a caller must branch on; RateLimit
// is handled specially by the Dispatcher's backoff loop.
type ErrKind string

const (
	ErrNone      ErrKind = ""
	ErrRateLimit ErrKind = "rate_limit"
	ErrClient    ErrKind = "client_error"
	ErrServer    ErrKind = "server_error"
	ErrTimeout   ErrKind = "timeout"
	ErrTransport ErrKind = "transport_error"
)

// UpsertResult is the outcome of an Upsert call.
type UpsertResult struct {
	Success    bool
	Count      int
	Kind       ErrKind
	Error      string
	RetryAfter time.Duration // only meaningful when Kind == ErrRateLimit
	Status     int
}

// Client is a pooled HTTP client over the remote store's REST endpoint.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New constructs a Client. baseURL is the store root (e.g.
// "https://store.example.com"); secret is used both as the "apikey" header
// value and to sign the bearer JWT sent with every request, matching the
// self-hosted PostgREST/Supabase auth convention. requestsPerSecond caps the
// outbound call rate client-side so a burst of dispatches (e.g. the initial
// scan) does not itself trigger the remote store's rate limiting; 0 leaves
// the rate unbounded.
func New(baseURL, secret string, timeout time.Duration, requestsPerSecond float64) *Client {
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/rest/v1",
		secret:  secret,
		limiter: limiter,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// wait blocks until the client-side limiter admits the next request, or
// returns ctx's error if it is cancelled first. A nil limiter never blocks.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// bearerToken signs a short-lived HS256 JWT carrying issued-at, a
// five-minute expiry and role "service", matching the "Authorization: Bearer <token>"
// contract the remote store expects alongside the raw apikey header.
func (c *Client) bearerToken() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"role": "service",
	})
	return token.SignedString([]byte(c.secret))
}

func (c *Client) setHeaders(req *http.Request, prefer string) error {
	tok, err := c.bearerToken()
	if err != nil {
		return fmt.Errorf("remoteclient: sign token: %w", err)
	}
	req.Header.Set("apikey", c.secret)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	return nil
}

// Upsert posts records as a JSON array with a merge-on-conflict Prefer
// header and the given conflict key. Empty input returns success without a
// network call.
func (c *Client) Upsert(ctx context.Context, table string, records []map[string]any, onConflict string) UpsertResult {
	if len(records) == 0 {
		return UpsertResult{Success: true, Count: 0}
	}
	if err := c.wait(ctx); err != nil {
		return UpsertResult{Success: false, Kind: ErrTransport, Error: err.Error()}
	}

	body, err := json.Marshal(records)
	if err != nil {
		return UpsertResult{Success: false, Kind: ErrTransport, Error: err.Error()}
	}

	u := fmt.Sprintf("%s/%s?on_conflict=%s", c.baseURL, table, url.QueryEscape(onConflict))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return UpsertResult{Success: false, Kind: ErrTransport, Error: err.Error()}
	}
	if err := c.setHeaders(req, "resolution=merge-duplicates,return=minimal"); err != nil {
		return UpsertResult{Success: false, Kind: ErrTransport, Error: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	return classifyResponse(resp, len(records))
}

// Select issues a GET with eq.-encoded filters and returns the decoded rows.
func (c *Client) Select(ctx context.Context, table string, columns []string, filters map[string]string, limit int) ([]map[string]any, UpsertResult) {
	if err := c.wait(ctx); err != nil {
		return nil, UpsertResult{Kind: ErrTransport, Error: err.Error()}
	}
	q := url.Values{}
	if len(columns) > 0 {
		q.Set("select", strings.Join(columns, ","))
	}
	for k, v := range filters {
		q.Set(k, "eq."+v)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	u := fmt.Sprintf("%s/%s?%s", c.baseURL, table, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, UpsertResult{Kind: ErrTransport, Error: err.Error()}
	}
	if err := c.setHeaders(req, ""); err != nil {
		return nil, UpsertResult{Kind: ErrTransport, Error: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if result := classifyResponse(resp, 0); !result.Success {
		return nil, result
	}

	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, UpsertResult{Kind: ErrTransport, Error: err.Error()}
	}
	return rows, UpsertResult{Success: true, Count: len(rows)}
}

// Delete issues a DELETE with eq.-encoded filters.
func (c *Client) Delete(ctx context.Context, table string, filters map[string]string) UpsertResult {
	if err := c.wait(ctx); err != nil {
		return UpsertResult{Kind: ErrTransport, Error: err.Error()}
	}
	q := url.Values{}
	for k, v := range filters {
		q.Set(k, "eq."+v)
	}

	u := fmt.Sprintf("%s/%s?%s", c.baseURL, table, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return UpsertResult{Kind: ErrTransport, Error: err.Error()}
	}
	if err := c.setHeaders(req, "return=representation"); err != nil {
		return UpsertResult{Kind: ErrTransport, Error: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	result := classifyResponse(resp, 0)
	if !result.Success {
		return result
	}
	var rows []map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&rows)
	result.Count = len(rows)
	return result
}

// HealthCheck performs a liveness probe, classifying 200 and 400 as
// "reachable" (PostgREST returns 400 for a malformed root query on a live
// server, which is still evidence the store is up).
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	if err := c.setHeaders(req, ""); err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusBadRequest
}

// WaitUntilReachable retries HealthCheck with a bounded exponential backoff,
// used during Agent startup so a transient outage at boot does not
// immediately crash the process.
func (c *Client) WaitUntilReachable(ctx context.Context, maxRetries uint64) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.Retry(func() error {
		if c.HealthCheck(ctx) {
			return nil
		}
		return errors.New("remote store unreachable")
	}, b)
}

func classifyResponse(resp *http.Response, recordCount int) UpsertResult {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return UpsertResult{Success: true, Count: recordCount, Status: status}
	case status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return UpsertResult{Success: false, Kind: ErrRateLimit, Status: status, RetryAfter: retryAfter}
	case status >= 400 && status < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return UpsertResult{Success: false, Kind: ErrClient, Status: status, Error: string(body)}
	default:
		return UpsertResult{Success: false, Kind: ErrServer, Status: status, Error: fmt.Sprintf("server %d", status)}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func classifyTransportError(err error) UpsertResult {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return UpsertResult{Success: false, Kind: ErrTimeout, Error: "timeout"}
	}
	return UpsertResult{Success: false, Kind: ErrTransport, Error: err.Error()}
}
