// Package apiclient talks to the remote tracking API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/X2k16/tracking-firmware/internal/middleware"
	"github.com/X2k16/tracking-firmware/internal/models"
)

// APIKeyHeader carries the static API key on every request.
const APIKeyHeader = "X-API-KEY"

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

// ErrMalformedResponse is returned when a 2xx response body is not JSON.
var ErrMalformedResponse = errors.New("malformed response")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tracking api response status %d", e.Code)
	}
	return fmt.Sprintf("tracking api response status %d: %s", e.Code, e.Body)
}

// Response is a successful API reply.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New constructs a new Client. baseURL is the API root, e.g.
// https://ticket.cross-party.com/tracking/internalapi.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// PostTouch sends one touch to POST {base}/touches/.
func (c *Client) PostTouch(ctx context.Context, touch models.Touch) (*Response, error) {
	if c == nil {
		return nil, fmt.Errorf("tracking api client not configured")
	}
	return c.do(ctx, http.MethodPost, c.baseURL+"/touches/", touch)
}

// Heartbeat reports liveness with PUT {base}/clients/{id}.
func (c *Client) Heartbeat(ctx context.Context, clientID int64) (*Response, error) {
	if c == nil {
		return nil, fmt.Errorf("tracking api client not configured")
	}
	return c.do(ctx, http.MethodPut, c.baseURL+"/clients/"+strconv.FormatInt(clientID, 10), struct{}{})
}

func (c *Client) do(ctx context.Context, method, url string, body interface{}) (*Response, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set(APIKeyHeader, c.apiKey)
	if reqID := middleware.GetRequestID(ctx); reqID != "" {
		request.Header.Set(middleware.RequestIDHeader, reqID)
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	trimmed := bytes.TrimSpace(respBody)
	if len(trimmed) > 0 && !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: status %d", ErrMalformedResponse, resp.StatusCode)
	}

	return &Response{StatusCode: resp.StatusCode, Body: json.RawMessage(trimmed)}, nil
}
