package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// apiError is a fail answer from the server.
type apiError struct {
	status  int
	message string
	rmcreds bool
}

func (e *apiError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("server returned %d", e.status)
	}
	return fmt.Sprintf("server returned %d: %s", e.status, e.message)
}

// credentialsRejected reports whether err means the cached identifier can never work again.
func credentialsRejected(err error) bool {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.rmcreds || apiErr.status == http.StatusUnauthorized || apiErr.status == http.StatusNotFound
}

type apiClient struct {
	baseURL string
	http    *http.Client
	retrier *retrier
}

func newAPIClient(baseURL string, timeout time.Duration, r *retrier) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		retrier: r,
	}
}

type failBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	RmCreds any    `json:"rmcreds"`
}

// post sends body as JSON and decodes a success answer into out. Transport failures
// and 5xx/429 answers are retried; fail answers come back as *apiError.
func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.retrier.do(ctx, func() error {
		return c.postOnce(ctx, path, payload, out)
	}, isRetryableHTTP)
}

func (c *apiClient) postOnce(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if isRetryableStatus(resp.StatusCode) {
		return fmt.Errorf("%s: %w", path, newRetryableStatusError(resp))
	}
	if resp.StatusCode != http.StatusOK {
		var fail failBody
		_ = json.Unmarshal(data, &fail)
		return &apiError{
			status:  resp.StatusCode,
			message: fail.Message,
			rmcreds: fail.RmCreds != nil && fail.RmCreds != false,
		}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// ping checks that the server answers and reports the clock offset taken from its Date header.
func (c *apiClient) ping(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	serverTime, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		return 0, nil
	}
	return time.Since(serverTime), nil
}
