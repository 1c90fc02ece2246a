package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffWithJitterBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	maxDelay := 800 * time.Millisecond
	for attempt := 0; attempt < 6; attempt++ {
		delay := backoffWithJitter(initial, maxDelay, attempt)
		require.GreaterOrEqual(t, delay, initial/2)
		require.LessOrEqual(t, delay, maxDelay)
	}
}

func TestRetrierStopsAfterSuccess(t *testing.T) {
	r := newRetrier(1, 2, 3)
	var attempts int
	err := r.do(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return retryableStatusError{status: http.StatusServiceUnavailable}
		}
		return nil
	}, isRetryableHTTP)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetrierGivesUpOnPermanentError(t *testing.T) {
	r := newRetrier(1, 2, 5)
	var attempts int
	permanent := errors.New("invalid identifier")
	err := r.do(context.Background(), func() error {
		attempts++
		return permanent
	}, isRetryableHTTP)
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, attempts)
}

func TestRetrierHonoursCancellation(t *testing.T) {
	r := newRetrier(1000, 1000, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.do(ctx, func() error {
		return retryableStatusError{status: http.StatusBadGateway}
	}, isRetryableHTTP)
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryableHTTP(t *testing.T) {
	require.False(t, isRetryableHTTP(nil))
	require.True(t, isRetryableHTTP(retryableStatusError{status: 503}))
	require.False(t, isRetryableHTTP(errors.New("generic")))
	require.True(t, isRetryableHTTP(&net.DNSError{IsTemporary: true}))

	require.True(t, isRetryableStatus(http.StatusTooManyRequests))
	require.True(t, isRetryableStatus(http.StatusServiceUnavailable))
	require.False(t, isRetryableStatus(http.StatusConflict))
}

func TestRetrierHonoursRetryAfter(t *testing.T) {
	r := newRetrier(1, 2, 3)

	d, ok := r.delay(retryableStatusError{status: http.StatusTooManyRequests, retryAfter: 3 * time.Second}, 0)
	require.True(t, ok)
	require.Equal(t, 3*time.Second, d)

	_, ok = r.delay(retryableStatusError{status: http.StatusTooManyRequests, retryAfter: 2 * maxRetryAfter}, 0)
	require.False(t, ok)

	var attempts int
	err := r.do(context.Background(), func() error {
		attempts++
		return retryableStatusError{status: http.StatusTooManyRequests, retryAfter: time.Hour}
	}, isRetryableHTTP)
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetryableStatusErrorParsesHeader(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set("Retry-After", "7")
	require.Equal(t, 7*time.Second, newRetryableStatusError(resp).retryAfter)

	resp.Header.Set("Retry-After", "Wed, 21 Oct 2015 07:28:00 GMT")
	require.Zero(t, newRetryableStatusError(resp).retryAfter)
}
