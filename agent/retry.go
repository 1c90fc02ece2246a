package main

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// maxRetryAfter bounds how long a server-requested pause may hold up a cycle.
const maxRetryAfter = time.Minute

// retrier repeats transient failures with exponential backoff and jitter.
type retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
}

func newRetrier(initialMs, maxMs, maxRetries int) *retrier {
	if initialMs <= 0 {
		initialMs = 500
	}
	maxMs = max(maxMs, initialMs)
	return &retrier{
		initial:    time.Duration(initialMs) * time.Millisecond,
		max:        time.Duration(maxMs) * time.Millisecond,
		maxRetries: max(maxRetries, 0),
	}
}

func (r *retrier) do(ctx context.Context, fn func() error, retryable func(error) bool) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || attempt >= r.maxRetries || !retryable(err) {
			return err
		}

		delay, ok := r.delay(err, attempt)
		if !ok {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("Retrying request")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// delay picks the pause before the next attempt. A Retry-After beyond maxRetryAfter
// ends the retries so the cycle can report its failure.
func (r *retrier) delay(err error, attempt int) (time.Duration, bool) {
	d := backoffWithJitter(r.initial, r.max, attempt)
	var statusErr retryableStatusError
	if errors.As(err, &statusErr) && statusErr.retryAfter > 0 {
		if statusErr.retryAfter > maxRetryAfter {
			return 0, false
		}
		d = max(d, statusErr.retryAfter)
	}
	return d, true
}

func backoffWithJitter(initial, maxDelay time.Duration, attempt int) time.Duration {
	b := math.Min(float64(initial)*math.Pow(2, float64(attempt)), float64(maxDelay))
	half := b / 2
	return time.Duration(half + rand.Float64()*half)
}

// isRetryableHTTP treats network failures and 5xx/429 answers as transient.
func isRetryableHTTP(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	var statusErr retryableStatusError
	return errors.As(err, &netErr) || errors.As(err, &statusErr)
}

func isRetryableStatus(status int) bool {
	return status >= 500 && status < 600 || status == http.StatusTooManyRequests
}

type retryableStatusError struct {
	status     int
	retryAfter time.Duration
}

func newRetryableStatusError(resp *http.Response) retryableStatusError {
	e := retryableStatusError{status: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.retryAfter = time.Duration(secs) * time.Second
	}
	return e
}

func (e retryableStatusError) Error() string {
	return http.StatusText(e.status)
}
