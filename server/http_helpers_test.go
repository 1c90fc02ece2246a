package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/backupwatch/pkg/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWithRequestContextSetsID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	baseLogger := zerolog.Nop()
	r := gin.New()
	r.Use(withRequestContext(baseLogger))
	r.GET("/ping", func(c *gin.Context) {
		require.NotEmpty(t, requestID(c))
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.NotEmpty(t, resp.Header().Get(requestIDHeader))
}

func TestWithRequestContextKeepsCallerID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withRequestContext(zerolog.Nop()))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "caller-id")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, "caller-id", resp.Header().Get(requestIDHeader))
}

func TestRespondErrorIncludesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	baseLogger := zerolog.Nop()
	r := gin.New()
	r.Use(withRequestContext(baseLogger))
	r.GET("/fail", func(c *gin.Context) {
		respondError(c, http.StatusBadRequest, "boom", baseLogger)
	})

	req := httptest.NewRequest(http.MethodGet, "/fail", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	id := resp.Header().Get(requestIDHeader)
	require.NotEmpty(t, id)

	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "fail", body["status"])
	require.Equal(t, "boom", body["message"])
	require.Equal(t, id, body["request_id"])
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{registry.ErrUnknownAgent, http.StatusNotFound},
		{fmt.Errorf("rotate: %w", registry.ErrInvalidIdentifier), http.StatusUnauthorized},
		{registry.ErrConcurrentModification, http.StatusConflict},
		{registry.ErrAgentExists, http.StatusConflict},
		{registry.Transient(errors.New("deadline")), http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, message := statusForError(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
		require.NotEmpty(t, message)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	require.True(t, rl.Allow("k", 2, time.Minute))
	require.True(t, rl.Allow("k", 2, time.Minute))
	require.False(t, rl.Allow("k", 2, time.Minute))
	require.True(t, rl.Allow("other", 2, time.Minute))
	require.True(t, rl.Allow("k", 0, time.Minute))

	now = now.Add(20 * time.Second)
	require.Equal(t, 40*time.Second, rl.RetryAfter("k"))
	require.Zero(t, rl.RetryAfter("unknown"))

	now = now.Add(41 * time.Second)
	require.Equal(t, 2, rl.Prune())
	require.Zero(t, rl.Stats().Keys)
	require.True(t, rl.Allow("k", 2, time.Minute))
}
