package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

const testToken = "admin-token-0123456789"

func newAdminServer(t *testing.T, requests *[]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			reply(w, http.StatusUnauthorized, map[string]any{"status": "fail", "message": "invalid bearer token"})
			return
		}
		*requests = append(*requests, r.Method+" "+r.URL.Path)

		switch r.Method + " " + r.URL.Path {
		case "GET /v1/admin/summary":
			reply(w, http.StatusOK, map[string]any{"agents": 3, "levels": map[string]int{"green": 1, "yellow": 1, "red": 1}})
		case "GET /v1/admin/agents":
			reply(w, http.StatusOK, []map[string]any{
				{"name": "a1", "alert_status": "green", "download_status": "success"},
				{"name": "a2", "alert_status": "yellow-offline_12h"},
			})
		case "POST /v1/admin/agents":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["company"] != "acme" {
				reply(w, http.StatusBadRequest, map[string]any{"status": "fail", "message": "company missing"})
				return
			}
			reply(w, http.StatusCreated, map[string]any{"agent": map[string]any{"name": body["name"]}, "identifier": "bootstrap-1"})
		case "GET /v1/admin/agents/missing":
			reply(w, http.StatusNotFound, map[string]any{"status": "fail", "message": "agent not found"})
		case "DELETE /v1/admin/agents/a1":
			w.WriteHeader(http.StatusNoContent)
		case "POST /v1/admin/evaluate":
			reply(w, http.StatusOK, map[string]any{"status": "success", "result": map[string]any{"agents": 3, "changed": 2, "notified": 1}})
		case "POST /v1/admin/alerts/reset":
			reply(w, http.StatusOK, map[string]any{"status": "success", "reset": 3})
		default:
			reply(w, http.StatusNotFound, map[string]any{"status": "fail", "message": "no route"})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, srv *httptest.Server, token string, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--token", token}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusPrintsLevels(t *testing.T) {
	var requests []string
	srv := newAdminServer(t, &requests)

	out, err := runCLI(t, srv, testToken, "status")
	require.NoError(t, err)
	require.Contains(t, out, "Total Agents:   3")
	require.Contains(t, out, "yellow:")
	require.Equal(t, []string{"GET /v1/admin/summary"}, requests)
}

func TestAgentsListsAlertStatus(t *testing.T) {
	var requests []string
	srv := newAdminServer(t, &requests)

	out, err := runCLI(t, srv, testToken, "agents")
	require.NoError(t, err)
	require.Contains(t, out, "yellow-offline_12h")
	require.Contains(t, out, "never")
}

func TestRegisterSendsFlags(t *testing.T) {
	var requests []string
	srv := newAdminServer(t, &requests)

	out, err := runCLI(t, srv, testToken, "register", "a9", "--company", "acme")
	require.NoError(t, err)
	require.Contains(t, out, "bootstrap-1")

	_, err = runCLI(t, srv, testToken, "register", "a9")
	require.ErrorContains(t, err, "company missing")
}

func TestCommandsSurfaceServerErrors(t *testing.T) {
	var requests []string
	srv := newAdminServer(t, &requests)

	_, err := runCLI(t, srv, testToken, "agent", "missing")
	require.ErrorContains(t, err, "404")

	_, err = runCLI(t, srv, "wrong", "status")
	require.ErrorContains(t, err, "invalid bearer token")
}

func TestEvaluateDeactivateAndReset(t *testing.T) {
	var requests []string
	srv := newAdminServer(t, &requests)

	out, err := runCLI(t, srv, testToken, "evaluate")
	require.NoError(t, err)
	require.Contains(t, out, "Status changes:   2")

	out, err = runCLI(t, srv, testToken, "deactivate", "a1")
	require.NoError(t, err)
	require.Contains(t, out, "Deactivated a1")

	out, err = runCLI(t, srv, testToken, "reset-alerts")
	require.NoError(t, err)
	require.Contains(t, out, "Reset 3 agents")
}
