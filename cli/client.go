package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// adminClient talks to the /v1/admin surface of the server.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(baseURL, token string, timeout time.Duration) *adminClient {
	return &adminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type Agent struct {
	Name             string     `json:"name"`
	State            string     `json:"state"`
	Company          string     `json:"company"`
	Location         string     `json:"location"`
	LastTimeOnline   *time.Time `json:"last_time_online"`
	LastDownloadTime *time.Time `json:"last_download_time"`
	LastDownloaded   string     `json:"last_downloaded"`
	DownloadStatus   string     `json:"download_status"`
	AlertStatus      string     `json:"alert_status"`
	SFTPHost         string     `json:"sftp_host"`
	SFTPFolderPath   string     `json:"sftp_folder_path"`
	ManagerHost      string     `json:"manager_host"`
	ClientVersion    string     `json:"client_version"`
}

type Grant struct {
	Agent      Agent  `json:"agent"`
	Identifier string `json:"identifier"`
}

type Summary struct {
	Agents  int            `json:"agents"`
	Levels  map[string]int `json:"levels"`
	Skipped int64          `json:"skipped_ticks"`
}

type Rule struct {
	Name        string        `json:"name"`
	Kind        string        `json:"kind"`
	Threshold   time.Duration `json:"threshold"`
	Priority    int           `json:"priority"`
	AlertStatus string        `json:"alert_status"`
	ToAddresses string        `json:"to_addresses"`
}

type EvaluateResult struct {
	Agents    int    `json:"agents"`
	Changed   int    `json:"changed"`
	Notified  int    `json:"notified"`
	FleetRule string `json:"fleet_rule"`
}

func (c *adminClient) summary(ctx context.Context) (*Summary, error) {
	var s Summary
	return &s, c.do(ctx, http.MethodGet, "/v1/admin/summary", nil, &s)
}

func (c *adminClient) agents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	return agents, c.do(ctx, http.MethodGet, "/v1/admin/agents", nil, &agents)
}

func (c *adminClient) agent(ctx context.Context, name string) (*Agent, error) {
	var a Agent
	return &a, c.do(ctx, http.MethodGet, "/v1/admin/agents/"+url.PathEscape(name), nil, &a)
}

func (c *adminClient) register(ctx context.Context, spec map[string]string) (*Grant, error) {
	var g Grant
	return &g, c.do(ctx, http.MethodPost, "/v1/admin/agents", spec, &g)
}

func (c *adminClient) reissue(ctx context.Context, name string) (*Grant, error) {
	var g Grant
	return &g, c.do(ctx, http.MethodPost, "/v1/admin/agents/"+url.PathEscape(name)+"/reissue", nil, &g)
}

func (c *adminClient) deactivate(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/admin/agents/"+url.PathEscape(name), nil, nil)
}

func (c *adminClient) evaluate(ctx context.Context) (*EvaluateResult, error) {
	var out struct {
		Result EvaluateResult `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/admin/evaluate", nil, &out); err != nil {
		return nil, err
	}
	return &out.Result, nil
}

func (c *adminClient) resetAlerts(ctx context.Context) (int64, error) {
	var out struct {
		Reset int64 `json:"reset"`
	}
	return out.Reset, c.do(ctx, http.MethodPost, "/v1/admin/alerts/reset", nil, &out)
}

func (c *adminClient) rules(ctx context.Context) ([]Rule, error) {
	var rules []Rule
	return rules, c.do(ctx, http.MethodGet, "/v1/admin/rules", nil, &rules)
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var fail struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &fail) == nil && fail.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, fail.Message)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
