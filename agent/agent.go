package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/haasonsaas/backupwatch/pkg/auth"
	"github.com/haasonsaas/backupwatch/pkg/config"
	"github.com/haasonsaas/backupwatch/pkg/snapshot"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// errNeedsRegistration means the agent holds no usable identifier and waits for the operator.
var errNeedsRegistration = errors.New("agent needs re-registration")

const maxClockDrift = 5 * time.Minute

type Agent struct {
	config  *config.AgentConfig
	client  *apiClient
	scanner *snapshot.Scanner
	now     func() time.Time

	// rejected is the last identifier the server refused; it is never presented again.
	rejected string
}

func newAgent(cfg *config.AgentConfig) *Agent {
	return &Agent{
		config: cfg,
		client: newAPIClient(cfg.Server.URL, cfg.RequestTimeoutDuration(),
			newRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries)),
		scanner: snapshot.NewScanner(time.Duration(cfg.Storage.ScanTimeout)*time.Second, cfg.Storage.MaxFiles),
		now:     time.Now,
	}
}

type grantResponse struct {
	Status     string         `json:"status"`
	Identifier string         `json:"identifier"`
	Config     map[string]any `json:"config"`
}

// preflight logs whether the server is reachable and how far the local clock drifts from it.
func (a *Agent) preflight(ctx context.Context) {
	drift, err := a.client.ping(ctx)
	if err != nil {
		log.Warn().Err(err).Str("server", a.config.Server.URL).Msg("Server unreachable")
		return
	}
	if drift > maxClockDrift || drift < -maxClockDrift {
		log.Warn().Dur("drift", drift).Msg("Local clock differs from server clock")
		return
	}
	log.Info().Str("server", a.config.Server.URL).Msg("Server reachable")
}

// cycle runs one check-in: identifier exchange, folder scan and status reports.
func (a *Agent) cycle(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "agent.cycle")
	defer span.End()

	err := a.runCycle(ctx)
	if err != nil && !errors.Is(err, errNeedsRegistration) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (a *Agent) runCycle(ctx context.Context) error {
	presented, err := a.currentIdentifier()
	if err != nil {
		return err
	}

	creds, err := a.exchange(ctx, presented)
	if err != nil {
		return err
	}

	if a.config.Storage.Path == "" {
		return a.reportOnline(ctx, creds.Identifier)
	}

	scanCtx, scanSpan := otel.Tracer(tracerName).Start(ctx, "agent.scan")
	result, err := a.scanner.Scan(scanCtx, a.config.Storage.Path)
	if err != nil {
		scanSpan.RecordError(err)
		scanSpan.End()
		log.Error().Err(err).Str("path", a.config.Storage.Path).Msg("Storage scan failed")
		return a.reportDownload(ctx, creds.Identifier, "error", "", false)
	}
	scanSpan.SetAttributes(attribute.Int("snapshot.files", len(result.Files)))
	scanSpan.End()
	for path, msg := range result.Errors {
		log.Warn().Str("file", path).Str("error", msg).Msg("File could not be hashed")
	}

	if !snapshot.Changed(creds.Checksums, result.Files) {
		return a.reportOnline(ctx, creds.Identifier)
	}
	last := newest(creds.Checksums, result.Files)

	if err := a.client.post(ctx, "/v1/downloads/checksum", map[string]any{
		"identifier":     creds.Identifier,
		"files_checksum": result.Files,
	}, nil); err != nil {
		return fmt.Errorf("report checksum: %w", err)
	}
	creds.Checksums = result.Files
	creds.UpdatedAt = a.now().UTC()
	if err := creds.Save(a.config.Agent.CredentialsPath); err != nil {
		log.Warn().Err(err).Msg("Failed to cache checksums")
	}

	return a.reportDownload(ctx, creds.Identifier, "success", last, true)
}

// currentIdentifier returns the cached identifier, or the bootstrap identifier when none is cached.
func (a *Agent) currentIdentifier() (string, error) {
	creds, err := auth.LoadCredentials(a.config.Agent.CredentialsPath)
	switch {
	case err == nil:
		return creds.Identifier, nil
	case errors.Is(err, auth.ErrNoCredentials):
	default:
		return "", fmt.Errorf("load credentials: %w", err)
	}

	bootstrap := a.config.Agent.BootstrapIdentifier
	if bootstrap == "" || bootstrap == a.rejected {
		log.Warn().Str("agent", a.config.Agent.Name).Msg("No usable identifier, waiting for re-registration")
		return "", errNeedsRegistration
	}
	return bootstrap, nil
}

// exchange trades presented for a fresh identifier and persists it before anything else happens.
func (a *Agent) exchange(ctx context.Context, presented string) (*auth.Credentials, error) {
	var grant grantResponse
	err := a.client.post(ctx, "/v1/credentials", map[string]string{
		"agent_name": a.config.Agent.Name,
		"identifier": presented,
	}, &grant)
	if err != nil {
		if credentialsRejected(err) {
			a.rejected = presented
			if discardErr := auth.Discard(a.config.Agent.CredentialsPath); discardErr != nil {
				log.Error().Err(discardErr).Msg("Failed to discard credentials")
			}
			log.Warn().Err(err).Str("agent", a.config.Agent.Name).Msg("Credentials rejected, local credentials removed")
			return nil, errors.Join(errNeedsRegistration, err)
		}
		return nil, fmt.Errorf("exchange identifier: %w", err)
	}
	if grant.Identifier == "" {
		return nil, errors.New("exchange identifier: empty identifier in response")
	}

	creds := &auth.Credentials{
		AgentName:  a.config.Agent.Name,
		Identifier: grant.Identifier,
		Config:     grant.Config,
		Checksums:  remoteChecksums(grant.Config),
		UpdatedAt:  a.now().UTC(),
	}
	if err := creds.Save(a.config.Agent.CredentialsPath); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}
	log.Info().Str("agent", a.config.Agent.Name).Msg("Credentials refreshed")
	return creds, nil
}

func (a *Agent) reportOnline(ctx context.Context, identifier string) error {
	body := map[string]any{
		"identifier":       identifier,
		"last_time_online": a.now().UTC(),
	}
	if err := a.client.post(ctx, "/v1/downloads/last_time", body, nil); err != nil {
		return fmt.Errorf("report online: %w", err)
	}
	log.Debug().Msg("Online time reported")
	return nil
}

func (a *Agent) reportDownload(ctx context.Context, identifier, status, lastDownloaded string, completed bool) error {
	body := map[string]any{
		"identifier":      identifier,
		"download_status": status,
	}
	if lastDownloaded != "" {
		body["last_downloaded"] = lastDownloaded
	}
	if completed {
		body["last_download_time"] = a.now().UTC()
	}
	if err := a.client.post(ctx, "/v1/downloads/status", body, nil); err != nil {
		return fmt.Errorf("report download status: %w", err)
	}
	log.Info().Str("download_status", status).Msg("Download status reported")
	return nil
}

func remoteChecksums(cfg map[string]any) map[string]string {
	raw, ok := cfg["files_checksum"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// newest returns the lexically greatest path whose checksum changed.
func newest(prev, next map[string]string) string {
	var changed []string
	for path, sum := range next {
		if prev[path] != sum {
			changed = append(changed, path)
		}
	}
	if len(changed) == 0 {
		return ""
	}
	sort.Strings(changed)
	return changed[len(changed)-1]
}
