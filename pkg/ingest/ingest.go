// Package ingest records the status reports agents send between credential exchanges.
package ingest

import (
	"context"
	"time"

	"github.com/haasonsaas/backupwatch/pkg/identity"
	"github.com/haasonsaas/backupwatch/pkg/registry"
	"github.com/rs/zerolog"
)

// Store is the part of the registry the ingestor writes to.
type Store interface {
	TouchOnline(ctx context.Context, identifierHash string, now time.Time) (*registry.Agent, error)
	RecordActivity(ctx context.Context, identifierHash string, downloadCompleted bool, now time.Time) (*registry.Agent, error)
	RecordDownload(ctx context.Context, identifierHash string, update registry.DownloadUpdate, now time.Time) (*registry.Agent, error)
	ReplaceChecksums(ctx context.Context, identifierHash string, sums registry.Checksums, now time.Time) (*registry.Agent, error)
}

// DownloadReport is a download status report. Completed is set when the agent
// included a completion marker; only then does the last download time advance.
type DownloadReport struct {
	Status         string
	LastDownloaded string
	Completed      bool
}

type Ingestor struct {
	store   Store
	hasher  identity.TokenHasher
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

type Option func(*Ingestor)

func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

func WithTimeout(d time.Duration) Option {
	return func(i *Ingestor) {
		if d > 0 {
			i.timeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(i *Ingestor) { i.logger = logger }
}

func New(store Store, hasher identity.TokenHasher, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:   store,
		hasher:  hasher,
		timeout: identity.DefaultTimeout,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ReportOnline records that the agent holding identifier is reachable.
func (i *Ingestor) ReportOnline(ctx context.Context, identifier string) (*registry.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	agent, err := i.store.TouchOnline(ctx, i.hasher.HashString(identifier), i.now())
	return i.done(agent, err, "online")
}

// ReportActivity records a check-in, plus a finished download when downloadCompleted is set.
func (i *Ingestor) ReportActivity(ctx context.Context, identifier string, downloadCompleted bool) (*registry.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	agent, err := i.store.RecordActivity(ctx, i.hasher.HashString(identifier), downloadCompleted, i.now())
	return i.done(agent, err, "activity")
}

func (i *Ingestor) ReportDownload(ctx context.Context, identifier string, report DownloadReport) (*registry.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	agent, err := i.store.RecordDownload(ctx, i.hasher.HashString(identifier), registry.DownloadUpdate{
		Status:         report.Status,
		LastDownloaded: report.LastDownloaded,
		Completed:      report.Completed,
	}, i.now())
	return i.done(agent, err, "download")
}

// ReportChecksum replaces the agent's stored checksum map.
func (i *Ingestor) ReportChecksum(ctx context.Context, identifier string, sums map[string]string) (*registry.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	agent, err := i.store.ReplaceChecksums(ctx, i.hasher.HashString(identifier), registry.Checksums(sums), i.now())
	return i.done(agent, err, "checksum")
}

func (i *Ingestor) done(agent *registry.Agent, err error, kind string) (*registry.Agent, error) {
	if err != nil {
		i.logger.Debug().Err(err).Str("report", kind).Msg("Status report rejected")
		return nil, err
	}
	i.logger.Debug().Str("agent", agent.Name).Str("report", kind).Msg("Status report recorded")
	return agent, nil
}
