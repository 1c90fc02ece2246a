package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/backupwatch/pkg/identity"
	"github.com/haasonsaas/backupwatch/pkg/registry"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	reg      *registry.Registry
	broker   *identity.Broker
	ingestor *Ingestor
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:ingest-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := registry.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	f := &fixture{reg: registry.New(db), now: time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)}
	hasher := identity.NewTokenHasher([]byte("salt"))
	clock := func() time.Time { return f.now }
	f.broker = identity.NewBroker(f.reg, hasher, identity.WithClock(clock))
	f.ingestor = New(f.reg, hasher, WithClock(clock))
	return f
}

// activeIdentifier registers name and performs one exchange, returning the current identifier.
func (f *fixture) activeIdentifier(t *testing.T, name string) string {
	t.Helper()
	ctx := context.Background()
	_, bootstrap, err := f.broker.Issue(ctx, registry.AgentSpec{Name: name})
	require.NoError(t, err)
	grant, err := f.broker.Exchange(ctx, name, bootstrap)
	require.NoError(t, err)
	return grant.Identifier
}

func TestReportOnlineUsesServerClock(t *testing.T) {
	f := newFixture(t)
	id := f.activeIdentifier(t, "a1")

	f.now = f.now.Add(3 * time.Hour)
	agent, err := f.ingestor.ReportOnline(context.Background(), id)
	require.NoError(t, err)
	require.True(t, agent.LastTimeOnline.Equal(f.now))
	require.Nil(t, agent.LastDownloadTime)
}

func TestReportActivityCompletionMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.activeIdentifier(t, "a1")

	agent, err := f.ingestor.ReportActivity(ctx, id, false)
	require.NoError(t, err)
	require.Nil(t, agent.LastDownloadTime)

	f.now = f.now.Add(time.Minute)
	agent, err = f.ingestor.ReportActivity(ctx, id, true)
	require.NoError(t, err)
	require.NotNil(t, agent.LastDownloadTime)
	require.True(t, agent.LastDownloadTime.Equal(f.now))
}

func TestReportDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.activeIdentifier(t, "a1")

	agent, err := f.ingestor.ReportDownload(ctx, id, DownloadReport{Status: "downloading", LastDownloaded: "a/b.bak"})
	require.NoError(t, err)
	require.Equal(t, "downloading", agent.DownloadStatus)
	require.Equal(t, "a/b.bak", agent.LastDownloaded)
	require.Nil(t, agent.LastDownloadTime)

	agent, err = f.ingestor.ReportDownload(ctx, id, DownloadReport{Status: "ok", Completed: true})
	require.NoError(t, err)
	require.Equal(t, "ok", agent.DownloadStatus)
	require.Equal(t, "a/b.bak", agent.LastDownloaded)
	require.NotNil(t, agent.LastDownloadTime)
}

func TestReportChecksumReplaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.activeIdentifier(t, "a1")

	_, err := f.ingestor.ReportChecksum(ctx, id, map[string]string{"a": "1", "b": "2"})
	require.NoError(t, err)
	agent, err := f.ingestor.ReportChecksum(ctx, id, map[string]string{"c": "3"})
	require.NoError(t, err)
	require.Equal(t, registry.Checksums{"c": "3"}, agent.FilesChecksum)
}

func TestReportsRejectStaleIdentifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.activeIdentifier(t, "a1")

	grant, err := f.broker.Exchange(ctx, "a1", id)
	require.NoError(t, err)

	_, err = f.ingestor.ReportOnline(ctx, id)
	require.ErrorIs(t, err, registry.ErrInvalidIdentifier)
	_, err = f.ingestor.ReportDownload(ctx, id, DownloadReport{Status: "ok", Completed: true})
	require.ErrorIs(t, err, registry.ErrInvalidIdentifier)
	_, err = f.ingestor.ReportChecksum(ctx, "", map[string]string{"x": "y"})
	require.ErrorIs(t, err, registry.ErrInvalidIdentifier)

	stored, err := f.reg.Agent(ctx, "a1")
	require.NoError(t, err)
	require.Nil(t, stored.LastDownloadTime)
	require.Empty(t, stored.FilesChecksum)

	// Reports never rotate the identifier.
	_, err = f.ingestor.ReportOnline(ctx, grant.Identifier)
	require.NoError(t, err)
	_, err = f.ingestor.ReportOnline(ctx, grant.Identifier)
	require.NoError(t, err)
}
