package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/backupwatch/pkg/registry"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, opts ...Option) (*Broker, *registry.Registry) {
	t.Helper()
	dsn := fmt.Sprintf("file:identity-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := registry.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	reg := registry.New(db)
	return NewBroker(reg, NewTokenHasher([]byte("test-salt")), opts...), reg
}

func TestExchangeRotatesIdentifier(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	broker, reg := newTestBroker(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, reg.UpsertRelease(ctx, registry.ClientRelease{Version: "2.4.1", Flag: registry.FlagStable}))

	_, bootstrap, err := broker.Issue(ctx, registry.AgentSpec{
		Name:          "a1",
		Company:       "Atlas",
		Location:      "Lisbon",
		SFTPHost:      "sftp.example.com",
		ClientVersion: registry.FlagStable,
	})
	require.NoError(t, err)
	require.NotEmpty(t, bootstrap)

	grant, err := broker.Exchange(ctx, "a1", bootstrap)
	require.NoError(t, err)
	require.NotEqual(t, bootstrap, grant.Identifier)
	require.Equal(t, "a1", grant.Config.AgentName)
	require.Equal(t, "Atlas", grant.Config.Company)
	require.Equal(t, "sftp.example.com", grant.Config.SFTPHost)
	require.Equal(t, "2.4.1", grant.Config.ClientVersion)

	agent, err := reg.Agent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, registry.StateActive, agent.State)
	require.True(t, agent.LastTimeOnline.Equal(now))

	_, err = broker.Exchange(ctx, "a1", bootstrap)
	require.ErrorIs(t, err, registry.ErrInvalidIdentifier)

	next, err := broker.Exchange(ctx, "a1", grant.Identifier)
	require.NoError(t, err)
	require.NotEqual(t, grant.Identifier, next.Identifier)
}

func TestExchangeUnknownAgent(t *testing.T) {
	broker, _ := newTestBroker(t)

	_, err := broker.Exchange(context.Background(), "ghost", "whatever")
	require.ErrorIs(t, err, registry.ErrUnknownAgent)
}

func TestExchangeUnresolvedClientVersion(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	_, bootstrap, err := broker.Issue(ctx, registry.AgentSpec{Name: "a1", ClientVersion: "9.9.9"})
	require.NoError(t, err)

	grant, err := broker.Exchange(ctx, "a1", bootstrap)
	require.NoError(t, err)
	require.Equal(t, registry.UnresolvedVersion, grant.Config.ClientVersion)
}

func TestExchangeConcurrentSingleWinner(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	_, bootstrap, err := broker.Issue(ctx, registry.AgentSpec{Name: "a1"})
	require.NoError(t, err)

	const callers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := broker.Exchange(ctx, "a1", bootstrap)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			losses = append(losses, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Len(t, losses, callers-1)
	for _, err := range losses {
		require.True(t,
			errors.Is(err, registry.ErrInvalidIdentifier) || errors.Is(err, registry.ErrConcurrentModification),
			"unexpected error: %v", err)
	}
	require.Zero(t, broker.locks.size())
}

func TestExchangeTimesOutAsTransient(t *testing.T) {
	broker, _ := newTestBroker(t, WithTimeout(20*time.Millisecond))
	ctx := context.Background()

	_, bootstrap, err := broker.Issue(ctx, registry.AgentSpec{Name: "a1"})
	require.NoError(t, err)

	unlock, err := broker.locks.Lock(ctx, "a1")
	require.NoError(t, err)
	defer unlock()

	_, err = broker.Exchange(ctx, "a1", bootstrap)
	require.ErrorIs(t, err, registry.ErrTransient)
}

func TestReissueInvalidatesPreviousIdentifier(t *testing.T) {
	broker, reg := newTestBroker(t)
	ctx := context.Background()

	_, bootstrap, err := broker.Issue(ctx, registry.AgentSpec{Name: "a1"})
	require.NoError(t, err)
	grant, err := broker.Exchange(ctx, "a1", bootstrap)
	require.NoError(t, err)

	agent, fresh, err := broker.Reissue(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, registry.StateRegistered, agent.State)

	_, err = broker.Exchange(ctx, "a1", grant.Identifier)
	require.ErrorIs(t, err, registry.ErrInvalidIdentifier)

	_, err = broker.Exchange(ctx, "a1", fresh)
	require.NoError(t, err)

	_, _, err = broker.Reissue(ctx, "ghost")
	require.ErrorIs(t, err, registry.ErrUnknownAgent)

	stored, err := reg.Agent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, registry.StateActive, stored.State)
}

func TestTokenHasher(t *testing.T) {
	h := NewTokenHasher([]byte("salt"))
	require.Empty(t, h.HashString(""))
	require.Equal(t, h.HashString("abc"), h.HashString("abc"))
	require.NotEqual(t, h.HashString("abc"), h.HashString("abd"))
	require.NotEqual(t, h.HashString("abc"), NewTokenHasher([]byte("other")).HashString("abc"))
}
