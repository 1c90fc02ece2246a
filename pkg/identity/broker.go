// Package identity issues and rotates the single-use identifiers agents present
// when they call home.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/backupwatch/pkg/registry"
	"github.com/rs/zerolog"
)

const DefaultTimeout = 10 * time.Second

// Store is the part of the registry the broker needs.
type Store interface {
	Register(ctx context.Context, spec registry.AgentSpec, identifierHash string) (*registry.Agent, error)
	Rotate(ctx context.Context, name, presentedHash, nextHash string, now time.Time) (*registry.Agent, error)
	ResetIdentifier(ctx context.Context, name, identifierHash string) (*registry.Agent, error)
	ResolveClientVersion(ctx context.Context, tag string) string
}

// AgentConfig is the configuration handed to an agent after a successful exchange.
type AgentConfig struct {
	AgentName      string             `json:"agent_name"`
	Company        string             `json:"company_name"`
	Location       string             `json:"location_name"`
	SFTPHost       string             `json:"sftp_host"`
	SFTPUsername   string             `json:"sftp_username"`
	SFTPPassword   string             `json:"sftp_password"`
	SFTPFolderPath string             `json:"sftp_folder_path"`
	FolderPassword string             `json:"folder_password"`
	ManagerHost    string             `json:"manager_host"`
	ClientVersion  string             `json:"client_version"`
	FilesChecksum  registry.Checksums `json:"files_checksum"`
}

// Grant is the result of a successful exchange.
type Grant struct {
	Identifier string
	Config     AgentConfig
}

type Broker struct {
	store   Store
	hasher  TokenHasher
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger
	locks   *keyedMutex
}

type Option func(*Broker)

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

func NewBroker(store Store, hasher TokenHasher, opts ...Option) *Broker {
	b := &Broker{
		store:   store,
		hasher:  hasher,
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  zerolog.Nop(),
		locks:   newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewIdentifier returns a fresh random identifier.
func NewIdentifier() string {
	return uuid.NewString()
}

// Exchange validates the presented identifier of agentName and, on success, rotates it.
// The previous identifier stops working as soon as Exchange returns.
func (b *Broker) Exchange(ctx context.Context, agentName, presented string) (*Grant, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	logger := b.logger.With().Str("agent", agentName).Logger()

	unlock, err := b.locks.Lock(ctx, agentName)
	if err != nil {
		return nil, registry.Transient(err)
	}
	defer unlock()

	next := NewIdentifier()
	agent, err := b.store.Rotate(ctx, agentName, b.hasher.HashString(presented), b.hasher.HashString(next), b.now())
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrUnknownAgent):
			logger.Info().Msg("Credential exchange for unregistered agent")
		case errors.Is(err, registry.ErrInvalidIdentifier):
			logger.Warn().Msg("Credential exchange with stale identifier")
		case errors.Is(err, registry.ErrConcurrentModification):
			logger.Warn().Msg("Credential exchange lost identifier race")
		default:
			logger.Error().Err(err).Msg("Credential exchange failed")
		}
		return nil, err
	}

	logger.Info().Msg("Supplying credentials")
	return &Grant{
		Identifier: next,
		Config: AgentConfig{
			AgentName:      agent.Name,
			Company:        agent.Company,
			Location:       agent.Location,
			SFTPHost:       agent.SFTPHost,
			SFTPUsername:   agent.SFTPUsername,
			SFTPPassword:   agent.SFTPPassword,
			SFTPFolderPath: agent.SFTPFolderPath,
			FolderPassword: agent.FolderPassword,
			ManagerHost:    agent.ManagerHost,
			ClientVersion:  b.store.ResolveClientVersion(ctx, agent.ClientVersion),
			FilesChecksum:  agent.FilesChecksum,
		},
	}, nil
}

// Issue registers a new agent and returns its bootstrap identifier.
func (b *Broker) Issue(ctx context.Context, spec registry.AgentSpec) (*registry.Agent, string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	identifier := NewIdentifier()
	agent, err := b.store.Register(ctx, spec, b.hasher.HashString(identifier))
	if err != nil {
		return nil, "", err
	}
	b.logger.Info().Str("agent", agent.Name).Msg("Agent registered")
	return agent, identifier, nil
}

// Reissue replaces the identifier of an existing agent, invalidating whatever it held.
func (b *Broker) Reissue(ctx context.Context, agentName string) (*registry.Agent, string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	unlock, err := b.locks.Lock(ctx, agentName)
	if err != nil {
		return nil, "", registry.Transient(err)
	}
	defer unlock()

	identifier := NewIdentifier()
	agent, err := b.store.ResetIdentifier(ctx, agentName, b.hasher.HashString(identifier))
	if err != nil {
		return nil, "", err
	}
	b.logger.Info().Str("agent", agent.Name).Msg("Bootstrap identifier reissued")
	return agent, identifier, nil
}
