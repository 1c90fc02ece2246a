// Package auth keeps the agent's rotating identifier and the configuration it
// received on the last successful exchange.
package auth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// ErrNoCredentials means no credentials have been cached yet.
var ErrNoCredentials = errors.New("no cached credentials")

// Credentials is the agent's local view of its identity.
type Credentials struct {
	AgentName  string            `json:"agent_name"`
	Identifier string            `json:"identifier"`
	Config     map[string]any    `json:"config,omitempty"`
	Checksums  map[string]string `json:"files_checksum,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Save stores the credentials with 0600 permissions. The previous file is kept
// until the new one is fully written.
func (c *Credentials) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// LoadCredentials reads cached credentials from disk.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCredentials
		}
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	if creds.Identifier == "" {
		return nil, ErrNoCredentials
	}
	return &creds, nil
}

// Discard removes cached credentials. Removing absent credentials is not an error.
func Discard(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
