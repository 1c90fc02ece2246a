package registry

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownAgent means no agent is registered under the given name.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrInvalidIdentifier means the presented identifier is not the agent's current one.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrConcurrentModification means another exchange rotated the identifier first.
	ErrConcurrentModification = errors.New("identifier rotated concurrently")
	// ErrTransient marks retryable failures: timeouts and transport errors.
	ErrTransient = errors.New("transient failure")
	// ErrAgentExists is returned when registering a duplicate agent name.
	ErrAgentExists = errors.New("agent already registered")
)

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// classify turns context expiry into a transient failure and leaves other errors untouched.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Transient(fmt.Errorf("%w: %w", ctxErr, err))
	}
	return err
}
