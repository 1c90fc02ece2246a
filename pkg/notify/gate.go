package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/backupwatch/pkg/policy"
	"github.com/haasonsaas/backupwatch/pkg/registry"
	"github.com/rs/zerolog"
)

// Outcome reports whether the gate produced a notification.
type Outcome int

const (
	Suppressed Outcome = iota
	Sent
)

func (o Outcome) String() string {
	if o == Sent {
		return "sent"
	}
	return "suppressed"
}

// Transition is a committed status change proposed for notification.
// For fleet transitions Agent is nil and AllRed tells whether every agent was
// already red when the tick started.
type Transition struct {
	Agent  *registry.Agent
	Rule   registry.AlertRule
	From   string
	To     string
	Fleet  bool
	AllRed bool
}

// Store supplies additional recipients and records delivery attempts.
type Store interface {
	Recipients(ctx context.Context, units []string, rule string) ([]registry.Recipient, error)
	RecordEvent(ctx context.Context, event registry.AlertEvent) error
}

type Gate struct {
	transport Transport
	store     Store
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

type GateOption func(*Gate)

func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func WithLogger(logger zerolog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

func WithSendTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func NewGate(transport Transport, store Store, opts ...GateOption) *Gate {
	g := &Gate{
		transport: transport,
		store:     store,
		timeout:   10 * time.Second,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ShouldNotify reports whether tr is one of the transitions that produce a notification.
func ShouldNotify(tr Transition) bool {
	if tr.Fleet {
		return !tr.AllRed
	}
	from := policy.LevelOf(tr.From)
	return (from == policy.LevelUnset || from == policy.LevelGreen) && policy.LevelOf(tr.To) == policy.LevelYellow
}

// MaybeNotify delivers the notifications for tr, if any. Delivery failures are
// logged and recorded; they never change the outcome.
func (g *Gate) MaybeNotify(ctx context.Context, tr Transition) Outcome {
	if !ShouldNotify(tr) {
		return Suppressed
	}

	primary := g.primary(tr)
	if primary.To != "" {
		g.deliver(ctx, primary)
	} else {
		g.logger.Debug().Str("rule", tr.Rule.Name).Msg("Alert rule has no primary recipients")
	}

	if !tr.Fleet {
		g.fanOut(ctx, tr)
	}
	return Sent
}

func (g *Gate) primary(tr Transition) Message {
	msg := Message{
		Target:      FleetTarget,
		RuleName:    tr.Rule.Name,
		AlertStatus: tr.Rule.AlertStatus,
		From:        tr.Rule.FromEmail,
		To:          tr.Rule.ToAddresses,
		Subject:     tr.Rule.Subject,
		Body:        tr.Rule.Body,
	}
	if tr.Agent != nil {
		msg.Target = tr.Agent.Name
		msg.Subject = fmt.Sprintf("%s %s", tr.Agent.Name, tr.Rule.Subject)
		msg.Body = fmt.Sprintf("%s %s", tr.Agent.Name, tr.Rule.Body)
	}
	return msg
}

func (g *Gate) fanOut(ctx context.Context, tr Transition) {
	recipients, err := g.store.Recipients(ctx, []string{tr.Agent.Company, tr.Agent.Location}, tr.Rule.Name)
	if err != nil {
		g.logger.Error().Err(err).Str("agent", tr.Agent.Name).Msg("Failed to load additional recipients")
		return
	}
	for _, recipient := range recipients {
		g.logger.Debug().
			Str("user", recipient.Username).
			Str("rule", tr.Rule.Name).
			Msg("Sending additional notification")
		g.deliver(ctx, Message{
			Target:      tr.Agent.Name,
			RuleName:    tr.Rule.Name,
			AlertStatus: tr.Rule.AlertStatus,
			From:        tr.Rule.FromEmail,
			To:          recipient.Email,
			Subject:     fmt.Sprintf("%s %s %s", tr.Agent.Company, tr.Agent.Location, tr.Rule.Name),
			Body:        fmt.Sprintf("%s %s", tr.Agent.Name, tr.Rule.Body),
		})
	}
}

func (g *Gate) deliver(ctx context.Context, msg Message) {
	sendCtx, cancel := context.WithTimeout(ctx, g.timeout)
	err := g.transport.Send(sendCtx, msg)
	cancel()

	event := registry.AlertEvent{
		AgentName: msg.Target,
		RuleName:  msg.RuleName,
		Status:    msg.AlertStatus,
		Target:    msg.To,
		Delivered: err == nil,
		SentAt:    g.now().UTC(),
	}
	if err != nil {
		event.Error = err.Error()
		g.logger.Error().Err(err).
			Str("target", msg.Target).
			Str("to", msg.To).
			Str("rule", msg.RuleName).
			Msg("Notification delivery failed")
	} else {
		g.logger.Info().
			Str("target", msg.Target).
			Str("to", msg.To).
			Str("rule", msg.RuleName).
			Msg("Notification sent")
	}

	if recErr := g.store.RecordEvent(ctx, event); recErr != nil {
		g.logger.Warn().Err(recErr).Msg("Failed to record notification event")
	}
}
