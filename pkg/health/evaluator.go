// Package health classifies every agent into the green/yellow/red traffic light
// on a fixed cadence and proposes notifications for the transitions it commits.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/backupwatch/pkg/notify"
	"github.com/haasonsaas/backupwatch/pkg/policy"
	"github.com/haasonsaas/backupwatch/pkg/registry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrTickInProgress is returned when a tick is requested while another one runs.
var ErrTickInProgress = errors.New("evaluation tick already running")

// DefaultFleetMinAgents is the smallest fleet the fleet-wide rules apply to.
const DefaultFleetMinAgents = 2

// Store is the registry view used by the evaluator.
type Store interface {
	Rules(ctx context.Context) ([]registry.AlertRule, error)
	Snapshot(ctx context.Context) ([]registry.Agent, error)
	SetAlertStatus(ctx context.Context, id uint, status string) error
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

type Notifier interface {
	MaybeNotify(ctx context.Context, tr notify.Transition) notify.Outcome
}

// Result summarises one tick.
type Result struct {
	Agents    int    `json:"agents"`
	Changed   int    `json:"changed"`
	Notified  int    `json:"notified"`
	FleetRule string `json:"fleet_rule,omitempty"`
}

type Evaluator struct {
	store          Store
	notifier       Notifier
	now            func() time.Time
	logger         zerolog.Logger
	tracer         trace.Tracer
	retention      time.Duration
	fleetMinAgents int

	running sync.Mutex
	skipped atomic.Int64
}

type Option func(*Evaluator)

func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

// WithRetention prunes notification events older than d on every tick. Zero keeps everything.
func WithRetention(d time.Duration) Option {
	return func(e *Evaluator) { e.retention = d }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Evaluator) { e.tracer = tracer }
}

func WithFleetMinAgents(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.fleetMinAgents = n
		}
	}
}

func NewEvaluator(store Store, notifier Notifier, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:          store,
		notifier:       notifier,
		now:            time.Now,
		logger:         zerolog.Nop(),
		tracer:         otel.Tracer("github.com/haasonsaas/backupwatch/pkg/health"),
		fleetMinAgents: DefaultFleetMinAgents,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Skipped returns how many ticks were refused because another tick was running.
func (e *Evaluator) Skipped() int64 {
	return e.skipped.Load()
}

// Tick evaluates the whole fleet once. Ticks never overlap: a call made while
// another tick runs returns ErrTickInProgress without touching the registry.
func (e *Evaluator) Tick(ctx context.Context) (Result, error) {
	if !e.running.TryLock() {
		e.skipped.Add(1)
		e.logger.Warn().Msg("Evaluation tick skipped: previous tick still running")
		return Result{}, ErrTickInProgress
	}
	defer e.running.Unlock()

	ctx, span := e.tracer.Start(ctx, "health.tick")
	defer span.End()

	res, err := e.tick(ctx)
	span.SetAttributes(
		attribute.Int("health.agents", res.Agents),
		attribute.Int("health.changed", res.Changed),
		attribute.Int("health.notified", res.Notified),
	)
	if res.FleetRule != "" {
		span.SetAttributes(attribute.String("health.fleet_rule", res.FleetRule))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Evaluator) tick(ctx context.Context) (Result, error) {
	rules, err := e.store.Rules(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load rules: %w", err)
	}
	agents, err := e.store.Snapshot(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load fleet snapshot: %w", err)
	}

	now := e.now()
	var fleetRules, agentRules []registry.AlertRule
	for _, rule := range rules {
		if policy.IsFleet(rule.Kind) {
			fleetRules = append(fleetRules, rule)
		} else {
			agentRules = append(agentRules, rule)
		}
	}

	res := Result{Agents: len(agents)}
	var errs []error
	if rule, ok := e.fleetBreach(fleetRules, agents, now); ok {
		res.FleetRule = rule.Name
		errs = e.applyFleet(ctx, rule, agents, &res)
	} else {
		for i := range agents {
			if err := e.applyAgent(ctx, &agents[i], agentRules, now, &res); err != nil {
				errs = append(errs, err)
			}
		}
	}

	e.prune(ctx, now)

	e.logger.Info().
		Int("agents", res.Agents).
		Int("changed", res.Changed).
		Int("notified", res.Notified).
		Str("fleet_rule", res.FleetRule).
		Msg("Evaluation tick finished")
	return res, errors.Join(errs...)
}

func (e *Evaluator) applyAgent(ctx context.Context, agent *registry.Agent, rules []registry.AlertRule, now time.Time, res *Result) error {
	d := Decide(*agent, rules, now)
	if d.Status == agent.AlertStatus {
		return nil
	}
	if err := e.store.SetAlertStatus(ctx, agent.ID, d.Status); err != nil {
		e.logger.Error().Err(err).Str("agent", agent.Name).Msg("Failed to store alert status")
		return fmt.Errorf("agent %s: %w", agent.Name, err)
	}
	res.Changed++

	event := e.logger.Info()
	if policy.LevelOf(d.Status) != policy.LevelGreen {
		event = e.logger.Warn()
	}
	event.Str("agent", agent.Name).
		Str("from", agent.AlertStatus).
		Str("to", d.Status).
		Msg("Alert status updated")

	previous := agent.AlertStatus
	agent.AlertStatus = d.Status
	if d.Rule == nil {
		return nil
	}
	tr := notify.Transition{Agent: agent, Rule: *d.Rule, From: d.From, To: d.Status}
	if e.notifier.MaybeNotify(ctx, tr) == notify.Sent {
		res.Notified++
	} else {
		e.logger.Debug().Str("agent", agent.Name).Str("from", previous).Msg("Notification suppressed")
	}
	return nil
}

// fleetBreach returns the first fleet rule that every agent in the snapshot breaches.
func (e *Evaluator) fleetBreach(rules []registry.AlertRule, agents []registry.Agent, now time.Time) (registry.AlertRule, bool) {
	if len(agents) == 0 || len(agents) < e.fleetMinAgents {
		return registry.AlertRule{}, false
	}
	for _, rule := range rules {
		all := true
		for i := range agents {
			if !Breached(Reference(agents[i], rule.Kind), rule.Threshold, now) {
				all = false
				break
			}
		}
		if all {
			return rule, true
		}
	}
	return registry.AlertRule{}, false
}

func (e *Evaluator) applyFleet(ctx context.Context, rule registry.AlertRule, agents []registry.Agent, res *Result) []error {
	e.logger.Warn().Str("rule", rule.Name).Int("agents", len(agents)).Msg("Fleet-wide alert condition holds")

	var errs []error
	allRed := true
	for i := range agents {
		agent := &agents[i]
		if policy.LevelOf(agent.AlertStatus) == policy.LevelRed {
			continue
		}
		allRed = false
		status := policy.Red(rule.Name)
		if err := e.store.SetAlertStatus(ctx, agent.ID, status); err != nil {
			e.logger.Error().Err(err).Str("agent", agent.Name).Msg("Failed to store alert status")
			errs = append(errs, fmt.Errorf("agent %s: %w", agent.Name, err))
			continue
		}
		agent.AlertStatus = status
		res.Changed++
	}

	if e.notifier.MaybeNotify(ctx, notify.Transition{Rule: rule, Fleet: true, AllRed: allRed}) == notify.Sent {
		res.Notified++
	}
	return errs
}

func (e *Evaluator) prune(ctx context.Context, now time.Time) {
	if e.retention <= 0 {
		return
	}
	n, err := e.store.PruneEvents(ctx, now.Add(-e.retention))
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to prune notification events")
		return
	}
	if n > 0 {
		e.logger.Debug().Int64("pruned", n).Msg("Pruned notification events")
	}
}

// Run ticks every interval until ctx is done. A non-positive interval disables
// the loop so that an external scheduler drives evaluation.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		e.logger.Info().Msg("In-process evaluation disabled")
		return nil
	}
	e.logger.Info().Dur("interval", interval).Msg("Evaluation loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Evaluation loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
				e.logger.Error().Err(err).Msg("Evaluation tick failed")
			}
		}
	}
}
