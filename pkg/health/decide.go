package health

import (
	"time"

	"github.com/haasonsaas/backupwatch/pkg/policy"
	"github.com/haasonsaas/backupwatch/pkg/registry"
)

// Decision is the outcome of evaluating one agent.
type Decision struct {
	Status string
	// From is the status the transition is judged from.
	From string
	// Rule is the rule the new status refers to; nil when the agent is green.
	Rule *registry.AlertRule
}

// Reference returns the timestamp a rule kind measures.
func Reference(agent registry.Agent, kind string) *time.Time {
	switch kind {
	case policy.KindOffline, policy.KindAllOffline:
		return agent.LastTimeOnline
	case policy.KindNoDownload, policy.KindNoFiles:
		return agent.LastDownloadTime
	default:
		return nil
	}
}

// Breached reports whether ts is older than threshold. A missing timestamp is always breached.
func Breached(ts *time.Time, threshold time.Duration, now time.Time) bool {
	if ts == nil {
		return true
	}
	return now.Sub(*ts) > threshold
}

// Decide computes the next status of agent. rules are per-agent rules in priority order.
func Decide(agent registry.Agent, rules []registry.AlertRule, now time.Time) Decision {
	current := agent.AlertStatus
	marker := policy.RuleOf(current)

	var first, held *registry.AlertRule
	for i := range rules {
		if !Breached(Reference(agent, rules[i].Kind), rules[i].Threshold, now) {
			continue
		}
		if first == nil {
			first = &rules[i]
		}
		if rules[i].Name == marker {
			held = &rules[i]
		}
	}

	if first == nil {
		return Decision{Status: policy.Green, From: current}
	}

	level := policy.LevelOf(current)
	if held == nil && (level == policy.LevelYellow || level == policy.LevelRed) {
		// Marker rule recovered while another is breached: only full recovery clears it.
		return Decision{Status: current, From: current, Rule: first}
	}

	switch level {
	case policy.LevelYellow:
		return Decision{Status: policy.Red(held.Name), From: current, Rule: held}
	case policy.LevelRed:
		return Decision{Status: current, From: current, Rule: held}
	default:
		return Decision{Status: policy.Yellow(first.Name), From: current, Rule: first}
	}
}
