package policy

import "strings"

// Level is the colour of a traffic-light status.
type Level int

const (
	LevelUnset Level = iota
	LevelGreen
	LevelYellow
	LevelRed
)

func (l Level) String() string {
	switch l {
	case LevelGreen:
		return "green"
	case LevelYellow:
		return "yellow"
	case LevelRed:
		return "red"
	default:
		return "unset"
	}
}

const (
	Green        = "green"
	yellowPrefix = "yellow-"
	redPrefix    = "red-"
)

func Yellow(rule string) string { return yellowPrefix + rule }

func Red(rule string) string { return redPrefix + rule }

// LevelOf classifies a stored alert status.
func LevelOf(status string) Level {
	switch {
	case status == "":
		return LevelUnset
	case status == Green:
		return LevelGreen
	case strings.HasPrefix(status, "yellow"):
		return LevelYellow
	case strings.HasPrefix(status, "red"):
		return LevelRed
	default:
		return LevelUnset
	}
}

// RuleOf returns the rule marker carried by a yellow or red status.
func RuleOf(status string) string {
	switch {
	case strings.HasPrefix(status, yellowPrefix):
		return strings.TrimPrefix(status, yellowPrefix)
	case strings.HasPrefix(status, redPrefix):
		return strings.TrimPrefix(status, redPrefix)
	default:
		return ""
	}
}
