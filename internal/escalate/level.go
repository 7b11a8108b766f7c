package escalate

import "gateline/internal/pattern"

// Level is the escalation severity routed to the decision queue.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelCritical Level = "CRITICAL"
)

// Rank orders levels for monotonicity comparisons: INFO < WARN < CRITICAL.
func (l Level) Rank() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarn:
		return 1
	default:
		return 0
	}
}

// DetermineLevel computes the severity for a detected pattern. deficit is the
// percentage by which the latest score missed the threshold.
//
// Patterns only exist at three or more occurrences under the default
// detection threshold, so the INFO branch is not reachable through
// RouteFailure with default configuration; it applies when a lower
// pattern_threshold is configured.
func DetermineLevel(p pattern.Pattern, threshold, score int) Level {
	deficit := 0.0
	if threshold > 0 {
		deficit = float64(threshold-score) / float64(threshold) * 100
	}
	switch {
	case p.Occurrences >= 5 || deficit > 50:
		return LevelCritical
	case p.Occurrences >= 3 || deficit > 25:
		return LevelWarn
	default:
		return LevelInfo
	}
}
