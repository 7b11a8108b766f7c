package escalate_test

import (
	"testing"

	"gateline/internal/escalate"
	"gateline/internal/pattern"
)

func TestDetermineLevel(t *testing.T) {
	cases := []struct {
		name        string
		occurrences int
		threshold   int
		score       int
		want        escalate.Level
	}{
		{"five occurrences", 5, 80, 70, escalate.LevelCritical},
		{"deep deficit", 3, 70, 30, escalate.LevelCritical}, // deficit 57.1% > 50
		{"three occurrences", 3, 80, 75, escalate.LevelWarn},
		{"moderate deficit", 2, 80, 56, escalate.LevelWarn}, // deficit 30% > 25
		{"small deficit few occurrences", 2, 80, 70, escalate.LevelInfo},
		{"zero threshold", 2, 0, 0, escalate.LevelInfo},
	}
	for _, tc := range cases {
		p := pattern.Pattern{Occurrences: tc.occurrences}
		got := escalate.DetermineLevel(p, tc.threshold, tc.score)
		if got != tc.want {
			t.Errorf("%s: level = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestLevelMonotonicInOccurrences(t *testing.T) {
	// More occurrences at the same score must never lower the level.
	prev := escalate.LevelInfo
	for occ := 1; occ <= 8; occ++ {
		p := pattern.Pattern{Occurrences: occ}
		l := escalate.DetermineLevel(p, 80, 75)
		if l.Rank() < prev.Rank() {
			t.Fatalf("level decreased at %d occurrences: %s -> %s", occ, prev, l)
		}
		prev = l
	}
}

func TestLevelMonotonicInDeficit(t *testing.T) {
	prev := escalate.LevelCritical
	for score := 0; score <= 80; score += 5 {
		p := pattern.Pattern{Occurrences: 1}
		l := escalate.DetermineLevel(p, 80, score)
		if l.Rank() > prev.Rank() {
			t.Fatalf("level increased as score improved at %d: %s -> %s", score, prev, l)
		}
		prev = l
	}
}
