// Package pattern groups historical failure events into recurring-failure
// patterns. Patterns are derived on read and never persisted.
package pattern

import (
	"sort"
	"time"

	"gateline/internal/domain"
)

const (
	DefaultThreshold    = 3
	DefaultLookbackDays = 14
	recentScoreLimit    = 5
)

// Pattern is a group of failure events sharing category and work item within
// the lookback window.
type Pattern struct {
	Category     string `json:"category"`
	WorkItemID   string `json:"work_item_id"`
	Occurrences  int    `json:"occurrences"`
	RecentScores []int  `json:"recent_scores"`
	FirstSeen    string `json:"first_seen" format:"date-time"`
	LastSeen     string `json:"last_seen" format:"date-time"`
}

// Filters narrow detection to a category and/or work item.
type Filters struct {
	Category   string
	WorkItemID string
}

type key struct {
	category   string
	workItemID string
}

// Detect groups events by (category, work item) within the lookback window
// ending at now and returns one Pattern per group of at least threshold
// events, sorted by occurrence count descending. No pattern is ever emitted
// below the threshold.
func Detect(events []domain.FailureEvent, f Filters, threshold, lookbackDays int, now time.Time) []Pattern {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	cutoff := now.Add(-time.Duration(lookbackDays) * 24 * time.Hour)

	groups := map[key][]domain.FailureEvent{}
	for _, e := range events {
		ts, err := time.Parse(time.RFC3339, e.TS)
		if err != nil || ts.Before(cutoff) {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.WorkItemID != "" && e.WorkItemID != f.WorkItemID {
			continue
		}
		k := key{category: e.Category, workItemID: e.WorkItemID}
		groups[k] = append(groups[k], e)
	}

	var patterns []Pattern
	for k, group := range groups {
		if len(group) < threshold {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].TS < group[j].TS })
		scores := make([]int, 0, recentScoreLimit)
		for i := len(group) - 1; i >= 0 && len(scores) < recentScoreLimit; i-- {
			scores = append(scores, group[i].Score)
		}
		patterns = append(patterns, Pattern{
			Category:     k.category,
			WorkItemID:   k.workItemID,
			Occurrences:  len(group),
			RecentScores: scores,
			FirstSeen:    group[0].TS,
			LastSeen:     group[len(group)-1].TS,
		})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Occurrences != patterns[j].Occurrences {
			return patterns[i].Occurrences > patterns[j].Occurrences
		}
		if patterns[i].Category != patterns[j].Category {
			return patterns[i].Category < patterns[j].Category
		}
		return patterns[i].WorkItemID < patterns[j].WorkItemID
	})
	return patterns
}
