package escalate

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"gateline/internal/domain"
)

// QueueStore supplies pending decisions oldest first.
type QueueStore interface {
	QueryPendingDecisions(ctx context.Context) ([]domain.Decision, error)
}

// Tracker computes age and overdue status of pending decisions against the
// per-category SLA table.
type Tracker struct {
	Store        QueueStore
	Log          *zap.Logger
	Now          func() time.Time
	DefaultHours float64
	Categories   map[string]float64
}

// QueueItem is one pending decision with its SLA standing.
type QueueItem struct {
	DecisionID  string  `json:"decision_id"`
	Category    string  `json:"category"`
	WorkItemID  string  `json:"work_item_id"`
	Level       string  `json:"escalation_level"`
	Occurrences int     `json:"occurrence_count"`
	AgeHours    float64 `json:"age_hours"`
	SLAHours    float64 `json:"sla_hours"`
	Overdue     bool    `json:"overdue"`
}

// Queue is the escalation queue read model.
type Queue struct {
	Items        []QueueItem `json:"items"`
	TotalPending int         `json:"total_pending"`
	OverdueCount int         `json:"overdue_count"`
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// SLAHours resolves the max pending age for a category.
func (t Tracker) SLAHours(category string) float64 {
	if h, ok := t.Categories[category]; ok {
		return h
	}
	return t.DefaultHours
}

// SLAConfig returns a copy of the SLA table with the default under "default".
// Mutating the returned map does not change tracker state.
func (t Tracker) SLAConfig() map[string]float64 {
	out := make(map[string]float64, len(t.Categories)+1)
	for k, v := range t.Categories {
		out[k] = v
	}
	out["default"] = t.DefaultHours
	return out
}

// Queue fetches pending decisions oldest first and annotates each with age
// and overdue status. A query failure degrades to an empty queue with a
// logged warning.
func (t Tracker) Queue(ctx context.Context) Queue {
	decisions, err := t.Store.QueryPendingDecisions(ctx)
	if err != nil {
		if t.Log != nil {
			t.Log.Warn("pending decision query failed", zap.Error(err))
		}
		return Queue{Items: []QueueItem{}}
	}
	now := t.now().UTC()
	items := make([]QueueItem, 0, len(decisions))
	overdue := 0
	for _, d := range decisions {
		created, perr := time.Parse(time.RFC3339, d.CreatedAt)
		age := 0.0
		if perr == nil {
			age = roundHours(now.Sub(created))
		}
		sla := t.SLAHours(d.Category)
		item := QueueItem{
			DecisionID:  d.ID,
			Category:    d.Category,
			WorkItemID:  d.WorkItemID,
			Level:       d.Level,
			Occurrences: d.Occurrences,
			AgeHours:    age,
			SLAHours:    sla,
			Overdue:     age > sla,
		}
		if item.Overdue {
			overdue++
		}
		items = append(items, item)
	}
	return Queue{Items: items, TotalPending: len(items), OverdueCount: overdue}
}

// roundHours converts a duration to hours rounded to one decimal.
func roundHours(d time.Duration) float64 {
	return math.Round(d.Hours()*10) / 10
}
