// Package escalate records gate failures, detects recurring-failure patterns
// and routes them to a pending-decision queue with an SLA read model.
package escalate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gateline/internal/domain"
	"gateline/internal/pattern"
	"gateline/internal/repo"
)

// Store is the data-access collaborator the router depends on.
type Store interface {
	InsertFailureEvent(ctx context.Context, f domain.FailureEvent) (int64, error)
	QueryFailureEvents(ctx context.Context, f repo.FailureEventFilters, since time.Time) ([]domain.FailureEvent, error)
	InsertDecision(ctx context.Context, d domain.Decision) (string, error)
}

// Router appends failure events and escalates recurring failures.
type Router struct {
	Store            Store
	Log              *zap.Logger
	Now              func() time.Time
	PatternThreshold int
	LookbackDays     int
}

// RouteRequest describes one gate failure to record.
type RouteRequest struct {
	WorkItemID string
	Category   string
	Score      int
	Threshold  int
	Context    map[string]string
}

// RouteResult reports what routing did. A persistence failure while creating
// the decision is surfaced in Err with Routed=false; it is never raised as a
// panic or returned error from RouteFailure.
type RouteResult struct {
	Routed          bool             `json:"routed"`
	PatternDetected bool             `json:"pattern_detected"`
	Level           Level            `json:"level,omitempty"`
	DecisionID      string           `json:"decision_id,omitempty"`
	Pattern         *pattern.Pattern `json:"pattern,omitempty"`
	Err             string           `json:"error,omitempty"`
}

var (
	errWorkItemRequired = errors.New("work item id required")
	errCategoryRequired = errors.New("category required")
	errStoreRequired    = errors.New("store not configured")
)

func (r Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Router) log() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop()
}

// RouteFailure records the failure, re-runs pattern detection for the
// (category, work item) pair and, when a pattern is found, creates a pending
// decision. Missing inputs fail fast with no side effects. Repeated calls
// while a pattern persists create additional decisions; there is no
// deduplication against existing pending decisions for the pair.
func (r Router) RouteFailure(ctx context.Context, req RouteRequest) RouteResult {
	if req.WorkItemID == "" {
		return RouteResult{Err: errWorkItemRequired.Error()}
	}
	if req.Category == "" {
		return RouteResult{Err: errCategoryRequired.Error()}
	}
	if r.Store == nil {
		return RouteResult{Err: errStoreRequired.Error()}
	}

	now := r.now().UTC()
	fe := domain.FailureEvent{
		WorkItemID: req.WorkItemID,
		Category:   req.Category,
		Score:      req.Score,
		Threshold:  req.Threshold,
		Context:    req.Context,
		TS:         now.Format(time.RFC3339),
	}
	// Best effort: detection still runs over already-stored history.
	if _, err := r.Store.InsertFailureEvent(ctx, fe); err != nil {
		r.log().Warn("failure event insert failed", zap.String("work_item", req.WorkItemID), zap.Error(err))
	}

	lookback := r.LookbackDays
	if lookback <= 0 {
		lookback = pattern.DefaultLookbackDays
	}
	since := now.Add(-time.Duration(lookback) * 24 * time.Hour)
	events, err := r.Store.QueryFailureEvents(ctx, repo.FailureEventFilters{
		Category:   req.Category,
		WorkItemID: req.WorkItemID,
	}, since)
	if err != nil {
		r.log().Warn("failure event query failed", zap.String("category", req.Category), zap.Error(err))
		return RouteResult{Routed: false, PatternDetected: false}
	}

	patterns := pattern.Detect(events, pattern.Filters{
		Category:   req.Category,
		WorkItemID: req.WorkItemID,
	}, r.PatternThreshold, lookback, now)
	if len(patterns) == 0 {
		return RouteResult{Routed: false, PatternDetected: false}
	}

	p := patterns[0]
	level := DetermineLevel(p, req.Threshold, req.Score)
	d := domain.Decision{
		ID:           uuid.New().String(),
		Type:         "escalation",
		Status:       "pending",
		Category:     p.Category,
		WorkItemID:   p.WorkItemID,
		Occurrences:  p.Occurrences,
		Level:        string(level),
		Threshold:    req.Threshold,
		LatestScore:  req.Score,
		RecentScores: p.RecentScores,
		CreatedAt:    now.Format(time.RFC3339),
	}
	id, err := r.Store.InsertDecision(ctx, d)
	if err != nil {
		r.log().Warn("decision insert failed", zap.String("work_item", p.WorkItemID), zap.Error(err))
		return RouteResult{Routed: false, PatternDetected: true, Level: level, Pattern: &p, Err: err.Error()}
	}
	r.log().Info("escalation routed",
		zap.String("decision", id),
		zap.String("category", p.Category),
		zap.String("work_item", p.WorkItemID),
		zap.Int("occurrences", p.Occurrences),
		zap.String("level", string(level)))
	return RouteResult{Routed: true, PatternDetected: true, Level: level, DecisionID: id, Pattern: &p}
}
