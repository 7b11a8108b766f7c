package escalate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gateline/internal/domain"
	"gateline/internal/escalate"
	"gateline/internal/repo"
)

type fakeStore struct {
	events       []domain.FailureEvent
	decisions    []domain.Decision
	insertErr    error
	queryErr     error
	decisionErr  error
	nextEventID  int64
	nextDecision int
}

func (s *fakeStore) InsertFailureEvent(ctx context.Context, f domain.FailureEvent) (int64, error) {
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.events = append(s.events, f)
	s.nextEventID++
	return s.nextEventID, nil
}

func (s *fakeStore) QueryFailureEvents(ctx context.Context, f repo.FailureEventFilters, since time.Time) ([]domain.FailureEvent, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []domain.FailureEvent
	for _, e := range s.events {
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.WorkItemID != "" && e.WorkItemID != f.WorkItemID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *fakeStore) InsertDecision(ctx context.Context, d domain.Decision) (string, error) {
	if s.decisionErr != nil {
		return "", s.decisionErr
	}
	s.decisions = append(s.decisions, d)
	s.nextDecision++
	return d.ID, nil
}

var routeNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newRouter(s *fakeStore) escalate.Router {
	return escalate.Router{
		Store:            s,
		Now:              func() time.Time { return routeNow },
		PatternThreshold: 3,
		LookbackDays:     14,
	}
}

func failAt(r escalate.Router, score int) escalate.RouteResult {
	return r.RouteFailure(context.Background(), escalate.RouteRequest{
		WorkItemID: "W-1",
		Category:   "quality.gate",
		Score:      score,
		Threshold:  80,
	})
}

func TestRouteFailureBelowPatternThreshold(t *testing.T) {
	s := &fakeStore{}
	r := newRouter(s)
	res := failAt(r, 60)
	if res.Routed || res.PatternDetected {
		t.Fatalf("single failure must not escalate: %+v", res)
	}
	res = failAt(r, 62)
	if res.Routed || res.PatternDetected {
		t.Fatalf("second failure must not escalate: %+v", res)
	}
	if len(s.decisions) != 0 {
		t.Fatalf("decisions = %d, want 0", len(s.decisions))
	}
}

func TestRouteFailureEscalatesAtThreshold(t *testing.T) {
	s := &fakeStore{}
	r := newRouter(s)
	failAt(r, 60)
	failAt(r, 62)
	res := failAt(r, 64)
	if !res.Routed || !res.PatternDetected {
		t.Fatalf("third failure should escalate: %+v", res)
	}
	if res.Level != escalate.LevelWarn {
		t.Fatalf("level = %s, want WARN", res.Level)
	}
	if len(s.decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(s.decisions))
	}
	d := s.decisions[0]
	if d.Type != "escalation" || d.Status != "pending" || d.Occurrences != 3 {
		t.Fatalf("decision = %+v", d)
	}
	if d.LatestScore != 64 {
		t.Fatalf("latest score = %d", d.LatestScore)
	}
}

func TestRouteFailureNoDeduplication(t *testing.T) {
	// A pattern that persists across calls creates one decision per call.
	s := &fakeStore{}
	r := newRouter(s)
	failAt(r, 60)
	failAt(r, 61)
	failAt(r, 62)
	failAt(r, 63)
	if len(s.decisions) != 2 {
		t.Fatalf("decisions = %d, want 2 (one per call past the threshold)", len(s.decisions))
	}
}

func TestRouteFailureCriticalAtFiveOccurrences(t *testing.T) {
	s := &fakeStore{}
	r := newRouter(s)
	var res escalate.RouteResult
	for i := 0; i < 5; i++ {
		res = failAt(r, 70)
	}
	if res.Level != escalate.LevelCritical {
		t.Fatalf("level = %s, want CRITICAL at 5 occurrences", res.Level)
	}
}

func TestRouteFailureMissingInputs(t *testing.T) {
	r := newRouter(&fakeStore{})
	res := r.RouteFailure(context.Background(), escalate.RouteRequest{Category: "quality.gate"})
	if res.Err == "" || res.Routed {
		t.Fatalf("missing work item must fail fast: %+v", res)
	}
	res = r.RouteFailure(context.Background(), escalate.RouteRequest{WorkItemID: "W-1"})
	if res.Err == "" || res.Routed {
		t.Fatalf("missing category must fail fast: %+v", res)
	}
}

func TestRouteFailureInsertErrorStillDetects(t *testing.T) {
	// Seed three stored events, then make the next insert fail: detection
	// runs over history and still escalates.
	s := &fakeStore{}
	r := newRouter(s)
	failAt(r, 60)
	failAt(r, 61)
	failAt(r, 62)
	s.decisions = nil
	s.insertErr = errors.New("disk full")
	res := failAt(r, 63)
	if !res.PatternDetected {
		t.Fatalf("detection should run over stored history: %+v", res)
	}
	if len(s.decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(s.decisions))
	}
}

func TestRouteFailureDecisionInsertError(t *testing.T) {
	s := &fakeStore{}
	r := newRouter(s)
	failAt(r, 60)
	failAt(r, 61)
	s.decisionErr = errors.New("locked")
	res := failAt(r, 62)
	if res.Routed {
		t.Fatalf("failed insert must not report routed")
	}
	if !res.PatternDetected || res.Err == "" {
		t.Fatalf("expected detected pattern with error: %+v", res)
	}
}

func TestRouteFailureQueryErrorDegrades(t *testing.T) {
	s := &fakeStore{queryErr: errors.New("io")}
	r := newRouter(s)
	res := failAt(r, 60)
	if res.Routed || res.PatternDetected {
		t.Fatalf("query failure must degrade to no escalation: %+v", res)
	}
}
