package governance_test

import (
	"context"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/gate"
	"gateline/internal/governance"
	"gateline/internal/guard"
	"gateline/internal/migrate"
)

type testEnv struct {
	Engine governance.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("eng-test")
	eng, err := governance.New(conn, cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.UpsertEngineConfig(ctx, "eng-test", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func intakeEvidence() gate.Evidence {
	return gate.Evidence{
		"scope.defined":   {Passed: true},
		"owner.assigned":  {Passed: true},
		"type.classified": {Passed: true},
	}
}

func TestCreateWorkItemDefaults(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{
		Title:   "Build thing",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.Status != "draft" || w.Phase != "intake" || w.Type != "technical" {
		t.Fatalf("item = %+v", w)
	}
	got, err := env.Engine.Repo.GetWorkItem(env.Ctx, w.ID)
	if err != nil || got.Title != "Build thing" {
		t.Fatalf("get: %v %+v", err, got)
	}
}

func TestCreateWorkItemWithParent(t *testing.T) {
	env := newTestEnv(t)
	parent, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{Title: "Epic", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	child, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{
		Title: "Part", ParentID: parent.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	rels, err := env.Engine.Repo.QueryChildRelations(env.Ctx, parent.ID)
	if err != nil || len(rels) != 1 || rels[0].ChildID != child.ID {
		t.Fatalf("relations = %v, %v", rels, err)
	}

	if _, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{
		Title: "Orphan", ParentID: "W-missing", ActorID: "tester",
	}); err == nil {
		t.Fatalf("unknown parent must be rejected")
	}
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{Title: "Work", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	for _, status := range []string{"pending", "active", "blocked", "active", "done"} {
		w, err = env.Engine.SetStatus(env.Ctx, w.ID, status, "tester", false)
		if err != nil || w.Status != status {
			t.Fatalf("to %s: %v", status, err)
		}
	}
	// done is terminal without force.
	if _, err := env.Engine.SetStatus(env.Ctx, w.ID, "active", "tester", false); err == nil {
		t.Fatalf("expected transition error from done")
	}
	if _, err := env.Engine.SetStatus(env.Ctx, w.ID, "active", "tester", true); err != nil {
		t.Fatalf("force must override: %v", err)
	}
}

func TestEvaluateTransitionAdvances(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{Title: "Work", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.EvaluateTransition(env.Ctx, governance.TransitionRequest{
		WorkItemID: w.ID,
		Evidence:   intakeEvidence(),
		ActorID:    "tester",
		Apply:      true,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rep.GateID != "intake.review" || rep.Score != 100 || rep.Verdict != "ADVANCE" || !rep.Applied {
		t.Fatalf("report = %+v", rep)
	}
	got, _ := env.Engine.Repo.GetWorkItem(env.Ctx, w.ID)
	if got.Phase != "design" {
		t.Fatalf("phase = %s, want design", got.Phase)
	}
	results, err := env.Engine.Repo.ListGateResults(env.Ctx, w.ID, 10)
	if err != nil || len(results) != 1 || results[0].Score != 100 {
		t.Fatalf("gate results = %v, %v", results, err)
	}
}

func TestEvaluateTransitionBlocksWithoutApplying(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{Title: "Work", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.EvaluateTransition(env.Ctx, governance.TransitionRequest{
		WorkItemID: w.ID,
		Evidence:   gate.Evidence{"scope.defined": {Passed: false, Detail: "scope unclear"}},
		ActorID:    "tester",
		Apply:      true,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rep.Verdict != "BLOCKED" || rep.Applied {
		t.Fatalf("report = %+v", rep)
	}
	got, _ := env.Engine.Repo.GetWorkItem(env.Ctx, w.ID)
	if got.Phase != "intake" {
		t.Fatalf("phase changed on blocked gate: %s", got.Phase)
	}
}

func TestRepeatedFailuresEscalate(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{Title: "Flaky", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	var rep governance.Report
	for i := 0; i < 3; i++ {
		rep, err = env.Engine.EvaluateTransition(env.Ctx, governance.TransitionRequest{
			WorkItemID: w.ID,
			Evidence:   gate.Evidence{},
			ActorID:    "tester",
		})
		if err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
	}
	if rep.Escalation == nil || !rep.Escalation.Routed {
		t.Fatalf("third failure should escalate: %+v", rep.Escalation)
	}
	q := env.Engine.Tracker.Queue(env.Ctx)
	if q.TotalPending != 1 {
		t.Fatalf("queue = %+v", q)
	}
	item := q.Items[0]
	if item.Category != "intake.review" || item.WorkItemID != w.ID || item.Occurrences != 3 {
		t.Fatalf("queue item = %+v", item)
	}

	if err := env.Engine.ResolveDecision(env.Ctx, item.DecisionID, "tester"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if q := env.Engine.Tracker.Queue(env.Ctx); q.TotalPending != 0 {
		t.Fatalf("queue after resolve = %+v", q)
	}
}

func TestForceAdvanceSkipsEscalation(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{Title: "Rush", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.EvaluateTransition(env.Ctx, governance.TransitionRequest{
		WorkItemID: w.ID,
		Evidence:   gate.Evidence{},
		ActorID:    "tester",
		Apply:      true,
		Force:      true,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rep.Verdict != "ADVANCE" || !rep.Applied || rep.GatePassed {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Escalation != nil {
		t.Fatalf("forced evaluation must not route failures")
	}
}

func TestTerminalPhaseRejected(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{Title: "Done soon", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	// Force through every gate until the terminal phase.
	for i := 0; i < 5; i++ {
		if _, err := env.Engine.EvaluateTransition(env.Ctx, governance.TransitionRequest{
			WorkItemID: w.ID, ActorID: "tester", Apply: true, Force: true,
		}); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	got, _ := env.Engine.Repo.GetWorkItem(env.Ctx, w.ID)
	if got.Phase != "done" {
		t.Fatalf("phase = %s, want done", got.Phase)
	}
	if _, err := env.Engine.EvaluateTransition(env.Ctx, governance.TransitionRequest{
		WorkItemID: w.ID, ActorID: "tester",
	}); err == nil {
		t.Fatalf("terminal phase must reject evaluation")
	}
}

func TestCoordinatorWithoutChildrenBlocksAdvance(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{
		Title:   "Epic",
		Attrs:   map[string]string{"orchestrator": "true"},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.EvaluateTransition(env.Ctx, governance.TransitionRequest{
		WorkItemID: w.ID,
		Evidence:   intakeEvidence(),
		ActorID:    "tester",
		Apply:      true,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rep.Verdict != "BLOCKED" || rep.Applied {
		t.Fatalf("coordinator without children must block: %+v", rep)
	}
	if len(rep.Issues) == 0 || rep.Issues[0].Code != "NO_CHILDREN" {
		t.Fatalf("issues = %+v", rep.Issues)
	}
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t)
	worker, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{Title: "Solo", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.Preflight(env.Ctx, worker.ID)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if rep.Orchestrator.IsOrchestrator || rep.Validation.Blocking() {
		t.Fatalf("worker preflight = %+v", rep)
	}

	parent, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{Title: "Epic", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{
		Title: "Part", ParentID: parent.ID, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	rep, err = env.Engine.Preflight(env.Ctx, parent.ID)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if !rep.Orchestrator.IsOrchestrator || rep.Orchestrator.Method != "relations" {
		t.Fatalf("classification = %+v", rep.Orchestrator)
	}
	if len(rep.Children) != 1 || rep.Validation.Blocking() {
		t.Fatalf("preflight = %+v", rep)
	}

	if _, err := env.Engine.Preflight(env.Ctx, "W-nope"); err == nil {
		t.Fatalf("unknown item must error")
	}
}

func TestCreateHandoffThroughGuard(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{Title: "Work", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	narrative := map[string]string{
		"summary":    "done",
		"context":    "ctx",
		"next_steps": "ship",
		"risks":      "none",
		"artifacts":  w.ID,
	}
	h, a, err := env.Engine.CreateHandoff(env.Ctx, governance.HandoffCreateOptions{
		WorkItemID: w.ID,
		Kind:       "handoff",
		Narrative:  narrative,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create handoff: %v", err)
	}
	if a.Verdict != guard.VerdictApproved || h.Status != "draft" {
		t.Fatalf("handoff = %+v assessment = %+v", h, a)
	}

	// Second open handoff for the same kind warns but still persists.
	_, a, err = env.Engine.CreateHandoff(env.Ctx, governance.HandoffCreateOptions{
		WorkItemID: w.ID,
		Kind:       "handoff",
		Narrative:  narrative,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("second handoff: %v", err)
	}
	if a.Verdict != guard.VerdictCaution {
		t.Fatalf("expected duplicate warning: %+v", a)
	}
	hs, err := env.Engine.Repo.ListHandoffs(env.Ctx, w.ID)
	if err != nil || len(hs) != 2 {
		t.Fatalf("handoffs = %v, %v", hs, err)
	}
}

func TestAttachRequirementDocImprovesPreflight(t *testing.T) {
	env := newTestEnv(t)
	parent, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{Title: "Epic", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	child, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{
		Title: "Part", ParentID: parent.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AttachRequirementDoc(env.Ctx, parent.ID, "covers "+child.ID, "REQ-9", "tester"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	rep, err := env.Engine.Preflight(env.Ctx, parent.ID)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	for _, w := range rep.Validation.Warnings {
		if w.Code == "NO_DERIVATION_MAPPING" {
			t.Fatalf("doc references child, warning unexpected: %+v", rep.Validation.Warnings)
		}
	}
}

func TestEventLogRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkItem(env.Ctx, governance.WorkItemCreateOptions{Title: "Audit me", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.EvaluateTransition(env.Ctx, governance.TransitionRequest{
		WorkItemID: w.ID, Evidence: intakeEvidence(), ActorID: "tester", Apply: true,
	}); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "work_item", w.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range events {
		types[e.Type] = true
	}
	for _, want := range []string{"item.created", "gate.evaluated", "item.advanced"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
