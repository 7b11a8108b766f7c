// Package governance composes gate scoring, escalation routing, coordinator
// checks and the persistence guard into per-transition decisions.
package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gateline/internal/artifact"
	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/escalate"
	"gateline/internal/events"
	"gateline/internal/gate"
	"gateline/internal/guard"
	"gateline/internal/orchestrator"
	"gateline/internal/repo"
)

// Engine wires the governance components over one store.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Router  escalate.Router
	Tracker escalate.Tracker
	Guard   guard.Guard
	Log     *zap.Logger
	Now     func() time.Time
}

// New builds an engine from an open DB and validated config.
func New(db *sql.DB, cfg *config.Config, log *zap.Logger) (Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	g, err := guard.New(r, log.Named("guard"),
		cfg.Guard.ProhibitedArtifacts, cfg.Guard.RequiredTables, cfg.Guard.NarrativeFields)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Config: cfg,
		Router: escalate.Router{
			Store:            r,
			Log:              log.Named("escalate"),
			PatternThreshold: cfg.Escalation.PatternThreshold,
			LookbackDays:     cfg.Escalation.LookbackDays,
		},
		Tracker: escalate.Tracker{
			Store:        r,
			Log:          log.Named("sla"),
			DefaultHours: cfg.SLA.DefaultHours,
			Categories:   cfg.SLA.Categories,
		},
		Guard: g,
		Log:   log,
		Now:   time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// WorkItemCreateOptions are parameters for creating a work item.
type WorkItemCreateOptions struct {
	ID          string
	Title       string
	Description string
	Scope       string
	Type        string
	ParentID    string
	Attrs       map[string]string
	ActorID     string
}

func (e Engine) CreateWorkItem(ctx context.Context, opts WorkItemCreateOptions) (domain.WorkItem, error) {
	if e.Config == nil {
		return domain.WorkItem{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	if opts.Type == "" {
		opts.Type = "technical"
	}
	if opts.ParentID != "" {
		if _, err := e.Repo.GetWorkItem(ctx, opts.ParentID); err != nil {
			return domain.WorkItem{}, fmt.Errorf("parent: %w", err)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = "W-" + uuid.New().String()[:8]
	}
	w := domain.WorkItem{
		ID:          id,
		Title:       opts.Title,
		Description: opts.Description,
		Scope:       opts.Scope,
		Type:        opts.Type,
		Status:      "draft",
		Phase:       domain.Phases[0],
		Attrs:       opts.Attrs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.ParentID != "" {
		w.ParentID = &opts.ParentID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkItem(ctx, tx, w); err != nil {
		return domain.WorkItem{}, err
	}
	if opts.ParentID != "" {
		if err := e.Repo.AddChildRelation(ctx, tx, opts.ParentID, w.ID); err != nil {
			return domain.WorkItem{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "item.created", "work_item", w.ID, opts.ActorID, events.EventPayload{"title": w.Title, "phase": w.Phase}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return w, nil
}

func ensureStatusTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case "draft":
		if newStatus == "pending" || newStatus == "canceled" {
			return nil
		}
	case "pending":
		if newStatus == "active" || newStatus == "canceled" {
			return nil
		}
	case "active":
		if newStatus == "blocked" || newStatus == "done" || newStatus == "canceled" {
			return nil
		}
	case "blocked":
		if newStatus == "active" || newStatus == "canceled" {
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %s -> %s", oldStatus, newStatus)
}

// SetStatus moves a work item through its lifecycle statuses.
func (e Engine) SetStatus(ctx context.Context, id, status, actorID string, force bool) (domain.WorkItem, error) {
	w, err := e.Repo.GetWorkItem(ctx, id)
	if err != nil {
		return w, err
	}
	if err := ensureStatusTransition(w.Status, status, force); err != nil {
		return w, err
	}
	old := w.Status
	w.Status = status
	w.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkItem(ctx, tx, w); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, "item.status", "work_item", w.ID, actorID, events.EventPayload{"from": old, "to": status}); err != nil {
		return w, err
	}
	return w, tx.Commit()
}

// TransitionRequest asks whether a work item may advance out of its phase.
type TransitionRequest struct {
	WorkItemID string
	Evidence   gate.Evidence
	ActorID    string
	Apply      bool
	Force      bool
}

// Report is the structured verdict for one transition request.
type Report struct {
	WorkItemID      string                       `json:"work_item_id"`
	GateID          string                       `json:"gate_id"`
	FromPhase       string                       `json:"from_phase"`
	ToPhase         string                       `json:"to_phase"`
	Score           int                          `json:"score"`
	Threshold       int                          `json:"threshold"`
	GatePassed      bool                         `json:"gate_passed"`
	Verdict         string                       `json:"verdict" enum:"ADVANCE,BLOCKED"`
	Applied         bool                         `json:"applied"`
	PerRule         map[string]gate.Check        `json:"per_rule,omitempty"`
	Issues          []artifact.Finding           `json:"issues"`
	Warnings        []artifact.Finding           `json:"warnings"`
	Recommendations []string                     `json:"recommendations"`
	Escalation      *escalate.RouteResult        `json:"escalation,omitempty"`
	Orchestrator    orchestrator.Classification  `json:"orchestrator"`
	Guard           *guard.Assessment            `json:"guard,omitempty"`
}

// EvaluateTransition scores the gate guarding the item's current phase,
// records the result, routes failures, runs coordinator and store checks,
// and (when Apply is set and everything passed) advances the phase.
// Storage failures inside the advisory checks degrade to warnings; only a
// missing work item or unusable transition is returned as an error.
func (e Engine) EvaluateTransition(ctx context.Context, req TransitionRequest) (Report, error) {
	if e.Config == nil {
		return Report{}, errors.New("config not loaded")
	}
	w, err := e.Repo.GetWorkItem(ctx, req.WorkItemID)
	if err != nil {
		return Report{}, err
	}
	toPhase := domain.NextPhase(w.Phase)
	if toPhase == "" {
		return Report{}, fmt.Errorf("work item %s is in terminal phase %s", w.ID, w.Phase)
	}
	gateID, ok := e.Config.GateForPhase(w.Phase)
	if !ok {
		return Report{}, fmt.Errorf("no gate configured for phase %s", w.Phase)
	}
	rules, threshold, _ := e.Config.GateRules(gateID)

	res := gate.Score(rules, req.Evidence, threshold)
	now := e.now().UTC().Format(time.RFC3339)

	rep := Report{
		WorkItemID: w.ID,
		GateID:     gateID,
		FromPhase:  w.Phase,
		ToPhase:    toPhase,
		Score:      res.Score,
		Threshold:  threshold,
		GatePassed: res.Passed,
		PerRule:    res.PerRule,
	}

	e.recordGateResult(ctx, gateID, w.ID, res, now, req.ActorID)

	if !res.Passed && !req.Force {
		route := e.Router.RouteFailure(ctx, escalate.RouteRequest{
			WorkItemID: w.ID,
			Category:   gateID,
			Score:      res.Score,
			Threshold:  threshold,
			Context:    map[string]string{"from_phase": w.Phase, "to_phase": toPhase},
		})
		rep.Escalation = &route
		if route.Routed {
			e.appendEvent(ctx, "escalation.created", w.ID, req.ActorID, events.EventPayload{
				"decision_id": route.DecisionID,
				"level":       string(route.Level),
				"category":    gateID,
			})
		}
	}

	relations, err := e.Repo.QueryChildRelations(ctx, w.ID)
	if err != nil {
		e.Log.Warn("child relation query failed", zap.String("work_item", w.ID), zap.Error(err))
		relations = nil
	}
	rep.Orchestrator = orchestrator.Detect(w, relations)
	if rep.Orchestrator.IsOrchestrator {
		art := e.validateCoordinator(ctx, w, rep.Orchestrator, relations)
		rep.Issues = append(rep.Issues, art.Issues...)
		rep.Warnings = append(rep.Warnings, art.Warnings...)
		for _, s := range art.Remediation {
			rep.Recommendations = append(rep.Recommendations, s.Action+": "+s.Message)
		}
	}

	ga := e.Guard.Validate(ctx, guard.CheckStoreCompliance{})
	if ga.Verdict != guard.VerdictApproved {
		rep.Guard = &ga
		for _, v := range ga.Violations {
			rep.Warnings = append(rep.Warnings, artifact.Finding{Code: v.Code, Message: v.Message})
		}
	}

	passed := (res.Passed || req.Force) && len(rep.Issues) == 0
	if passed {
		rep.Verdict = "ADVANCE"
	} else {
		rep.Verdict = "BLOCKED"
	}

	if passed && req.Apply {
		if err := e.advancePhase(ctx, w, toPhase, req.ActorID); err != nil {
			return rep, err
		}
		rep.Applied = true
	}
	if rep.Issues == nil {
		rep.Issues = []artifact.Finding{}
	}
	if rep.Warnings == nil {
		rep.Warnings = []artifact.Finding{}
	}
	if rep.Recommendations == nil {
		rep.Recommendations = []string{}
	}
	return rep, nil
}

// recordGateResult appends the audit row; evaluations never mutate earlier
// rows, and a persistence error here only costs the audit trail.
func (e Engine) recordGateResult(ctx context.Context, gateID, workItemID string, res gate.Result, ts, actorID string) {
	perRule := make(map[string]bool, len(res.PerRule))
	for name, c := range res.PerRule {
		perRule[name] = c.Passed
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Log.Warn("gate result tx failed", zap.Error(err))
		return
	}
	defer tx.Rollback()
	if _, err := e.Repo.InsertGateResult(ctx, tx, domain.GateResult{
		GateID:     gateID,
		WorkItemID: workItemID,
		Score:      res.Score,
		Passed:     res.Passed,
		PerRule:    perRule,
		TS:         ts,
	}); err != nil {
		e.Log.Warn("gate result insert failed", zap.String("gate", gateID), zap.Error(err))
		return
	}
	if err := e.Events.Append(ctx, tx, "gate.evaluated", "work_item", workItemID, actorID, events.EventPayload{
		"gate":   gateID,
		"score":  res.Score,
		"passed": res.Passed,
	}); err != nil {
		e.Log.Warn("gate event append failed", zap.Error(err))
		return
	}
	if err := tx.Commit(); err != nil {
		e.Log.Warn("gate result commit failed", zap.Error(err))
	}
}

func (e Engine) advancePhase(ctx context.Context, w domain.WorkItem, toPhase, actorID string) error {
	from := w.Phase
	w.Phase = toPhase
	w.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkItem(ctx, tx, w); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "item.advanced", "work_item", w.ID, actorID, events.EventPayload{"from": from, "to": toPhase}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) appendEvent(ctx context.Context, evtType, entityID, actorID string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Log.Warn("event tx failed", zap.Error(err))
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, "work_item", entityID, actorID, payload); err != nil {
		e.Log.Warn("event append failed", zap.String("type", evtType), zap.Error(err))
		return
	}
	if err := tx.Commit(); err != nil {
		e.Log.Warn("event commit failed", zap.Error(err))
	}
}

// PreflightReport is the coordinator check surfaced by the CLI and API.
type PreflightReport struct {
	WorkItemID   string                      `json:"work_item_id"`
	Orchestrator orchestrator.Classification `json:"orchestrator"`
	Children     []string                    `json:"children,omitempty"`
	Validation   artifact.Report             `json:"validation"`
}

// Preflight classifies a work item and, for coordinators, validates its
// children and traceability documentation.
func (e Engine) Preflight(ctx context.Context, workItemID string) (PreflightReport, error) {
	w, err := e.Repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return PreflightReport{}, err
	}
	relations, err := e.Repo.QueryChildRelations(ctx, w.ID)
	if err != nil {
		e.Log.Warn("child relation query failed", zap.String("work_item", w.ID), zap.Error(err))
		relations = nil
	}
	cls := orchestrator.Detect(w, relations)
	rep := PreflightReport{WorkItemID: w.ID, Orchestrator: cls}
	for _, rel := range relations {
		rep.Children = append(rep.Children, rel.ChildID)
	}
	if cls.IsOrchestrator {
		rep.Validation = e.validateCoordinator(ctx, w, cls, relations)
	}
	return rep, nil
}

func (e Engine) validateCoordinator(ctx context.Context, w domain.WorkItem, cls orchestrator.Classification, relations []domain.ChildRelation) artifact.Report {
	ids := make([]string, 0, len(relations))
	for _, rel := range relations {
		ids = append(ids, rel.ChildID)
	}
	children, err := e.Repo.GetWorkItems(ctx, ids)
	if err != nil {
		e.Log.Warn("child fetch failed", zap.String("work_item", w.ID), zap.Error(err))
	}
	var doc *domain.RequirementDoc
	if d, err := e.Repo.LatestRequirementDoc(ctx, w.ID); err == nil {
		doc = &d
	} else if !errors.Is(err, repo.ErrNotFound) {
		e.Log.Warn("requirement doc query failed", zap.String("work_item", w.ID), zap.Error(err))
	}
	return artifact.Validate(w, cls, children, doc)
}

// HandoffCreateOptions are parameters for creating a handoff through the
// guard.
type HandoffCreateOptions struct {
	WorkItemID string
	Kind       string
	Narrative  map[string]string
	ActorID    string
}

// CreateHandoff runs the guard's comprehensive check and, unless blocked,
// persists the handoff. The assessment is always returned so callers can see
// warnings on a successful create.
func (e Engine) CreateHandoff(ctx context.Context, opts HandoffCreateOptions) (domain.Handoff, guard.Assessment, error) {
	if opts.WorkItemID == "" || opts.Kind == "" {
		return domain.Handoff{}, guard.Assessment{}, errors.New("work item id and kind required")
	}
	if _, err := e.Repo.GetWorkItem(ctx, opts.WorkItemID); err != nil {
		return domain.Handoff{}, guard.Assessment{}, err
	}
	a := e.Guard.Validate(ctx, guard.Comprehensive{
		WorkItemID: opts.WorkItemID,
		RecordKind: opts.Kind,
		Narrative:  opts.Narrative,
	})
	if a.Verdict == guard.VerdictBlocked {
		return domain.Handoff{}, a, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	h := domain.Handoff{
		ID:         uuid.New().String(),
		WorkItemID: opts.WorkItemID,
		Kind:       opts.Kind,
		Status:     "draft",
		Narrative:  opts.Narrative,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return h, a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertHandoff(ctx, tx, h); err != nil {
		return h, a, err
	}
	if err := e.Events.Append(ctx, tx, "handoff.created", "handoff", h.ID, opts.ActorID, events.EventPayload{"work_item": h.WorkItemID, "kind": h.Kind}); err != nil {
		return h, a, err
	}
	return h, a, tx.Commit()
}

// AttachRequirementDoc stores a requirements artifact for a work item.
func (e Engine) AttachRequirementDoc(ctx context.Context, workItemID, body, docRef, actorID string) (domain.RequirementDoc, error) {
	if _, err := e.Repo.GetWorkItem(ctx, workItemID); err != nil {
		return domain.RequirementDoc{}, err
	}
	d := domain.RequirementDoc{
		ID:         uuid.New().String(),
		WorkItemID: workItemID,
		Body:       body,
		DocRef:     docRef,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequirementDoc(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "requirement.attached", "work_item", workItemID, actorID, events.EventPayload{"doc": d.ID}); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

// ResolveDecision closes a pending escalation.
func (e Engine) ResolveDecision(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ResolveDecision(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "decision.resolved", "decision", id, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}
