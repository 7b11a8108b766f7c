// Package guard enforces that sensitive operations go through approved
// channels: it blocks denylisted ad-hoc artifacts, reports schema drift,
// flags duplicate open records and scores narrative completeness.
package guard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"gateline/internal/domain"
	"gateline/internal/repo"
)

// Verdicts and their fixed confidence values. Confidence is a static per-tier
// mapping, not computed from evidence.
const (
	VerdictBlocked    = "BLOCKED"
	VerdictCaution    = "PROCEED_WITH_CAUTION"
	VerdictApproved   = "APPROVED"
	confidenceBlocked = 100
	confidenceCaution = 75
	confidenceOK      = 95
)

// Severity and action labels.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	ActionBlock      = "BLOCK"
	ActionWarnCreate = "WARN_AND_CREATE"
)

const completenessFloor = 80

// Store is the data-access collaborator for duplicate and schema checks.
type Store interface {
	OpenHandoff(ctx context.Context, workItemID, kind string) (domain.Handoff, error)
	TableExists(ctx context.Context, name string) (bool, error)
}

// Violation blocks the operation; Warning does not.
type Violation struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Action   string `json:"action"`
}

type Warning struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Assessment is the guard's verdict for one operation.
type Assessment struct {
	Operation       string      `json:"operation"`
	Verdict         string      `json:"verdict" enum:"BLOCKED,PROCEED_WITH_CAUTION,APPROVED"`
	Violations      []Violation `json:"violations"`
	Warnings        []Warning   `json:"warnings"`
	Recommendations []string    `json:"recommendations"`
	Confidence      int         `json:"confidence"`
}

// Guard validates operations against the configured policy.
type Guard struct {
	Store           Store
	Log             *zap.Logger
	Prohibited      []*regexp.Regexp
	RequiredTables  []string
	NarrativeFields []string
}

// New compiles the prohibited-artifact patterns. Invalid patterns are
// rejected up front so the policy cannot silently lose teeth.
func New(store Store, log *zap.Logger, prohibited, requiredTables, narrativeFields []string) (Guard, error) {
	res := make([]*regexp.Regexp, 0, len(prohibited))
	for _, p := range prohibited {
		re, err := regexp.Compile(p)
		if err != nil {
			return Guard{}, fmt.Errorf("prohibited artifact pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return Guard{
		Store:           store,
		Log:             log,
		Prohibited:      res,
		RequiredTables:  requiredTables,
		NarrativeFields: narrativeFields,
	}, nil
}

// Validate dispatches on the operation variant and returns the assessment.
// The guard never returns an error for policy outcomes; a BLOCK is data.
func (g Guard) Validate(ctx context.Context, op Operation) Assessment {
	a := Assessment{Operation: op.Kind()}
	switch o := op.(type) {
	case CreateRecord:
		g.checkDuplicate(ctx, &a, o.WorkItemID, o.RecordKind)
		g.checkCompleteness(&a, o.Narrative)
	case CreateArtifactFile:
		g.checkArtifactPath(&a, o.TargetPath)
	case CheckDuplicate:
		g.checkDuplicate(ctx, &a, o.WorkItemID, o.RecordKind)
	case CheckStoreCompliance:
		g.checkStore(ctx, &a)
	case Comprehensive:
		if o.TargetPath != "" {
			g.checkArtifactPath(&a, o.TargetPath)
		}
		g.checkStore(ctx, &a)
		g.checkDuplicate(ctx, &a, o.WorkItemID, o.RecordKind)
		g.checkCompleteness(&a, o.Narrative)
	}
	g.finalize(&a)
	return a
}

func (g Guard) checkArtifactPath(a *Assessment, targetPath string) {
	base := filepath.Base(targetPath)
	for _, re := range g.Prohibited {
		if re.MatchString(base) {
			a.Violations = append(a.Violations, Violation{
				Severity: SeverityCritical,
				Code:     "PROHIBITED_ARTIFACT_PATTERN",
				Message:  fmt.Sprintf("artifact %q matches prohibited pattern %s", base, re.String()),
				Action:   ActionBlock,
			})
			a.Recommendations = append(a.Recommendations,
				"persist this content as a handoff record (gl handoff create) instead of an ad-hoc file")
			return
		}
	}
}

func (g Guard) checkStore(ctx context.Context, a *Assessment) {
	if g.Store == nil {
		return
	}
	for _, table := range g.RequiredTables {
		ok, err := g.Store.TableExists(ctx, table)
		if err != nil {
			g.Log.Warn("table existence check failed", zap.String("table", table), zap.Error(err))
			continue
		}
		if !ok {
			// Report only; creation is an external follow-up.
			a.Violations = append(a.Violations, Violation{
				Severity: SeverityHigh,
				Code:     "MISSING_TABLE",
				Message:  fmt.Sprintf("required table %s does not exist", table),
				Action:   ActionWarnCreate,
			})
		}
	}
}

func (g Guard) checkDuplicate(ctx context.Context, a *Assessment, workItemID, kind string) {
	if g.Store == nil || workItemID == "" || kind == "" {
		return
	}
	h, err := g.Store.OpenHandoff(ctx, workItemID, kind)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			g.Log.Warn("duplicate check failed", zap.String("work_item", workItemID), zap.Error(err))
		}
		return
	}
	a.Warnings = append(a.Warnings, Warning{
		Severity: SeverityMedium,
		Code:     "DUPLICATE_OPEN_RECORD",
		Message:  fmt.Sprintf("handoff %s for (%s, %s) is still %s", h.ID, workItemID, kind, h.Status),
	})
	a.Recommendations = append(a.Recommendations,
		fmt.Sprintf("update or deliver handoff %s before creating another", h.ID))
}

func (g Guard) checkCompleteness(a *Assessment, narrative map[string]string) {
	if len(g.NarrativeFields) == 0 {
		return
	}
	present := 0
	var missing []string
	for _, f := range g.NarrativeFields {
		if v, ok := narrative[f]; ok && v != "" {
			present++
		} else {
			missing = append(missing, f)
		}
	}
	pct := int(math.Round(100 * float64(present) / float64(len(g.NarrativeFields))))
	if pct < completenessFloor {
		a.Warnings = append(a.Warnings, Warning{
			Severity: SeverityMedium,
			Code:     "INCOMPLETE_NARRATIVE",
			Message:  fmt.Sprintf("narrative is %d%% complete; missing %v", pct, missing),
		})
	}
}

func (g Guard) finalize(a *Assessment) {
	if a.Violations == nil {
		a.Violations = []Violation{}
	}
	if a.Warnings == nil {
		a.Warnings = []Warning{}
	}
	if a.Recommendations == nil {
		a.Recommendations = []string{}
	}
	switch {
	case len(a.Violations) > 0:
		a.Verdict = VerdictBlocked
		a.Confidence = confidenceBlocked
	case len(a.Warnings) > 0:
		a.Verdict = VerdictCaution
		a.Confidence = confidenceCaution
	default:
		a.Verdict = VerdictApproved
		a.Confidence = confidenceOK
	}
}
