// Package artifact checks that coordinator work items carry the children and
// traceability documentation they should have.
package artifact

import (
	"fmt"
	"strings"

	"gateline/internal/domain"
	"gateline/internal/orchestrator"
)

// Issue and warning codes.
const (
	CodeNoChildren        = "NO_CHILDREN"
	CodeNoDerivation      = "NO_DERIVATION_MAPPING"
	CodeChildAhead        = "CHILD_EXECUTING_BEFORE_ORCHESTRATOR_APPROVAL"
	CodeNoProtocolDocRef  = "NO_PROTOCOL_DOC_REF"
	ActionRequired        = "REQUIRED"
	ActionRecommended     = "RECOMMENDED"
	ActionWorkflow        = "WORKFLOW"
)

// Finding is one issue or warning.
type Finding struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Step is one flattened remediation entry.
type Step struct {
	Action  string `json:"action" enum:"REQUIRED,RECOMMENDED,WORKFLOW"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Report is the validation outcome. Issues block; warnings advise.
type Report struct {
	Issues      []Finding `json:"issues"`
	Warnings    []Finding `json:"warnings"`
	Remediation []Step    `json:"remediation"`
}

// Blocking reports whether any issue exists.
func (r Report) Blocking() bool { return len(r.Issues) > 0 }

// Validate checks a classified coordinator against its children and the
// latest requirements doc (nil when none exists). Non-coordinators produce an
// empty report.
func Validate(item domain.WorkItem, cls orchestrator.Classification, children []domain.WorkItem, doc *domain.RequirementDoc) Report {
	var rep Report
	if !cls.IsOrchestrator {
		return rep
	}

	if len(children) == 0 {
		rep.Issues = append(rep.Issues, Finding{
			Code:    CodeNoChildren,
			Message: fmt.Sprintf("work item %s is classified as a coordinator but has no children", item.ID),
		})
	}

	if doc != nil && !referencesChildren(doc.Body, children) {
		rep.Warnings = append(rep.Warnings, Finding{
			Code:    CodeNoDerivation,
			Message: "requirements artifact has no marker linking it to child work items",
		})
	}

	if coordinatorPendingApproval(item.Status) {
		for _, c := range children {
			if childExecuting(c.Status) {
				rep.Warnings = append(rep.Warnings, Finding{
					Code:    CodeChildAhead,
					Message: fmt.Sprintf("child %s is %s while coordinator is still %s", c.ID, c.Status, item.Status),
				})
				break
			}
		}
	}

	if cls.Method == orchestrator.MethodExplicit && (doc == nil || doc.DocRef == "") {
		rep.Warnings = append(rep.Warnings, Finding{
			Code:    CodeNoProtocolDocRef,
			Message: "explicit coordinator declaration without a documentation reference",
		})
	}

	rep.Remediation = remediation(rep, children)
	return rep
}

// remediation flattens findings into ordered actions, appending one workflow
// step when any child is not yet complete.
func remediation(rep Report, children []domain.WorkItem) []Step {
	steps := make([]Step, 0, len(rep.Issues)+len(rep.Warnings)+1)
	for _, f := range rep.Issues {
		steps = append(steps, Step{Action: ActionRequired, Code: f.Code, Message: f.Message})
	}
	for _, f := range rep.Warnings {
		steps = append(steps, Step{Action: ActionRecommended, Code: f.Code, Message: f.Message})
	}
	for _, c := range children {
		if c.Status != "done" && c.Status != "canceled" {
			steps = append(steps, Step{
				Action:  ActionWorkflow,
				Message: "track remaining children to completion before closing the coordinator",
			})
			break
		}
	}
	return steps
}

func referencesChildren(body string, children []domain.WorkItem) bool {
	if len(children) == 0 {
		return false
	}
	for _, c := range children {
		if strings.Contains(body, c.ID) {
			return true
		}
	}
	return false
}

func coordinatorPendingApproval(status string) bool {
	return status == "draft" || status == "pending"
}

func childExecuting(status string) bool {
	return status == "active"
}
