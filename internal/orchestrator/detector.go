// Package orchestrator classifies work items as coordinators over child work
// items using a three-tier authority model.
package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"gateline/internal/domain"
)

// Method identifies which tier produced the classification.
const (
	MethodExplicit  = "explicit"
	MethodRelations = "relations"
	MethodHeuristic = "heuristic"
	MethodNone      = "none"
)

// OrchestratorAttr is the work-item attribute carrying the explicit
// coordinator declaration.
const OrchestratorAttr = "orchestrator"

// coordinationTerms is the fixed vocabulary scanned during heuristic
// classification.
var coordinationTerms = []string{
	"coordination",
	"coordinator",
	"orchestrat",
	"multi-phase",
	"decomposition",
	"children",
	"child work item",
	"sub-item",
	"parent derived",
	"derived from parent",
}

var workItemRef = regexp.MustCompile(`\bW-[0-9A-Za-z][0-9A-Za-z-]*\b`)

// Classification is the detector verdict.
type Classification struct {
	IsOrchestrator bool     `json:"is_orchestrator"`
	Method         string   `json:"method"`
	Confidence     int      `json:"confidence"`
	Signals        []string `json:"signals,omitempty"`
}

// Detect evaluates the tiers in strict priority order, first match wins:
// explicit declaration, persisted child relations, heuristic text signals.
func Detect(item domain.WorkItem, relations []domain.ChildRelation) Classification {
	if v, ok := item.Attrs[OrchestratorAttr]; ok && isTruthy(v) {
		return Classification{
			IsOrchestrator: true,
			Method:         MethodExplicit,
			Confidence:     100,
			Signals:        []string{"attrs." + OrchestratorAttr + "=" + v},
		}
	}

	if len(relations) > 0 {
		return Classification{
			IsOrchestrator: true,
			Method:         MethodRelations,
			Confidence:     100,
			Signals:        []string{fmt.Sprintf("%d child relation(s)", len(relations))},
		}
	}

	text := strings.ToLower(item.Title + " " + item.Description + " " + item.Scope)
	var signals []string
	terms := 0
	for _, term := range coordinationTerms {
		if strings.Contains(text, term) {
			terms++
			signals = append(signals, "term:"+term)
		}
	}
	refs := 0
	for k, v := range item.Attrs {
		if k == OrchestratorAttr {
			continue
		}
		for _, m := range workItemRef.FindAllString(v, -1) {
			if m != item.ID {
				refs++
				signals = append(signals, "ref:"+m)
			}
		}
	}
	if terms >= 2 || refs >= 2 {
		conf := terms*25 + refs*20
		if conf > 80 {
			conf = 80
		}
		return Classification{
			IsOrchestrator: true,
			Method:         MethodHeuristic,
			Confidence:     conf,
			Signals:        signals,
		}
	}

	return Classification{IsOrchestrator: false, Method: MethodNone, Confidence: 0}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
