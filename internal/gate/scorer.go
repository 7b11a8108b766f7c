// Package gate evaluates weighted rule sets against pass/fail evidence.
package gate

import (
	"math"

	"gateline/internal/domain"
)

// Check is the evidence recorded for one rule. A failed underlying check
// carries its error text in Detail.
type Check struct {
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Evidence maps rule name to its check outcome. Rules with no entry are
// treated as failed.
type Evidence map[string]Check

// Result is the outcome of scoring one gate.
type Result struct {
	Score   int              `json:"score"`
	Passed  bool             `json:"passed"`
	PerRule map[string]Check `json:"per_rule"`
}

// Score evaluates rules against evidence. The score is the weighted share of
// passing active rules scaled to 0-100; the gate passes only if the score
// meets the threshold AND every required rule passed. An item can score above
// threshold and still fail on a required rule.
func Score(rules []domain.GateRule, evidence Evidence, threshold int) Result {
	perRule := make(map[string]Check, len(rules))
	var weighted float64
	requiredOK := true
	for _, r := range rules {
		if !r.Active {
			continue
		}
		check, ok := evidence[r.Name]
		if !ok {
			check = Check{Passed: false, Detail: "no evidence"}
		}
		perRule[r.Name] = check
		if check.Passed {
			weighted += r.Weight
		} else if r.Required {
			requiredOK = false
		}
	}
	score := int(math.Round(100 * weighted))
	return Result{
		Score:   score,
		Passed:  score >= threshold && requiredOK,
		PerRule: perRule,
	}
}
