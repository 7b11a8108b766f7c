package gate_test

import (
	"testing"

	"gateline/internal/domain"
	"gateline/internal/gate"
)

func rules() []domain.GateRule {
	return []domain.GateRule{
		{Name: "tests_pass", Weight: 0.4, Required: true, Active: true},
		{Name: "lint_clean", Weight: 0.4, Required: true, Active: true},
		{Name: "docs_updated", Weight: 0.2, Required: false, Active: true},
	}
}

func TestScoreAllPass(t *testing.T) {
	ev := gate.Evidence{
		"tests_pass":   {Passed: true},
		"lint_clean":   {Passed: true},
		"docs_updated": {Passed: true},
	}
	res := gate.Score(rules(), ev, 80)
	if res.Score != 100 {
		t.Fatalf("score = %d, want 100", res.Score)
	}
	if !res.Passed {
		t.Fatalf("expected pass")
	}
}

func TestScoreOptionalFailureBelowThreshold(t *testing.T) {
	// Both required rules pass (0.8 of the weight) but the optional one
	// fails: 80 against a threshold of 85 blocks on score alone.
	ev := gate.Evidence{
		"tests_pass": {Passed: true},
		"lint_clean": {Passed: true},
	}
	res := gate.Score(rules(), ev, 85)
	if res.Score != 80 {
		t.Fatalf("score = %d, want 80", res.Score)
	}
	if res.Passed {
		t.Fatalf("expected fail at threshold 85")
	}
	if res.PerRule["docs_updated"].Detail != "no evidence" {
		t.Fatalf("missing evidence detail = %q", res.PerRule["docs_updated"].Detail)
	}
}

func TestScoreRequiredRuleOverridesScore(t *testing.T) {
	// Score clears the threshold, but a required rule failed.
	rs := []domain.GateRule{
		{Name: "big", Weight: 0.9, Required: false, Active: true},
		{Name: "must", Weight: 0.1, Required: true, Active: true},
	}
	ev := gate.Evidence{
		"big":  {Passed: true},
		"must": {Passed: false, Detail: "review rejected"},
	}
	res := gate.Score(rs, ev, 70)
	if res.Score != 90 {
		t.Fatalf("score = %d, want 90", res.Score)
	}
	if res.Passed {
		t.Fatalf("required failure must block regardless of score")
	}
}

func TestScoreInactiveRulesIgnored(t *testing.T) {
	rs := []domain.GateRule{
		{Name: "live", Weight: 0.5, Active: true},
		{Name: "retired", Weight: 0.5, Required: true, Active: false},
	}
	res := gate.Score(rs, gate.Evidence{"live": {Passed: true}}, 50)
	if res.Score != 50 {
		t.Fatalf("score = %d, want 50", res.Score)
	}
	if !res.Passed {
		t.Fatalf("inactive required rule must not block")
	}
	if _, ok := res.PerRule["retired"]; ok {
		t.Fatalf("inactive rule should not appear in per-rule results")
	}
}

func TestScoreEmptyEvidence(t *testing.T) {
	res := gate.Score(rules(), gate.Evidence{}, 70)
	if res.Score != 0 {
		t.Fatalf("score = %d, want 0", res.Score)
	}
	if res.Passed {
		t.Fatalf("expected fail")
	}
	for name, check := range res.PerRule {
		if check.Passed {
			t.Fatalf("rule %s unexpectedly passed", name)
		}
	}
}

func TestScoreRounding(t *testing.T) {
	// Three equal thirds: 2 passing = 66.66..., rounds to 67.
	rs := []domain.GateRule{
		{Name: "a", Weight: 1.0 / 3, Active: true},
		{Name: "b", Weight: 1.0 / 3, Active: true},
		{Name: "c", Weight: 1.0 / 3, Active: true},
	}
	ev := gate.Evidence{
		"a": {Passed: true},
		"b": {Passed: true},
	}
	res := gate.Score(rs, ev, 70)
	if res.Score != 67 {
		t.Fatalf("score = %d, want 67", res.Score)
	}
}
