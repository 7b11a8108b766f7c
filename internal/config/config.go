package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"gateline/internal/domain"
)

// Config models gateline.yml. It is seeded into the DB on init and read back
// from there; the engine treats it as immutable after load.
type Config struct {
	Engine struct {
		ID string `yaml:"id"`
	} `yaml:"engine"`
	Gates      map[string]Gate `yaml:"gates"`
	Escalation struct {
		PatternThreshold int `yaml:"pattern_threshold"`
		LookbackDays     int `yaml:"lookback_days"`
	} `yaml:"escalation"`
	SLA struct {
		DefaultHours float64            `yaml:"default_hours"`
		Categories   map[string]float64 `yaml:"categories"`
	} `yaml:"sla"`
	Guard struct {
		ProhibitedArtifacts []string `yaml:"prohibited_artifacts"`
		RequiredTables      []string `yaml:"required_tables"`
		NarrativeFields     []string `yaml:"narrative_fields"`
	} `yaml:"guard"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// Gate is a named checkpoint guarding one phase transition.
type Gate struct {
	FromPhase string `yaml:"from_phase"`
	Threshold int    `yaml:"threshold"`
	Rules     []Rule `yaml:"rules"`
}

type Rule struct {
	Name     string  `yaml:"name"`
	Weight   float64 `yaml:"weight"`
	Required bool    `yaml:"required"`
	Active   *bool   `yaml:"active,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// IsActive treats rules as active unless explicitly disabled.
func (r Rule) IsActive() bool {
	return r.Active == nil || *r.Active
}

// GateRules converts a configured gate into the domain rule set.
func (c *Config) GateRules(gateID string) ([]domain.GateRule, int, bool) {
	g, ok := c.Gates[gateID]
	if !ok {
		return nil, 0, false
	}
	rules := make([]domain.GateRule, 0, len(g.Rules))
	for i, r := range g.Rules {
		rules = append(rules, domain.GateRule{
			ID:       fmt.Sprintf("%s/%d", gateID, i),
			GateID:   gateID,
			Name:     r.Name,
			Weight:   r.Weight,
			Required: r.Required,
			Active:   r.IsActive(),
		})
	}
	return rules, g.Threshold, true
}

// GateForPhase returns the gate id guarding transitions out of a phase.
func (c *Config) GateForPhase(phase string) (string, bool) {
	for id, g := range c.Gates {
		if g.FromPhase == phase {
			return id, true
		}
	}
	return "", false
}

// Validate ensures the config meets required structure. Rule weights must be
// in [0,1] and thresholds in [0,100]; the sum of active weights per gate is a
// configuration convention and is not checked here.
func (c *Config) Validate() error {
	if c.Engine.ID == "" {
		return fmt.Errorf("config.engine.id is required")
	}
	if len(c.Gates) == 0 {
		return fmt.Errorf("config.gates is required")
	}
	for id, g := range c.Gates {
		if g.Threshold < 0 || g.Threshold > 100 {
			return fmt.Errorf("gate %s threshold %d out of range [0,100]", id, g.Threshold)
		}
		if len(g.Rules) == 0 {
			return fmt.Errorf("gate %s has no rules", id)
		}
		for _, r := range g.Rules {
			if r.Name == "" {
				return fmt.Errorf("gate %s has a rule with empty name", id)
			}
			if r.Weight < 0 || r.Weight > 1 {
				return fmt.Errorf("gate %s rule %s weight %v out of range [0,1]", id, r.Name, r.Weight)
			}
		}
		if g.FromPhase != "" && domain.NextPhase(g.FromPhase) == "" {
			return fmt.Errorf("gate %s guards unknown phase %s", id, g.FromPhase)
		}
	}
	if c.Escalation.PatternThreshold < 1 {
		return fmt.Errorf("config.escalation.pattern_threshold must be >= 1")
	}
	if c.Escalation.LookbackDays < 1 {
		return fmt.Errorf("config.escalation.lookback_days must be >= 1")
	}
	if c.SLA.DefaultHours <= 0 {
		return fmt.Errorf("config.sla.default_hours must be > 0")
	}
	for cat, h := range c.SLA.Categories {
		if cat == "" {
			return fmt.Errorf("config.sla.categories has empty category")
		}
		if h <= 0 {
			return fmt.Errorf("sla for category %s must be > 0", cat)
		}
	}
	for _, t := range c.Guard.RequiredTables {
		if t == "" {
			return fmt.Errorf("config.guard.required_tables has empty entry")
		}
	}
	return nil
}

// SLAHours returns the max pending age for a category, falling back to the
// default.
func (c *Config) SLAHours(category string) float64 {
	if h, ok := c.SLA.Categories[category]; ok {
		return h
	}
	return c.SLA.DefaultHours
}

// SLACopy returns a defensive copy of the category map including the default
// under "default". Callers cannot mutate engine state through it.
func (c *Config) SLACopy() map[string]float64 {
	out := make(map[string]float64, len(c.SLA.Categories)+1)
	for k, v := range c.SLA.Categories {
		out[k] = v
	}
	out["default"] = c.SLA.DefaultHours
	return out
}

// GenerateDefault returns default config YAML.
func GenerateDefault(engineID string) string {
	return fmt.Sprintf(defaultTemplate, engineID)
}

// Default returns the default Config struct for an engine id.
func Default(engineID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, engineID)), &cfg)
	cfg.Engine.ID = engineID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  id: %s

gates:
  intake.review:
    from_phase: intake
    threshold: 70
    rules:
      - {name: scope.defined, weight: 0.5, required: true}
      - {name: owner.assigned, weight: 0.3, required: false}
      - {name: type.classified, weight: 0.2, required: false}

  design.review:
    from_phase: design
    threshold: 75
    rules:
      - {name: design.reviewed, weight: 0.4, required: true}
      - {name: risks.listed, weight: 0.3, required: false}
      - {name: children.mapped, weight: 0.3, required: false}

  quality.gate:
    from_phase: build
    threshold: 80
    rules:
      - {name: ci.passed, weight: 0.4, required: true}
      - {name: review.approved, weight: 0.4, required: true}
      - {name: docs.updated, weight: 0.2, required: false}

  acceptance.gate:
    from_phase: verify
    threshold: 85
    rules:
      - {name: acceptance.passed, weight: 0.6, required: true}
      - {name: regressions.clear, weight: 0.4, required: false}

  release.gate:
    from_phase: deliver
    threshold: 70
    rules:
      - {name: handoff.delivered, weight: 0.6, required: true}
      - {name: followups.filed, weight: 0.4, required: false}

escalation:
  pattern_threshold: 3
  lookback_days: 14

sla:
  default_hours: 24
  categories:
    quality.gate: 4
    acceptance.gate: 8
    intake.review: 48

guard:
  prohibited_artifacts:
    - '(?i)^handoff.*\.md$'
    - '(?i)^.*_handoff\.(md|txt)$'
    - '(?i)^req(uirements)?-.*\.md$'
    - '(?i)^notes?-to-next.*'
  required_tables:
    - work_items
    - gate_results
    - failure_events
    - decisions
    - handoffs
    - child_relations
  narrative_fields:
    - summary
    - context
    - next_steps
    - risks
    - artifacts
`
