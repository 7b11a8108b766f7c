package domain

// WorkItem is the unit of work tracked through ordered delivery phases.
// The engine mutates status/phase on transitions but never deletes items.
type WorkItem struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Scope       string            `json:"scope,omitempty"`
	Type        string            `json:"type"`
	Status      string            `json:"status" enum:"draft,pending,active,blocked,done,canceled"`
	Phase       string            `json:"phase" enum:"intake,design,build,verify,deliver,done"`
	ParentID    *string           `json:"parent_id,omitempty"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
	UpdatedAt   string            `json:"updated_at" format:"date-time"`
}

// GateRule is one weighted rule within a gate's rule set.
type GateRule struct {
	ID       string  `json:"id"`
	GateID   string  `json:"gate_id"`
	Name     string  `json:"name"`
	Weight   float64 `json:"weight"`
	Required bool    `json:"required"`
	Active   bool    `json:"active"`
}

// GateResult is an append-only audit record of one gate evaluation.
// Re-evaluations insert new rows; prior rows are never mutated.
type GateResult struct {
	ID         int64           `json:"id"`
	GateID     string          `json:"gate_id"`
	WorkItemID string          `json:"work_item_id"`
	Score      int             `json:"score"`
	Passed     bool            `json:"passed"`
	PerRule    map[string]bool `json:"per_rule,omitempty"`
	TS         string          `json:"ts" format:"date-time"`
}

// FailureEvent records one gate/check failure. Append-only.
type FailureEvent struct {
	ID         int64             `json:"id"`
	WorkItemID string            `json:"work_item_id"`
	Category   string            `json:"category"`
	Score      int               `json:"score"`
	Threshold  int               `json:"threshold"`
	Context    map[string]string `json:"context,omitempty"`
	TS         string            `json:"ts" format:"date-time"`
}

// Decision is a pending escalation routed to a human queue. Resolution is
// external to the engine; it only flips status to resolved.
type Decision struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Status       string `json:"status" enum:"pending,resolved"`
	Category     string `json:"category"`
	WorkItemID   string `json:"work_item_id"`
	Occurrences  int    `json:"occurrences"`
	Level        string `json:"level" enum:"INFO,WARN,CRITICAL"`
	Threshold    int    `json:"threshold"`
	LatestScore  int    `json:"latest_score"`
	RecentScores []int  `json:"recent_scores,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Handoff is a narrative record created through the persistence guard.
// Non-final until delivered.
type Handoff struct {
	ID         string            `json:"id"`
	WorkItemID string            `json:"work_item_id"`
	Kind       string            `json:"kind"`
	Status     string            `json:"status" enum:"draft,ready,delivered"`
	Narrative  map[string]string `json:"narrative,omitempty"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
	UpdatedAt  string            `json:"updated_at" format:"date-time"`
}

// ChildRelation links a coordinator work item to one child.
type ChildRelation struct {
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
}

// RequirementDoc is the traceability artifact attached to a coordinator.
type RequirementDoc struct {
	ID         string `json:"id"`
	WorkItemID string `json:"work_item_id"`
	Body       string `json:"body"`
	DocRef     string `json:"doc_ref,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Phases lists the delivery phases in order.
var Phases = []string{"intake", "design", "build", "verify", "deliver", "done"}

// NextPhase returns the phase after p, or "" if p is terminal or unknown.
func NextPhase(p string) string {
	for i, ph := range Phases {
		if ph == p && i+1 < len(Phases) {
			return Phases[i+1]
		}
	}
	return ""
}
