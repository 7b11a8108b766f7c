package server

import (
	"gateline/internal/domain"
	"gateline/internal/gate"
)

// Request payloads

type CreateWorkItemRequest struct {
	ID          *string           `json:"id,omitempty"`
	Title       string            `json:"title"`
	Description *string           `json:"description,omitempty"`
	Scope       *string           `json:"scope,omitempty"`
	Type        string            `json:"type,omitempty" enum:"technical,feature,bug,epic,docs,chore"`
	ParentID    *string           `json:"parent_id,omitempty"`
	Attrs       map[string]string `json:"attrs,omitempty"`
}

type AdvanceRequest struct {
	Evidence map[string]EvidenceEntry `json:"evidence,omitempty"`
	Apply    bool                     `json:"apply,omitempty"`
	Force    bool                     `json:"force,omitempty"`
}

type EvidenceEntry struct {
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"draft,pending,active,blocked,done,canceled"`
}

type GuardCheckRequest struct {
	Operation  string            `json:"operation" enum:"create-record,create-artifact-file,check-duplicate,check-store-compliance,comprehensive"`
	WorkItemID string            `json:"work_item_id,omitempty"`
	RecordKind string            `json:"record_kind,omitempty"`
	TargetPath string            `json:"target_path,omitempty"`
	Narrative  map[string]string `json:"narrative,omitempty"`
}

type CreateHandoffRequest struct {
	Kind      string            `json:"kind"`
	Narrative map[string]string `json:"narrative,omitempty"`
}

type AttachRequirementRequest struct {
	Body   string `json:"body"`
	DocRef string `json:"doc_ref,omitempty"`
}

// Response payloads

type WorkItemResponse struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Scope       string            `json:"scope,omitempty"`
	Type        string            `json:"type"`
	Status      string            `json:"status"`
	Phase       string            `json:"phase"`
	ParentID    *string           `json:"parent_id,omitempty"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
	UpdatedAt   string            `json:"updated_at" format:"date-time"`
}

func workItemResponse(w domain.WorkItem) WorkItemResponse {
	return WorkItemResponse{
		ID:          w.ID,
		Title:       w.Title,
		Description: w.Description,
		Scope:       w.Scope,
		Type:        w.Type,
		Status:      w.Status,
		Phase:       w.Phase,
		ParentID:    w.ParentID,
		Attrs:       w.Attrs,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

func mapWorkItems(items []domain.WorkItem) []WorkItemResponse {
	res := make([]WorkItemResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workItemResponse(w))
	}
	return res
}

func toEvidence(in map[string]EvidenceEntry) gate.Evidence {
	ev := make(gate.Evidence, len(in))
	for name, e := range in {
		ev[name] = gate.Check{Passed: e.Passed, Detail: e.Detail}
	}
	return ev
}
