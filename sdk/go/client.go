package gatelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Phase    string `json:"phase"`
	ParentID string `json:"parent_id,omitempty"`
}

// Check is one rule's evidence.
type Check struct {
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report is the gate transition verdict.
type Report struct {
	WorkItemID string           `json:"work_item_id"`
	GateID     string           `json:"gate_id"`
	FromPhase  string           `json:"from_phase"`
	ToPhase    string           `json:"to_phase"`
	Score      int              `json:"score"`
	Threshold  int              `json:"threshold"`
	GatePassed bool             `json:"gate_passed"`
	Verdict    string           `json:"verdict"`
	Applied    bool             `json:"applied"`
	PerRule    map[string]Check `json:"per_rule,omitempty"`
}

// QueueItem is one pending escalation.
type QueueItem struct {
	DecisionID  string  `json:"decision_id"`
	Category    string  `json:"category"`
	WorkItemID  string  `json:"work_item_id"`
	Level       string  `json:"escalation_level"`
	Occurrences int     `json:"occurrence_count"`
	AgeHours    float64 `json:"age_hours"`
	SLAHours    float64 `json:"sla_hours"`
	Overdue     bool    `json:"overdue"`
}

// Queue is the escalation queue read model.
type Queue struct {
	Items        []QueueItem `json:"items"`
	TotalPending int         `json:"total_pending"`
	OverdueCount int         `json:"overdue_count"`
}

// Finding is one validation issue or warning.
type Finding struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PreflightReport is the coordinator check result.
type PreflightReport struct {
	WorkItemID   string `json:"work_item_id"`
	Orchestrator struct {
		IsOrchestrator bool   `json:"is_orchestrator"`
		Method         string `json:"method"`
		Confidence     int    `json:"confidence"`
	} `json:"orchestrator"`
	Children   []string `json:"children,omitempty"`
	Validation struct {
		Issues   []Finding `json:"issues"`
		Warnings []Finding `json:"warnings"`
	} `json:"validation"`
}

// Assessment is the persistence guard verdict.
type Assessment struct {
	Operation  string `json:"operation"`
	Verdict    string `json:"verdict"`
	Confidence int    `json:"confidence"`
	Violations []struct {
		Severity string `json:"severity"`
		Code     string `json:"code"`
		Message  string `json:"message"`
	} `json:"violations"`
	Recommendations []string `json:"recommendations"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkItem creates a work item.
func (c *Client) CreateWorkItem(ctx context.Context, title, itemType string) (WorkItem, error) {
	body := map[string]any{
		"title": title,
		"type":  itemType,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/items", body, &resp)
	return resp, err
}

// GetWorkItem fetches a work item by id.
func (c *Client) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "v0/items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListWorkItems lists work items filtered by phase or status (empty = all).
func (c *Client) ListWorkItems(ctx context.Context, phase, status string) ([]WorkItem, error) {
	var resp struct {
		Items []WorkItem `json:"items"`
	}
	q := url.Values{}
	if phase != "" {
		q.Set("phase", phase)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "v0/items"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Advance evaluates the item's phase gate against evidence; with apply the
// item moves to the next phase when the gate passes.
func (c *Client) Advance(ctx context.Context, id string, evidence map[string]Check, apply bool) (Report, error) {
	body := map[string]any{
		"evidence": evidence,
		"apply":    apply,
	}
	var resp Report
	endpoint := fmt.Sprintf("v0/items/%s/advance", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// EscalationQueue returns pending escalations ordered by SLA urgency.
func (c *Client) EscalationQueue(ctx context.Context) (Queue, error) {
	var resp Queue
	err := c.do(ctx, http.MethodGet, "v0/escalations", nil, &resp)
	return resp, err
}

// Preflight runs the coordinator check for a work item.
func (c *Client) Preflight(ctx context.Context, id string) (PreflightReport, error) {
	var resp PreflightReport
	endpoint := fmt.Sprintf("v0/items/%s/preflight", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GuardCheck assesses an operation against the persistence guard.
func (c *Client) GuardCheck(ctx context.Context, operation, workItemID, recordKind, targetPath string, narrative map[string]string) (Assessment, error) {
	body := map[string]any{
		"operation":    operation,
		"work_item_id": workItemID,
		"record_kind":  recordKind,
		"target_path":  targetPath,
		"narrative":    narrative,
	}
	var resp Assessment
	err := c.do(ctx, http.MethodPost, "v0/guard/check", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
