package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalMap(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalMap(s sql.NullString) map[string]string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

// --- engine config ---

func (r Repo) UpsertEngineConfig(ctx context.Context, engineID string, cfg *config.Config) error {
	return upsertEngineConfig(ctx, r.DB, nil, engineID, cfg)
}

func (r Repo) UpsertEngineConfigTx(ctx context.Context, tx *sql.Tx, engineID string, cfg *config.Config) error {
	return upsertEngineConfig(ctx, nil, tx, engineID, cfg)
}

func upsertEngineConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, engineID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Engine.ID = engineID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO engine_config(engine_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(engine_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, engineID, string(payload), now, now)
	return err
}

func (r Repo) GetEngineConfig(ctx context.Context, engineID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM engine_config WHERE engine_id=?`, engineID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Engine.ID == "" {
		cfg.Engine.ID = engineID
	}
	return &cfg, cfg.Validate()
}

// SingleEngineConfig returns the only stored config, erroring if zero or
// several exist.
func (r Repo) SingleEngineConfig(ctx context.Context) (*config.Config, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT engine_id FROM engine_config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	if len(ids) > 1 {
		return nil, fmt.Errorf("multiple engine configs exist; specify --engine")
	}
	return r.GetEngineConfig(ctx, ids[0])
}

// --- work items ---

const workItemColumns = `id,title,description,scope,type,status,phase,parent_id,attrs_json,created_at,updated_at`

func scanWorkItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var w domain.WorkItem
	var description, scope, parentID, attrs sql.NullString
	err := scan(&w.ID, &w.Title, &description, &scope, &w.Type, &w.Status, &w.Phase, &parentID, &attrs, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if description.Valid {
		w.Description = description.String
	}
	if scope.Valid {
		w.Scope = scope.String
	}
	if parentID.Valid {
		w.ParentID = &parentID.String
	}
	w.Attrs = unmarshalMap(attrs)
	return w, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Title, nullable(w.Description), nullable(w.Scope), w.Type, w.Status, w.Phase,
		nullableStringPtr(w.ParentID), marshalMap(w.Attrs), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) UpdateWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `UPDATE work_items SET title=?, description=?, scope=?, type=?, status=?, phase=?, parent_id=?, attrs_json=?, updated_at=? WHERE id=?`,
		w.Title, nullable(w.Description), nullable(w.Scope), w.Type, w.Status, w.Phase,
		nullableStringPtr(w.ParentID), marshalMap(w.Attrs), w.UpdatedAt, w.ID)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id)
	return scanWorkItem(row.Scan)
}

type WorkItemFilters struct {
	Status string
	Phase  string
	Type   string
	Parent string
	Limit  int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Parent != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.Parent)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) GetWorkItems(ctx context.Context, ids []string) ([]domain.WorkItem, error) {
	var res []domain.WorkItem
	for _, id := range ids {
		w, err := r.GetWorkItem(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

// --- child relations ---

func (r Repo) AddChildRelation(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO child_relations(parent_id, child_id) VALUES (?,?)`, parentID, childID)
	return err
}

func (r Repo) QueryChildRelations(ctx context.Context, parentID string) ([]domain.ChildRelation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT parent_id, child_id FROM child_relations WHERE parent_id=?`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChildRelation
	for rows.Next() {
		var rel domain.ChildRelation
		if err := rows.Scan(&rel.ParentID, &rel.ChildID); err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}

// --- gate results ---

func (r Repo) InsertGateResult(ctx context.Context, tx *sql.Tx, g domain.GateResult) (int64, error) {
	var perRule any
	if len(g.PerRule) > 0 {
		b, _ := json.Marshal(g.PerRule)
		perRule = string(b)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO gate_results(gate_id,work_item_id,score,passed,per_rule_json,ts) VALUES (?,?,?,?,?,?)`,
		g.GateID, g.WorkItemID, g.Score, g.Passed, perRule, g.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListGateResults(ctx context.Context, workItemID string, limit int) ([]domain.GateResult, error) {
	query := `SELECT id,gate_id,work_item_id,score,passed,per_rule_json,ts FROM gate_results WHERE work_item_id=? ORDER BY id DESC`
	args := []any{workItemID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateResult
	for rows.Next() {
		var g domain.GateResult
		var perRule sql.NullString
		if err := rows.Scan(&g.ID, &g.GateID, &g.WorkItemID, &g.Score, &g.Passed, &perRule, &g.TS); err != nil {
			return nil, err
		}
		if perRule.Valid {
			_ = json.Unmarshal([]byte(perRule.String), &g.PerRule)
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// --- failure events ---

func (r Repo) InsertFailureEvent(ctx context.Context, f domain.FailureEvent) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO failure_events(work_item_id,category,score,threshold,context_json,ts) VALUES (?,?,?,?,?,?)`,
		f.WorkItemID, f.Category, f.Score, f.Threshold, marshalMap(f.Context), f.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type FailureEventFilters struct {
	Category   string
	WorkItemID string
}

// QueryFailureEvents returns failure events at or after since, newest last.
func (r Repo) QueryFailureEvents(ctx context.Context, f FailureEventFilters, since time.Time) ([]domain.FailureEvent, error) {
	clauses := []string{"ts >= ?"}
	args := []any{since.UTC().Format(time.RFC3339)}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.WorkItemID != "" {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, f.WorkItemID)
	}
	query := `SELECT id,work_item_id,category,score,threshold,context_json,ts FROM failure_events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY ts ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FailureEvent
	for rows.Next() {
		var fe domain.FailureEvent
		var ctxJSON sql.NullString
		if err := rows.Scan(&fe.ID, &fe.WorkItemID, &fe.Category, &fe.Score, &fe.Threshold, &ctxJSON, &fe.TS); err != nil {
			return nil, err
		}
		fe.Context = unmarshalMap(ctxJSON)
		res = append(res, fe)
	}
	return res, rows.Err()
}

// --- decisions ---

func (r Repo) InsertDecision(ctx context.Context, d domain.Decision) (string, error) {
	var scores any
	if len(d.RecentScores) > 0 {
		b, _ := json.Marshal(d.RecentScores)
		scores = string(b)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO decisions(id,type,status,category,work_item_id,occurrences,level,threshold,latest_score,recent_scores_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Type, d.Status, d.Category, d.WorkItemID, d.Occurrences, d.Level, d.Threshold, d.LatestScore, scores, d.CreatedAt)
	return d.ID, err
}

// QueryPendingDecisions returns pending decisions oldest first.
func (r Repo) QueryPendingDecisions(ctx context.Context) ([]domain.Decision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,type,status,category,work_item_id,occurrences,level,threshold,latest_score,recent_scores_json,created_at FROM decisions WHERE status='pending' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var scores sql.NullString
		if err := rows.Scan(&d.ID, &d.Type, &d.Status, &d.Category, &d.WorkItemID, &d.Occurrences, &d.Level, &d.Threshold, &d.LatestScore, &scores, &d.CreatedAt); err != nil {
			return nil, err
		}
		if scores.Valid {
			_ = json.Unmarshal([]byte(scores.String), &d.RecentScores)
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) ResolveDecision(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE decisions SET status='resolved' WHERE id=? AND status='pending'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- handoffs ---

func (r Repo) InsertHandoff(ctx context.Context, tx *sql.Tx, h domain.Handoff) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO handoffs(id,work_item_id,kind,status,narrative_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		h.ID, h.WorkItemID, h.Kind, h.Status, marshalMap(h.Narrative), h.CreatedAt, h.UpdatedAt)
	return err
}

// OpenHandoff returns a non-delivered handoff for the pair, if any.
func (r Repo) OpenHandoff(ctx context.Context, workItemID, kind string) (domain.Handoff, error) {
	var h domain.Handoff
	var narrative sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,work_item_id,kind,status,narrative_json,created_at,updated_at FROM handoffs WHERE work_item_id=? AND kind=? AND status != 'delivered' ORDER BY created_at DESC LIMIT 1`, workItemID, kind).
		Scan(&h.ID, &h.WorkItemID, &h.Kind, &h.Status, &narrative, &h.CreatedAt, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.Narrative = unmarshalMap(narrative)
	return h, nil
}

func (r Repo) ListHandoffs(ctx context.Context, workItemID string) ([]domain.Handoff, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,work_item_id,kind,status,narrative_json,created_at,updated_at FROM handoffs WHERE work_item_id=? ORDER BY created_at DESC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Handoff
	for rows.Next() {
		var h domain.Handoff
		var narrative sql.NullString
		if err := rows.Scan(&h.ID, &h.WorkItemID, &h.Kind, &h.Status, &narrative, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Narrative = unmarshalMap(narrative)
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) SetHandoffStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE handoffs SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- requirement docs ---

func (r Repo) InsertRequirementDoc(ctx context.Context, tx *sql.Tx, d domain.RequirementDoc) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requirement_docs(id,work_item_id,body,doc_ref,created_at) VALUES (?,?,?,?,?)`,
		d.ID, d.WorkItemID, d.Body, nullable(d.DocRef), d.CreatedAt)
	return err
}

// LatestRequirementDoc returns the newest requirements artifact for an item.
func (r Repo) LatestRequirementDoc(ctx context.Context, workItemID string) (domain.RequirementDoc, error) {
	var d domain.RequirementDoc
	var docRef sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,work_item_id,body,doc_ref,created_at FROM requirement_docs WHERE work_item_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, workItemID).
		Scan(&d.ID, &d.WorkItemID, &d.Body, &docRef, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if docRef.Valid {
		d.DocRef = docRef.String
	}
	return d, nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestEventID returns the highest event id, or 0 for an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT max(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- store compliance ---

// TableExists reports whether a table is present in the schema.
func (r Repo) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) CountWorkItemsByPhase(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase, count(*) FROM work_items GROUP BY phase`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var phase string
		var count int
		if err := rows.Scan(&phase, &count); err != nil {
			return nil, err
		}
		res[phase] = count
	}
	return res, rows.Err()
}
