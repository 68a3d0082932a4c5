package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowrequest/internal/config"
	"flowrequest/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- users ---

func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	return r.UpsertUserTx(ctx, nil, u)
}

func (r Repo) UpsertUserTx(ctx context.Context, tx *sql.Tx, u domain.User) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO users(id,name,email,role,role_key,is_admin) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, role=excluded.role, role_key=excluded.role_key, is_admin=excluded.is_admin`,
		u.ID, u.Name, u.Email, u.Role, u.RoleKey, boolToInt(u.IsAdmin))
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,name,email,role,role_key,is_admin FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,name,email,role,role_key,is_admin FROM users WHERE email=? COLLATE NOCASE LIMIT 1`, email))
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var isAdmin int
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.RoleKey, &isAdmin)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.IsAdmin = isAdmin != 0
	return u, err
}

// ListUsers returns the directory in insertion order; broadcast expansion
// depends on this ordering being stable.
func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,email,role,role_key,is_admin FROM users ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var isAdmin int
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.RoleKey, &isAdmin); err != nil {
			return nil, err
		}
		u.IsAdmin = isAdmin != 0
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) DeleteUser(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOpenAssignments counts sub-requests still assigned to the user in a
// non-terminal state. Used to block removal of a user with work in flight.
func (r Repo) CountOpenAssignments(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM sub_requests WHERE assignee_id=? AND status != ?`, userID, domain.SubDone).Scan(&n)
	return n, err
}

func (r Repo) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&n)
	return n, err
}

// --- role mappings ---

func (r Repo) UpsertMapping(ctx context.Context, m domain.RoleMapping) error {
	return r.UpsertMappingTx(ctx, nil, m)
}

func (r Repo) UpsertMappingTx(ctx context.Context, tx *sql.Tx, m domain.RoleMapping) error {
	groups, err := json.Marshal(m.Groups)
	if err != nil {
		return fmt.Errorf("marshal mapping groups: %w", err)
	}
	var contexts *string
	if len(m.Contexts) > 0 {
		b, err := json.Marshal(m.Contexts)
		if err != nil {
			return err
		}
		s := string(b)
		contexts = &s
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO role_mappings(id,role,groups_json,contexts_json) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, groups_json=excluded.groups_json, contexts_json=excluded.contexts_json`,
		m.ID, m.Role, string(groups), nullableStringPtr(contexts))
	return err
}

func (r Repo) GetMapping(ctx context.Context, id string) (domain.RoleMapping, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,role,groups_json,contexts_json FROM role_mappings WHERE id=?`, id)
	return scanMapping(row.Scan)
}

func (r Repo) ListMappings(ctx context.Context) ([]domain.RoleMapping, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,role,groups_json,contexts_json FROM role_mappings ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleMapping
	for rows.Next() {
		m, err := scanMapping(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func scanMapping(scan func(dest ...any) error) (domain.RoleMapping, error) {
	var m domain.RoleMapping
	var groups string
	var contexts sql.NullString
	err := scan(&m.ID, &m.Role, &groups, &contexts)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(groups), &m.Groups); err != nil {
		return m, fmt.Errorf("mapping %s groups: %w", m.ID, err)
	}
	if contexts.Valid && contexts.String != "" {
		if err := json.Unmarshal([]byte(contexts.String), &m.Contexts); err != nil {
			return m, fmt.Errorf("mapping %s contexts: %w", m.ID, err)
		}
	}
	return m, nil
}

func (r Repo) DeleteMapping(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM role_mappings WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- flows ---

func (r Repo) InsertFlow(ctx context.Context, tx *sql.Tx, f domain.Flow) error {
	tags, err := marshalStringSlice(f.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO flows(id,title,description,creator_id,status,tags_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.Title, nullable(f.Description), f.CreatorID, f.Status, nullableStringPtr(tags), f.CreatedAt)
	return err
}

func (r Repo) InsertSubRequest(ctx context.Context, tx *sql.Tx, s domain.SubRequest, position int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sub_requests(id,flow_id,title,description,task_type,assignee_id,assigned_role_key,status,due_date,completed_at,reply_summary,reply_verdict,sent_copy,is_broadcast,position)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.FlowID, s.Title, nullable(s.Description), nullable(s.TaskType), s.AssigneeID, s.AssignedRoleKey,
		s.Status, s.DueDate, nullableStringPtr(s.CompletedAt), nullableStringPtr(s.ReplySummary), nullableStringPtr(s.ReplyVerdict),
		nullableStringPtr(s.SentCopy), boolToInt(s.IsBroadcast), position)
	return err
}

func (r Repo) UpdateSubRequest(ctx context.Context, tx *sql.Tx, s domain.SubRequest) error {
	res, err := tx.ExecContext(ctx, `UPDATE sub_requests SET status=?, completed_at=?, reply_summary=?, reply_verdict=?, sent_copy=? WHERE id=? AND flow_id=?`,
		s.Status, nullableStringPtr(s.CompletedAt), nullableStringPtr(s.ReplySummary), nullableStringPtr(s.ReplyVerdict), nullableStringPtr(s.SentCopy), s.ID, s.FlowID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateFlowStatus(ctx context.Context, tx *sql.Tx, flowID, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE flows SET status=? WHERE id=?`, status, flowID)
	return err
}

func (r Repo) GetFlow(ctx context.Context, id string) (domain.Flow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,title,description,creator_id,status,tags_json,created_at FROM flows WHERE id=?`, id)
	f, err := scanFlow(row.Scan)
	if err != nil {
		return f, err
	}
	f.SubRequests, err = r.listSubRequests(ctx, f.ID)
	return f, err
}

func (r Repo) GetFlowTx(ctx context.Context, tx *sql.Tx, id string) (domain.Flow, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,title,description,creator_id,status,tags_json,created_at FROM flows WHERE id=?`, id)
	f, err := scanFlow(row.Scan)
	if err != nil {
		return f, err
	}
	rows, err := tx.QueryContext(ctx, subRequestSelect+` WHERE flow_id=? ORDER BY position ASC, id ASC`, id)
	if err != nil {
		return f, err
	}
	defer rows.Close()
	f.SubRequests, err = collectSubRequests(rows)
	return f, err
}

func scanFlow(scan func(dest ...any) error) (domain.Flow, error) {
	var f domain.Flow
	var desc, tags sql.NullString
	err := scan(&f.ID, &f.Title, &desc, &f.CreatorID, &f.Status, &tags, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if desc.Valid {
		f.Description = desc.String
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &f.Tags); err != nil {
			return f, fmt.Errorf("flow %s tags: %w", f.ID, err)
		}
	}
	return f, nil
}

const subRequestSelect = `SELECT id,flow_id,title,description,task_type,assignee_id,assigned_role_key,status,due_date,completed_at,reply_summary,reply_verdict,sent_copy,is_broadcast FROM sub_requests`

func (r Repo) listSubRequests(ctx context.Context, flowID string) ([]domain.SubRequest, error) {
	rows, err := r.DB.QueryContext(ctx, subRequestSelect+` WHERE flow_id=? ORDER BY position ASC, id ASC`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubRequests(rows)
}

func collectSubRequests(rows *sql.Rows) ([]domain.SubRequest, error) {
	var res []domain.SubRequest
	for rows.Next() {
		var s domain.SubRequest
		var desc, taskType, completedAt, summary, verdict, sentCopy sql.NullString
		var broadcast int
		if err := rows.Scan(&s.ID, &s.FlowID, &s.Title, &desc, &taskType, &s.AssigneeID, &s.AssignedRoleKey,
			&s.Status, &s.DueDate, &completedAt, &summary, &verdict, &sentCopy, &broadcast); err != nil {
			return nil, err
		}
		if desc.Valid {
			s.Description = desc.String
		}
		if taskType.Valid {
			s.TaskType = taskType.String
		}
		if completedAt.Valid {
			s.CompletedAt = &completedAt.String
		}
		if summary.Valid {
			s.ReplySummary = &summary.String
		}
		if verdict.Valid {
			s.ReplyVerdict = &verdict.String
		}
		if sentCopy.Valid {
			s.SentCopy = &sentCopy.String
		}
		s.IsBroadcast = broadcast != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetSubRequestTx(ctx context.Context, tx *sql.Tx, flowID, subID string) (domain.SubRequest, error) {
	rows, err := tx.QueryContext(ctx, subRequestSelect+` WHERE flow_id=? AND id=?`, flowID, subID)
	if err != nil {
		return domain.SubRequest{}, err
	}
	defer rows.Close()
	subs, err := collectSubRequests(rows)
	if err != nil {
		return domain.SubRequest{}, err
	}
	if len(subs) == 0 {
		return domain.SubRequest{}, ErrNotFound
	}
	return subs[0], nil
}

type FlowFilters struct {
	CreatorID       string
	AssigneeID      string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListFlows returns flows newest first with their sub-requests attached.
// AssigneeID narrows to flows containing at least one sub-request assigned
// to that user.
func (r Repo) ListFlows(ctx context.Context, f FlowFilters) ([]domain.Flow, error) {
	var clauses []string
	var args []any
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM sub_requests s WHERE s.flow_id=flows.id AND s.assignee_id=?)")
		args = append(args, f.AssigneeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,title,description,creator_id,status,tags_json,created_at FROM flows ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Flow
	for rows.Next() {
		fl, err := scanFlow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, fl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		subs, err := r.listSubRequests(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].SubRequests = subs
	}
	return res, nil
}

// --- analyses ---

func (r Repo) InsertAnalysis(ctx context.Context, tx *sql.Tx, a domain.SavedAnalysis) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO analyses(id,title,content,image_preview,mime_type,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.Title, a.Content, nullable(a.ImagePreview), nullable(a.MimeType), a.CreatedAt)
	return err
}

func (r Repo) GetAnalysis(ctx context.Context, id string) (domain.SavedAnalysis, error) {
	var a domain.SavedAnalysis
	var preview, mime sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,title,content,image_preview,mime_type,created_at FROM analyses WHERE id=?`, id).
		Scan(&a.ID, &a.Title, &a.Content, &preview, &mime, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if preview.Valid {
		a.ImagePreview = preview.String
	}
	if mime.Valid {
		a.MimeType = mime.String
	}
	return a, err
}

func (r Repo) ListAnalyses(ctx context.Context) ([]domain.SavedAnalysis, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,content,image_preview,mime_type,created_at FROM analyses ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SavedAnalysis
	for rows.Next() {
		var a domain.SavedAnalysis
		var preview, mime sql.NullString
		if err := rows.Scan(&a.ID, &a.Title, &a.Content, &preview, &mime, &a.CreatedAt); err != nil {
			return nil, err
		}
		if preview.Valid {
			a.ImagePreview = preview.String
		}
		if mime.Valid {
			a.MimeType = mime.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAnalysis(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM analyses WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- workspace config ---

func (r Repo) UpsertWorkspaceConfig(ctx context.Context, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, r.DB, nil, workspaceID, cfg)
}

func (r Repo) UpsertWorkspaceConfigTx(ctx context.Context, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, nil, tx, workspaceID, cfg)
}

func upsertWorkspaceConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Workspace.ID = workspaceID
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
	_, err = exec(`INSERT INTO workspace_configs(workspace_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(workspace_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, workspaceID, string(payload), now, now)
	return err
}

func (r Repo) GetWorkspaceConfig(ctx context.Context, workspaceID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workspace_configs WHERE workspace_id=?`, workspaceID).Scan(&payload)
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
	if cfg.Workspace.ID == "" {
		cfg.Workspace.ID = workspaceID
	}
	return &cfg, cfg.Validate()
}

// FirstWorkspaceConfig returns the stored config when exactly one workspace
// row exists, ErrNotFound otherwise.
func (r Repo) FirstWorkspaceConfig(ctx context.Context) (*config.Config, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT workspace_id FROM workspace_configs ORDER BY created_at ASC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.GetWorkspaceConfig(ctx, id)
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, flowID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, flowID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, flowID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if flowID != "" {
		clauses = append(clauses, "flow_id=?")
		args = append(args, flowID)
	}
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
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,flow_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var flow, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &flow, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if flow.Valid {
			e.FlowID = flow.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with an ID greater than cursor in ascending
// order, for webhook delivery.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,flow_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var flow, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &flow, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if flow.Valid {
			e.FlowID = flow.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
