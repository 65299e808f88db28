package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"streamline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrDependencyMismatch marks a stream whose member tasks declare different
// dependency sets. The store surfaces it as a configuration error.
var ErrDependencyMismatch = errors.New("tasks declare conflicting dependency sets")

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

func (r Repo) InsertInitiative(ctx context.Context, in domain.Initiative) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO initiatives(id,title,status,created_at,updated_at) VALUES (?,?,?,?,?)`,
		in.ID, in.Title, in.Status, in.CreatedAt, in.UpdatedAt)
	return err
}

func (r Repo) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	var in domain.Initiative
	err := r.DB.QueryRowContext(ctx, `SELECT id,title,status,created_at,updated_at FROM initiatives WHERE id=?`, id).
		Scan(&in.ID, &in.Title, &in.Status, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) ListInitiatives(ctx context.Context) ([]domain.Initiative, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,status,created_at,updated_at FROM initiatives ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Initiative
	for rows.Next() {
		var in domain.Initiative
		if err := rows.Scan(&in.ID, &in.Title, &in.Status, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) UpdateInitiativeTx(ctx context.Context, tx *sql.Tx, in domain.Initiative) error {
	res, err := tx.ExecContext(ctx, `UPDATE initiatives SET title=?,status=?,updated_at=? WHERE id=?`,
		in.Title, in.Status, in.UpdatedAt, in.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertPRDTx(ctx context.Context, tx *sql.Tx, p domain.PRD) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO prds(id,initiative_id,title,content,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.InitiativeID, p.Title, p.Content, p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPRD(ctx context.Context, id string) (domain.PRD, error) {
	var p domain.PRD
	err := r.DB.QueryRowContext(ctx, `SELECT id,initiative_id,title,content,status,created_at,updated_at FROM prds WHERE id=?`, id).
		Scan(&p.ID, &p.InitiativeID, &p.Title, &p.Content, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetPRDTx(ctx context.Context, tx *sql.Tx, id string) (domain.PRD, error) {
	var p domain.PRD
	err := tx.QueryRowContext(ctx, `SELECT id,initiative_id,title,content,status,created_at,updated_at FROM prds WHERE id=?`, id).
		Scan(&p.ID, &p.InitiativeID, &p.Title, &p.Content, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPRDs(ctx context.Context, initiativeID string) ([]domain.PRD, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if initiativeID != "" {
		clauses = append(clauses, "initiative_id=?")
		args = append(args, initiativeID)
	}
	query := `SELECT id,initiative_id,title,content,status,created_at,updated_at FROM prds WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PRD
	for rows.Next() {
		var p domain.PRD
		if err := rows.Scan(&p.ID, &p.InitiativeID, &p.Title, &p.Content, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePRDTx(ctx context.Context, tx *sql.Tx, p domain.PRD) error {
	res, err := tx.ExecContext(ctx, `UPDATE prds SET title=?,content=?,status=?,updated_at=? WHERE id=?`,
		p.Title, p.Content, p.Status, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id,prd_id,title,COALESCE(description,'') AS description,COALESCE(assigned_agent,'') AS assigned_agent,status,blocked_reason,COALESCE(notes,'') AS notes,metadata,archived,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var (
		t       domain.Task
		blocked sql.NullString
		meta    string
		arch    int
	)
	err := scan(&t.ID, &t.PRDID, &t.Title, &t.Description, &t.AssignedAgent, &t.Status, &blocked, &t.Notes, &meta, &arch, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if blocked.Valid {
		t.BlockedReason = &blocked.String
	}
	t.Archived = arch != 0
	if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
		return t, fmt.Errorf("task %s metadata: %w", t.ID, err)
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,prd_id,title,description,assigned_agent,status,blocked_reason,notes,metadata,archived,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.PRDID, t.Title, t.Description, nullable(t.AssignedAgent), t.Status,
		nullableStringPtr(t.BlockedReason), t.Notes, string(meta), boolInt(t.Archived), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?,description=?,assigned_agent=?,status=?,blocked_reason=?,notes=?,metadata=?,archived=?,updated_at=? WHERE id=?`,
		t.Title, t.Description, nullable(t.AssignedAgent), t.Status,
		nullableStringPtr(t.BlockedReason), t.Notes, string(meta), boolInt(t.Archived), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// TaskFilters narrows ListTasks. Zero values mean "no constraint"; a zero
// Limit means no limit.
type TaskFilters struct {
	PRDID           string
	InitiativeID    string
	Status          string
	StreamID        string
	AssignedAgent   string
	IncludeArchived bool
	Limit           int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if !f.IncludeArchived {
		clauses = append(clauses, "t.archived=0")
	}
	if f.PRDID != "" {
		clauses = append(clauses, "t.prd_id=?")
		args = append(args, f.PRDID)
	}
	if f.InitiativeID != "" {
		clauses = append(clauses, "t.prd_id IN (SELECT id FROM prds WHERE initiative_id=?)")
		args = append(args, f.InitiativeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "t.status=?")
		args = append(args, f.Status)
	}
	if f.StreamID != "" {
		clauses = append(clauses, "json_extract(t.metadata,'$.streamId')=?")
		args = append(args, f.StreamID)
	}
	if f.AssignedAgent != "" {
		clauses = append(clauses, "t.assigned_agent=?")
		args = append(args, f.AssignedAgent)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks t WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY t.created_at ASC, t.id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

const streamGroupSQL = `
SELECT json_extract(t.metadata,'$.streamId') AS stream_id,
       COALESCE(MIN(json_extract(t.metadata,'$.streamName')),'') AS stream_name,
       COALESCE(MIN(json_extract(t.metadata,'$.streamPhase')),'') AS stream_phase,
       COUNT(*) AS total,
       SUM(CASE WHEN t.status='completed' THEN 1 ELSE 0 END) AS completed,
       SUM(CASE WHEN t.status='in_progress' THEN 1 ELSE 0 END) AS in_progress,
       SUM(CASE WHEN t.status='pending' THEN 1 ELSE 0 END) AS pending,
       SUM(CASE WHEN t.status='blocked' THEN 1 ELSE 0 END) AS blocked,
       COUNT(DISTINCT COALESCE(json_extract(t.metadata,'$.dependencies'),'[]')) AS dep_variants,
       MIN(COALESCE(json_extract(t.metadata,'$.dependencies'),'[]')) AS dependencies
FROM tasks t`

func scanStream(rows *sql.Rows) (domain.Stream, error) {
	var (
		s        domain.Stream
		variants int
		depsJSON string
	)
	if err := rows.Scan(&s.ID, &s.Name, &s.Phase, &s.TotalTasks, &s.CompletedTasks, &s.InProgressTasks, &s.PendingTasks, &s.BlockedTasks, &variants, &depsJSON); err != nil {
		return s, err
	}
	if variants > 1 {
		return s, fmt.Errorf("stream %s: %w", s.ID, ErrDependencyMismatch)
	}
	if err := json.Unmarshal([]byte(depsJSON), &s.Dependencies); err != nil {
		return s, fmt.Errorf("stream %s dependencies: %w", s.ID, err)
	}
	if s.Dependencies == nil {
		s.Dependencies = []string{}
	}
	if s.TotalTasks > 0 {
		s.ProgressPercentage = 100 * s.CompletedTasks / s.TotalTasks
	} else {
		s.ProgressPercentage = 100
	}
	return s, nil
}

// ListStreams aggregates the non-archived tasks of an initiative into
// derived stream rows. Tasks without a streamId are excluded. Streams are
// never stored; this is the only way they exist.
func (r Repo) ListStreams(ctx context.Context, initiativeID string) ([]domain.Stream, error) {
	clauses := []string{"t.archived=0", "json_extract(t.metadata,'$.streamId') IS NOT NULL"}
	args := []any{}
	if initiativeID != "" {
		clauses = append(clauses, "t.prd_id IN (SELECT id FROM prds WHERE initiative_id=?)")
		args = append(args, initiativeID)
	}
	query := streamGroupSQL + ` WHERE ` + strings.Join(clauses, " AND ") + ` GROUP BY stream_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		s.InitiativeID = initiativeID
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// GetStream returns one derived stream by id.
func (r Repo) GetStream(ctx context.Context, streamID string) (domain.Stream, error) {
	query := streamGroupSQL + ` WHERE t.archived=0 AND json_extract(t.metadata,'$.streamId')=? GROUP BY stream_id`
	rows, err := r.DB.QueryContext(ctx, query, streamID)
	if err != nil {
		return domain.Stream{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Stream{}, err
		}
		return domain.Stream{}, ErrNotFound
	}
	return scanStream(rows)
}

func (r Repo) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(initiative_id,''),payload FROM events ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with id greater than the cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(initiative_id,''),payload FROM events WHERE id>? ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.InitiativeID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
