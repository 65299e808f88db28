package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"streamline/internal/config"
	"streamline/internal/domain"
	"streamline/internal/events"
	"streamline/internal/repo"
)

// Engine is the store: every mutation runs in one transaction that also
// appends the matching event row, and publishes the event on the bus only
// after the transaction commits.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Bus    *events.Bus
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Bus:    events.NewBus(0),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID(parts ...string) string {
	seed := ""
	for _, p := range parts {
		seed += p + "|"
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed+e.now().UTC().Format(time.RFC3339Nano))).String()
}

func (e Engine) publish(evtType, entityKind, entityID, initiativeID string, payload events.EventPayload) {
	if e.Bus == nil {
		return
	}
	data := "{}"
	if len(payload) > 0 {
		if b, err := json.Marshal(payload); err == nil {
			data = string(b)
		}
	}
	e.Bus.Publish(domain.Event{
		TS:           e.now().UTC().Format(time.RFC3339),
		Type:         evtType,
		EntityKind:   entityKind,
		EntityID:     entityID,
		InitiativeID: initiativeID,
		Payload:      data,
	})
}

type InitiativeCreateOptions struct {
	ID    string
	Title string
}

func (e Engine) CreateInitiative(ctx context.Context, opts InitiativeCreateOptions) (domain.Initiative, error) {
	if opts.Title == "" {
		return domain.Initiative{}, errors.New("title is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	in := domain.Initiative{
		ID:        opts.ID,
		Title:     opts.Title,
		Status:    domain.InitiativeActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.ID == "" {
		in.ID = e.newID("initiative", opts.Title)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO initiatives(id,title,status,created_at,updated_at) VALUES (?,?,?,?,?)`,
		in.ID, in.Title, in.Status, in.CreatedAt, in.UpdatedAt); err != nil {
		return domain.Initiative{}, fmt.Errorf("insert initiative: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeCreated, events.KindInitiative, in.ID, in.ID, events.EventPayload{"title": in.Title}); err != nil {
		return domain.Initiative{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, err
	}
	e.publish(events.TypeCreated, events.KindInitiative, in.ID, in.ID, events.EventPayload{"title": in.Title})
	return in, nil
}

func (e Engine) UpdateInitiative(ctx context.Context, id, title, status string) (domain.Initiative, error) {
	in, err := e.Repo.GetInitiative(ctx, id)
	if err != nil {
		return domain.Initiative{}, err
	}
	if title != "" {
		in.Title = title
	}
	if status != "" {
		if status != domain.InitiativeActive && status != domain.InitiativeComplete {
			return domain.Initiative{}, fmt.Errorf("unknown initiative status %q", status)
		}
		in.Status = status
	}
	in.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateInitiativeTx(ctx, tx, in); err != nil {
		return domain.Initiative{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeUpdated, events.KindInitiative, in.ID, in.ID, events.EventPayload{"status": in.Status}); err != nil {
		return domain.Initiative{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, err
	}
	e.publish(events.TypeUpdated, events.KindInitiative, in.ID, in.ID, events.EventPayload{"status": in.Status})
	return in, nil
}

type PRDCreateOptions struct {
	ID           string
	InitiativeID string
	Title        string
	Content      string
}

func (e Engine) CreatePRD(ctx context.Context, opts PRDCreateOptions) (domain.PRD, error) {
	if opts.Title == "" {
		return domain.PRD{}, errors.New("title is required")
	}
	if opts.InitiativeID == "" {
		return domain.PRD{}, errors.New("initiative is required")
	}
	if _, err := e.Repo.GetInitiative(ctx, opts.InitiativeID); err != nil {
		return domain.PRD{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.PRD{
		ID:           opts.ID,
		InitiativeID: opts.InitiativeID,
		Title:        opts.Title,
		Content:      opts.Content,
		Status:       "draft",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p.ID == "" {
		p.ID = e.newID("prd", opts.InitiativeID, opts.Title)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PRD{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertPRDTx(ctx, tx, p); err != nil {
		return domain.PRD{}, fmt.Errorf("insert prd: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeCreated, events.KindPRD, p.ID, p.InitiativeID, events.EventPayload{"title": p.Title}); err != nil {
		return domain.PRD{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PRD{}, err
	}
	e.publish(events.TypeCreated, events.KindPRD, p.ID, p.InitiativeID, events.EventPayload{"title": p.Title})
	return p, nil
}

type PRDUpdateOptions struct {
	ID      string
	Title   *string
	Content *string
	Status  string
}

func (e Engine) UpdatePRD(ctx context.Context, opts PRDUpdateOptions) (domain.PRD, error) {
	p, err := e.Repo.GetPRD(ctx, opts.ID)
	if err != nil {
		return domain.PRD{}, err
	}
	if opts.Title != nil {
		p.Title = *opts.Title
	}
	if opts.Content != nil {
		p.Content = *opts.Content
	}
	if opts.Status != "" {
		p.Status = opts.Status
	}
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PRD{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdatePRDTx(ctx, tx, p); err != nil {
		return domain.PRD{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeUpdated, events.KindPRD, p.ID, p.InitiativeID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.PRD{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PRD{}, err
	}
	e.publish(events.TypeUpdated, events.KindPRD, p.ID, p.InitiativeID, events.EventPayload{"status": p.Status})
	return p, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID            string
	PRDID         string
	Title         string
	Description   string
	AssignedAgent string
	Notes         string
	Meta          domain.TaskMeta
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.PRDID == "" {
		return domain.Task{}, errors.New("prd is required")
	}
	prd, err := e.Repo.GetPRD(ctx, opts.PRDID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.validateTaskMeta(ctx, opts.Meta); err != nil {
		return domain.Task{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:            opts.ID,
		PRDID:         opts.PRDID,
		Title:         opts.Title,
		Description:   opts.Description,
		AssignedAgent: opts.AssignedAgent,
		Status:        domain.TaskPending,
		Notes:         opts.Notes,
		Metadata:      normalizeMeta(opts.Meta),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if t.ID == "" {
		t.ID = e.newID("task", opts.PRDID, opts.Title)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	payload := events.EventPayload{"title": t.Title, "streamId": t.Metadata.StreamID}
	if err := e.Events.Append(ctx, tx, events.TypeCreated, events.KindTask, t.ID, prd.InitiativeID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publish(events.TypeCreated, events.KindTask, t.ID, prd.InitiativeID, payload)
	e.publishStreamProgress(ctx, t.Metadata.StreamID, prd.InitiativeID)
	return t, nil
}

// TaskUpdateOptions are parameters for updating a task. Nil pointer fields
// are left unchanged; Status empty means no status change.
type TaskUpdateOptions struct {
	ID            string
	Title         *string
	Description   *string
	AssignedAgent *string
	Notes         *string
	Status        string
	BlockedReason string
	Meta          *domain.TaskMeta
	Force         bool
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	// Validate before opening the transaction: the stream aggregate query
	// needs its own connection from the pool.
	if opts.Meta != nil {
		if err := e.validateTaskMeta(ctx, *opts.Meta); err != nil {
			return domain.Task{}, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Archived && !opts.Force {
		return domain.Task{}, &TransitionError{TaskID: t.ID, From: "archived", To: opts.Status}
	}
	if opts.Title != nil {
		t.Title = *opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.AssignedAgent != nil {
		t.AssignedAgent = *opts.AssignedAgent
	}
	if opts.Notes != nil {
		t.Notes = *opts.Notes
	}
	if opts.Meta != nil {
		t.Metadata = normalizeMeta(*opts.Meta)
	}
	statusChanged := false
	if opts.Status != "" && opts.Status != t.Status {
		if err := ensureTaskTransition(t.ID, t.Status, opts.Status, opts.Force); err != nil {
			return domain.Task{}, err
		}
		t.Status = opts.Status
		statusChanged = true
	}
	if t.Status == domain.TaskBlocked && opts.BlockedReason != "" {
		reason := opts.BlockedReason
		t.BlockedReason = &reason
	}
	if t.Status != domain.TaskBlocked {
		t.BlockedReason = nil
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	prd, err := e.Repo.GetPRDTx(ctx, tx, t.PRDID)
	if err != nil {
		return domain.Task{}, err
	}
	evtType := events.TypeUpdated
	payload := events.EventPayload{"status": t.Status, "streamId": t.Metadata.StreamID}
	if statusChanged {
		switch t.Status {
		case domain.TaskCompleted:
			evtType = events.TypeCompleted
		case domain.TaskBlocked:
			evtType = events.TypeBlocked
			if t.BlockedReason != nil {
				payload["reason"] = *t.BlockedReason
			}
		case domain.TaskInProgress:
			evtType = events.TypeStarted
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, events.KindTask, t.ID, prd.InitiativeID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publish(evtType, events.KindTask, t.ID, prd.InitiativeID, payload)
	if statusChanged {
		e.publishStreamProgress(ctx, t.Metadata.StreamID, prd.InitiativeID)
	}
	return t, nil
}

// ArchiveTask soft-deletes a task. Archived tasks stay for audit but leave
// scheduling and stream aggregation.
func (e Engine) ArchiveTask(ctx context.Context, id string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Archived {
		return domain.Task{}, &TransitionError{TaskID: t.ID, From: "archived", To: "archived"}
	}
	t.Archived = true
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	prd, err := e.Repo.GetPRDTx(ctx, tx, t.PRDID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeArchived, events.KindTask, t.ID, prd.InitiativeID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publish(events.TypeArchived, events.KindTask, t.ID, prd.InitiativeID, nil)
	e.publishStreamProgress(ctx, t.Metadata.StreamID, prd.InitiativeID)
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// ListStreams returns the derived streams of an initiative. A dependency-set
// mismatch inside a stream is a configuration error.
func (e Engine) ListStreams(ctx context.Context, initiativeID string) ([]domain.Stream, error) {
	streams, err := e.Repo.ListStreams(ctx, initiativeID)
	if errors.Is(err, repo.ErrDependencyMismatch) {
		return nil, &ConfigError{Msg: err.Error()}
	}
	return streams, err
}

func (e Engine) GetStream(ctx context.Context, streamID string) (domain.Stream, error) {
	s, err := e.Repo.GetStream(ctx, streamID)
	if errors.Is(err, repo.ErrDependencyMismatch) {
		return domain.Stream{}, &ConfigError{Msg: err.Error()}
	}
	return s, err
}

// publishStreamProgress emits a stream-level progress or completed event
// derived from current store state. Best-effort: failures only cost the
// notification, never the mutation.
func (e Engine) publishStreamProgress(ctx context.Context, streamID, initiativeID string) {
	if streamID == "" {
		return
	}
	s, err := e.Repo.GetStream(ctx, streamID)
	if err != nil {
		return
	}
	evtType := events.TypeProgress
	if s.Complete() {
		evtType = events.TypeCompleted
	}
	e.publish(evtType, events.KindStream, s.ID, initiativeID, events.EventPayload{
		"totalTasks":         s.TotalTasks,
		"completedTasks":     s.CompletedTasks,
		"progressPercentage": s.ProgressPercentage,
	})
}

// validateTaskMeta enforces the stream metadata contract at the store
// boundary: streamId implies an explicit dependencies array, and every task
// joining an existing stream must declare the same dependency set.
func (e Engine) validateTaskMeta(ctx context.Context, m domain.TaskMeta) error {
	if m.StreamID == "" {
		if len(m.Dependencies) > 0 {
			return &ConfigError{Msg: "metadata.dependencies requires metadata.streamId"}
		}
		return nil
	}
	if m.Dependencies == nil {
		return &ConfigError{Msg: fmt.Sprintf("stream %s: metadata.dependencies is required (use [] for foundation streams)", m.StreamID)}
	}
	for _, dep := range m.Dependencies {
		if dep == m.StreamID {
			return &ConfigError{Msg: fmt.Sprintf("stream %s depends on itself", m.StreamID)}
		}
	}
	existing, err := e.Repo.GetStream(ctx, m.StreamID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if errors.Is(err, repo.ErrDependencyMismatch) {
		return &ConfigError{Msg: err.Error()}
	}
	if err != nil {
		return err
	}
	if !sameStringSet(existing.Dependencies, m.Dependencies) {
		return &ConfigError{Msg: fmt.Sprintf("stream %s: %v does not match the stream's declared dependencies %v", m.StreamID, m.Dependencies, existing.Dependencies)}
	}
	return nil
}

func ensureTaskTransition(taskID, oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case domain.TaskPending:
		if newStatus == domain.TaskInProgress {
			return nil
		}
	case domain.TaskInProgress:
		if newStatus == domain.TaskCompleted || newStatus == domain.TaskBlocked {
			return nil
		}
	case domain.TaskBlocked:
		if newStatus == domain.TaskPending {
			return nil
		}
	}
	return &TransitionError{TaskID: taskID, From: oldStatus, To: newStatus}
}

// normalizeMeta keeps the dependency array in a canonical order so every
// task in a stream stores the byte-identical set.
func normalizeMeta(m domain.TaskMeta) domain.TaskMeta {
	if len(m.Dependencies) > 1 {
		deps := append([]string(nil), m.Dependencies...)
		sort.Strings(deps)
		m.Dependencies = deps
	}
	return m
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
