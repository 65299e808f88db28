package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"streamline/internal/config"
	"streamline/internal/db"
	"streamline/internal/domain"
	"streamline/internal/engine"
	"streamline/internal/migrate"
)

type testEnv struct {
	Engine     engine.Engine
	Ctx        context.Context
	Initiative domain.Initiative
	PRD        domain.PRD
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	ctx := context.Background()
	in, err := eng.CreateInitiative(ctx, engine.InitiativeCreateOptions{Title: "test initiative"})
	if err != nil {
		t.Fatalf("create initiative: %v", err)
	}
	prd, err := eng.CreatePRD(ctx, engine.PRDCreateOptions{InitiativeID: in.ID, Title: "test prd"})
	if err != nil {
		t.Fatalf("create prd: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Initiative: in, PRD: prd}
}

func (env testEnv) createStreamTask(t *testing.T, title, streamID string, deps []string) domain.Task {
	t.Helper()
	if deps == nil {
		deps = []string{}
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		PRDID: env.PRD.ID,
		Title: title,
		Meta:  domain.TaskMeta{StreamID: streamID, Dependencies: deps},
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func (env testEnv) setStatus(t *testing.T, id, status string) domain.Task {
	t.Helper()
	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: id, Status: status})
	if err != nil {
		t.Fatalf("set %s -> %s: %v", id, status, err)
	}
	return task
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.createStreamTask(t, "work", "Stream-A", nil)

	task = env.setStatus(t, task.ID, "in_progress")
	task = env.setStatus(t, task.ID, "blocked")
	if task.Status != "blocked" {
		t.Fatalf("expected blocked, got %s", task.Status)
	}
	task = env.setStatus(t, task.ID, "pending")
	task = env.setStatus(t, task.ID, "in_progress")
	task = env.setStatus(t, task.ID, "completed")
	if task.Status != "completed" {
		t.Fatalf("expected completed, got %s", task.Status)
	}

	// completed is terminal without force
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "pending"})
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestPendingCannotJumpToCompleted(t *testing.T) {
	env := newTestEnv(t)
	task := env.createStreamTask(t, "work", "Stream-A", nil)
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "completed"})
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestBlockedReasonLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task := env.createStreamTask(t, "work", "Stream-A", nil)
	env.setStatus(t, task.ID, "in_progress")
	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "blocked", BlockedReason: "merge conflicts"})
	if err != nil {
		t.Fatal(err)
	}
	if task.BlockedReason == nil || *task.BlockedReason != "merge conflicts" {
		t.Fatalf("expected blocked reason, got %v", task.BlockedReason)
	}
	task = env.setStatus(t, task.ID, "pending")
	if task.BlockedReason != nil {
		t.Fatalf("expected reason cleared on unblock")
	}
}

func TestStreamAggregation(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.createStreamTask(t, "a1", "Stream-A", nil)
	env.createStreamTask(t, "a2", "Stream-A", nil)
	env.createStreamTask(t, "a3", "Stream-A", nil)

	env.setStatus(t, t1.ID, "in_progress")
	env.setStatus(t, t1.ID, "completed")

	s, err := env.Engine.GetStream(env.Ctx, "Stream-A")
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalTasks != 3 || s.CompletedTasks != 1 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.ProgressPercentage != 33 {
		t.Fatalf("expected floor(100/3)=33, got %d", s.ProgressPercentage)
	}
	if s.Complete() {
		t.Fatalf("stream should not be complete")
	}
}

func TestDependencyMismatchIsConfigError(t *testing.T) {
	env := newTestEnv(t)
	env.createStreamTask(t, "b1", "Stream-B", []string{"Stream-A"})
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		PRDID: env.PRD.ID,
		Title: "b2",
		Meta:  domain.TaskMeta{StreamID: "Stream-B", Dependencies: []string{"Stream-C"}},
	})
	var ce *engine.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestMissingDependenciesIsConfigError(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		PRDID: env.PRD.ID,
		Title: "no deps array",
		Meta:  domain.TaskMeta{StreamID: "Stream-X"},
	})
	var ce *engine.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestArchivedTaskLeavesStream(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.createStreamTask(t, "a1", "Stream-A", nil)
	env.createStreamTask(t, "a2", "Stream-A", nil)

	if _, err := env.Engine.ArchiveTask(env.Ctx, t1.ID); err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.GetStream(env.Ctx, "Stream-A")
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalTasks != 1 {
		t.Fatalf("expected archived task excluded, got %d", s.TotalTasks)
	}
	// mutating an archived task is an invalid transition
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: t1.ID, Status: "in_progress"})
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	task := env.createStreamTask(t, "evented", "Stream-A", nil)
	env.setStatus(t, task.ID, "in_progress")
	env.setStatus(t, task.ID, "completed")

	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, task.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 3 {
		t.Fatalf("expected created+started+completed events, got %d", count)
	}
}

func TestBusPublishAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.Engine.Bus.Subscribe(16)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	task := env.createStreamTask(t, "live", "Stream-A", nil)
	env.setStatus(t, task.ID, "in_progress")
	env.setStatus(t, task.ID, "completed")

	deadline := time.After(2 * time.Second)
	seen := map[string]bool{}
	for !(seen["task:"+task.ID] && seen["stream:Stream-A"]) {
		select {
		case e := <-sub.C:
			seen[e.Topic()] = true
		case <-deadline:
			t.Fatalf("missing bus events, saw %v", seen)
		}
	}
}

func TestCreateTaskWithEmptyOptionalFields(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		PRDID: env.PRD.ID,
		Title: "bare",
	})
	if err != nil {
		t.Fatalf("create task without description/notes: %v", err)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Description != "" || got.Notes != "" {
		t.Fatalf("expected empty description/notes, got %q %q", got.Description, got.Notes)
	}
}

func TestMutationsFinishOnSingleConnectionPool(t *testing.T) {
	env := newTestEnv(t)
	task := env.createStreamTask(t, "work", "Stream-A", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "in_progress"}); err != nil {
			t.Errorf("start: %v", err)
		}
		meta := task.Metadata
		meta.StreamName = "auth"
		if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Meta: &meta}); err != nil {
			t.Errorf("update meta: %v", err)
		}
		if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "completed"}); err != nil {
			t.Errorf("complete: %v", err)
		}
		if _, err := env.Engine.ArchiveTask(env.Ctx, task.ID); err != nil {
			t.Errorf("archive: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task mutations did not finish; a query inside the transaction is waiting on the pool's only connection")
	}
}
