package main

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"

	"streamline/internal/config"
	"streamline/internal/db"
	"streamline/internal/domain"
	"streamline/internal/engine"
	"streamline/internal/migrate"
	"streamline/internal/repo"
	"streamline/internal/worktree"
)

func newWorkDirEnv(t *testing.T) (engine.Engine, *worktree.Manager, *[]string) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	ctx := context.Background()
	in, err := e.CreateInitiative(ctx, engine.InitiativeCreateOptions{Title: "rollout"})
	if err != nil {
		t.Fatal(err)
	}
	prd, err := e.CreatePRD(ctx, engine.PRDCreateOptions{InitiativeID: in.ID, Title: "prd"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateTask(ctx, engine.TaskCreateOptions{
		PRDID: prd.ID,
		Title: "isolated work",
		Meta:  domain.TaskMeta{StreamID: "Stream-A", Dependencies: []string{}, IsolatedWorktree: true},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateTask(ctx, engine.TaskCreateOptions{
		PRDID: prd.ID,
		Title: "shared work",
		Meta:  domain.TaskMeta{StreamID: "Stream-B", Dependencies: []string{}},
	}); err != nil {
		t.Fatal(err)
	}

	mgr := worktree.NewManager(t.TempDir(), "main", t.TempDir())
	mgr.Logger = log.New(io.Discard, "", 0)
	var calls []string
	mgr.Run = func(ctx context.Context, dir string, args ...string) (string, error) {
		calls = append(calls, strings.Join(args, " "))
		return "", nil
	}
	return e, mgr, &calls
}

func TestStreamWorkDirAllocatesWorktreeAndRecordsPath(t *testing.T) {
	e, mgr, calls := newWorkDirEnv(t)
	ctx := context.Background()

	dir, err := streamWorkDir(e, mgr)(ctx, domain.Stream{ID: "Stream-A"})
	if err != nil {
		t.Fatal(err)
	}
	if dir != mgr.Path("Stream-A") {
		t.Fatalf("expected worktree path %s, got %s", mgr.Path("Stream-A"), dir)
	}
	added := false
	for _, c := range *calls {
		if strings.HasPrefix(c, "worktree add") {
			added = true
		}
	}
	if !added {
		t.Fatalf("worktree never created, git calls: %v", *calls)
	}

	tasks, err := e.ListTasks(ctx, repo.TaskFilters{StreamID: "Stream-A"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Metadata.WorktreePath != dir {
		t.Fatalf("worktree path not recorded on task: %+v", tasks)
	}
}

func TestStreamWorkDirSharedCheckoutForPlainStreams(t *testing.T) {
	e, mgr, calls := newWorkDirEnv(t)

	dir, err := streamWorkDir(e, mgr)(context.Background(), domain.Stream{ID: "Stream-B"})
	if err != nil {
		t.Fatal(err)
	}
	if dir != mgr.Repo {
		t.Fatalf("expected shared checkout %s, got %s", mgr.Repo, dir)
	}
	if len(*calls) != 0 {
		t.Fatalf("no git calls expected for a plain stream, got %v", *calls)
	}
}
