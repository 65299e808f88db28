package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".streamline"
	defaultDBName = "streamline.db"
)

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates the workspace directory tree if missing: the
// database home plus the runtime dirs used by the supervisor and the
// worktree manager.
func EnsureWorkspace(workspace string) (string, error) {
	root := filepath.Join(workspace, workspaceDir)
	for _, dir := range []string{root, filepath.Join(root, "pids"), filepath.Join(root, "logs"), filepath.Join(root, "worktrees")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return root, nil
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer keeps concurrent mutations serialized instead of
	// surfacing SQLITE_BUSY to callers.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// PidDir returns the directory holding worker pid marker files.
func PidDir(workspace string) string {
	return filepath.Join(workspace, workspaceDir, "pids")
}

// LogDir returns the directory holding per-run worker logs.
func LogDir(workspace string) string {
	return filepath.Join(workspace, workspaceDir, "logs")
}

// WorktreeDir returns the base directory for isolated worktrees.
func WorktreeDir(workspace string) string {
	return filepath.Join(workspace, workspaceDir, "worktrees")
}
