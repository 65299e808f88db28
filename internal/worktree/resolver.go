package worktree

import (
	"context"
	"fmt"

	"streamline/internal/domain"
	"streamline/internal/engine"
)

// MergeConflictError carries the classified conflicts that left a task
// blocked.
type MergeConflictError struct {
	TaskID    string
	StreamID  string
	Conflicts []domain.Conflict
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("task %s (stream %s): merge blocked by %d conflict(s)", e.TaskID, e.StreamID, len(e.Conflicts))
}

// Resolver ties the store to the worktree manager: it merges completed
// isolated work back and drives explicit conflict resolution on blocked
// tasks.
type Resolver struct {
	Engine  engine.Engine
	Manager *Manager
}

// Merge merges the task's stream branch into the base branch. Success
// completes the task, clears its worktree metadata, and removes the
// worktree. Conflicts block the task with the classified list recorded in
// its metadata; resolution is a separate, explicit follow-up.
func (r Resolver) Merge(ctx context.Context, taskID string) (domain.Task, error) {
	task, err := r.Engine.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	meta := task.Metadata
	if !meta.IsolatedWorktree || meta.StreamID == "" {
		return task, fmt.Errorf("task %s does not use an isolated worktree", taskID)
	}

	hasWork, err := r.Manager.HasWork(ctx, meta.StreamID)
	if err != nil {
		return task, err
	}
	if hasWork {
		conflicts, err := r.Manager.Merge(ctx, meta.StreamID)
		if err != nil {
			return task, err
		}
		if len(conflicts) > 0 {
			return r.block(ctx, task, conflicts)
		}
	}
	return r.complete(ctx, task)
}

// Resolve applies a strategy to a blocked task's recorded conflicts, then
// retries the merge. Remaining or newly surfaced conflicts leave the task
// blocked rather than looping.
func (r Resolver) Resolve(ctx context.Context, taskID string, strategy Strategy) (domain.Task, error) {
	task, err := r.Engine.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	meta := task.Metadata
	if len(meta.MergeConflicts) == 0 {
		return task, fmt.Errorf("task %s has no recorded merge conflicts", taskID)
	}

	if err := r.Manager.Resolve(ctx, strategy, meta.MergeConflicts); err != nil {
		return task, err
	}
	remaining, err := r.Manager.FinishMerge(ctx)
	if err != nil {
		return task, err
	}
	if len(remaining) > 0 {
		return r.block(ctx, task, remaining)
	}
	return r.complete(ctx, task)
}

func (r Resolver) block(ctx context.Context, task domain.Task, conflicts []domain.Conflict) (domain.Task, error) {
	meta := task.Metadata
	meta.MergeConflicts = conflicts
	meta.WorktreePath = r.Manager.Path(meta.StreamID)
	updated, err := r.Engine.UpdateTask(ctx, engine.TaskUpdateOptions{
		ID:            task.ID,
		Status:        domain.TaskBlocked,
		BlockedReason: fmt.Sprintf("merge conflicts in %d file(s)", len(conflicts)),
		Meta:          &meta,
		Force:         true,
	})
	if err != nil {
		return task, err
	}
	return updated, &MergeConflictError{TaskID: task.ID, StreamID: meta.StreamID, Conflicts: conflicts}
}

func (r Resolver) complete(ctx context.Context, task domain.Task) (domain.Task, error) {
	meta := task.Metadata
	meta.MergeConflicts = nil
	meta.WorktreePath = ""
	updated, err := r.Engine.UpdateTask(ctx, engine.TaskUpdateOptions{
		ID:     task.ID,
		Status: domain.TaskCompleted,
		Meta:   &meta,
		Force:  true,
	})
	if err != nil {
		return task, err
	}
	if err := r.Manager.Remove(ctx, task.Metadata.StreamID); err != nil {
		r.Manager.Logger.Printf("cleanup worktree for stream %s: %v", task.Metadata.StreamID, err)
	}
	return updated, nil
}
