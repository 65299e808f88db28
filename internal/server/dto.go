package server

import (
	"streamline/internal/domain"
)

// StreamStatus is a stream plus the live worker state for it, when an
// orchestrate run is attached. Flat rather than embedding domain.Stream:
// huma's schema reflector cannot link an embedded named type.
type StreamStatus struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name,omitempty"`
	Phase              string   `json:"phase,omitempty"`
	InitiativeID       string   `json:"initiative_id,omitempty"`
	TotalTasks         int      `json:"total_tasks"`
	CompletedTasks     int      `json:"completed_tasks"`
	InProgressTasks    int      `json:"in_progress_tasks"`
	PendingTasks       int      `json:"pending_tasks"`
	BlockedTasks       int      `json:"blocked_tasks"`
	ProgressPercentage int      `json:"progress_percentage"`
	Dependencies       []string `json:"dependencies"`
	DependencyDepth    int      `json:"dependency_depth"`
	WorkerState        string   `json:"worker_state,omitempty" enum:"not_started,starting,running,stalled,recovering,completed,failed,"`
}

type EventPage struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

func workerStates(workers WorkerSource) map[string]string {
	if workers == nil {
		return nil
	}
	states := map[string]string{}
	for _, w := range workers.Status() {
		states[w.StreamID] = w.State
	}
	return states
}

func streamStatus(s domain.Stream, workerState string) StreamStatus {
	return StreamStatus{
		ID:                 s.ID,
		Name:               s.Name,
		Phase:              s.Phase,
		InitiativeID:       s.InitiativeID,
		TotalTasks:         s.TotalTasks,
		CompletedTasks:     s.CompletedTasks,
		InProgressTasks:    s.InProgressTasks,
		PendingTasks:       s.PendingTasks,
		BlockedTasks:       s.BlockedTasks,
		ProgressPercentage: s.ProgressPercentage,
		Dependencies:       s.Dependencies,
		WorkerState:        workerState,
		DependencyDepth:    s.DependencyDepth,
	}
}

func streamStatuses(streams []domain.Stream, states map[string]string) []StreamStatus {
	res := make([]StreamStatus, 0, len(streams))
	for _, s := range streams {
		res = append(res, streamStatus(s, states[s.ID]))
	}
	return res
}
