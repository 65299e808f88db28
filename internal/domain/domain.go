package domain

// Task status values. Transitions are enforced by the engine.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskBlocked    = "blocked"
)

const (
	InitiativeActive   = "active"
	InitiativeComplete = "complete"
)

type Initiative struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status" enum:"active,complete"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type PRD struct {
	ID           string `json:"id"`
	InitiativeID string `json:"initiative_id"`
	Title        string `json:"title"`
	Content      string `json:"content,omitempty"`
	Status       string `json:"status" enum:"draft,active,complete"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID            string   `json:"id"`
	PRDID         string   `json:"prd_id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	AssignedAgent string   `json:"assigned_agent,omitempty"`
	Status        string   `json:"status" enum:"pending,in_progress,completed,blocked"`
	BlockedReason *string  `json:"blocked_reason,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	Metadata      TaskMeta `json:"metadata"`
	Archived      bool     `json:"archived"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

// Conflict describes one conflicting path from a worktree merge. Kind and
// Suggestion use the wire spellings persisted in task metadata.
type Conflict struct {
	Path       string `json:"path"`
	Kind       string `json:"kind" enum:"content,rename,delete,add_add,modify_delete"`
	Suggestion string `json:"suggestion" enum:"ours,theirs,manual"`
}

// Stream is derived at query time from the non-archived tasks sharing a
// streamId. It is never written to the store.
type Stream struct {
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
}

// Complete reports whether every member task is completed. A stream with no
// tasks left counts as complete.
func (s Stream) Complete() bool {
	return s.CompletedTasks >= s.TotalTasks
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	InitiativeID string `json:"initiative_id,omitempty"`
	Payload      string `json:"payload_json"`
}

// Topic is the bus/gateway routing key for the event.
func (e Event) Topic() string {
	return e.EntityKind + ":" + e.EntityID
}
