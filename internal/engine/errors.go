package engine

import "fmt"

// TransitionError reports a task status change the state machine forbids.
type TransitionError struct {
	TaskID string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid status transition %s -> %s", e.TaskID, e.From, e.To)
}

// ConfigError marks stream metadata the orchestrator cannot act on. It is
// fatal to a run and never auto-repaired.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return e.Msg
}
