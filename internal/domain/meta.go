package domain

import "encoding/json"

// TaskMeta is the orchestration-relevant slice of a task's metadata bag.
// Unknown keys survive round-trips through Extra so callers can attach
// free-form data without the store caring.
// Dependencies deliberately has no omitempty: foundation streams must
// persist their declared-empty array, distinguishable from absent.
type TaskMeta struct {
	StreamID         string         `json:"streamId,omitempty"`
	StreamName       string         `json:"streamName,omitempty"`
	StreamPhase      string         `json:"streamPhase,omitempty"`
	Dependencies     []string       `json:"dependencies"`
	Files            []string       `json:"files,omitempty"`
	IsolatedWorktree bool           `json:"isolatedWorktree,omitempty"`
	WorktreePath     string         `json:"worktreePath,omitempty"`
	MergeConflicts   []Conflict     `json:"mergeConflicts,omitempty"`
	Extra            map[string]any `json:"-"`
}

// knownMetaKeys are the fields TaskMeta models explicitly; everything else
// lands in Extra.
var knownMetaKeys = map[string]bool{
	"streamId":         true,
	"streamName":       true,
	"streamPhase":      true,
	"dependencies":     true,
	"files":            true,
	"isolatedWorktree": true,
	"worktreePath":     true,
	"mergeConflicts":   true,
}

type taskMetaAlias TaskMeta

func (m TaskMeta) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(taskMetaAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if knownMetaKeys[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

func (m *TaskMeta) UnmarshalJSON(data []byte) error {
	var alias taskMetaAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*m = TaskMeta(alias)
	for k := range all {
		if knownMetaKeys[k] {
			delete(all, k)
		}
	}
	if len(all) > 0 {
		m.Extra = all
	}
	return nil
}
