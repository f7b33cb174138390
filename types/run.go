package types

import "time"

// Action identifies what kind of step a run performs within a session.
type Action string

const (
	ActionDataExtraction Action = "DATA_EXTRACTION"
	ActionPreprocessing  Action = "PREPROCESSING"
	ActionCompute        Action = "COMPUTE"
)

// MutatesSession reports whether the action appends a dataframe to the
// session rather than producing an opaque compute result.
func (a Action) MutatesSession() bool {
	return a == ActionDataExtraction || a == ActionPreprocessing
}

// Run is one organization's execution of one task. It is created by the
// coordinator and mutated only by the node that owns it; the terminal
// state is reported back exactly once.
type Run struct {
	ID             int64      `json:"id"`
	TaskID         int64      `json:"task_id"`
	SessionID      int64      `json:"session_id"`
	OrganizationID int64      `json:"organization_id"`
	CollaborationID int64     `json:"collaboration_id"`
	Action         Action     `json:"action"`
	Image          string     `json:"image"`
	Status         RunStatus  `json:"status"`
	DataframeName  string     `json:"dataframe_name,omitempty"`
	Input          []byte     `json:"input,omitempty"`
	Result         []byte     `json:"result,omitempty"`
	Log            string     `json:"log,omitempty"`
	ExitCode       int        `json:"exit_code"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// StateEntry is one row of a session's append-only state log. Entries are
// immutable once written; the first entry is a bootstrap row created when
// the session directory is first seeded.
type StateEntry struct {
	Action    string    `parquet:"action" json:"action"`
	File      string    `parquet:"file" json:"file"`
	Timestamp time.Time `parquet:"timestamp,timestamp" json:"timestamp"`
	Message   string    `parquet:"message" json:"message"`
	Dataframe string    `parquet:"dataframe" json:"dataframe"`
}

// Column describes one column of a session dataframe, reported to the
// coordinator after a session mutation.
type Column struct {
	Name  string `json:"name"`
	Dtype string `json:"dtype"`
}
