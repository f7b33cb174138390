package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/cohortnet/node/internal/metrics"
	"github.com/cohortnet/node/types"
)

const stateLogFile = "session_state.parquet"

// ColumnPoster publishes dataframe column metadata after a session
// mutation. Satisfied by the coordinator client.
type ColumnPoster interface {
	PostColumns(ctx context.Context, sessionID int64, handle string, cols []types.Column) error
}

// RunOutput is the slice of a finished run that session processing
// needs.
type RunOutput struct {
	RunID         int64
	SessionID     int64
	Action        types.Action
	DataframeName string
	OutputFile    string
}

// IO persists run output into sessions.
type IO struct {
	tasksRoot string
	poster    ColumnPoster
	logger    *zap.Logger
	metrics   *metrics.Collector

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewIO creates the session I/O layer rooted at tasksRoot.
func NewIO(tasksRoot string, poster ColumnPoster, collector *metrics.Collector, logger *zap.Logger) *IO {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IO{
		tasksRoot: tasksRoot,
		poster:    poster,
		logger:    logger.With(zap.String("component", "session")),
		metrics:   collector,
		locks:     make(map[int64]*sync.Mutex),
	}
}

// Folder returns the directory of one session, e.g.
// <tasksRoot>/sessions/session000000007.
func (s *IO) Folder(sessionID int64) string {
	return filepath.Join(s.tasksRoot, "sessions", fmt.Sprintf("session%09d", sessionID))
}

// ProcessOutput dispatches a finished run's output on its action and
// returns the result bytes together with the final run status. Failures
// are encoded in the returned status, never raised: an unparsable
// dataframe yields "unexpected output" and leaves the session untouched.
func (s *IO) ProcessOutput(ctx context.Context, run *RunOutput) ([]byte, types.RunStatus) {
	lock := s.sessionLock(run.SessionID)
	lock.Lock()
	defer lock.Unlock()

	switch run.Action {
	case types.ActionDataExtraction, types.ActionPreprocessing:
		return s.processDataframe(ctx, run)
	case types.ActionCompute:
		return s.processCompute(run)
	default:
		// Must not occur in a correctly configured system; the
		// coordinator only hands out known actions.
		s.logger.Error("run carries unknown action",
			zap.Int64("run_id", run.RunID), zap.String("action", string(run.Action)))
		return nil, types.StatusUnknownError
	}
}

// processDataframe validates the output as a columnar table, stores it
// under the dataframe handle, appends a state row, and publishes column
// metadata.
func (s *IO) processDataframe(ctx context.Context, run *RunOutput) ([]byte, types.RunStatus) {
	data, err := os.ReadFile(run.OutputFile)
	if err != nil {
		s.logger.Error("cannot read run output", zap.Int64("run_id", run.RunID), zap.Error(err))
		return nil, types.StatusUnexpectedOutput
	}

	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		s.logger.Error("run output is not a parquet table",
			zap.Int64("run_id", run.RunID), zap.Error(err))
		return nil, types.StatusUnexpectedOutput
	}

	if run.DataframeName == "" {
		s.logger.Error("session mutation without a dataframe handle",
			zap.Int64("run_id", run.RunID))
		return nil, types.StatusFailed
	}

	// Only a validated output touches the session.
	if err := s.bootstrap(run.SessionID); err != nil {
		s.logger.Error("session bootstrap failed",
			zap.Int64("session_id", run.SessionID), zap.Error(err))
		return nil, types.StatusUnknownError
	}

	target := filepath.Join(s.Folder(run.SessionID), run.DataframeName+".parquet")
	if err := writeTable(target, pf); err != nil {
		s.logger.Error("cannot store dataframe",
			zap.Int64("run_id", run.RunID), zap.String("handle", run.DataframeName), zap.Error(err))
		return nil, types.StatusUnknownError
	}

	entry := types.StateEntry{
		Action:    string(run.Action),
		File:      run.DataframeName + ".parquet",
		Timestamp: time.Now(),
		Message:   fmt.Sprintf("dataframe written by run %d", run.RunID),
		Dataframe: run.DataframeName,
	}
	if err := s.appendState(run.SessionID, entry); err != nil {
		s.logger.Error("state log append failed",
			zap.Int64("session_id", run.SessionID), zap.Error(err))
		return nil, types.StatusUnknownError
	}

	cols := columnsOf(pf)
	if err := s.poster.PostColumns(ctx, run.SessionID, run.DataframeName, cols); err != nil {
		// Metadata publication is best effort; the dataframe itself is
		// already part of the session.
		s.logger.Warn("column metadata push failed",
			zap.Int64("session_id", run.SessionID),
			zap.String("handle", run.DataframeName), zap.Error(err))
	}

	s.logger.Info("session mutated",
		zap.Int64("session_id", run.SessionID),
		zap.String("handle", run.DataframeName),
		zap.Int("columns", len(cols)))
	return []byte{}, types.StatusCompleted
}

// processCompute hands the output bytes through verbatim and records
// the step with an empty dataframe field.
func (s *IO) processCompute(run *RunOutput) ([]byte, types.RunStatus) {
	data, err := os.ReadFile(run.OutputFile)
	if err != nil {
		s.logger.Error("cannot read run output", zap.Int64("run_id", run.RunID), zap.Error(err))
		return nil, types.StatusUnexpectedOutput
	}

	if err := s.bootstrap(run.SessionID); err != nil {
		s.logger.Error("session bootstrap failed",
			zap.Int64("session_id", run.SessionID), zap.Error(err))
		return nil, types.StatusUnknownError
	}

	entry := types.StateEntry{
		Action:    string(run.Action),
		File:      "",
		Timestamp: time.Now(),
		Message:   fmt.Sprintf("compute result produced by run %d", run.RunID),
		Dataframe: "",
	}
	if err := s.appendState(run.SessionID, entry); err != nil {
		s.logger.Error("state log append failed",
			zap.Int64("session_id", run.SessionID), zap.Error(err))
		return nil, types.StatusUnknownError
	}

	return data, types.StatusCompleted
}

// bootstrap creates the session folder and seeds the state log with its
// first row. Idempotent; callers hold the session lock.
func (s *IO) bootstrap(sessionID int64) error {
	folder := s.Folder(sessionID)
	statePath := filepath.Join(folder, stateLogFile)
	if _, err := os.Stat(statePath); err == nil {
		return nil
	}

	if err := os.MkdirAll(folder, 0o750); err != nil {
		return err
	}
	seed := types.StateEntry{
		Action:    "initialized",
		File:      stateLogFile,
		Timestamp: time.Now(),
		Message:   "session created",
		Dataframe: "",
	}
	s.logger.Info("session bootstrapped", zap.Int64("session_id", sessionID))
	return parquet.WriteFile(statePath, []types.StateEntry{seed})
}

// appendState adds one row to the state log. The log is a single parquet
// file, so appending rewrites it whole; the per-session lock serializes
// concurrent appends.
func (s *IO) appendState(sessionID int64, entry types.StateEntry) error {
	statePath := filepath.Join(s.Folder(sessionID), stateLogFile)
	entries, err := parquet.ReadFile[types.StateEntry](statePath)
	if err != nil {
		return fmt.Errorf("cannot read state log: %w", err)
	}
	entries = append(entries, entry)
	if err := parquet.WriteFile(statePath, entries); err != nil {
		return fmt.Errorf("cannot write state log: %w", err)
	}
	s.metrics.SessionAppend(entry.Action)
	return nil
}

// StateLog returns all state rows of a session, oldest first.
func (s *IO) StateLog(sessionID int64) ([]types.StateEntry, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return parquet.ReadFile[types.StateEntry](filepath.Join(s.Folder(sessionID), stateLogFile))
}

func (s *IO) sessionLock(sessionID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// writeTable copies a parsed parquet table to its place in the session
// folder, preserving the source schema.
func writeTable(path string, src *parquet.File) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	w := parquet.NewWriter(out, src.Schema())
	for _, rg := range src.RowGroups() {
		rows := rg.Rows()
		if _, err := parquet.CopyRows(w, rows); err != nil {
			rows.Close()
			out.Close()
			return err
		}
		rows.Close()
	}
	if err := w.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// columnsOf extracts name and pandas-style dtype for every top-level
// column of a table.
func columnsOf(src *parquet.File) []types.Column {
	fields := src.Schema().Fields()
	cols := make([]types.Column, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, types.Column{Name: f.Name(), Dtype: dtypeOf(f)})
	}
	return cols
}

func dtypeOf(f parquet.Field) string {
	switch f.Type().Kind() {
	case parquet.Boolean:
		return "bool"
	case parquet.Int32:
		return "int32"
	case parquet.Int64:
		return "int64"
	case parquet.Int96:
		return "datetime64[ns]"
	case parquet.Float:
		return "float32"
	case parquet.Double:
		return "float64"
	default:
		return "object"
	}
}
