package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cohortnet/node/internal/metrics"
	"github.com/cohortnet/node/types"
)

// Container labels used to find this node's algorithm containers on the
// control plane.
const (
	LabelApp   = "app"
	LabelNode  = "node"
	LabelRunID = "run_id"

	appLabelValue = "algorithm"
)

// Environment variables injected into every algorithm container.
const (
	EnvNodeName        = "NODE_NAME"
	EnvOrganizationID  = "ORGANIZATION_ID"
	EnvCollaborationID = "COLLABORATION_ID"
	EnvTaskID          = "TASK_ID"
	EnvRunID           = "RUN_ID"
	EnvSessionID       = "SESSION_ID"
	EnvAction          = "ACTION"
	EnvInputFile       = "INPUT_FILE"
	EnvOutputFile      = "OUTPUT_FILE"
	EnvTokenFile       = "TOKEN_FILE"
	EnvSessionFolder   = "SESSION_FOLDER"
	EnvAPIEndpoint     = "API_ENDPOINT"
	EnvContainerToken  = "CONTAINER_TOKEN"
	EnvDatabaseLabels  = "DATABASE_LABELS"
)

const defaultPollInterval = time.Second

// Config configures the orchestrator.
type Config struct {
	// NodeName tags every launched container and its label query.
	NodeName string
	// TasksRoot is the directory holding per-run input/output/token
	// files and the sessions tree.
	TasksRoot string
	// NetworkName is the isolated network containers attach to.
	NetworkName string
	// APIEndpoint is the node-local proxy address handed to containers.
	APIEndpoint string
	// AllowedImages holds regex patterns; an image must match at least
	// one. Empty means every image is allowed.
	AllowedImages []string
	// PollInterval between status refreshes in GetResult.
	PollInterval time.Duration
}

// RunSpec is one run dispatch handed to the orchestrator.
type RunSpec struct {
	RunID           int64
	TaskID          int64
	SessionID       int64
	OrganizationID  int64
	CollaborationID int64
	Action          types.Action
	DataframeName   string
	Image           string
	Input           []byte
	// ContainerToken is the run-scoped bearer token, written to the
	// token file and injected as CONTAINER_TOKEN.
	ContainerToken  string
	Databases       []Database
	// VolumeName of the per-run scratch volume; defaults to
	// "run-<id>-vol".
	VolumeName string
}

// OrchestrationUnit is the ephemeral in-memory handle for one running
// container. It is not persisted; a node restart loses it.
type OrchestrationUnit struct {
	RunID         int64
	TaskID        int64
	SessionID     int64
	OrgID         int64
	Action        types.Action
	DataframeName string
	Image         string
	Handle        Handle
	VolumeName    string
	OutputFile    string
	StartedAt     time.Time

	state  ContainerState
	status types.RunStatus
	killed bool
}

// Result is one finished run popped from the poll loop. Success or
// failure is encoded in StatusCode, never in an error.
type Result struct {
	RunID         int64
	TaskID        int64
	SessionID     int64
	OrgID         int64
	Action        types.Action
	DataframeName string
	StatusCode    types.RunStatus
	ExitCode      int
	Logs          string
	OutputFile    string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Orchestrator launches and tracks algorithm containers. The active set
// is guarded by a mutex inside the unitSet; Run, GetResult, Kill and
// Cleanup may be called from different goroutines.
type Orchestrator struct {
	cfg     Config
	rt      ContainerRuntime
	mapper  *StatusMapper
	units   *unitSet
	allowed []*regexp.Regexp
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewOrchestrator creates an orchestrator and compiles its image
// allow-list. An empty allow-list is accepted with a loud warning, never
// an error. Invalid patterns are a configuration error.
func NewOrchestrator(cfg Config, rt ContainerRuntime, collector *metrics.Collector, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "orchestrator"))

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	var allowed []*regexp.Regexp
	for _, pattern := range cfg.AllowedImages {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, types.NewError(types.ErrConfiguration,
				fmt.Sprintf("invalid allowed-image pattern %q", pattern)).WithCause(err)
		}
		allowed = append(allowed, re)
	}
	if len(allowed) == 0 {
		logger.Warn("no image allow-list configured, ALL algorithm images will be accepted")
	}

	return &Orchestrator{
		cfg:     cfg,
		rt:      rt,
		mapper:  NewStatusMapper(logger),
		units:   newUnitSet(),
		allowed: allowed,
		logger:  logger,
		metrics: collector,
	}, nil
}

// Run admits and launches one algorithm container. A nil return means
// the container was started and is being tracked. A non-nil *types.Error
// is an admission decision reported to the caller as data: rejected
// image, duplicate run, or an unavailable control plane.
func (o *Orchestrator) Run(ctx context.Context, spec RunSpec) *types.Error {
	if !o.imageAllowed(spec.Image) {
		o.logger.Warn("image rejected by allow-list",
			zap.Int64("run_id", spec.RunID), zap.String("image", spec.Image))
		return types.NewError(types.ErrImageRejected,
			fmt.Sprintf("image %q does not match any allowed pattern", spec.Image)).WithRun(spec.RunID)
	}

	if o.units.contains(spec.RunID) {
		o.logger.Warn("run already active, ignoring dispatch", zap.Int64("run_id", spec.RunID))
		return types.NewError(types.ErrDuplicateRun,
			fmt.Sprintf("run %d is already active on this node", spec.RunID)).WithRun(spec.RunID)
	}

	// Best effort: a pull failure is logged and execution proceeds on
	// whatever image is cached locally.
	if err := o.rt.Pull(ctx, spec.Image); err != nil {
		o.logger.Warn("image pull failed, using local image",
			zap.String("image", spec.Image), zap.Error(err))
	}

	runDir := filepath.Join(o.cfg.TasksRoot, strconv.FormatInt(spec.RunID, 10))
	files, err := o.writeRunFiles(runDir, spec)
	if err != nil {
		return types.NewError(types.ErrOrchestratorUnavailable, "cannot stage run files").
			WithCause(err).WithRun(spec.RunID).WithRetryable(true)
	}

	volumeName := spec.VolumeName
	if volumeName == "" {
		volumeName = fmt.Sprintf("run-%d-vol", spec.RunID)
	}
	if err := o.rt.CreateVolume(ctx, volumeName); err != nil {
		return types.NewError(types.ErrOrchestratorUnavailable, "cannot create run volume").
			WithCause(err).WithRun(spec.RunID).WithRetryable(true)
	}

	launch := LaunchSpec{
		Name:    fmt.Sprintf("%s-run-%d", o.cfg.NodeName, spec.RunID),
		Image:   spec.Image,
		Network: o.cfg.NetworkName,
		Labels: map[string]string{
			LabelApp:   appLabelValue,
			LabelNode:  o.cfg.NodeName,
			LabelRunID: strconv.FormatInt(spec.RunID, 10),
		},
		Env: map[string]string{
			EnvNodeName:        o.cfg.NodeName,
			EnvOrganizationID:  strconv.FormatInt(spec.OrganizationID, 10),
			EnvCollaborationID: strconv.FormatInt(spec.CollaborationID, 10),
			EnvTaskID:          strconv.FormatInt(spec.TaskID, 10),
			EnvRunID:           strconv.FormatInt(spec.RunID, 10),
			EnvSessionID:       strconv.FormatInt(spec.SessionID, 10),
			EnvAction:          string(spec.Action),
			EnvInputFile:       files.input,
			EnvOutputFile:      files.output,
			EnvTokenFile:       files.token,
			EnvSessionFolder:   SessionFolder(o.cfg.TasksRoot, spec.SessionID),
			EnvAPIEndpoint:     o.cfg.APIEndpoint,
			EnvContainerToken:  spec.ContainerToken,
		},
		Volumes: map[string]string{
			volumeName:      "/mnt/scratch",
			o.cfg.TasksRoot: "/mnt/tasks",
		},
	}
	for k, v := range databaseEnv(spec.Databases) {
		launch.Env[k] = v
	}

	handle, err := o.rt.Launch(ctx, launch)
	if err != nil {
		return types.NewError(types.ErrOrchestratorUnavailable, "container launch failed").
			WithCause(err).WithRun(spec.RunID).WithRetryable(true)
	}

	o.units.add(&OrchestrationUnit{
		RunID:         spec.RunID,
		TaskID:        spec.TaskID,
		SessionID:     spec.SessionID,
		OrgID:         spec.OrganizationID,
		Action:        spec.Action,
		DataframeName: spec.DataframeName,
		Image:         spec.Image,
		Handle:        handle,
		VolumeName:    volumeName,
		OutputFile:    files.output,
		StartedAt:     time.Now(),
	})

	o.metrics.RunStarted()
	o.logger.Info("container launched",
		zap.Int64("run_id", spec.RunID),
		zap.String("image", spec.Image),
		zap.String("handle", string(handle)))
	return nil
}

// GetResult blocks until a tracked container reaches a terminal state and
// returns it. Among already-exited containers the oldest dispatch wins; a
// still-running unit is never returned while an exited one exists. A
// non-zero exit code is logged as an error but still yields a Result.
func (o *Orchestrator) GetResult(ctx context.Context) (*Result, error) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		o.refresh(ctx)
		if unit := o.units.popTerminal(); unit != nil {
			return o.finish(ctx, unit), nil
		}

		o.metrics.PollTick()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// refresh polls every tracked unit once and stores both the raw state
// and its mapped run status. Poll failures leave the last observation in
// place; a container that keeps failing to poll surfaces through the
// control plane eventually.
func (o *Orchestrator) refresh(ctx context.Context) {
	for _, unit := range o.units.snapshot() {
		state, err := o.rt.Poll(ctx, unit.Handle)
		if err != nil {
			o.logger.Warn("status poll failed",
				zap.Int64("run_id", unit.RunID), zap.Error(err))
			continue
		}
		o.units.setState(unit.RunID, state, o.mapper.Map(state.Phase, state.WaitingReason))
	}
}

// finish extracts logs, removes the container best-effort, and builds the
// terminal Result for one exited unit.
func (o *Orchestrator) finish(ctx context.Context, unit *OrchestrationUnit) *Result {
	status := unit.status
	if unit.killed {
		status = types.StatusKilled
	}

	if unit.state.ExitCode != 0 {
		o.logger.Error("algorithm container exited non-zero",
			zap.Int64("run_id", unit.RunID),
			zap.Int("exit_code", unit.state.ExitCode))
	}

	logs, err := o.rt.Logs(ctx, unit.Handle)
	if err != nil {
		o.logger.Warn("cannot fetch container logs",
			zap.Int64("run_id", unit.RunID), zap.Error(err))
	}

	// Removal is best effort: a stuck container must not block result
	// delivery.
	if err := o.rt.Remove(ctx, unit.Handle); err != nil {
		cleanupErr := types.NewError(types.ErrCleanup, "container removal failed").
			WithCause(err).WithRun(unit.RunID)
		o.logger.Warn(cleanupErr.Message, zap.Int64("run_id", unit.RunID), zap.Error(err))
	}

	o.metrics.RunFinished(string(status), time.Since(unit.StartedAt))

	return &Result{
		RunID:         unit.RunID,
		TaskID:        unit.TaskID,
		SessionID:     unit.SessionID,
		OrgID:         unit.OrgID,
		Action:        unit.Action,
		DataframeName: unit.DataframeName,
		StatusCode:    status,
		ExitCode:      unit.state.ExitCode,
		Logs:          logs,
		OutputFile:    unit.OutputFile,
		StartedAt:     unit.StartedAt,
		FinishedAt:    time.Now(),
	}
}

// Kill force-terminates one tracked run. The unit stays in the set and
// is delivered through GetResult with status "killed by user".
func (o *Orchestrator) Kill(ctx context.Context, runID int64) *types.Error {
	unit := o.units.get(runID)
	if unit == nil {
		return types.NewError(types.ErrDuplicateRun,
			fmt.Sprintf("run %d is not active on this node", runID)).WithRun(runID)
	}
	if err := o.rt.Kill(ctx, unit.Handle); err != nil {
		o.logger.Warn("container kill failed", zap.Int64("run_id", runID), zap.Error(err))
	}
	o.units.markKilled(runID)
	o.logger.Info("run killed", zap.Int64("run_id", runID))
	return nil
}

// Cleanup force-kills and removes every tracked container. Per-run
// volumes are kept: a related run in the same chain may still need
// them. The isolated network is torn down by the node server once the
// egress sidecars have detached from it. Failures are logged, never
// propagated.
func (o *Orchestrator) Cleanup(ctx context.Context) {
	units := o.units.drain()
	for _, unit := range units {
		if err := o.rt.Kill(ctx, unit.Handle); err != nil {
			o.logger.Warn("cleanup kill failed", zap.Int64("run_id", unit.RunID), zap.Error(err))
		}
		if err := o.rt.Remove(ctx, unit.Handle); err != nil {
			o.logger.Warn("cleanup remove failed", zap.Int64("run_id", unit.RunID), zap.Error(err))
		}
		o.metrics.RunDrained()
	}
	o.logger.Info("cleanup finished", zap.Int("containers", len(units)))
}

// IsRunning queries the control plane directly by label selector, so a
// restarted node can detect containers that survived it before
// re-dispatching.
func (o *Orchestrator) IsRunning(ctx context.Context, runID int64) bool {
	handles, err := o.rt.ListByLabels(ctx, map[string]string{
		LabelApp:   appLabelValue,
		LabelNode:  o.cfg.NodeName,
		LabelRunID: strconv.FormatInt(runID, 10),
	})
	if err != nil {
		o.logger.Warn("label query failed", zap.Int64("run_id", runID), zap.Error(err))
		return false
	}
	return len(handles) > 0
}

// ActiveRuns returns the ids of all tracked runs, oldest first.
func (o *Orchestrator) ActiveRuns() []int64 {
	var ids []int64
	for _, u := range o.units.snapshot() {
		ids = append(ids, u.RunID)
	}
	return ids
}

func (o *Orchestrator) imageAllowed(image string) bool {
	if len(o.allowed) == 0 {
		return true
	}
	for _, re := range o.allowed {
		if re.MatchString(image) {
			return true
		}
	}
	return false
}

type runFiles struct {
	input, output, token string
}

func (o *Orchestrator) writeRunFiles(runDir string, spec RunSpec) (runFiles, error) {
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return runFiles{}, err
	}
	files := runFiles{
		input:  filepath.Join(runDir, "input"),
		output: filepath.Join(runDir, "output"),
		token:  filepath.Join(runDir, "token"),
	}
	if err := os.WriteFile(files.input, spec.Input, 0o640); err != nil {
		return runFiles{}, err
	}
	if err := os.WriteFile(files.output, nil, 0o640); err != nil {
		return runFiles{}, err
	}
	if err := os.WriteFile(files.token, []byte(spec.ContainerToken), 0o600); err != nil {
		return runFiles{}, err
	}
	return files, nil
}

// databaseEnv exposes the node's data source descriptors to the
// container: DATABASE_LABELS lists them, and each label gets
// DATABASE_<LABEL>_URI and DATABASE_<LABEL>_TYPE.
func databaseEnv(dbs []Database) map[string]string {
	if len(dbs) == 0 {
		return nil
	}
	env := make(map[string]string, 2*len(dbs)+1)
	labels := make([]string, 0, len(dbs))
	for _, db := range dbs {
		label := strings.ToUpper(db.Label)
		labels = append(labels, db.Label)
		env["DATABASE_"+label+"_URI"] = db.URI
		env["DATABASE_"+label+"_TYPE"] = db.Type
	}
	env[EnvDatabaseLabels] = strings.Join(labels, ",")
	return env
}

// SessionFolder returns the directory of one session under the tasks
// root, e.g. sessions/session000000007.
func SessionFolder(tasksRoot string, sessionID int64) string {
	return filepath.Join(tasksRoot, "sessions", fmt.Sprintf("session%09d", sessionID))
}
