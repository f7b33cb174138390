package runtime

import (
	"go.uber.org/zap"

	"github.com/cohortnet/node/types"
)

// StatusMapper folds an observed container phase and waiting reason into
// the canonical run status reported to the coordinator. Mapping is a
// stateless lookup; the only side effect is a log line on the two
// catch-all rows.
type StatusMapper struct {
	logger *zap.Logger
}

// NewStatusMapper creates a status mapper.
func NewStatusMapper(logger *zap.Logger) *StatusMapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusMapper{logger: logger.With(zap.String("component", "status_mapper"))}
}

// Reasons that mean the image cannot be obtained.
var imageReasons = map[string]struct{}{
	ReasonImagePullBackOff:  {},
	ReasonInvalidImageName:  {},
	ReasonErrImageNeverPull: {},
	ReasonErrImagePull:      {},
}

// Reasons that mean the container started but cannot run.
var crashReasons = map[string]struct{}{
	ReasonCrashLoopBackOff:           {},
	ReasonCreateContainerConfigError: {},
	ReasonRunContainerError:          {},
	ReasonContainerCannotRun:         {},
}

// Reasons that are part of normal startup.
var startupReasons = map[string]struct{}{
	ReasonContainerCreating: {},
	ReasonPodInitializing:   {},
}

// Map returns the run status for a phase and, for pending containers,
// its waiting reason. An empty reason on a pending container means no
// container-status has been reported yet.
func (m *StatusMapper) Map(phase Phase, waitingReason string) types.RunStatus {
	switch phase {
	case PhaseRunning:
		return types.StatusActive
	case PhaseFailed:
		return types.StatusFailed
	case PhaseSucceeded:
		return types.StatusCompleted
	case PhaseUnknown:
		return types.StatusUnknownError
	case PhasePending:
		return m.mapPending(waitingReason)
	default:
		m.logger.Error("container in unrecognized phase",
			zap.String("phase", string(phase)),
			zap.String("reason", waitingReason))
		return types.StatusUnknownError
	}
}

func (m *StatusMapper) mapPending(reason string) types.RunStatus {
	if reason == "" {
		return types.StatusInitializing
	}
	if _, ok := imageReasons[reason]; ok {
		return types.StatusNoDockerImage
	}
	if _, ok := crashReasons[reason]; ok {
		return types.StatusCrashed
	}
	if _, ok := startupReasons[reason]; ok {
		return types.StatusInitializing
	}
	m.logger.Warn("pending container with unrecognized waiting reason",
		zap.String("reason", reason))
	return types.StatusUnknownError
}
