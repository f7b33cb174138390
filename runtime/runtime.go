package runtime

import "context"

// Phase is the coarse container lifecycle phase reported by the control
// plane. The vocabulary follows the pod phase model so that status
// mapping stays control-plane agnostic.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
	PhaseUnknown   Phase = "Unknown"
)

// Waiting reasons a pending container may report.
const (
	ReasonImagePullBackOff           = "ImagePullBackOff"
	ReasonInvalidImageName           = "InvalidImageName"
	ReasonErrImageNeverPull          = "ErrImageNeverPull"
	ReasonErrImagePull               = "ErrImagePull"
	ReasonCrashLoopBackOff           = "CrashLoopBackOff"
	ReasonCreateContainerConfigError = "CreateContainerConfigError"
	ReasonRunContainerError          = "RunContainerError"
	ReasonContainerCannotRun         = "ContainerCannotRun"
	ReasonContainerCreating          = "ContainerCreating"
	ReasonPodInitializing            = "PodInitializing"
)

// Handle identifies one launched container within its control plane.
type Handle string

// ContainerState is a point-in-time observation of a launched container.
type ContainerState struct {
	Phase Phase
	// WaitingReason is only meaningful while Phase is Pending. Empty
	// means the container has no container-status yet.
	WaitingReason string
	ExitCode      int
}

// Exited reports whether the container has reached a phase it cannot
// leave on its own.
func (s ContainerState) Exited() bool {
	return s.Phase == PhaseSucceeded || s.Phase == PhaseFailed
}

// LaunchSpec describes one container to start detached.
type LaunchSpec struct {
	Name    string
	Image   string
	Network string
	Labels  map[string]string
	Env     map[string]string
	// Volumes maps volume name (or host path) to container mount path.
	Volumes map[string]string
	Command []string
}

// ContainerRuntime is the narrow control-plane collaborator the
// orchestrator drives. All calls take a context; none of them retries
// internally.
type ContainerRuntime interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
	Poll(ctx context.Context, h Handle) (ContainerState, error)
	Logs(ctx context.Context, h Handle) (string, error)
	Remove(ctx context.Context, h Handle) error
	Kill(ctx context.Context, h Handle) error

	// Pull fetches an image. Pull failures are tolerated by callers that
	// can fall back to a locally cached image.
	Pull(ctx context.Context, image string) error

	// ListByLabels queries the control plane directly, independent of any
	// in-memory bookkeeping.
	ListByLabels(ctx context.Context, labels map[string]string) ([]Handle, error)

	CreateVolume(ctx context.Context, name string) error
	CreateNetwork(ctx context.Context, name string, internal bool) error
	RemoveNetwork(ctx context.Context, name string) error
}

// Database describes one local data source handed to an algorithm
// container. This is the single authoritative descriptor shape; it
// replaces the loose map-based variant that used to exist alongside it.
type Database struct {
	Label string `json:"label" yaml:"label"`
	URI   string `json:"uri" yaml:"uri"`
	Type  string `json:"type" yaml:"type"`
}
