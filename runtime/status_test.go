package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cohortnet/node/types"
)

// Exhaustive table for the phase/reason mapping, including both
// catch-all rows.
func TestStatusMapperTable(t *testing.T) {
	m := NewStatusMapper(zap.NewNop())

	cases := []struct {
		name   string
		phase  Phase
		reason string
		want   types.RunStatus
	}{
		{"running", PhaseRunning, "", types.StatusActive},
		{"running ignores reason", PhaseRunning, "ContainerCreating", types.StatusActive},
		{"failed", PhaseFailed, "", types.StatusFailed},
		{"succeeded", PhaseSucceeded, "", types.StatusCompleted},
		{"unknown", PhaseUnknown, "", types.StatusUnknownError},

		{"pending no container status", PhasePending, "", types.StatusInitializing},

		{"pending ImagePullBackOff", PhasePending, "ImagePullBackOff", types.StatusNoDockerImage},
		{"pending InvalidImageName", PhasePending, "InvalidImageName", types.StatusNoDockerImage},
		{"pending ErrImageNeverPull", PhasePending, "ErrImageNeverPull", types.StatusNoDockerImage},
		{"pending ErrImagePull", PhasePending, "ErrImagePull", types.StatusNoDockerImage},

		{"pending CrashLoopBackOff", PhasePending, "CrashLoopBackOff", types.StatusCrashed},
		{"pending CreateContainerConfigError", PhasePending, "CreateContainerConfigError", types.StatusCrashed},
		{"pending RunContainerError", PhasePending, "RunContainerError", types.StatusCrashed},
		{"pending ContainerCannotRun", PhasePending, "ContainerCannotRun", types.StatusCrashed},

		{"pending ContainerCreating", PhasePending, "ContainerCreating", types.StatusInitializing},
		{"pending PodInitializing", PhasePending, "PodInitializing", types.StatusInitializing},

		{"pending unlisted reason", PhasePending, "SomeNewReason", types.StatusUnknownError},
		{"unlisted phase", Phase("Evicted"), "", types.StatusUnknownError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, m.Map(tc.phase, tc.reason))
		})
	}
}

func TestStatusMapperLogsDefaults(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewStatusMapper(zap.New(core))

	m.Map(PhasePending, "SomethingNew")
	m.Map(Phase("Evicted"), "")
	m.Map(PhaseRunning, "") // listed rows stay silent

	entries := logs.All()
	assert.Len(t, entries, 2)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
}

func TestStatusMapperIsStateless(t *testing.T) {
	m := NewStatusMapper(nil)
	for i := 0; i < 3; i++ {
		assert.Equal(t, types.StatusNoDockerImage, m.Map(PhasePending, "ErrImagePull"))
	}
}
