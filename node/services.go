package node

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cohortnet/node/coordinator"
	"github.com/cohortnet/node/cryptor"
	"github.com/cohortnet/node/internal/token"
	"github.com/cohortnet/node/runtime"
	"github.com/cohortnet/node/session"
	"github.com/cohortnet/node/types"
)

// Orchestration is the slice of the container orchestrator the node
// lifecycle uses.
type Orchestration interface {
	Run(ctx context.Context, spec runtime.RunSpec) *types.Error
	GetResult(ctx context.Context) (*runtime.Result, error)
	Kill(ctx context.Context, runID int64) *types.Error
	IsRunning(ctx context.Context, runID int64) bool
	Cleanup(ctx context.Context)
}

// Services bundles the node's collaborators explicitly. There are no
// package-level singletons; everything the lifecycle needs is injected
// here.
type Services struct {
	NodeName     string
	TokenSecret  []byte
	Cryptor      cryptor.Cryptor
	Orchestrator Orchestration
	Sessions     *session.IO
	Client       *coordinator.Client
	// FetchInterval between open-run polls; defaults to 10s.
	FetchInterval time.Duration
	// Databases are handed to every launched container.
	Databases []runtime.Database

	logger *zap.Logger

	wg      sync.WaitGroup
	results chan *runtime.Result
}

// NewServices wires the bundle.
func NewServices(nodeName string, secret []byte, crypt cryptor.Cryptor,
	orch Orchestration, sessions *session.IO, client *coordinator.Client,
	logger *zap.Logger) *Services {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Services{
		NodeName:     nodeName,
		TokenSecret:  secret,
		Cryptor:      crypt,
		Orchestrator: orch,
		Sessions:     sessions,
		Client:       client,
		logger:       logger.With(zap.String("component", "node")),
		results:      make(chan *runtime.Result),
	}
}

// HandleRun accepts one run dispatch from the coordinator: it opens the
// encrypted input, mints the container token, and hands the run to the
// orchestrator. Admission refusals are reported back synchronously and
// never raised.
func (s *Services) HandleRun(ctx context.Context, run types.Run) {
	log := s.logger.With(zap.Int64("run_id", run.ID), zap.Int64("task_id", run.TaskID))

	input, err := s.Cryptor.Decrypt(string(run.Input))
	if err != nil {
		log.Error("cannot decrypt run input", zap.Error(err))
		s.patch(ctx, run.ID, coordinator.RunPatch{
			Status: types.StatusCrashed,
			Log:    "node could not decrypt the run input",
		})
		return
	}

	containerToken, err := token.Mint(s.TokenSecret, run.ID, run.TaskID,
		run.OrganizationID, s.NodeName, run.Image)
	if err != nil {
		log.Error("cannot mint container token", zap.Error(err))
		s.patch(ctx, run.ID, coordinator.RunPatch{Status: types.StatusFailed})
		return
	}

	admission := s.Orchestrator.Run(ctx, runtime.RunSpec{
		RunID:           run.ID,
		TaskID:          run.TaskID,
		SessionID:       run.SessionID,
		OrganizationID:  run.OrganizationID,
		CollaborationID: run.CollaborationID,
		Action:          run.Action,
		DataframeName:   run.DataframeName,
		Image:           run.Image,
		Input:           input,
		ContainerToken:  containerToken,
		Databases:       s.Databases,
	})
	if admission == nil {
		s.patch(ctx, run.ID, coordinator.RunPatch{Status: types.StatusActive})
		return
	}

	switch admission.Code {
	case types.ErrDuplicateRun:
		// already tracked here; the original dispatch owns the report
		log.Warn("duplicate dispatch ignored")
	case types.ErrImageRejected:
		s.patch(ctx, run.ID, coordinator.RunPatch{
			Status: types.StatusNotAllowed,
			Log:    admission.Message,
		})
	default:
		log.Error("run admission failed", zap.Error(admission))
		s.patch(ctx, run.ID, coordinator.RunPatch{
			Status: types.StatusFailed,
			Log:    admission.Message,
		})
	}
}

// Start launches the lifecycle goroutines. The dispatcher periodically
// fetches open runs from the coordinator and admits them; the poller
// blocks in GetResult until a tracked container reaches a terminal
// state; the reporter consumes completions and reports each one to the
// coordinator. All three stop when ctx is cancelled.
func (s *Services) Start(ctx context.Context) {
	s.wg.Add(3)
	go s.dispatchLoop(ctx)
	go s.pollLoop(ctx)
	go s.reportLoop(ctx)
}

func (s *Services) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.FetchInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.fetchOpenRuns(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fetchOpenRuns picks up every run the coordinator assigned to this
// node, including backlog accumulated while the node was offline.
func (s *Services) fetchOpenRuns(ctx context.Context) {
	runs, err := s.Client.OpenRuns(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("cannot fetch open runs", zap.Error(err))
		}
		return
	}
	for _, run := range runs {
		if run.Status.IsTerminal() || s.Orchestrator.IsRunning(ctx, run.ID) {
			continue
		}
		s.HandleRun(ctx, run)
	}
}

// Shutdown stops the loops and tears down every tracked container.
func (s *Services) Shutdown(ctx context.Context) {
	s.wg.Wait()
	s.Orchestrator.Cleanup(ctx)
}

func (s *Services) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)
	for {
		result, err := s.Orchestrator.GetResult(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("result polling failed", zap.Error(err))
			continue
		}
		select {
		case s.results <- result:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Services) reportLoop(ctx context.Context) {
	defer s.wg.Done()
	for result := range s.results {
		s.report(ctx, result)
	}
}

// report handles one completion: session output processing, result
// encryption for the owning organization, and the terminal PATCH. Every
// terminal outcome is reported, including processing failures.
func (s *Services) report(ctx context.Context, result *runtime.Result) {
	log := s.logger.With(zap.Int64("run_id", result.RunID),
		zap.String("status", string(result.StatusCode)))

	status := result.StatusCode
	var payload []byte
	if status == types.StatusCompleted {
		payload, status = s.Sessions.ProcessOutput(ctx, &session.RunOutput{
			RunID:         result.RunID,
			SessionID:     result.SessionID,
			Action:        result.Action,
			DataframeName: result.DataframeName,
			OutputFile:    result.OutputFile,
		})
	}

	patch := coordinator.RunPatch{
		Status:     status,
		Log:        result.Logs,
		StartedAt:  timePtr(result.StartedAt),
		FinishedAt: timePtr(result.FinishedAt),
	}
	if len(payload) > 0 {
		sealed, err := s.sealResult(ctx, result.OrgID, payload)
		if err != nil {
			log.Error("cannot encrypt run result", zap.Error(err))
			patch.Status = types.StatusFailed
		} else {
			patch.Result = sealed
		}
	}

	s.patch(ctx, result.RunID, patch)
	log.Info("run reported", zap.String("final_status", string(patch.Status)))
}

func (s *Services) sealResult(ctx context.Context, orgID int64, payload []byte) (string, error) {
	pub, err := s.Client.OrganizationKey(ctx, orgID)
	if err != nil {
		return "", err
	}
	return s.Cryptor.Encrypt(payload, pub)
}

func (s *Services) patch(ctx context.Context, runID int64, patch coordinator.RunPatch) {
	if err := s.Client.PatchRun(ctx, runID, patch); err != nil {
		s.logger.Error("run report failed",
			zap.Int64("run_id", runID), zap.Error(err))
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
