package main

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cohortnet/node/config"
	"github.com/cohortnet/node/coordinator"
	"github.com/cohortnet/node/cryptor"
	"github.com/cohortnet/node/internal/server"
	"github.com/cohortnet/node/netiso"
	"github.com/cohortnet/node/node"
	"github.com/cohortnet/node/runtime"
	"github.com/cohortnet/node/session"
	"github.com/cohortnet/node/types"
)

// orderedRuntime records control-plane operations in call order.
type orderedRuntime struct {
	mu  sync.Mutex
	ops []string
}

func (r *orderedRuntime) record(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *orderedRuntime) opIndex(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, o := range r.ops {
		if o == op {
			return i
		}
	}
	return -1
}

func (r *orderedRuntime) Launch(_ context.Context, spec runtime.LaunchSpec) (runtime.Handle, error) {
	r.record("launch " + spec.Name)
	return runtime.Handle(spec.Name), nil
}

func (r *orderedRuntime) Poll(context.Context, runtime.Handle) (runtime.ContainerState, error) {
	return runtime.ContainerState{Phase: runtime.PhaseRunning}, nil
}

func (r *orderedRuntime) Logs(context.Context, runtime.Handle) (string, error) { return "", nil }

func (r *orderedRuntime) Remove(_ context.Context, h runtime.Handle) error {
	r.record("remove " + string(h))
	return nil
}

func (r *orderedRuntime) Kill(_ context.Context, h runtime.Handle) error {
	r.record("kill " + string(h))
	return nil
}

func (r *orderedRuntime) Pull(context.Context, string) error { return nil }

func (r *orderedRuntime) ListByLabels(context.Context, map[string]string) ([]runtime.Handle, error) {
	return nil, nil
}

func (r *orderedRuntime) CreateVolume(context.Context, string) error { return nil }

func (r *orderedRuntime) CreateNetwork(_ context.Context, name string, _ bool) error {
	r.record("network create " + name)
	return nil
}

func (r *orderedRuntime) RemoveNetwork(_ context.Context, name string) error {
	r.record("network rm " + name)
	return nil
}

// cleanupOrchestrator stands in for the container orchestrator and
// removes its one tracked container through the shared runtime
// recorder.
type cleanupOrchestrator struct {
	rt *orderedRuntime
}

func (o *cleanupOrchestrator) Run(context.Context, runtime.RunSpec) *types.Error { return nil }

func (o *cleanupOrchestrator) GetResult(ctx context.Context) (*runtime.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (o *cleanupOrchestrator) Kill(context.Context, int64) *types.Error { return nil }

func (o *cleanupOrchestrator) IsRunning(context.Context, int64) bool { return false }

func (o *cleanupOrchestrator) Cleanup(ctx context.Context) {
	_ = o.rt.Kill(ctx, "node-a-run-9")
	_ = o.rt.Remove(ctx, "node-a-run-9")
}

func TestShutdownRemovesNetworkAfterSidecars(t *testing.T) {
	rt := &orderedRuntime{}

	client, err := coordinator.NewClient(coordinator.Config{
		BaseURL: "http://127.0.0.1:1",
		Token:   "tok",
	}, nil, nil)
	require.NoError(t, err)

	services := node.NewServices("node-a", []byte("secret"),
		cryptor.NewNopCryptor(nil), &cleanupOrchestrator{rt: rt},
		session.NewIO(t.TempDir(), client, nil, nil), client, nil)

	squid := netiso.NewSquid(netiso.SquidConfig{
		Domains: []string{"example.org"},
		Ports:   []int{443},
	}, rt, t.TempDir(), nil)
	require.NoError(t, squid.Start(context.Background(), "node-a", "node-a-net"))

	cfg := config.DefaultConfig()
	cfg.Node.Name = "node-a"

	s := &Server{
		cfg:          cfg,
		logger:       zap.NewNop(),
		rt:           rt,
		services:     services,
		squid:        squid,
		proxyManager: server.NewManager(http.NewServeMux(), server.DefaultConfig(), nil),
	}

	s.Shutdown()

	algo := rt.opIndex("remove node-a-run-9")
	sidecar := rt.opIndex("remove node-a-squid")
	network := rt.opIndex("network rm node-a-net")
	require.NotEqual(t, -1, algo)
	require.NotEqual(t, -1, sidecar)
	require.NotEqual(t, -1, network)
	assert.Less(t, algo, network, "algorithm containers must detach before the network is removed")
	assert.Less(t, sidecar, network, "the squid sidecar must detach before the network is removed")
}
