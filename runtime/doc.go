// Package runtime launches, tracks, and terminates algorithm containers.
//
// The Orchestrator owns the in-memory set of running containers for this
// node. Containers are started detached on the node's isolated network
// and observed through a narrow ContainerRuntime interface (launch, poll,
// logs, remove), so the orchestrator does not care whether the control
// plane is a local Docker daemon or something else. Reported container
// phases are folded into a canonical run status by the StatusMapper.
//
// The active set is not durable: a node restart loses it, and containers
// that survived the restart are only rediscoverable through label queries
// (see Orchestrator.IsRunning).
package runtime
