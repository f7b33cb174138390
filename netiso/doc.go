// Package netiso provides the controlled-egress sidecars for the
// isolated algorithm network.
//
// Algorithm containers attach only to a private network with no default
// internet egress. Two sidecar kinds punch deliberate holes in it: a
// squid forward proxy (one per node) restricted to whitelisted domains,
// IP ranges and ports, and SSH tunnels (one per remote endpoint) that
// bind a local port on the isolated network to a remote host:port under
// a pinned host key.
package netiso
