// Package coordinator is the node's HTTP client for the central
// coordinator: patching run outcomes, posting session column metadata,
// fetching organization public keys, and generic request relaying for
// the node-local proxy.
package coordinator
