// Package proxy implements the node-local relay between algorithm
// containers and the coordinator.
//
// Containers on the isolated network cannot reach the coordinator
// directly; they talk to this relay instead, authenticating with the
// run-scoped token the node minted for them. The relay forwards
// requests under the node's own credentials, transparently encrypting
// task input per destination organization on the way out and decrypting
// results addressed to this node on the way back.
package proxy
