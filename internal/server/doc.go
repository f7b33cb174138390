// Package server manages the lifecycle of the node's HTTP listeners:
// non-blocking start, asynchronous error reporting, and graceful
// shutdown on signal.
package server
