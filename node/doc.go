// Package node ties the run lifecycle together: it accepts run
// dispatches from the coordinator, hands them to the container
// orchestrator, consumes completions from the polling loop, persists
// session output, and reports every terminal outcome back exactly once.
package node
