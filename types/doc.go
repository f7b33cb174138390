// Package types defines the core data model shared across the node:
// runs, canonical run statuses, session state entries, and the structured
// error type used by every component.
package types
