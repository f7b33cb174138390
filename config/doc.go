// Package config loads the node configuration from a YAML file with
// environment-variable overrides.
//
// Precedence: defaults, then the YAML file, then environment variables
// prefixed with COHORTNODE (for example COHORTNODE_COORDINATOR_URL).
package config
