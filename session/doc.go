// Package session persists run output and mutates the shared,
// append-only session of dataframe artifacts.
//
// A session is a directory sessions/session<9-digit-id>/ holding one
// parquet file per dataframe handle plus session_state.parquet, the
// state log. The log gets one bootstrap row when the session is first
// touched and one row per mutation afterwards; rows are never rewritten
// or reordered. Appending is a read-modify-write of the whole log file,
// serialized by a per-session lock: a single node process owns a
// session, but concurrent runs on the same node may target it at the
// same time.
package session
