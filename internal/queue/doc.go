// Package queue persists the download job ledger in SQLite and implements the
// atomic claim that makes request-piggybacked workers safe: a job moves from
// queued to processing through a single conditional UPDATE, so exactly one of
// any number of concurrent callers wins it.
package queue
