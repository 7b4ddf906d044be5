package events

import "time"

// RunStart is emitted when a population run begins.
type RunStart struct {
	Collection string
	Kind       string
	Operations int
}

// RunFinish is emitted once per run, after the result or the first error
// is known.
type RunFinish struct {
	Collection string
	Kind       string
	Rows       int
	Err        error
	Duration   time.Duration
}

// OperationStart is emitted before an operation calls its adapter.
type OperationStart struct {
	Path       string
	Collection string
	Connection string
	Method     string // "fetch" or "join"
	Joins      int
}

// OperationFinish is emitted after the adapter call of an operation
// returns. Skipped operations had no parent keys to filter by and made no
// call.
type OperationFinish struct {
	Path       string
	Collection string
	Connection string
	Method     string
	Rows       int
	Skipped    bool
	Err        error
	Duration   time.Duration
}

// OrphanRow is emitted when a fetched row has no parent to attach to.
type OrphanRow struct {
	Path string
	Key  any
}
