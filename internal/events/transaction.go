package events

import "time"

// TransactionStart is emitted before the connections register. A failed
// registration still ends with a TransactionFinish.
type TransactionStart struct {
	Connections []string
}

// TransactionFinish is emitted after commit or rollback went through every
// registered connection.
type TransactionFinish struct {
	Connections []string
	Committed   bool
	Err         error
	Duration    time.Duration
}
