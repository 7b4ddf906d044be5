package adapter

import "context"

type txKey struct{}

// WithTransaction returns a copy of ctx in which calls on connection run
// inside transaction id.
func WithTransaction(ctx context.Context, connection, id string) context.Context {
	prev, _ := ctx.Value(txKey{}).(map[string]string)
	next := make(map[string]string, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[connection] = id
	return context.WithValue(ctx, txKey{}, next)
}

// TransactionID returns the transaction ctx holds for connection.
func TransactionID(ctx context.Context, connection string) (string, bool) {
	m, _ := ctx.Value(txKey{}).(map[string]string)
	id, ok := m[connection]
	return id, ok
}
