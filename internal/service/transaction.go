package service

import "context"

// TransactionManager wraps multiple repository operations in one database
// transaction. The inbox gate uses it so an admitted event and its queue
// item commit or roll back together.
type TransactionManager interface {
	// WithTransaction runs fn inside a transaction, committing when fn
	// returns nil and rolling back otherwise.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
