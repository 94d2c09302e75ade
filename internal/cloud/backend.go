// Package cloud defines the remote document store the retry queue writes to.
package cloud

import (
	"context"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
)

// Backend performs idempotent upserts keyed by each document's ID.
// Writing the same document twice must leave exactly one copy.
type Backend interface {
	PutLedgerEntry(ctx context.Context, e domain.LedgerEntry) error
	PutActivityPost(ctx context.Context, p domain.ActivityPost) error
	PutStatsDelta(ctx context.Context, d domain.StatsDelta) error
}
