// Package healthsource reads completed workouts from the wearable health
// data store. Sources are read-only and resumable through an opaque anchor.
package healthsource

import (
	"context"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
)

// Source returns workouts recorded since anchor together with the anchor to
// resume from next time. An empty anchor asks for the full history.
//
// Errors are *domain.SourceUnavailableError, *domain.AuthorizationDeniedError
// or *domain.TransientQueryError.
type Source interface {
	Name() string
	SamplesSince(ctx context.Context, anchor string) (records []domain.WorkoutRecord, newAnchor string, err error)
}
