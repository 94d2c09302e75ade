package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/ingest"
	"github.com/ramiqadoumi/go-fit-flow/internal/notify"
	"github.com/ramiqadoumi/go-fit-flow/internal/progress"
	redisstore "github.com/ramiqadoumi/go-fit-flow/internal/redis"
	"github.com/ramiqadoumi/go-fit-flow/internal/xp"
	"github.com/ramiqadoumi/go-fit-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-fit-flow/services/pipeline"
)

// Trigger runs manual passes. *scheduler.Scheduler implements it.
type Trigger interface {
	TriggerNow(ctx context.Context) (pipeline.PassResult, error)
	TryTriggerNow(ctx context.Context) (pipeline.PassResult, error)
}

// EngineStatus reports sync health. *ingest.Engine implements it.
type EngineStatus interface {
	Status() ingest.Status
}

// TotalsReader reads local progress. *progress.Tracker implements it.
type TotalsReader interface {
	Totals(ctx context.Context) (progress.Totals, error)
}

// QueueReader inspects the retry queue. *queue.Queue implements it.
type QueueReader interface {
	Stats(ctx context.Context) (domain.QueueStats, error)
	Items(ctx context.Context, state domain.QueueState) ([]domain.QueueItem, error)
}

// UnlockReader lists unlock records. *unlock.Notifier implements it.
type UnlockReader interface {
	Records(ctx context.Context) ([]domain.UnlockRecord, error)
}

// PreferenceStore reads and writes notification preferences.
// *notify.Preferences implements it.
type PreferenceStore interface {
	Get(ctx context.Context) (domain.NotificationPreferences, error)
	Save(ctx context.Context, prefs domain.NotificationPreferences) error
}

// LastPass returns the most recent pass result. (*pipeline.Pipeline).Last fits.
type LastPass func() (pipeline.PassResult, bool)

// Deps are the components the REST API reads from and drives.
type Deps struct {
	Trigger Trigger
	Engine  EngineStatus
	Totals  TotalsReader
	Queue   QueueReader
	Unlocks UnlockReader
	Prefs   PreferenceStore
	Last    LastPass
	// Limiter throttles POST /sync. Nil disables rate limiting.
	Limiter redisstore.RateLimiter
}

// REST handles HTTP requests for the fitflow status and trigger API.
type REST struct {
	Deps
	logger *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(deps Deps, logger *slog.Logger) *REST {
	return &REST{Deps: deps, logger: logger}
}

// StatusResponse is the GET /api/v1/status response body.
type StatusResponse struct {
	Sync     ingest.Status        `json:"sync"`
	Totals   progress.Totals      `json:"totals"`
	Level    xp.LevelInfo         `json:"level"`
	Queue    domain.QueueStats    `json:"queue"`
	LastPass *pipeline.PassResult `json:"last_pass,omitempty"`
}

// QueueResponse is the GET /api/v1/queue response body.
type QueueResponse struct {
	Stats domain.QueueStats  `json:"stats"`
	Items []domain.QueueItem `json:"items"`
}

// Status handles GET /api/v1/status.
func (h *REST) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totals, err := h.Totals.Totals(ctx)
	if err != nil {
		h.logger.Error("failed to read totals", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read totals")
		return
	}
	stats, err := h.Queue.Stats(ctx)
	if err != nil {
		h.logger.Error("failed to read queue stats", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}

	resp := StatusResponse{
		Sync:   h.Engine.Status(),
		Totals: totals,
		Level:  xp.LevelFor(totals.TotalXP),
		Queue:  stats,
	}
	if h.Last != nil {
		if last, ok := h.Last(); ok {
			resp.LastPass = &last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// QueueItems handles GET /api/v1/queue?state=PENDING.
func (h *REST) QueueItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := domain.QueueState(strings.ToUpper(r.URL.Query().Get("state")))
	switch state {
	case "", domain.QueueStatePending, domain.QueueStateInFlight, domain.QueueStateSucceeded, domain.QueueStateFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown state "+strconv.Quote(string(state)))
		return
	}

	items, err := h.Queue.Items(ctx, state)
	if err != nil {
		h.logger.Error("failed to list queue items", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	stats, err := h.Queue.Stats(ctx)
	if err != nil {
		h.logger.Error("failed to read queue stats", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	if items == nil {
		items = []domain.QueueItem{}
	}
	writeJSON(w, http.StatusOK, QueueResponse{Stats: stats, Items: items})
}

// Sync handles POST /api/v1/sync. By default it waits for a running pass to
// finish; ?wait=false answers 409 instead.
func (h *REST) Sync(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "api.sync")
	defer span.End()

	if h.Limiter != nil {
		allowed, retryAfter, err := h.Limiter.Allow(ctx, "sync")
		if err != nil {
			// Fail open: a limiter outage must not block manual syncs.
			h.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		} else if !allowed {
			telemetry.SyncRateLimitedTotal.Inc()
			secs := int(retryAfter.Round(time.Second).Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "sync rate limit exceeded")
			return
		}
	}

	wait := true
	if v := r.URL.Query().Get("wait"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "wait must be a boolean")
			return
		}
		wait = b
	}
	span.SetAttributes(attribute.Bool("sync.wait", wait))

	var (
		res pipeline.PassResult
		err error
	)
	if wait {
		res, err = h.Trigger.TriggerNow(ctx)
	} else {
		res, err = h.Trigger.TryTriggerNow(ctx)
	}

	var busy *domain.PassInProgressError
	switch {
	case errors.As(err, &busy):
		writeError(w, http.StatusConflict, busy.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "sync cancelled")
	case err != nil:
		// The pass ran but did not fully succeed; the result still says what happened.
		span.RecordError(err)
		span.SetStatus(codes.Error, "pass incomplete")
		h.logger.Warn("manual pass incomplete", slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// Unlocks handles GET /api/v1/unlocks.
func (h *REST) Unlocks(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Deps.Unlocks.Records(r.Context())
	if err != nil {
		h.logger.Error("failed to read unlock records", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read unlocks")
		return
	}
	if recs == nil {
		recs = []domain.UnlockRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetPreferences handles GET /api/v1/preferences.
func (h *REST) GetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.Prefs.Get(r.Context())
	if err != nil {
		h.logger.Error("failed to read preferences", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// PutPreferences handles PUT /api/v1/preferences.
func (h *REST) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs domain.NotificationPreferences
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := notify.ValidatePreferences(prefs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Prefs.Save(r.Context(), prefs); err != nil {
		h.logger.Error("failed to save preferences", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
