package healthsource

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/kafka"
)

const defaultKafkaBatch = 500

// KafkaSource reads workouts the wearable bridge published to one topic
// partition. The anchor is the next offset to read.
type KafkaSource struct {
	reader kafka.PartitionReader
	batch  int
	logger *slog.Logger
}

// NewKafkaSource returns a Source over reader. batch caps how many samples a
// single pull returns; the remainder is picked up on the next window.
func NewKafkaSource(reader kafka.PartitionReader, batch int, logger *slog.Logger) *KafkaSource {
	if batch <= 0 {
		batch = defaultKafkaBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{reader: reader, batch: batch, logger: logger}
}

func (s *KafkaSource) Name() string { return "kafka" }

func (s *KafkaSource) SamplesSince(ctx context.Context, anchor string) ([]domain.WorkoutRecord, string, error) {
	var offset int64
	if anchor != "" {
		n, err := strconv.ParseInt(anchor, 10, 64)
		if err != nil {
			s.logger.Warn("unreadable kafka anchor, reading from oldest offset", slog.String("anchor", anchor))
		} else {
			offset = n
		}
	}

	msgs, next, err := s.reader.ReadFrom(ctx, offset, s.batch)
	if err != nil {
		if errors.Is(err, kafka.ErrNoBroker) {
			return nil, anchor, &domain.SourceUnavailableError{Source: s.Name(), Err: err}
		}
		return nil, anchor, &domain.TransientQueryError{Source: s.Name(), Err: err}
	}

	records := make([]domain.WorkoutRecord, 0, len(msgs))
	for _, m := range msgs {
		var rec domain.WorkoutRecord
		if err := json.Unmarshal(m.Value, &rec); err != nil {
			attrs := []any{slog.Int64("offset", m.Offset), slog.String("error", err.Error())}
			if m.Ctx != nil {
				if sc := trace.SpanContextFromContext(m.Ctx); sc.HasTraceID() {
					attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
				}
			}
			s.logger.Warn("malformed workout message, skipping", attrs...)
			continue
		}
		records = append(records, rec)
	}
	return records, strconv.FormatInt(next, 10), nil
}
