package healthsource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
)

// maxLineBytes bounds a single export line. Longer lines are skipped.
const maxLineBytes = 1 << 20

// FileSource reads a JSON-lines export that the wearable bridge appends to.
// The anchor is the number of newline-terminated lines already consumed; a
// trailing line without its newline is still being written and is left for
// the next read.
type FileSource struct {
	path    string
	maxLine int
	logger  *slog.Logger
}

// NewFileSource returns a Source over the JSONL file at path.
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{path: path, maxLine: maxLineBytes, logger: logger}
}

func (s *FileSource) Name() string { return "file" }

func (s *FileSource) SamplesSince(ctx context.Context, anchor string) ([]domain.WorkoutRecord, string, error) {
	skip := 0
	if anchor != "" {
		n, err := strconv.Atoi(anchor)
		if err != nil || n < 0 {
			s.logger.Warn("unreadable file anchor, rereading export",
				slog.String("anchor", anchor),
			)
		} else {
			skip = n
		}
	}

	f, err := os.Open(s.path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return nil, anchor, &domain.AuthorizationDeniedError{Scope: "health export " + s.path}
		case errors.Is(err, fs.ErrNotExist):
			return nil, anchor, &domain.SourceUnavailableError{Source: s.Name(), Err: err}
		default:
			return nil, anchor, &domain.TransientQueryError{Source: s.Name(), Err: err}
		}
	}
	defer f.Close()

	var (
		records []domain.WorkoutRecord
		line    int
	)
	br := bufio.NewReaderSize(f, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, anchor, &domain.TransientQueryError{Source: s.Name(), Err: err}
		}
		raw, complete, oversized, err := readLine(br, s.maxLine)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, anchor, &domain.TransientQueryError{Source: s.Name(), Err: fmt.Errorf("read %s: %w", s.path, err)}
		}
		if !complete {
			if len(raw) > 0 || oversized {
				s.logger.Debug("export tail not terminated yet, leaving it for the next read",
					slog.Int("line", line+1),
				)
			}
			break
		}
		line++
		if line <= skip {
			continue
		}
		if oversized {
			s.logger.Warn("workout line too long, skipping",
				slog.Int("line", line),
				slog.Int("limit_bytes", s.maxLine),
			)
			continue
		}
		if len(raw) == 0 {
			continue
		}
		var rec domain.WorkoutRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("malformed workout line, skipping",
				slog.Int("line", line),
				slog.String("error", err.Error()),
			)
			continue
		}
		records = append(records, rec)
	}

	if line < skip {
		// The export was truncated or rotated. Start over; the dedup gate
		// absorbs everything already seen.
		s.logger.Warn("export shorter than anchor, rereading from start",
			slog.Int("lines", line),
			slog.Int("anchor", skip),
		)
		return s.SamplesSince(ctx, "")
	}
	return records, strconv.Itoa(line), nil
}

// readLine reads up to and including the next newline. complete is false when
// the input ended first. Lines longer than limit are drained but not returned.
func readLine(r *bufio.Reader, limit int) (line []byte, complete, oversized bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > limit+1 {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
			return bytes.TrimRight(line, "\r\n"), true, oversized, nil
		default:
			return line, false, oversized, err
		}
	}
}
