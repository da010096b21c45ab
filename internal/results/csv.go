package results

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/xkilldash9x/slotrunner/api/schemas"
)

// CSVHeader is the column layout of the results file.
var CSVHeader = []string{
	"timestamp", "run_id", "session_id", "subject", "name", "status",
	"reference", "error_kind", "error", "failed_step", "duration_ms",
}

// CSVSink appends one row per result. The header is written only when the
// file starts out empty, so runs accumulate in one file.
type CSVSink struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// NewCSVSink opens path for appending, creating it and its directory.
func NewCSVSink(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat results file: %w", err)
	}
	s := &CSVSink{f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.flush(CSVHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *CSVSink) flush(record []string) error {
	if err := s.w.Write(record); err != nil {
		return fmt.Errorf("failed to write csv record: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("failed to flush csv record: %w", err)
	}
	return nil
}

func (s *CSVSink) Write(_ context.Context, res schemas.SessionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush(csvRecord(res))
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.f.Close()
}

func csvRecord(r schemas.SessionResult) []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339),
		r.RunID,
		r.SessionID,
		r.Subject,
		r.Name,
		string(r.Status),
		r.Reference,
		string(r.ErrorKind),
		r.Error,
		r.FailedStep,
		strconv.FormatInt(r.Duration.Milliseconds(), 10),
	}
}
