package results

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xkilldash9x/slotrunner/api/schemas"
)

// SummaryFile writes each run summary to its own
// booking_summary_<timestamp>.json in Dir.
type SummaryFile struct {
	Dir string
}

// Path returns where summary is written.
func (s SummaryFile) Path(summary schemas.RunSummary) string {
	return filepath.Join(s.Dir, fmt.Sprintf("booking_summary_%s.json", summary.StartedAt.UTC().Format("20060102_150405")))
}

func (s SummaryFile) WriteSummary(_ context.Context, summary schemas.RunSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create summary directory: %w", err)
	}
	if err := os.WriteFile(s.Path(summary), data, 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

func (SummaryFile) Write(context.Context, schemas.SessionResult) error { return nil }
func (SummaryFile) Close() error                                       { return nil }
