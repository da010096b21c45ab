package results

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/slotrunner/api/schemas"
)

func sampleResult(subject string, status schemas.Status) schemas.SessionResult {
	return schemas.SessionResult{
		RunID:     "run-1",
		SessionID: "sess-" + subject,
		Subject:   subject,
		Name:      "Ana Silva",
		Status:    status,
		Timestamp: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
	}
}

func TestCSVSink_AppendsAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "booking_results.csv")
	ctx := context.Background()

	booked := sampleResult("a@example.test", schemas.StatusBooked)
	booked.Reference = "GNB123456"
	failed := sampleResult("b@example.test", schemas.StatusFailed)
	failed.ErrorKind = schemas.KindLocatorNotFound
	failed.Error = "step category_selection: required field centre: locator not found"
	failed.FailedStep = "category_selection"

	s, err := NewCSVSink(path)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, booked))
	require.NoError(t, s.Close())

	s, err = NewCSVSink(path)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, failed))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3, "one header and two rows")
	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, []string{
		"2026-03-01T09:30:00Z", "run-1", "sess-a@example.test", "a@example.test", "Ana Silva",
		"booked", "GNB123456", "", "", "", "1500",
	}, rows[1])
	assert.Equal(t, "locator_not_found", rows[2][7])
	assert.Equal(t, "category_selection", rows[2][9])
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "booking_results.jsonl")
	ctx := context.Background()
	s, err := NewJSONLSink(path)
	require.NoError(t, err)

	unconfirmed := sampleResult("a@example.test", schemas.StatusSubmittedUnconfirmed)
	require.NoError(t, s.Write(ctx, unconfirmed))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"reference"`, "empty reference is omitted")
	assert.NotContains(t, string(data), `"error"`)

	got, err := DecodeLine(data[:len(data)-1])
	require.NoError(t, err)
	if diff := cmp.Diff(unconfirmed, got); diff != "" {
		t.Errorf("decoded result mismatch (-want +got):\n%s", diff)
	}
}

type recordingSink struct {
	got     []schemas.SessionResult
	err     error
	closed  bool
	summary *schemas.RunSummary
}

func (r *recordingSink) Write(_ context.Context, res schemas.SessionResult) error {
	r.got = append(r.got, res)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return r.err
}

func (r *recordingSink) WriteSummary(_ context.Context, s schemas.RunSummary) error {
	r.summary = &s
	return nil
}

func TestMulti(t *testing.T) {
	boom := errors.New("disk full")
	bad := &recordingSink{err: boom}
	good := &recordingSink{}
	m := Multi{bad, good, Discard{}}

	err := m.Write(context.Background(), sampleResult("a", schemas.StatusBooked))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.got, 1, "a failing sink does not starve the rest")

	summary := schemas.NewRunSummary("run-1", time.Now(), good.got)
	require.NoError(t, m.WriteSummary(context.Background(), summary))
	require.NotNil(t, good.summary)
	assert.Equal(t, 1, good.summary.Counts[schemas.StatusBooked])

	assert.ErrorIs(t, m.Close(), boom)
	assert.True(t, good.closed)
}

func TestSummaryFile(t *testing.T) {
	dir := t.TempDir()
	sf := SummaryFile{Dir: dir}
	started := time.Date(2026, 3, 1, 9, 30, 5, 0, time.UTC)
	summary := schemas.NewRunSummary("run-1", started, []schemas.SessionResult{
		sampleResult("a", schemas.StatusBooked),
		sampleResult("b", schemas.StatusFailed),
		sampleResult("c", schemas.StatusFailed),
	})

	require.NoError(t, sf.WriteSummary(context.Background(), summary))

	path := sf.Path(summary)
	assert.Equal(t, filepath.Join(dir, "booking_summary_20260301_093005.json"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var back schemas.RunSummary
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 3, back.Total)
	assert.Equal(t, 2, back.Counts[schemas.StatusFailed])
	assert.Equal(t, 0, back.Counts[schemas.StatusSubmittedUnconfirmed])
}

func TestFollow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "booking_results.jsonl")
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)
	defer sink.Close()
	require.NoError(t, sink.Write(context.Background(), sampleResult("old", schemas.StatusFailed)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan schemas.SessionResult, 4)
	var bad []string
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, path, FollowOptions{FromStart: true, Poll: true, OnBadLine: func(line string, _ error) {
			bad = append(bad, line)
		}}, func(r schemas.SessionResult) { got <- r })
	}()

	assert.Equal(t, "old", (<-got).Subject)

	_, err = sink.f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, sink.Write(context.Background(), sampleResult("new", schemas.StatusBooked)))

	select {
	case r := <-got:
		assert.Equal(t, "new", r.Subject)
		assert.Equal(t, schemas.StatusBooked, r.Status)
	case <-ctx.Done():
		t.Fatal("appended result never arrived")
	}

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"not json"}, bad)
}
