package schemas

import (
	"context"
	"errors"
	"time"
)

// Status is the terminal state of one session.
type Status string

const (
	StatusBooked               Status = "booked"
	StatusSubmittedUnconfirmed Status = "submitted_unconfirmed"
	StatusFailed               Status = "failed"
)

// ErrorKind classifies why a session failed. It is empty for sessions that
// did not fail.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindLocatorNotFound     ErrorKind = "locator_not_found"
	KindChallengeTimeout    ErrorKind = "challenge_timeout"
	KindStepAdvanceFailed   ErrorKind = "step_advance_failed"
	KindTransportFault      ErrorKind = "transport_fault"
	KindLoginFailed         ErrorKind = "login_failed"
	KindAvailabilityExpired ErrorKind = "availability_expired"
	KindPanic               ErrorKind = "panic"
	KindCancelled           ErrorKind = "cancelled"
)

// Sentinel errors shared across the engine. Components wrap them with
// fmt.Errorf("...: %w") so Classify can recover the kind.
var (
	ErrLocatorNotFound     = errors.New("locator not found")
	ErrChallengeTimeout    = errors.New("challenge did not clear")
	ErrStepAdvanceFailed   = errors.New("step advance failed")
	ErrTransportFault      = errors.New("browser transport fault")
	ErrLoginFailed         = errors.New("login failed")
	ErrAvailabilityExpired = errors.New("no availability within poll window")
	ErrSessionPanic        = errors.New("session panicked")
)

// Classify maps an error chain onto an ErrorKind. A challenge timeout wins
// over the step failure it caused, since it is the more useful diagnosis.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSessionPanic):
		return KindPanic
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrChallengeTimeout):
		return KindChallengeTimeout
	case errors.Is(err, ErrLoginFailed):
		return KindLoginFailed
	case errors.Is(err, ErrAvailabilityExpired):
		return KindAvailabilityExpired
	case errors.Is(err, ErrStepAdvanceFailed):
		return KindStepAdvanceFailed
	case errors.Is(err, ErrLocatorNotFound):
		return KindLocatorNotFound
	default:
		return KindTransportFault
	}
}

// SessionResult is the outcome of one SessionRunner. It is created once when
// the runner returns and is never modified afterwards.
type SessionResult struct {
	RunID      string        `json:"run_id,omitempty"`
	SessionID  string        `json:"session_id"`
	Subject    string        `json:"subject"`
	Name       string        `json:"name"`
	Ordinal    int           `json:"ordinal"`
	Status     Status        `json:"status"`
	Reference  string        `json:"reference,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	FailedStep string        `json:"failed_step,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
}

// NewFailedResult builds a Failed result from an error.
func NewFailedResult(subject Subject, sessionID, step string, err error) SessionResult {
	r := SessionResult{
		SessionID:  sessionID,
		Subject:    subject.Identifier(),
		Name:       subject.Name(),
		Ordinal:    subject.Ordinal(),
		Status:     StatusFailed,
		ErrorKind:  Classify(err),
		FailedStep: step,
		Timestamp:  time.Now().UTC(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// PollBasis records which rule decided a PollOutcome.
type PollBasis string

const (
	BasisNone             PollBasis = "none"
	BasisNegativePhrase   PollBasis = "negative_phrase"
	BasisPositiveSelector PollBasis = "positive_selector"
	BasisPositivePhrase   PollBasis = "positive_phrase"
)

// PollOutcome is one availability sample. It only lives long enough to be
// logged.
type PollOutcome struct {
	Available  bool      `json:"available"`
	Basis      PollBasis `json:"basis"`
	Match      string    `json:"match,omitempty"`
	SlotCount  int       `json:"slot_count,omitempty"`
	Cycle      int       `json:"cycle"`
	ObservedAt time.Time `json:"observed_at"`
}

// RunSummary aggregates every result of one run, in completion order.
type RunSummary struct {
	RunID     string          `json:"run_id"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Total     int             `json:"total"`
	Counts    map[Status]int  `json:"counts"`
	Results   []SessionResult `json:"results"`
}

// NewRunSummary freezes results into a summary. The slice is copied.
func NewRunSummary(runID string, started time.Time, results []SessionResult) RunSummary {
	rs := RunSummary{
		RunID:     runID,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Total:     len(results),
		Counts: map[Status]int{
			StatusBooked:               0,
			StatusSubmittedUnconfirmed: 0,
			StatusFailed:               0,
		},
		Results: make([]SessionResult, len(results)),
	}
	copy(rs.Results, results)
	for _, r := range results {
		rs.Counts[r.Status]++
	}
	return rs
}
