package models

import (
	"fmt"
	"math"
	"time"
)

// SourceType identifies the kind of external origin a Source is polled from.
type SourceType string

const (
	SourceTypeSpreadsheet SourceType = "spreadsheet"
	SourceTypeDatabase    SourceType = "database"
	SourceTypeForm        SourceType = "form"
)

// SourceTypes lists every accepted source type.
var SourceTypes = []SourceType{SourceTypeSpreadsheet, SourceTypeDatabase, SourceTypeForm}

// ParseSourceType validates s against the closed set of source types.
func ParseSourceType(s string) (SourceType, error) {
	for _, t := range SourceTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSourceType, s)
}

const (
	// DefaultJitter is applied to newly registered sources unless configured otherwise.
	DefaultJitter = 0.10

	MinPollInterval = time.Second
	MaxPollInterval = 24 * time.Hour

	maxBackoffExponent = 10
)

// Source is one external origin polled on an adaptive schedule.
type Source struct {
	ID                   string         `json:"id"`
	Type                 SourceType     `json:"type"`
	ExternalID           string         `json:"external_id"`
	Cursor               string         `json:"cursor,omitempty"`
	PollInterval         time.Duration  `json:"poll_interval"`
	Jitter               float64        `json:"jitter"`
	NextPollAt           time.Time      `json:"next_poll_at"`
	LastPollAttemptedAt  *time.Time     `json:"last_poll_attempted_at,omitempty"`
	LastSuccessfulPollAt *time.Time     `json:"last_successful_poll_at,omitempty"`
	ConsecutiveFailures  int            `json:"consecutive_failures"`
	ErrorDetail          map[string]any `json:"error_detail,omitempty"`
	Version              int64          `json:"version"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// NextIntervalWithJitter returns base*(1+u*j) with u uniform in [-1,1] and j the
// jitter fraction clamped to [0,1]. The result is clamped to [1s, 24h].
// rnd must return values in [0,1); nil means no jitter.
func (s *Source) NextIntervalWithJitter(rnd func() float64) time.Duration {
	j := math.Min(math.Max(s.Jitter, 0), 1)
	u := 0.0
	if rnd != nil {
		u = rnd()*2 - 1
	}
	secs := s.PollInterval.Seconds() * (1 + u*j)
	secs = math.Min(math.Max(secs, MinPollInterval.Seconds()), MaxPollInterval.Seconds())
	return time.Duration(secs * float64(time.Second))
}

// ReserveFrom moves NextPollAt to now plus a jittered interval and returns the
// previous value, which callers use as the compare-and-swap guard.
func (s *Source) ReserveFrom(now time.Time, rnd func() float64) time.Time {
	prev := s.NextPollAt
	s.NextPollAt = now.Add(s.NextIntervalWithJitter(rnd))
	return prev
}

// MarkAttempt records the attempt time. Scheduling is untouched.
func (s *Source) MarkAttempt(now time.Time) {
	t := now
	s.LastPollAttemptedAt = &t
}

// MarkSuccess resets the failure streak and clears the error detail.
func (s *Source) MarkSuccess(now time.Time) {
	t := now
	s.ConsecutiveFailures = 0
	s.ErrorDetail = nil
	s.LastSuccessfulPollAt = &t
}

// MarkFailure applies exponential backoff capped at maxBackoff. NextPollAt
// never moves earlier than its current value.
func (s *Source) MarkFailure(now time.Time, detail map[string]any, maxBackoff time.Duration) {
	s.ConsecutiveFailures++
	s.ErrorDetail = detail

	n := s.ConsecutiveFailures
	if n > maxBackoffExponent {
		n = maxBackoffExponent
	}
	penalty := max(int64(1)<<n, 1)

	delay := time.Duration(penalty) * s.PollInterval
	if maxBackoff > 0 && delay > maxBackoff {
		delay = maxBackoff
	}

	from := s.NextPollAt
	if now.After(from) {
		from = now
	}
	s.NextPollAt = from.Add(delay)
}

// DueAt reports whether the source may be polled at now.
func (s *Source) DueAt(now time.Time) bool {
	return !s.NextPollAt.After(now)
}
