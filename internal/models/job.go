package models

import (
	"fmt"
	"time"
)

// JobState represents the current state of a collector job.
type JobState string

const (
	JobIdle    JobState = "idle"    // JobIdle indicates the job exists but has not started polling
	JobRunning JobState = "running" // JobRunning indicates the job is polling on its configured interval
	JobBackoff JobState = "backoff" // JobBackoff indicates the job is polling on a backoff delay after failures
	JobStopped JobState = "stopped" // JobStopped indicates the job has terminated
)

// JobKey identifies a polling task: one provider, one symbol, one record kind
// and, for candles, one timeframe.
type JobKey struct {
	Provider  string     `json:"provider"`
	Symbol    string     `json:"symbol"`
	Kind      RecordKind `json:"kind"`
	Timeframe Timeframe  `json:"timeframe,omitempty"`
}

// String renders the key as provider/symbol/kind[/timeframe].
func (k JobKey) String() string {
	if k.Timeframe != "" {
		return fmt.Sprintf("%s/%s/%s/%s", k.Provider, k.Symbol, k.Kind, k.Timeframe)
	}
	return fmt.Sprintf("%s/%s/%s", k.Provider, k.Symbol, k.Kind)
}

// Topic returns the broadcast topic the job publishes to.
func (k JobKey) Topic() string {
	return Topic(k.Kind, k.Symbol, k.Timeframe)
}

// ErrorSummary is the operator-facing view of an error: kind and a short message.
type ErrorSummary struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// CollectorJob tracks the lifecycle of one polling task. It is not safe for
// concurrent use; the supervisor guards each job with its own lock.
type CollectorJob struct {
	ID                  string        `json:"id"`
	Key                 JobKey        `json:"key"`
	Interval            time.Duration `json:"interval"`
	State               JobState      `json:"state"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	LastAttemptAt       time.Time     `json:"last_attempt_at"`
	LastError           *ErrorSummary `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	NextDelay           time.Duration `json:"next_delay"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// NewCollectorJob creates a job in the Idle state.
func NewCollectorJob(id string, key JobKey, interval time.Duration) *CollectorJob {
	now := time.Now().UTC()
	return &CollectorJob{
		ID:        id,
		Key:       key,
		Interval:  interval,
		State:     JobIdle,
		NextDelay: interval,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the job definition.
func (j *CollectorJob) Validate() error {
	if j.ID == "" {
		return &ValidationError{Field: "id", Message: "job ID is required"}
	}
	if j.Key.Provider == "" {
		return &ValidationError{Field: "provider", Message: "provider is required"}
	}
	if j.Key.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol is required"}
	}
	if !j.Key.Kind.IsValid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("invalid record kind %q", j.Key.Kind)}
	}
	if j.Key.Kind == KindCandle && j.Key.Timeframe.Duration() == 0 {
		return &ValidationError{Field: "timeframe", Message: "candle jobs require a supported timeframe"}
	}
	if j.Interval <= 0 {
		return &ValidationError{Field: "interval", Message: "interval must be positive"}
	}
	return nil
}

// Start transitions Idle -> Running.
func (j *CollectorJob) Start() error {
	if j.State != JobIdle {
		return fmt.Errorf("cannot start job %s in state %s", j.ID, j.State)
	}
	j.setState(JobRunning)
	return nil
}

// RecordSuccess resets the failure count, clears the last error and returns a
// backed-off job to Running.
func (j *CollectorJob) RecordSuccess(at time.Time) {
	if j.State == JobStopped {
		return
	}
	j.LastSuccessAt = at.UTC()
	j.LastAttemptAt = at.UTC()
	j.ConsecutiveFailures = 0
	j.LastError = nil
	j.NextDelay = j.Interval
	j.setState(JobRunning)
}

// RecordFailure counts a failed tick. The job enters Backoff once threshold
// consecutive failures accumulate, or immediately when permanent is set.
// It reports whether the job is now in Backoff.
func (j *CollectorJob) RecordFailure(at time.Time, summary ErrorSummary, permanent bool, threshold int) bool {
	if j.State == JobStopped {
		return false
	}
	j.LastAttemptAt = at.UTC()
	j.ConsecutiveFailures++
	j.LastError = &summary
	if permanent || j.ConsecutiveFailures >= threshold {
		j.setState(JobBackoff)
		return true
	}
	j.touch()
	return j.State == JobBackoff
}

// Stop transitions from any state to Stopped.
func (j *CollectorJob) Stop() {
	j.setState(JobStopped)
}

func (j *CollectorJob) setState(state JobState) {
	j.State = state
	j.touch()
}

func (j *CollectorJob) touch() {
	j.UpdatedAt = time.Now().UTC()
}

// JobSnapshot is a point-in-time copy of a job for status queries.
type JobSnapshot struct {
	ID                  string        `json:"id"`
	Provider            string        `json:"provider"`
	Symbol              string        `json:"symbol"`
	Kind                RecordKind    `json:"kind"`
	Timeframe           Timeframe     `json:"timeframe,omitempty"`
	Topic               string        `json:"topic"`
	State               JobState      `json:"state"`
	Interval            string        `json:"interval"`
	EffectiveInterval   string        `json:"effective_interval"`
	LastSuccessAt       *time.Time    `json:"last_success_at,omitempty"`
	LastError           *ErrorSummary `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Snapshot copies the job into a JobSnapshot.
func (j *CollectorJob) Snapshot() JobSnapshot {
	s := JobSnapshot{
		ID:                  j.ID,
		Provider:            j.Key.Provider,
		Symbol:              j.Key.Symbol,
		Kind:                j.Key.Kind,
		Timeframe:           j.Key.Timeframe,
		Topic:               j.Key.Topic(),
		State:               j.State,
		Interval:            j.Interval.String(),
		EffectiveInterval:   j.NextDelay.String(),
		ConsecutiveFailures: j.ConsecutiveFailures,
	}
	if !j.LastSuccessAt.IsZero() {
		t := j.LastSuccessAt
		s.LastSuccessAt = &t
	}
	if j.LastError != nil {
		e := *j.LastError
		s.LastError = &e
	}
	return s
}
