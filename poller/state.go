// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

// Package poller tracks asynchronous analysis jobs until they reach a
// terminal state.
package poller

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/DCSO/scanwatch/indicator"
)

// Status is the lifecycle state of an analysis.
type Status string

// Statuses reported by the backend.
const (
	Uploading  Status = "uploading"
	Queued     Status = "queued"
	Running    Status = "running"
	InProgress Status = "in-progress"
	Pending    Status = "pending"
	Analyzing  Status = "analyzing"
	Completed  Status = "completed"
	Timeout    Status = "timeout"
	Error      Status = "error"
	Unknown    Status = "unknown"
)

// Statuses only ever set by the investigation controller.
const (
	Idle      Status = "idle"
	Lookup    Status = "lookup"
	Resolving Status = "resolving"
)

// InFlight reports whether s is one of the known non-terminal statuses.
func (s Status) InFlight() bool {
	switch s {
	case Queued, Running, InProgress, Pending, Analyzing:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == Completed || s == Timeout || s == Error
}

// Job is a handle to a server side asynchronous scan.
type Job struct {
	ID string
	// FollowUpKind is the kind of object the job resolves to.
	FollowUpKind indicator.Kind
	// Attempt counts the status requests made so far.
	Attempt int
}

// NewJob returns a job that has not been polled yet.
func NewJob(id string, followUp indicator.Kind) *Job {
	return &Job{ID: id, FollowUpKind: followUp}
}

// ErrTimeout is returned when the attempt ceiling is reached while the job
// is still in flight.
var ErrTimeout = errors.New("timed out waiting for results")

// UnexpectedStatusError is returned when the backend reports a status
// outside the known vocabulary.
type UnexpectedStatusError struct {
	Status Status
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("backend returned unexpected analysis status %q", string(e.Status))
}

// Config controls the polling cadence.
type Config struct {
	// Interval is the nominal delay between status requests.
	Interval time.Duration
	// MaxAttempts is the maximum number of status requests per job.
	MaxAttempts int
	// MaxBackoffFactor caps rate limit delays at this multiple of Interval.
	MaxBackoffFactor int
	// DefaultRetryAfter is used when a 429 carries no usable Retry-After.
	DefaultRetryAfter time.Duration
	// TolerateUnknown keeps polling on unrecognised statuses instead of
	// failing the job.
	TolerateUnknown bool
}

// DefaultConfig returns the stock polling configuration.
func DefaultConfig() Config {
	return Config{
		Interval:          6 * time.Second,
		MaxAttempts:       120,
		MaxBackoffFactor:  5,
		DefaultRetryAfter: 15 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxBackoffFactor <= 0 {
		c.MaxBackoffFactor = d.MaxBackoffFactor
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = d.DefaultRetryAfter
	}
	return c
}

// Progress is the estimate reported after the given zero based attempt.
func Progress(attempt, maxAttempts int) int {
	if maxAttempts <= 0 {
		maxAttempts = DefaultConfig().MaxAttempts
	}
	p := 25 + int(math.Round(float64(attempt+1)/float64(maxAttempts)*60))
	if p > 95 {
		return 95
	}
	return p
}

// Progress floors for the later stages of an investigation.
const (
	ProgressResolving = 92
	ProgressDone      = 100
)

// Action is what the scheduler does after a tick.
type Action int

const (
	// Reschedule issues another status request after Decision.Delay.
	Reschedule Action = iota
	// Resolve hands the completed payload to the reconciler.
	Resolve
	// Fail ends the job with Decision.Err.
	Fail
	// GiveUp ends the job with ErrTimeout.
	GiveUp
)

func (a Action) String() string {
	switch a {
	case Reschedule:
		return "reschedule"
	case Resolve:
		return "resolve"
	case Fail:
		return "fail"
	case GiveUp:
		return "give up"
	}
	return "invalid"
}

// Observation is the outcome of one status request: either a status or a
// transport/backend error.
type Observation struct {
	Status Status
	Err    error
}

// Decision is the result of the transition function.
type Decision struct {
	Action Action
	// Delay before the next request. Only meaningful for Reschedule.
	Delay time.Duration
	// Progress is the candidate progress value, 0 if unchanged.
	Progress int
	Err      error
}

// rateLimiter is implemented by errors that stem from a 429 response.
type rateLimiter interface {
	RateLimited() (retryAfterSeconds int, limited bool)
}

// Decide is the pure transition function of the polling state machine.
// attempt is the zero based index of the request that produced obs.
func Decide(cfg Config, attempt int, obs Observation) Decision {
	cfg = cfg.withDefaults()
	last := attempt+1 >= cfg.MaxAttempts

	if obs.Err != nil {
		if last {
			return Decision{Action: Fail, Progress: ProgressDone, Err: obs.Err}
		}
		var rl rateLimiter
		if errors.As(obs.Err, &rl) {
			if secs, limited := rl.RateLimited(); limited {
				return Decision{Action: Reschedule, Delay: cfg.rateLimitDelay(secs), Err: obs.Err}
			}
		}
		return Decision{
			Action:   Reschedule,
			Delay:    cfg.Interval,
			Progress: Progress(attempt, cfg.MaxAttempts),
			Err:      obs.Err,
		}
	}

	status := obs.Status
	if status == "" {
		status = Unknown
	}
	switch {
	case status == Completed:
		return Decision{Action: Resolve, Progress: ProgressResolving}
	case status.InFlight() || (cfg.TolerateUnknown && !status.Terminal()):
		if last {
			return Decision{Action: GiveUp, Progress: ProgressDone, Err: ErrTimeout}
		}
		return Decision{
			Action:   Reschedule,
			Delay:    cfg.Interval,
			Progress: Progress(attempt, cfg.MaxAttempts),
		}
	}
	return Decision{Action: Fail, Progress: ProgressDone, Err: &UnexpectedStatusError{Status: status}}
}

func (c Config) rateLimitDelay(retryAfterSeconds int) time.Duration {
	ceiling := time.Duration(c.MaxBackoffFactor) * c.Interval
	d := c.DefaultRetryAfter
	if retryAfterSeconds > 0 {
		if int64(retryAfterSeconds) > int64(ceiling/time.Second) {
			return ceiling
		}
		d = time.Duration(retryAfterSeconds) * time.Second
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
