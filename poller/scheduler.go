// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package poller

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Fetcher issues a single status request for an analysis job and returns
// the reported status along with the raw payload.
type Fetcher interface {
	Status(ctx context.Context, id string) (string, []byte, error)
}

// Clock waits between ticks. Wait returns early with ctx.Err() if ctx is
// cancelled, stopping any pending timer.
type Clock interface {
	Wait(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Update is emitted after every tick.
type Update struct {
	JobID   string
	Attempt int
	// Status is the last status the backend reported.
	Status   Status
	Progress int
	Action   Action
	Delay    time.Duration
	Err      error
}

// Result is the terminal outcome of a job.
type Result struct {
	Status   Status
	Payload  []byte
	Attempts int
	Progress int
}

// Scheduler polls one job at a time on a fixed cadence.
type Scheduler struct {
	Fetcher Fetcher
	Clock   Clock
	Config  Config
}

// NewScheduler returns a Scheduler using the wall clock.
func NewScheduler(f Fetcher, cfg Config) *Scheduler {
	return &Scheduler{
		Fetcher: f,
		Clock:   RealClock,
		Config:  cfg.withDefaults(),
	}
}

// Poll requests the status of job until it completes, fails or times out.
// notify, if not nil, is called after each tick with a progress value that
// never decreases. If ctx is cancelled Poll returns ctx.Err() without
// calling notify again; a response arriving after cancellation is dropped.
func (s *Scheduler) Poll(ctx context.Context, job *Job, notify func(Update)) (Result, error) {
	cfg := s.Config.withDefaults()
	clock := s.Clock
	if clock == nil {
		clock = RealClock
	}
	l := log.WithFields(log.Fields{
		"component": "poller",
		"job":       job.ID,
	})

	var progress int
	lastStatus := Queued
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		attempt := job.Attempt
		status, payload, err := s.Fetcher.Status(ctx, job.ID)
		if ctx.Err() != nil {
			l.Debugf("dropping response for cancelled job")
			return Result{}, ctx.Err()
		}
		obs := Observation{Status: Status(status), Err: err}
		if err == nil {
			if obs.Status == "" {
				obs.Status = Unknown
			}
			lastStatus = obs.Status
		}
		d := Decide(cfg, attempt, obs)
		if d.Progress > progress {
			progress = d.Progress
		}
		job.Attempt++

		if err != nil {
			l.Warnf("status request %d failed: %s", attempt+1, err)
		} else {
			l.Debugf("status request %d: %s", attempt+1, obs.Status)
		}
		if notify != nil {
			notify(Update{
				JobID:    job.ID,
				Attempt:  job.Attempt,
				Status:   lastStatus,
				Progress: progress,
				Action:   d.Action,
				Delay:    d.Delay,
				Err:      err,
			})
		}

		switch d.Action {
		case Resolve:
			return Result{Status: Completed, Payload: payload, Attempts: job.Attempt, Progress: progress}, nil
		case Fail:
			return Result{Status: Error, Payload: payload, Attempts: job.Attempt, Progress: progress}, d.Err
		case GiveUp:
			l.Infof("giving up after %d status requests", job.Attempt)
			return Result{Status: Timeout, Payload: payload, Attempts: job.Attempt, Progress: progress}, d.Err
		}

		if err := clock.Wait(ctx, d.Delay); err != nil {
			return Result{}, err
		}
	}
}
