// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

// Package investigation owns the single active investigation: it submits a
// query, polls the resulting job, resolves the follow-up lookup and records
// the outcome.
package investigation

import (
	"context"
	"errors"
	"sync"

	"github.com/DCSO/scanwatch/gateway"
	"github.com/DCSO/scanwatch/history"
	"github.com/DCSO/scanwatch/indicator"
	"github.com/DCSO/scanwatch/poller"
	"github.com/DCSO/scanwatch/reconcile"
	"github.com/DCSO/scanwatch/report"
	log "github.com/sirupsen/logrus"
)

// Progress values of the submission stages.
const (
	ProgressUploading   = 5
	ProgressSubmitted   = 25
	ProgressLookupStart = 45
)

// ErrNothingToRetry is returned by Retry before the first submission.
var ErrNothingToRetry = errors.New("no previous submission to retry")

// Gateway is the backend as seen by the controller.
type Gateway interface {
	Submit(ctx context.Context, q indicator.Query) (gateway.Outcome, error)
	Lookup(ctx context.Context, value string, kind indicator.Kind, display string) (*report.Report, error)
	poller.Fetcher
}

// Recorder stores finished investigations.
type Recorder interface {
	Record(r *report.Report, c history.Context) (history.Entry, bool)
}

// State is a snapshot of the active investigation.
type State struct {
	Query    indicator.Query
	JobID    string
	Status   poller.Status
	Progress int
	Report   *report.Report
	Err      error
	Loading  bool
	// Generation identifies the submission the state belongs to.
	Generation uint64
}

// Done reports whether the investigation reached a terminal state.
func (s State) Done() bool {
	return !s.Loading && s.Status.Terminal()
}

// Result is handed to finish hooks once per investigation.
type Result struct {
	State State
	// Submitted is the query as it was submitted, including the local file
	// path of uploads.
	Submitted indicator.Query
	Entry     history.Entry
	Recorded  bool
}

// Controller runs at most one investigation at a time. Starting a new one,
// retrying or clearing cancels the previous investigation; its late results
// are dropped.
type Controller struct {
	Gateway  Gateway
	Recorder Recorder
	Poll     poller.Config
	// Clock overrides the scheduler's wall clock.
	Clock poller.Clock

	mu        sync.Mutex
	state     State
	submitted indicator.Query
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	subs      []func(State)
	hooks     []func(Result)
	notifyMu  sync.Mutex
	l         *log.Entry
}

// MakeController returns an idle controller. rec may be nil.
func MakeController(gw Gateway, rec Recorder, cfg poller.Config) *Controller {
	return &Controller{
		Gateway:  gw,
		Recorder: rec,
		Poll:     cfg,
		state:    State{Status: poller.Idle},
		l: log.WithFields(log.Fields{
			"component": "investigation",
		}),
	}
}

// Subscribe registers f to be called with every state change.
func (c *Controller) Subscribe(f func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, f)
}

// OnFinish registers f to be called once for every investigation that
// reaches a terminal state without being cancelled.
func (c *Controller) OnFinish(f func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, f)
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start cancels any running investigation and starts q in the background.
// It returns the generation of the new investigation.
func (c *Controller) Start(ctx context.Context, q indicator.Query) uint64 {
	gen, _ := c.start(ctx, q)
	return gen
}

// Run starts q and waits for it to finish. It returns the final state and
// its error; if the investigation is superseded the state of the newer one
// is returned.
func (c *Controller) Run(ctx context.Context, q indicator.Query) (State, error) {
	_, done := c.start(ctx, q)
	<-done
	s := c.State()
	return s, s.Err
}

// Wait blocks until the current investigation has stopped.
func (c *Controller) Wait() State {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	return c.State()
}

// Retry submits the last submitted query again.
func (c *Controller) Retry(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	q := c.submitted
	c.mu.Unlock()
	if q.Empty() {
		return 0, ErrNothingToRetry
	}
	return c.Start(ctx, q), nil
}

// Clear cancels the running investigation and resets the state to idle.
func (c *Controller) Clear() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.submitted = indicator.Query{}
	c.state = State{Status: poller.Idle, Generation: c.gen}
	s := c.state
	c.mu.Unlock()
	c.publish(s)
}

func (c *Controller) start(ctx context.Context, q indicator.Query) (uint64, chan struct{}) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.done = done
	c.submitted = q
	s := State{Query: q, Loading: true, Generation: gen}
	if q.Kind.Lookup() {
		s.Status = poller.Lookup
		s.Progress = ProgressLookupStart
	} else {
		s.Status = poller.Uploading
		s.Progress = ProgressUploading
	}
	c.state = s
	c.mu.Unlock()

	started.WithLabelValues(string(q.Kind)).Inc()
	c.publish(s)
	go func() {
		defer close(done)
		defer cancel()
		c.run(runCtx, gen, q)
	}()
	return gen, done
}

func (c *Controller) run(ctx context.Context, gen uint64, q indicator.Query) {
	l := c.l.WithFields(log.Fields{
		"generation": gen,
		"kind":       q.Kind,
	})
	l.Debugf("submitting %q", q.DisplayLabel)

	out, err := c.Gateway.Submit(ctx, q)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		l.Warnf("submission failed: %s", err)
		c.fail(gen, q, poller.Error, err)
		return
	}
	if out.Report != nil {
		c.complete(gen, q, q, out.Report, "", "")
		return
	}
	if out.Job == nil {
		c.fail(gen, q, poller.Error, gateway.ErrNoAnalysisID)
		return
	}

	job := out.Job
	l = l.WithField("job", job.ID)
	c.update(gen, func(s *State) {
		s.JobID = job.ID
		s.Status = poller.Queued
		s.Progress = ProgressSubmitted
	})

	sched := poller.NewScheduler(c.Gateway, c.Poll)
	if c.Clock != nil {
		sched.Clock = c.Clock
	}
	res, err := sched.Poll(ctx, job, func(u poller.Update) {
		c.observe(u)
		switch u.Action {
		case poller.Reschedule:
			c.update(gen, func(s *State) {
				s.Status = u.Status
				s.Progress = u.Progress
			})
		case poller.Resolve:
			c.update(gen, func(s *State) {
				s.Status = poller.Resolving
				s.Progress = u.Progress
			})
		}
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		status := poller.Error
		if errors.Is(err, poller.ErrTimeout) {
			status = poller.Timeout
		}
		l.Warnf("analysis did not complete: %s", err)
		c.fail(gen, q, status, err)
		return
	}

	resolution := reconcile.Resolve(job.FollowUpKind, q, res.Payload)
	if !resolution.Resolved() {
		l.Info("analysis names no object, using the analysis payload as report")
		followUps.WithLabelValues(string(job.FollowUpKind), "unresolved").Inc()
		r, perr := report.Parse(res.Payload)
		if perr != nil {
			c.fail(gen, q, poller.Error, perr)
			return
		}
		fq := q
		fq.DisplayLabel = resolution.DisplayLabel
		c.complete(gen, q, fq, r, resolution.Summary, job.ID)
		return
	}

	fq := resolution.Query()
	c.update(gen, func(s *State) {
		s.JobID = ""
		s.Status = poller.Lookup
		s.Query.Indicator = fq.Indicator
		s.Query.DisplayLabel = fq.DisplayLabel
		s.Query.Summary = fq.Summary
	})
	r, err := c.Gateway.Lookup(ctx, fq.Indicator, fq.Kind, fq.DisplayLabel)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		followUps.WithLabelValues(string(fq.Kind), "error").Inc()
		l.Warnf("follow-up lookup failed: %s", err)
		c.fail(gen, q, poller.Error, err)
		return
	}
	followUps.WithLabelValues(string(fq.Kind), "ok").Inc()
	c.complete(gen, q, fq, r, resolution.Summary, job.ID)
}

func (c *Controller) observe(u poller.Update) {
	if u.Err != nil {
		var serr *gateway.SubmissionError
		if errors.As(u.Err, &serr) {
			if _, limited := serr.RateLimited(); limited {
				rateLimited.Inc()
			}
		}
		pollTicks.WithLabelValues("error").Inc()
		return
	}
	pollTicks.WithLabelValues(string(u.Status)).Inc()
}

// complete finishes gen with report r. The final report's own summary takes
// precedence over eager.
func (c *Controller) complete(gen uint64, submitted, q indicator.Query, r *report.Report, eager, analysisID string) {
	summary := r.Summary()
	if summary == "" {
		summary = eager
	}
	q.Summary = summary
	q.FilePath = submitted.FilePath

	applied, s := c.finish(gen, func(s *State) {
		s.Query = q
		s.JobID = ""
		s.Report = r
		s.Err = nil
		s.Status = poller.Completed
	})
	if !applied {
		return
	}
	res := Result{State: s, Submitted: submitted}
	if c.Recorder != nil {
		res.Entry, res.Recorded = c.Recorder.Record(r, history.Context{
			Indicator:  q.Indicator,
			Display:    q.DisplayLabel,
			Type:       q.Kind,
			Summary:    summary,
			AnalysisID: analysisID,
		})
	}
	c.runHooks(res)
}

func (c *Controller) fail(gen uint64, submitted indicator.Query, status poller.Status, err error) {
	applied, s := c.finish(gen, func(s *State) {
		s.JobID = ""
		s.Status = status
		s.Err = err
	})
	if !applied {
		return
	}
	c.runHooks(Result{State: s, Submitted: submitted})
}

// finish applies f as the terminal transition of gen.
func (c *Controller) finish(gen uint64, f func(*State)) (bool, State) {
	var s State
	applied := c.update(gen, func(st *State) {
		f(st)
		st.Loading = false
		st.Progress = poller.ProgressDone
		s = *st
	})
	if applied {
		finished.WithLabelValues(string(s.Query.Kind), string(s.Status)).Inc()
	}
	return applied, s
}

// update applies f if gen is still current and not yet terminal. Progress
// never decreases within a generation.
func (c *Controller) update(gen uint64, f func(*State)) bool {
	c.mu.Lock()
	if gen != c.gen || c.state.Done() {
		c.mu.Unlock()
		return false
	}
	prev := c.state.Progress
	f(&c.state)
	if c.state.Progress < prev {
		c.state.Progress = prev
	}
	s := c.state
	c.mu.Unlock()
	c.publish(s)
	return true
}

func (c *Controller) publish(s State) {
	c.mu.Lock()
	subs := append([]func(State){}, c.subs...)
	c.mu.Unlock()
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, f := range subs {
		f(s)
	}
}

func (c *Controller) runHooks(r Result) {
	c.mu.Lock()
	hooks := append([]func(Result){}, c.hooks...)
	c.mu.Unlock()
	for _, f := range hooks {
		f(r)
	}
}
