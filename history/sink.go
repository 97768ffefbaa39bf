// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package history

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/DCSO/scanwatch/report"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const (
	storeRetries = 3
	storeTimeout = 30 * time.Second
)

// Sink holds the in-memory history of one user and keeps it in sync with an
// optional durable Store. Store failures are logged and never surfaced.
type Sink struct {
	User      string
	Limit     int
	Store     Store
	Appender  Appender
	Publisher Publisher
	// NewBackOff returns the retry policy for store calls.
	NewBackOff func() backoff.BackOff
	Now        func() time.Time

	mu      sync.Mutex
	entries []Entry
	// epoch is bumped by Clear; refreshes started in an older epoch are
	// discarded.
	epoch   uint64
	seq     uint64
	applied uint64
	wg      sync.WaitGroup
	l       *log.Entry
}

// MakeSink returns a sink for user backed by store, which may be nil.
func MakeSink(user string, limit int, store Store) *Sink {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Sink{
		User:  user,
		Limit: limit,
		Store: store,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		Now: time.Now,
		l: log.WithFields(log.Fields{
			"component": "history",
			"user":      user,
		}),
	}
}

// Record prepends an entry for r and schedules a store refresh. It returns
// false without changing anything if r carries no attributes.
func (s *Sink) Record(r *report.Report, c Context) (Entry, bool) {
	e, ok := NewEntry(r, c, s.Now())
	if !ok {
		s.l.Debug("report has no attributes, not recording")
		return Entry{}, false
	}

	s.mu.Lock()
	next := make([]Entry, 0, len(s.entries)+1)
	next = append(next, e)
	next = append(next, s.entries...)
	if len(next) > s.Limit {
		next = next[:s.Limit]
	}
	s.entries = next
	epoch := s.epoch
	s.mu.Unlock()

	if s.Appender != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.Appender.Append(ctx, s.User, e); err != nil {
			s.l.Warnf("could not append history entry: %s", err)
		}
		cancel()
	}
	if s.Publisher != nil {
		data, err := json.Marshal(e)
		if err == nil {
			err = s.Publisher.Publish(data)
		}
		if err != nil {
			s.l.Warnf("could not publish history entry: %s", err)
		}
	}

	s.background(func() { s.refresh(epoch) })
	return e, true
}

// Clear empties the history and asynchronously purges the store.
func (s *Sink) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	if s.Store == nil || s.User == "" {
		return
	}
	s.background(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		err := s.retry(ctx, func() error {
			return s.Store.Purge(ctx, s.User)
		})
		if err != nil {
			s.l.Warnf("could not purge history: %s", err)
			return
		}
		s.refresh(epoch)
	})
}

// Entries returns a copy of the current history, newest first.
func (s *Sink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Refresh synchronously replaces the history with the store's view.
func (s *Sink) Refresh(ctx context.Context) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()
	return s.load(ctx, epoch)
}

// Wait blocks until all background store operations have finished.
func (s *Sink) Wait() {
	s.wg.Wait()
}

func (s *Sink) background(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

func (s *Sink) refresh(epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.load(ctx, epoch); err != nil {
		s.l.Warnf("could not refresh history: %s", err)
	}
}

func (s *Sink) load(ctx context.Context, epoch uint64) error {
	if s.Store == nil || s.User == "" {
		return nil
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	var fetched []Entry
	err := s.retry(ctx, func() error {
		var ferr error
		fetched, ferr = s.Store.Fetch(ctx, s.User, s.Limit)
		return ferr
	})
	if err != nil {
		return err
	}
	if len(fetched) > s.Limit {
		fetched = fetched[:s.Limit]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		s.l.Debug("history cleared during refresh, discarding result")
		return nil
	}
	if seq < s.applied {
		s.l.Debug("newer refresh already applied, discarding result")
		return nil
	}
	s.applied = seq
	s.entries = fetched
	return nil
}

func (s *Sink) retry(ctx context.Context, op func() error) error {
	var b backoff.BackOff
	if s.NewBackOff != nil {
		b = s.NewBackOff()
	} else {
		b = backoff.NewExponentialBackOff()
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, storeRetries), ctx))
}
