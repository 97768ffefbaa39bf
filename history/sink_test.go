// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DCSO/scanwatch/indicator"
	"github.com/DCSO/scanwatch/report"
	"github.com/cenkalti/backoff/v4"
)

type memStore struct {
	sync.Mutex
	entries []Entry
	fetches int
	purges  int
	failing int
	// gate, if set, blocks Fetch until it is closed
	gate chan struct{}
}

func (m *memStore) Fetch(ctx context.Context, user string, limit int) ([]Entry, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.Lock()
	defer m.Unlock()
	m.fetches++
	if m.failing > 0 {
		m.failing--
		return nil, errors.New("backend unavailable")
	}
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *memStore) Purge(ctx context.Context, user string) error {
	m.Lock()
	defer m.Unlock()
	m.purges++
	m.entries = nil
	return nil
}

type pubRecorder struct {
	sync.Mutex
	msgs [][]byte
}

func (p *pubRecorder) Publish(data []byte) error {
	p.Lock()
	defer p.Unlock()
	p.msgs = append(p.msgs, data)
	return nil
}

func testReport(t *testing.T, malicious int) *report.Report {
	t.Helper()
	r, err := report.Parse([]byte(fmt.Sprintf(`{"data":{"id":"x","type":"url","attributes":{
		"last_analysis_stats":{"malicious":%d,"suspicious":0,"harmless":65,"undetected":0}}}}`, malicious)))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func fastSink(user string, limit int, store Store) *Sink {
	s := MakeSink(user, limit, store)
	s.NewBackOff = func() backoff.BackOff {
		return &backoff.ZeroBackOff{}
	}
	return s
}

func TestNewEntry(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e, ok := NewEntry(testReport(t, 5), Context{Indicator: "http://x.test", Type: indicator.URL}, now)
	if !ok {
		t.Fatal("entry expected")
	}
	if e.ID == "" || e.Display != "http://x.test" || e.Total != 70 || e.Malicious != 5 {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.Summary != "5/70 security vendors flagged this object as malicious." {
		t.Fatalf("wrong summary %q", e.Summary)
	}
	if !e.SavedAt.Equal(now) {
		t.Fatalf("wrong timestamp %v", e.SavedAt)
	}
	if len(e.Response) == 0 {
		t.Fatal("response not kept")
	}

	e, _ = NewEntry(testReport(t, 0), Context{Indicator: "a", Summary: "given"}, now)
	if e.Summary != "given" {
		t.Fatalf("context summary must win, got %q", e.Summary)
	}

	r, _ := report.Parse([]byte(`{"data":{"id":"x"}}`))
	if _, ok := NewEntry(r, Context{}, now); ok {
		t.Fatal("report without attributes must not produce an entry")
	}
}

func TestSinkCap(t *testing.T) {
	s := fastSink("", 3, nil)
	for i := 0; i < 5; i++ {
		s.Record(testReport(t, i), Context{Indicator: fmt.Sprintf("i%d", i)})
	}
	s.Wait()
	entries := s.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Indicator != "i4" || entries[2].Indicator != "i2" {
		t.Fatalf("wrong order: %s ... %s", entries[0].Indicator, entries[2].Indicator)
	}
}

func TestSinkDefaultLimit(t *testing.T) {
	s := fastSink("", 0, nil)
	for i := 0; i < DefaultLimit+10; i++ {
		s.Record(testReport(t, 1), Context{Indicator: "x"})
	}
	if n := len(s.Entries()); n != DefaultLimit {
		t.Fatalf("expected %d entries, got %d", DefaultLimit, n)
	}
}

func TestSinkRefreshRetries(t *testing.T) {
	store := &memStore{failing: 2, entries: []Entry{{ID: "srv", Indicator: "server"}}}
	s := fastSink("a@example.test", 10, store)
	s.Record(testReport(t, 1), Context{Indicator: "local"})
	s.Wait()
	entries := s.Entries()
	if len(entries) != 1 || entries[0].ID != "srv" {
		t.Fatalf("store view not applied: %+v", entries)
	}
	if store.fetches != 3 {
		t.Fatalf("expected 3 fetches, got %d", store.fetches)
	}
}

func TestSinkRefreshFailureKeepsMemory(t *testing.T) {
	store := &memStore{failing: 100}
	s := fastSink("a@example.test", 10, store)
	s.Record(testReport(t, 1), Context{Indicator: "local"})
	s.Wait()
	if entries := s.Entries(); len(entries) != 1 || entries[0].Indicator != "local" {
		t.Fatalf("local entry lost: %+v", entries)
	}
}

func TestSinkClearDiscardsStaleRefresh(t *testing.T) {
	store := &memStore{
		gate:    make(chan struct{}),
		entries: []Entry{{ID: "old"}},
	}
	s := fastSink("a@example.test", 10, store)
	s.Record(testReport(t, 1), Context{Indicator: "local"})
	// the refresh scheduled by Record is now blocked on the gate
	s.Clear()
	close(store.gate)
	s.Wait()
	if entries := s.Entries(); len(entries) != 0 {
		t.Fatalf("cleared history was resurrected: %+v", entries)
	}
	if store.purges != 1 {
		t.Fatalf("expected one purge, got %d", store.purges)
	}
}

func TestSinkPublishes(t *testing.T) {
	pub := &pubRecorder{}
	s := fastSink("", 10, nil)
	s.Publisher = pub
	e, ok := s.Record(testReport(t, 2), Context{Indicator: "x", Type: indicator.Domain})
	if !ok {
		t.Fatal("entry expected")
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(pub.msgs))
	}
	var got Entry
	if err := json.Unmarshal(pub.msgs[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != e.ID || got.Type != indicator.Domain {
		t.Fatalf("wrong published entry %+v", got)
	}
}

func TestSinkSkipsEmptyReports(t *testing.T) {
	s := fastSink("", 10, nil)
	r, _ := report.Parse([]byte(`{"data":{"id":"x","type":"analysis"}}`))
	if _, ok := s.Record(r, Context{Indicator: "x"}); ok {
		t.Fatal("unexpected entry")
	}
	if len(s.Entries()) != 0 {
		t.Fatal("history must stay empty")
	}
}
