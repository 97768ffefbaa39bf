// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package historydb

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DCSO/scanwatch/history"
)

func openTestDB(t *testing.T, limit int) *DB {
	dir, err := os.MkdirTemp("", "historydb")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	db, err := Open(dir, limit)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendFetchNewestFirst(t *testing.T) {
	db := openTestDB(t, 10)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e := history.Entry{ID: fmt.Sprintf("e%d", i), SavedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := db.Append(context.Background(), "a@example.test", e); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := db.Fetch(context.Background(), "a@example.test", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].ID != "e2" || entries[2].ID != "e0" {
		t.Fatalf("wrong order: %+v", entries)
	}
	entries, _ = db.Fetch(context.Background(), "a@example.test", 2)
	if len(entries) != 2 {
		t.Fatalf("limit not applied, got %d", len(entries))
	}
}

func TestAppendEvictsOldest(t *testing.T) {
	db := openTestDB(t, 3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		e := history.Entry{ID: fmt.Sprintf("e%d", i), SavedAt: base.Add(time.Duration(i) * time.Second)}
		if err := db.Append(context.Background(), "u", e); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := db.Fetch(context.Background(), "u", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].ID != "e4" || entries[2].ID != "e2" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestUsersAreSeparate(t *testing.T) {
	db := openTestDB(t, 10)
	db.Append(context.Background(), "a", history.Entry{ID: "a1", SavedAt: time.Now()})
	db.Append(context.Background(), "b", history.Entry{ID: "b1", SavedAt: time.Now()})
	if err := db.Purge(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	a, _ := db.Fetch(context.Background(), "a", 10)
	b, _ := db.Fetch(context.Background(), "b", 10)
	if len(a) != 0 || len(b) != 1 {
		t.Fatalf("purge leaked across users: a=%d b=%d", len(a), len(b))
	}
	if err := db.Purge(context.Background(), "nobody"); err != nil {
		t.Fatalf("purging an unknown user must succeed, got %s", err)
	}
}

func TestSinkWithDB(t *testing.T) {
	db := openTestDB(t, 10)
	s := history.MakeSink("u", 10, db)
	s.Appender = db
	if err := db.Append(context.Background(), "u", history.Entry{ID: "stored", SavedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if entries := s.Entries(); len(entries) != 1 || entries[0].ID != "stored" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	s.Clear()
	s.Wait()
	if entries, _ := db.Fetch(context.Background(), "u", 10); len(entries) != 0 {
		t.Fatalf("store not purged: %+v", entries)
	}
}
