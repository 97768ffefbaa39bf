// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

// Package history keeps the bounded, newest first list of finished
// investigations for one user.
package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DCSO/scanwatch/indicator"
	"github.com/DCSO/scanwatch/report"
	"github.com/google/uuid"
)

// DefaultLimit is the number of entries kept per user.
const DefaultLimit = 150

// Entry is one finished investigation.
type Entry struct {
	ID         string          `json:"id"`
	Indicator  string          `json:"indicator"`
	Display    string          `json:"display"`
	Type       indicator.Kind  `json:"type"`
	Summary    string          `json:"summary"`
	Malicious  int             `json:"malicious"`
	Suspicious int             `json:"suspicious"`
	Harmless   int             `json:"harmless"`
	Undetected int             `json:"undetected"`
	Total      int             `json:"total"`
	Status     string          `json:"status,omitempty"`
	SavedAt    time.Time       `json:"savedAt"`
	AnalysisID string          `json:"vtAnalysisId,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
}

// Context describes the query a report belongs to.
type Context struct {
	Indicator  string
	Display    string
	Type       indicator.Kind
	Summary    string
	AnalysisID string
}

// NewEntry builds the entry for r. The second return value is false if r
// has no attributes and is not worth recording.
func NewEntry(r *report.Report, c Context, now time.Time) (Entry, bool) {
	if !r.HasAttributes() {
		return Entry{}, false
	}
	display := c.Display
	if display == "" {
		display = c.Indicator
	}
	summary := c.Summary
	if summary == "" {
		summary = r.Summary()
	}
	return Entry{
		ID:         uuid.New().String(),
		Indicator:  c.Indicator,
		Display:    display,
		Type:       c.Type,
		Summary:    summary,
		Malicious:  r.Stats.Malicious,
		Suspicious: r.Stats.Suspicious,
		Harmless:   r.Stats.Harmless,
		Undetected: r.Stats.Undetected,
		Total:      r.Stats.Total(),
		Status:     "completed",
		SavedAt:    now.UTC(),
		AnalysisID: c.AnalysisID,
		Response:   r.Raw,
	}, true
}

// Store is the durable, authoritative history of a user.
type Store interface {
	Fetch(ctx context.Context, user string, limit int) ([]Entry, error)
	Purge(ctx context.Context, user string) error
}

// Appender is implemented by stores that are written to directly rather
// than populated as a side effect of a submission.
type Appender interface {
	Append(ctx context.Context, user string, e Entry) error
}

// Publisher forwards recorded entries, e.g. to a message feed.
type Publisher interface {
	Publish(jsonData []byte) error
}
