// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DCSO/scanwatch/history"
	"github.com/DCSO/scanwatch/indicator"
	"github.com/buger/jsonparser"
	pkgerrors "github.com/pkg/errors"
)

// RemoteHistory is the backend's per-user scan history. The backend records
// entries itself when submissions carry a user email.
type RemoteHistory struct {
	c *Client
}

// History returns the backend history store.
func (c *Client) History() *RemoteHistory {
	return &RemoteHistory{c: c}
}

// remoteEntry mirrors the serialized scan; ids may be numeric and timestamps
// lack a zone.
type remoteEntry struct {
	ID         json.RawMessage `json:"id"`
	Indicator  string          `json:"indicator"`
	Display    string          `json:"display"`
	Type       string          `json:"type"`
	Summary    string          `json:"summary"`
	Malicious  int             `json:"malicious"`
	Suspicious int             `json:"suspicious"`
	Harmless   int             `json:"harmless"`
	Undetected int             `json:"undetected"`
	Total      int             `json:"total"`
	Status     string          `json:"status"`
	SavedAt    string          `json:"savedAt"`
	AnalysisID string          `json:"vtAnalysisId"`
	Response   json.RawMessage `json:"response"`
}

var savedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseSavedAt(s string) time.Time {
	for _, layout := range savedAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func (r remoteEntry) entry() history.Entry {
	id := strings.Trim(string(r.ID), `"`)
	if id == "null" {
		id = ""
	}
	total := r.Total
	if total == 0 {
		total = r.Malicious + r.Suspicious + r.Harmless + r.Undetected
	}
	resp := r.Response
	if string(resp) == "null" {
		resp = nil
	}
	return history.Entry{
		ID:         id,
		Indicator:  r.Indicator,
		Display:    r.Display,
		Type:       indicator.Kind(r.Type),
		Summary:    r.Summary,
		Malicious:  r.Malicious,
		Suspicious: r.Suspicious,
		Harmless:   r.Harmless,
		Undetected: r.Undetected,
		Total:      total,
		Status:     r.Status,
		SavedAt:    parseSavedAt(r.SavedAt),
		AnalysisID: r.AnalysisID,
		Response:   resp,
	}
}

// Fetch returns the newest entries of user.
func (h *RemoteHistory) Fetch(ctx context.Context, user string, limit int) ([]history.Entry, error) {
	q := url.Values{}
	q.Set("email", user)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.c.endpoint("/history")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	body, err := h.c.do(req)
	if err != nil {
		return nil, err
	}
	out := make([]history.Entry, 0)
	raw, t, _, err := jsonparser.Get(body, "history")
	if err != nil || t != jsonparser.Array {
		return out, nil
	}
	var entries []remoteEntry
	if err = json.Unmarshal(raw, &entries); err != nil {
		return nil, pkgerrors.Wrap(err, "decoding history")
	}
	for _, e := range entries {
		out = append(out, e.entry())
	}
	return out, nil
}

// Purge deletes all entries of user.
func (h *RemoteHistory) Purge(ctx context.Context, user string) error {
	q := url.Values{}
	q.Set("email", user)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.c.endpoint("/history")+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	_, err = h.c.do(req)
	return err
}
