// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

// Package reconcile turns a completed analysis job into the follow-up
// lookup that fetches the final object report.
package reconcile

import (
	"strings"

	"github.com/DCSO/scanwatch/indicator"
	"github.com/DCSO/scanwatch/report"
	"github.com/buger/jsonparser"
)

var fileInfoPaths = [][]string{
	{"meta", "file_info"},
	{"data", "meta", "file_info"},
	{"data", "attributes", "file_info"},
}

var urlInfoPaths = [][]string{
	{"meta", "url_info"},
	{"data", "meta", "url_info"},
}

// Resolution describes the follow-up lookup for a completed job.
type Resolution struct {
	Kind indicator.Kind
	// Identifier is the value to look up. Empty if the payload did not
	// name the analysed object.
	Identifier   string
	DisplayLabel string
	// Summary is derived from the analysis payload itself, "" if it
	// carries no counts.
	Summary string
}

// Resolved reports whether a follow-up lookup is possible.
func (r Resolution) Resolved() bool {
	return r.Identifier != ""
}

// Query is the lookup query for the resolution.
func (r Resolution) Query() indicator.Query {
	return indicator.Query{
		Indicator:    r.Identifier,
		Kind:         r.Kind,
		DisplayLabel: r.DisplayLabel,
		Summary:      r.Summary,
	}
}

// Resolve extracts the follow-up from the completed job payload. q is the
// query that was originally submitted.
func Resolve(followUp indicator.Kind, q indicator.Query, payload []byte) Resolution {
	res := Resolution{
		Kind:    followUp,
		Summary: report.SummarizePayload(payload),
	}
	switch followUp {
	case indicator.File:
		info := firstObject(payload, fileInfoPaths)
		for _, key := range []string{"sha256", "sha1", "md5"} {
			if v := stringAt(info, key); v != "" {
				res.Identifier = v
				break
			}
		}
		res.DisplayLabel = firstNonEmpty(q.DisplayLabel, stringAt(info, "name"), res.Identifier)
	case indicator.URL:
		info := firstObject(payload, urlInfoPaths)
		res.Identifier = firstNonEmpty(stringAt(info, "url"), strings.TrimSpace(q.Indicator))
		res.DisplayLabel = firstNonEmpty(q.DisplayLabel, res.Identifier)
	default:
		res.Identifier = strings.TrimSpace(q.Indicator)
		res.DisplayLabel = firstNonEmpty(q.DisplayLabel, res.Identifier)
	}
	return res
}

func firstObject(payload []byte, paths [][]string) []byte {
	for _, path := range paths {
		v, t, _, err := jsonparser.Get(payload, path...)
		if err == nil && t == jsonparser.Object {
			return v
		}
	}
	return nil
}

func stringAt(obj []byte, key string) string {
	if obj == nil {
		return ""
	}
	s, err := jsonparser.GetString(obj, key)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
