// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

// Package report normalizes scanning service payloads into verdict reports.
package report

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
)

// Category is the verdict class a single engine assigned.
type Category string

// Known categories; anything else the service reports maps to Other.
const (
	Malicious  Category = "malicious"
	Suspicious Category = "suspicious"
	Harmless   Category = "harmless"
	Undetected Category = "undetected"
	Other      Category = "other"
)

// ParseCategory maps a service category string to a Category.
func ParseCategory(s string) Category {
	switch c := Category(strings.ToLower(s)); c {
	case Malicious, Suspicious, Harmless, Undetected:
		return c
	}
	return Other
}

// ErrInvalidPayload is returned for bodies that are not JSON.
var ErrInvalidPayload = errors.New("invalid report payload")

// Verdict is one engine's result.
type Verdict struct {
	Engine   string   `json:"engine"`
	Category Category `json:"category"`
	Result   string   `json:"result,omitempty"`
}

// Stats are the aggregate engine counts.
type Stats struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Harmless   int `json:"harmless"`
	Undetected int `json:"undetected"`
}

// Total is the number of engines that gave one of the four verdicts.
func (s Stats) Total() int {
	return s.Malicious + s.Suspicious + s.Harmless + s.Undetected
}

// FileInfo is file specific report metadata.
type FileInfo struct {
	Md5             string    `json:"md5,omitempty"`
	Sha1            string    `json:"sha1,omitempty"`
	Sha256          string    `json:"sha256,omitempty"`
	Size            int64     `json:"size,omitempty"`
	Name            string    `json:"name,omitempty"`
	TypeDescription string    `json:"type_description,omitempty"`
	FirstSubmission time.Time `json:"first_submission,omitempty"`
	LastAnalysis    time.Time `json:"last_analysis,omitempty"`
}

// URLInfo is URL specific report metadata.
type URLInfo struct {
	URL        string            `json:"url,omitempty"`
	Categories map[string]string `json:"categories,omitempty"`
}

// Report is the normalized terminal payload of an investigation.
type Report struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Verdicts map[string]Verdict `json:"verdicts"`
	Stats    Stats              `json:"stats"`
	File     *FileInfo          `json:"file,omitempty"`
	URL      *URLInfo           `json:"url,omitempty"`
	// Raw is the payload as returned by the backend.
	Raw json.RawMessage `json:"-"`

	attributes bool
}

// HasAttributes reports whether the payload carried a data.attributes
// object. Reports without attributes are not worth recording.
func (r *Report) HasAttributes() bool {
	return r != nil && r.attributes
}

// Summary returns the verdict sentence for the report, or "" if the report
// carries no engine counts.
func (r *Report) Summary() string {
	if r == nil {
		return ""
	}
	return Summarize(r.Stats)
}

var statsPaths = [][]string{
	{"data", "attributes", "results_summary", "stats"},
	{"data", "attributes", "last_analysis_stats"},
	{"data", "attributes", "stats"},
}

var resultsPaths = [][]string{
	{"data", "attributes", "last_analysis_results"},
	{"data", "attributes", "results"},
}

// Parse normalizes a backend payload. Missing sections leave the
// corresponding fields empty; only non-JSON input is an error.
func Parse(raw []byte) (*Report, error) {
	if !json.Valid(raw) {
		return nil, ErrInvalidPayload
	}
	r := &Report{
		Verdicts: make(map[string]Verdict),
		Raw:      json.RawMessage(append([]byte(nil), raw...)),
	}
	r.ID, _ = jsonparser.GetString(raw, "data", "id")
	r.Type, _ = jsonparser.GetString(raw, "data", "type")

	attrs, t, _, err := jsonparser.Get(raw, "data", "attributes")
	if err != nil || t != jsonparser.Object {
		return r, nil
	}
	r.attributes = true
	r.Stats, _ = ExtractStats(raw)
	parseVerdicts(raw, r.Verdicts)

	switch r.Type {
	case "file":
		r.File = parseFileInfo(attrs)
	case "url":
		r.URL = parseURLInfo(attrs)
	}
	return r, nil
}

// ExtractStats finds the aggregate counts in a payload, preferring the
// results summary, then the last analysis stats, then the stats of an
// analysis object. The second return value is false if none is present.
func ExtractStats(raw []byte) (Stats, bool) {
	for _, path := range statsPaths {
		v, t, _, err := jsonparser.Get(raw, path...)
		if err != nil || t != jsonparser.Object {
			continue
		}
		return Stats{
			Malicious:  intValue(v, "malicious"),
			Suspicious: intValue(v, "suspicious"),
			Harmless:   intValue(v, "harmless"),
			Undetected: intValue(v, "undetected"),
		}, true
	}
	return Stats{}, false
}

func parseVerdicts(raw []byte, out map[string]Verdict) {
	for _, path := range resultsPaths {
		v, t, _, err := jsonparser.Get(raw, path...)
		if err != nil || t != jsonparser.Object {
			continue
		}
		jsonparser.ObjectEach(v, func(key []byte, value []byte, dt jsonparser.ValueType, _ int) error {
			if dt != jsonparser.Object {
				return nil
			}
			engine := string(key)
			category, _ := jsonparser.GetString(value, "category")
			result, _ := jsonparser.GetString(value, "result")
			out[engine] = Verdict{
				Engine:   engine,
				Category: ParseCategory(category),
				Result:   result,
			}
			return nil
		})
		return
	}
}

func parseFileInfo(attrs []byte) *FileInfo {
	fi := &FileInfo{}
	fi.Md5, _ = jsonparser.GetString(attrs, "md5")
	fi.Sha1, _ = jsonparser.GetString(attrs, "sha1")
	fi.Sha256, _ = jsonparser.GetString(attrs, "sha256")
	fi.Size = int64(intValue(attrs, "size"))
	fi.Name, _ = jsonparser.GetString(attrs, "meaningful_name")
	fi.TypeDescription, _ = jsonparser.GetString(attrs, "type_description")
	fi.FirstSubmission = unixValue(attrs, "first_submission_date")
	fi.LastAnalysis = unixValue(attrs, "last_analysis_date")
	return fi
}

func parseURLInfo(attrs []byte) *URLInfo {
	ui := &URLInfo{Categories: make(map[string]string)}
	ui.URL, _ = jsonparser.GetString(attrs, "url")
	jsonparser.ObjectEach(attrs, func(key []byte, value []byte, dt jsonparser.ValueType, _ int) error {
		if dt == jsonparser.String {
			ui.Categories[string(key)] = string(value)
		}
		return nil
	}, "categories")
	return ui
}

// intValue reads a count that may be encoded as a number or a string. Absent
// or malformed values count as zero.
func intValue(data []byte, keys ...string) int {
	v, t, _, err := jsonparser.Get(data, keys...)
	if err != nil {
		return 0
	}
	switch t {
	case jsonparser.Number:
		f, err := jsonparser.ParseFloat(v)
		if err == nil {
			return int(f)
		}
	case jsonparser.String:
		n, err := strconv.Atoi(strings.TrimSpace(string(v)))
		if err == nil {
			return n
		}
	}
	return 0
}

func unixValue(data []byte, keys ...string) time.Time {
	secs := intValue(data, keys...)
	if secs <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}
