// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package reconcile

import (
	"strings"
	"testing"

	"github.com/DCSO/scanwatch/indicator"
)

func TestResolveFile(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		label   string
		ident   string
		display string
	}{
		{
			name:    "top level meta",
			payload: `{"data":{"attributes":{"status":"completed"}},"meta":{"file_info":{"sha256":"aa","sha1":"bb","md5":"cc","name":"x.exe"}}}`,
			ident:   "aa",
			display: "x.exe",
		},
		{
			name:    "nested meta, sha1 only",
			payload: `{"data":{"meta":{"file_info":{"sha1":"bb","md5":"cc"}}}}`,
			label:   "upload.bin",
			ident:   "bb",
			display: "upload.bin",
		},
		{
			name:    "attributes, md5 only",
			payload: `{"data":{"attributes":{"file_info":{"md5":"cc"}}}}`,
			ident:   "cc",
			display: "cc",
		},
		{
			name:    "nothing",
			payload: `{"data":{"attributes":{"status":"completed"}}}`,
			label:   "upload.bin",
			ident:   "",
			display: "upload.bin",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := indicator.Query{Kind: indicator.File, DisplayLabel: tc.label}
			res := Resolve(indicator.File, q, []byte(tc.payload))
			if res.Identifier != tc.ident || res.DisplayLabel != tc.display {
				t.Fatalf("got %q/%q, want %q/%q", res.Identifier, res.DisplayLabel, tc.ident, tc.display)
			}
			if res.Resolved() != (tc.ident != "") {
				t.Fatal("wrong Resolved()")
			}
			if res.Kind != indicator.File {
				t.Fatalf("wrong kind %s", res.Kind)
			}
		})
	}
}

func TestResolveURL(t *testing.T) {
	q := indicator.Query{Indicator: "example.test/x", Kind: indicator.URL}
	res := Resolve(indicator.URL, q, []byte(`{"meta":{"url_info":{"id":"u","url":"http://example.test/x"}},
		"data":{"attributes":{"status":"completed","stats":{"malicious":5,"suspicious":0,"harmless":65,"undetected":0}}}}`))
	if res.Identifier != "http://example.test/x" || res.DisplayLabel != "http://example.test/x" {
		t.Fatalf("canonical url not used: %+v", res)
	}
	if !strings.Contains(res.Summary, "5/70") {
		t.Fatalf("eager summary missing: %q", res.Summary)
	}
	fq := res.Query()
	if fq.Kind != indicator.URL || fq.Indicator != res.Identifier || fq.Summary != res.Summary {
		t.Fatalf("wrong follow-up query %+v", fq)
	}

	res = Resolve(indicator.URL, q, []byte(`{"data":{"attributes":{"status":"completed"}}}`))
	if res.Identifier != "example.test/x" || res.Summary != "" {
		t.Fatalf("expected fallback to submitted url: %+v", res)
	}
}
