// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package aisummary

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DCSO/scanwatch/indicator"
	"github.com/DCSO/scanwatch/report"
	"github.com/cenkalti/backoff/v4"
	"github.com/jarcoal/httpmock"
)

const backend = "http://backend.test"

func testClient() *Client {
	c := NewClient(backend, "s3cr3t", 5*time.Second)
	c.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func testReport(t *testing.T) *report.Report {
	t.Helper()
	r, err := report.Parse([]byte(`{"data":{"id":"d","type":"domain","attributes":{
		"last_analysis_stats":{"malicious":1,"suspicious":0,"harmless":9,"undetected":0}}}}`))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSummarize(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	var got request
	var auth string
	httpmock.RegisterResponder("POST", backend+"/api/ai/analyze",
		func(req *http.Request) (*http.Response, error) {
			auth = req.Header.Get("Authorization")
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return nil, err
			}
			return httpmock.NewStringResponse(200, `{"analysis":"Looks phishy."}`), nil
		})

	text, err := testClient().Summarize(context.Background(), testReport(t), indicator.Domain, "example.test")
	if err != nil {
		t.Fatal(err)
	}
	if text != "Looks phishy." {
		t.Fatalf("wrong analysis %q", text)
	}
	if auth != "Bearer s3cr3t" {
		t.Fatalf("wrong auth header %q", auth)
	}
	if got.IndicatorType != "domain" || got.IndicatorValue != "example.test" || len(got.VTData) == 0 {
		t.Fatalf("wrong request %+v", got)
	}
}

func TestSummarizeRetriesRateLimit(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	calls := 0
	httpmock.RegisterResponder("POST", backend+"/api/ai/analyze",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(429,
					`{"error":"slow down","error_code":"RATE_LIMIT_EXCEEDED","retry_after":3}`), nil
			}
			return httpmock.NewStringResponse(200, `{"analysis":"ok"}`), nil
		})

	text, err := testClient().Summarize(context.Background(), testReport(t), indicator.Hash, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if text != "ok" || calls != 2 {
		t.Fatalf("expected retry, got %q after %d calls", text, calls)
	}
}

func TestSummarizePermanentError(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	calls := 0
	httpmock.RegisterResponder("POST", backend+"/api/ai/analyze",
		func(req *http.Request) (*http.Response, error) {
			calls++
			return httpmock.NewStringResponse(403,
				`{"error":"no access","error_code":"ACCESS_FORBIDDEN"}`), nil
		})

	_, err := testClient().Summarize(context.Background(), testReport(t), indicator.Hash, "abc")
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Code != CodeForbidden || aerr.StatusCode != 403 {
		t.Fatalf("expected forbidden error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestSummarizeWithoutReport(t *testing.T) {
	if _, err := testClient().Summarize(context.Background(), nil, indicator.Hash, "abc"); err == nil {
		t.Fatal("expected error")
	}
}
