// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DCSO/scanwatch/indicator"
	"github.com/DCSO/scanwatch/poller"
	"github.com/jarcoal/httpmock"
)

const backend = "http://backend.test"

func testClient() *Client {
	return NewClient(backend, 5*time.Second, User{Email: "a@example.test", FullName: "A User"})
}

func TestLookup(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	var got lookupRequest
	httpmock.RegisterResponder("POST", backend+"/api/analyze",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return nil, err
			}
			return httpmock.NewStringResponse(200, `{"data":{"id":"44d88612fea8a8f36de82e1278abb02f","type":"file",
				"attributes":{"last_analysis_stats":{"malicious":3,"suspicious":0,"harmless":67,"undetected":0}}}}`), nil
		})

	out, err := testClient().Submit(context.Background(), indicator.Query{
		Indicator:    "44d88612fea8a8f36de82e1278abb02f",
		Kind:         indicator.Hash,
		DisplayLabel: "eicar",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Job != nil || out.Report == nil {
		t.Fatalf("lookup must return a report and no job: %+v", out)
	}
	if out.Report.Stats.Total() != 70 {
		t.Fatalf("wrong stats %+v", out.Report.Stats)
	}
	if got.Type != "file" || got.Value != "44d88612fea8a8f36de82e1278abb02f" || got.DisplayValue != "eicar" {
		t.Fatalf("wrong request %+v", got)
	}
	if got.UserEmail != "a@example.test" || got.UserFullName != "A User" {
		t.Fatalf("user not sent: %+v", got)
	}
}

func TestUploadURL(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	var got urlRequest
	httpmock.RegisterResponder("POST", backend+"/api/upload-url",
		func(req *http.Request) (*http.Response, error) {
			json.NewDecoder(req.Body).Decode(&got)
			return httpmock.NewStringResponse(200, `{"analysis_id":"abc123"}`), nil
		})

	out, err := testClient().Submit(context.Background(), indicator.Query{
		Indicator: "http://example.test/x", Kind: indicator.URL,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Job == nil || out.Job.ID != "abc123" || out.Job.FollowUpKind != indicator.URL || out.Job.Attempt != 0 {
		t.Fatalf("unexpected job %+v", out.Job)
	}
	if got.URL != "http://example.test/x" {
		t.Fatalf("wrong url sent: %q", got.URL)
	}
}

func TestUploadMissingAnalysisID(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", backend+"/api/upload-url",
		httpmock.NewStringResponder(200, `{"status":"ok"}`))

	_, err := testClient().UploadURL(context.Background(), "http://example.test")
	var serr *SubmissionError
	if !errors.As(err, &serr) || !errors.Is(err, ErrNoAnalysisID) {
		t.Fatalf("expected SubmissionError wrapping ErrNoAnalysisID, got %v", err)
	}
}

func TestUploadFile(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	dir := t.TempDir()
	path := filepath.Join(dir, "sample.bin")
	if err := os.WriteFile(path, []byte("MZ\x90\x00"), 0600); err != nil {
		t.Fatal(err)
	}

	httpmock.RegisterResponder("POST", backend+"/api/upload-file",
		func(req *http.Request) (*http.Response, error) {
			if err := req.ParseMultipartForm(1 << 20); err != nil {
				return httpmock.NewStringResponse(400, err.Error()), nil
			}
			f, hdr, err := req.FormFile("file")
			if err != nil {
				return httpmock.NewStringResponse(400, err.Error()), nil
			}
			defer f.Close()
			data, _ := io.ReadAll(f)
			if hdr.Filename != "sample.bin" || string(data) != "MZ\x90\x00" {
				return httpmock.NewStringResponse(400, "bad file"), nil
			}
			if req.FormValue("user_email") != "a@example.test" || req.FormValue("user_full_name") != "A User" {
				return httpmock.NewStringResponse(400, "bad user"), nil
			}
			return httpmock.NewStringResponse(200, `{"analysis_id":"file-job"}`), nil
		})

	q, err := indicator.NormalizeFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out, err := testClient().Submit(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if out.Job == nil || out.Job.ID != "file-job" || out.Job.FollowUpKind != indicator.File {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestUploadFileTooLarge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	if err := os.WriteFile(path, make([]byte, 2048), 0600); err != nil {
		t.Fatal(err)
	}
	c := testClient()
	c.MaxFileSize = 1024
	if _, err := c.UploadFile(context.Background(), path); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestStructuredErrors(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	tests := []struct {
		body    string
		message string
		code    string
	}{
		{`{"error":{"message":"Quota exceeded","code":"QuotaExceededError"}}`, "Quota exceeded", `QuotaExceededError`},
		{`{"error":{"message":"Not found","code":404}}`, "Not found", "404"},
		{`{"error":"Invalid hash format","details":"length"}`, "Invalid hash format", ""},
		{`<html>gateway timeout</html>`, "<html>gateway timeout</html>", ""},
		{``, "Bad Request", ""},
	}
	for _, tc := range tests {
		httpmock.RegisterResponder("POST", backend+"/api/analyze", httpmock.NewStringResponder(400, tc.body))
		_, err := testClient().Lookup(context.Background(), "x.test", indicator.Domain, "")
		var serr *SubmissionError
		if !errors.As(err, &serr) {
			t.Fatalf("expected SubmissionError, got %v", err)
		}
		if serr.StatusCode != 400 || serr.Message != tc.message || serr.Code != tc.code {
			t.Errorf("body %q: got %+v", tc.body, serr)
		}
		if _, limited := serr.RateLimited(); limited {
			t.Errorf("400 must not be rate limited")
		}
	}
}

func TestStatus(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", backend+"/api/analysis/abc123",
		httpmock.NewStringResponder(200, `{"data":{"id":"abc123","type":"analysis","attributes":{"status":"queued"}}}`))
	httpmock.RegisterResponder("GET", backend+"/api/analysis/nostatus",
		httpmock.NewStringResponder(200, `{"data":{}}`))

	c := testClient()
	status, payload, err := c.Status(context.Background(), "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if status != "queued" || len(payload) == 0 {
		t.Fatalf("unexpected status %q", status)
	}
	status, _, err = c.Status(context.Background(), "nostatus")
	if err != nil || status != string(poller.Unknown) {
		t.Fatalf("expected unknown, got %q (%v)", status, err)
	}
}

func TestStatusRateLimited(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", backend+"/api/analysis/abc123",
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(429, `{"error":{"message":"slow down","code":"QuotaExceededError"}}`)
			resp.Header.Set("Retry-After", "9999")
			return resp, nil
		})

	_, _, err := testClient().Status(context.Background(), "abc123")
	var serr *SubmissionError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	secs, limited := serr.RateLimited()
	if !limited || secs != 9999 {
		t.Fatalf("expected rate limit of 9999s, got %d %v", secs, limited)
	}
	d := poller.Decide(poller.DefaultConfig(), 0, poller.Observation{Err: err})
	if d.Delay != 30*time.Second {
		t.Fatalf("expected delay capped at 30s, got %v", d.Delay)
	}
}

func TestTransportError(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("GET", backend+"/api/analysis/abc123",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	_, _, err := testClient().Status(context.Background(), "abc123")
	var serr *SubmissionError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if serr.StatusCode != 0 || !serr.Temporary() {
		t.Fatalf("unexpected error %+v", serr)
	}
}

func TestRemoteHistory(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", backend+"/api/history",
		func(req *http.Request) (*http.Response, error) {
			if req.URL.Query().Get("email") != "a@example.test" || req.URL.Query().Get("limit") != "150" {
				return httpmock.NewStringResponse(400, `{"error":"Missing email parameter"}`), nil
			}
			return httpmock.NewStringResponse(200, `{"history":[
				{"id":17,"indicator":"example.test","display":"example.test","type":"domain","summary":"s",
				 "malicious":1,"suspicious":0,"harmless":9,"undetected":0,"total":10,"status":"completed",
				 "savedAt":"2025-03-01T12:00:00.123456","vtAnalysisId":null,"response":null}]}`), nil
		})
	deleted := 0
	httpmock.RegisterResponder("DELETE", backend+"/api/history",
		func(req *http.Request) (*http.Response, error) {
			deleted++
			return httpmock.NewStringResponse(200, `{"deleted":1}`), nil
		})

	h := testClient().History()
	entries, err := h.Fetch(context.Background(), "a@example.test", 150)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID != "17" || e.Type != indicator.Domain || e.Total != 10 || e.Response != nil {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.SavedAt.Year() != 2025 || e.SavedAt.Hour() != 12 {
		t.Fatalf("timestamp not parsed: %v", e.SavedAt)
	}
	if err = h.Purge(context.Background(), "a@example.test"); err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("expected one delete call, got %d", deleted)
	}
}
