// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
)

// SubmissionError is a failed backend request. StatusCode is 0 for
// transport errors.
type SubmissionError struct {
	Message    string
	Code       string
	Details    string
	StatusCode int
	// RetryAfter is the parsed Retry-After header in seconds, 0 if absent
	// or invalid.
	RetryAfter int
	Err        error
}

func (e *SubmissionError) Error() string {
	var b strings.Builder
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, "backend returned %d", e.StatusCode)
	} else {
		b.WriteString("backend request failed")
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the backend answered 429 along with the
// requested delay in seconds.
func (e *SubmissionError) RateLimited() (int, bool) {
	return e.RetryAfter, e.StatusCode == http.StatusTooManyRequests
}

// Temporary reports whether retrying the request may succeed.
func (e *SubmissionError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// decodeError maps a non-2xx response to a SubmissionError. The body may be
// {"error":{"message":..,"code":..}}, {"error":"..","details":..} or
// arbitrary text.
func decodeError(resp *http.Response, body []byte) *SubmissionError {
	e := &SubmissionError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	v, t, _, err := jsonparser.Get(body, "error")
	switch {
	case err == nil && t == jsonparser.Object:
		e.Message, _ = jsonparser.GetString(v, "message")
		if code, ct, _, cerr := jsonparser.Get(v, "code"); cerr == nil && ct != jsonparser.Null {
			e.Code = string(code)
		}
	case err == nil && t == jsonparser.String:
		e.Message, _ = jsonparser.ParseString(v)
		e.Details, _ = jsonparser.GetString(body, "details")
	default:
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

func parseRetryAfter(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
