// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

// Package aisummary fetches a narrative explanation of a finished report
// from the backend's AI endpoint.
package aisummary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DCSO/scanwatch/indicator"
	"github.com/DCSO/scanwatch/report"
	"github.com/buger/jsonparser"
	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Error codes returned by the AI endpoint.
const (
	CodeRateLimited = "RATE_LIMIT_EXCEEDED"
	CodeTimeout     = "TIMEOUT"
	CodeAuth        = "AUTHENTICATION_FAILED"
	CodeForbidden   = "ACCESS_FORBIDDEN"
	CodeSafety      = "SAFETY_BLOCKED"
)

const maxRetries = 2

// Error is a failed AI request.
type Error struct {
	Message    string
	Code       string
	StatusCode int
	// RetryAfter is the delay the backend asked for, in seconds.
	RetryAfter int
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("AI analysis failed (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("AI analysis failed: %s", e.Message)
}

// Temporary reports whether the request may succeed when repeated.
func (e *Error) Temporary() bool {
	return e.Code == CodeRateLimited || e.Code == CodeTimeout
}

// Client talks to the AI endpoint of the backend.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// NewBackOff returns the retry policy for temporary failures.
	NewBackOff func() backoff.BackOff
}

// NewClient returns a client for the backend at baseURL. token is the
// bearer token of the signed in user.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Second
			return b
		},
	}
}

type request struct {
	VTData         json.RawMessage `json:"vt_data"`
	IndicatorType  string          `json:"indicator_type"`
	IndicatorValue string          `json:"indicator_value"`
}

// Summarize returns the AI narrative for r. Rate limit and timeout
// failures are retried a few times.
func (c *Client) Summarize(ctx context.Context, r *report.Report, kind indicator.Kind, value string) (string, error) {
	if r == nil || len(r.Raw) == 0 {
		return "", fmt.Errorf("no report to summarize")
	}
	data, err := json.Marshal(request{
		VTData:         r.Raw,
		IndicatorType:  kind.WireType(),
		IndicatorValue: value,
	})
	if err != nil {
		return "", err
	}

	var b backoff.BackOff
	if c.NewBackOff != nil {
		b = c.NewBackOff()
	} else {
		b = backoff.NewExponentialBackOff()
	}
	b = backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)

	var analysis string
	err = backoff.Retry(func() error {
		var aerr error
		analysis, aerr = c.post(ctx, data)
		if aerr == nil {
			return nil
		}
		if e, ok := aerr.(*Error); ok && e.Temporary() {
			log.WithField("component", "aisummary").Warnf("retrying: %s", e)
			return aerr
		}
		return backoff.Permanent(aerr)
	}, b)
	return analysis, err
}

func (c *Client) post(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/ai/analyze", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", pkgerrors.Wrap(err, "AI request")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", pkgerrors.Wrap(err, "reading AI response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", decodeError(resp.StatusCode, body)
	}
	analysis, err := jsonparser.GetString(body, "analysis")
	if err != nil {
		return "", &Error{Message: "response carries no analysis", StatusCode: resp.StatusCode}
	}
	return analysis, nil
}

func decodeError(status int, body []byte) *Error {
	e := &Error{StatusCode: status}
	e.Message, _ = jsonparser.GetString(body, "error")
	e.Code, _ = jsonparser.GetString(body, "error_code")
	if n, err := jsonparser.GetInt(body, "retry_after"); err == nil {
		e.RetryAfter = int(n)
	}
	if e.Message == "" {
		e.Message = "Unexpected error during AI analysis."
	}
	if e.Code == "" && status == http.StatusTooManyRequests {
		e.Code = CodeRateLimited
	}
	return e
}
