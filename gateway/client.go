// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

// Package gateway talks to the dashboard backend that fronts the scanning
// service.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DCSO/scanwatch/indicator"
	"github.com/DCSO/scanwatch/poller"
	"github.com/DCSO/scanwatch/report"
	"github.com/buger/jsonparser"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	apiPrefix = "/api"

	// DefaultMaxFileSize is the largest sample the backend accepts.
	DefaultMaxFileSize = 32 << 20

	maxBodySize = 64 << 20
)

// ErrNoAnalysisID is returned when an upload succeeds but the backend does
// not hand out a job id.
var ErrNoAnalysisID = errors.New("backend did not return an analysis_id")

// ErrFileTooLarge is returned for samples above the size limit.
var ErrFileTooLarge = errors.New("file exceeds maximum upload size")

// User identifies the submitting account. Both fields are optional.
type User struct {
	Email    string
	FullName string
}

// Outcome is the result of a submission: either a terminal report or a job
// that has to be polled.
type Outcome struct {
	Report *report.Report
	Job    *poller.Job
}

// Client is a backend API client.
type Client struct {
	BaseURL     string
	User        User
	HTTPClient  *http.Client
	MaxFileSize int64
	l           *log.Entry
}

// NewClient returns a client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration, user User) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		User:        user,
		HTTPClient:  &http.Client{Timeout: timeout},
		MaxFileSize: DefaultMaxFileSize,
		l: log.WithFields(log.Fields{
			"component": "gateway",
			"backend":   baseURL,
		}),
	}
}

// Submit sends q to the backend. Lookups return a report, file and URL
// submissions a job.
func (c *Client) Submit(ctx context.Context, q indicator.Query) (Outcome, error) {
	switch q.Kind {
	case indicator.File:
		id, err := c.UploadFile(ctx, q.FilePath)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Job: poller.NewJob(id, indicator.File)}, nil
	case indicator.URL:
		id, err := c.UploadURL(ctx, q.Indicator)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Job: poller.NewJob(id, indicator.URL)}, nil
	case indicator.Hash, indicator.Domain, indicator.IPAddress:
		r, err := c.Lookup(ctx, q.Indicator, q.Kind, q.DisplayLabel)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Report: r}, nil
	}
	return Outcome{}, fmt.Errorf("%w: %q", indicator.ErrUnknownKind, q.Kind)
}

type lookupRequest struct {
	Value        string `json:"value"`
	Type         string `json:"type"`
	UserEmail    string `json:"user_email,omitempty"`
	UserFullName string `json:"user_full_name,omitempty"`
	DisplayValue string `json:"display_value,omitempty"`
}

// Lookup fetches the report for value synchronously.
func (c *Client) Lookup(ctx context.Context, value string, kind indicator.Kind, display string) (*report.Report, error) {
	if display == "" {
		display = value
	}
	body, err := c.postJSON(ctx, "/analyze", lookupRequest{
		Value:        value,
		Type:         kind.WireType(),
		UserEmail:    c.User.Email,
		UserFullName: c.User.FullName,
		DisplayValue: display,
	})
	if err != nil {
		return nil, err
	}
	r, err := report.Parse(body)
	if err != nil {
		return nil, &SubmissionError{Message: string(body), StatusCode: http.StatusOK, Err: err}
	}
	return r, nil
}

type urlRequest struct {
	URL          string `json:"url"`
	UserEmail    string `json:"user_email,omitempty"`
	UserFullName string `json:"user_full_name,omitempty"`
}

// UploadURL submits rawURL for scanning and returns the job id.
func (c *Client) UploadURL(ctx context.Context, rawURL string) (string, error) {
	body, err := c.postJSON(ctx, "/upload-url", urlRequest{
		URL:          rawURL,
		UserEmail:    c.User.Email,
		UserFullName: c.User.FullName,
	})
	if err != nil {
		return "", err
	}
	return analysisID(body)
}

// UploadFile uploads the sample at path and returns the job id.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	limit := c.MaxFileSize
	if limit <= 0 {
		limit = DefaultMaxFileSize
	}
	if fi.Size() > limit {
		return "", fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrFileTooLarge, path, fi.Size(), limit)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err = io.Copy(part, f); err != nil {
		return "", pkgerrors.Wrap(err, "reading sample")
	}
	if c.User.Email != "" {
		w.WriteField("user_email", c.User.Email)
	}
	if c.User.FullName != "" {
		w.WriteField("user_full_name", c.User.FullName)
	}
	if err = w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload-file"), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.logger().Debugf("uploading %s (%d bytes)", path, fi.Size())
	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	return analysisID(body)
}

// Status fetches the current state of job id. Payloads without a status
// report "unknown".
func (c *Client) Status(ctx context.Context, id string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/analysis/"+url.PathEscape(id)), nil)
	if err != nil {
		return "", nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return "", body, err
	}
	status, err := jsonparser.GetString(body, "data", "attributes", "status")
	if err != nil || status == "" {
		status = string(poller.Unknown)
	}
	return status, body, nil
}

func analysisID(body []byte) (string, error) {
	id, err := jsonparser.GetString(body, "analysis_id")
	if err != nil || id == "" {
		return "", &SubmissionError{Message: ErrNoAnalysisID.Error(), StatusCode: http.StatusOK, Err: ErrNoAnalysisID}
	}
	return id, nil
}

func (c *Client) endpoint(path string) string {
	return c.BaseURL + apiPrefix + path
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// do executes req and returns the body of a 2xx response. Everything else
// becomes a *SubmissionError.
func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &SubmissionError{
			Message: err.Error(),
			Err:     pkgerrors.Wrapf(err, "%s %s", req.Method, req.URL.Path),
		}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &SubmissionError{
			Message:    err.Error(),
			StatusCode: resp.StatusCode,
			Err:        pkgerrors.Wrap(err, "reading response"),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := decodeError(resp, body)
		c.logger().Debugf("%s %s: %s", req.Method, req.URL.Path, serr)
		return body, serr
	}
	return body, nil
}

func (c *Client) logger() *log.Entry {
	if c.l == nil {
		c.l = log.WithField("component", "gateway")
	}
	return c.l
}
