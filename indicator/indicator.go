// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

// Package indicator turns raw user input into canonical investigation
// targets.
package indicator

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Kind is the type of an investigation target.
type Kind string

const (
	// File is an uploaded sample. Its indicator stays empty until the
	// analysis job resolves to a content hash.
	File Kind = "file"
	// URL is a submitted URL.
	URL Kind = "url"
	// Hash is a file hash looked up directly.
	Hash Kind = "hash"
	// Domain is a domain name looked up directly.
	Domain Kind = "domain"
	// IPAddress is an IPv4 or IPv6 address looked up directly.
	IPAddress Kind = "ip_address"
)

// ErrEmptyIndicator is returned when the trimmed input is empty. Callers
// treat it as "nothing to submit", not as a failure.
var ErrEmptyIndicator = errors.New("empty indicator")

// ErrUnknownKind is returned for kinds outside the known set.
var ErrUnknownKind = errors.New("unknown indicator kind")

// ParseKind maps a user supplied kind name to a Kind. "ip" is accepted as a
// shorthand for IPAddress.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file":
		return File, nil
	case "url":
		return URL, nil
	case "hash", "md5", "sha1", "sha256":
		return Hash, nil
	case "domain":
		return Domain, nil
	case "ip", "ip_address", "ipaddress":
		return IPAddress, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// WireType returns the type name the backend expects for a lookup. Hashes are
// files as far as the backend is concerned.
func (k Kind) WireType() string {
	if k == Hash {
		return string(File)
	}
	return string(k)
}

// Lookup reports whether submissions of this kind resolve synchronously.
func (k Kind) Lookup() bool {
	return k == Hash || k == Domain || k == IPAddress
}

// Query is one investigation target.
type Query struct {
	Indicator    string `json:"indicator"`
	Kind         Kind   `json:"type"`
	DisplayLabel string `json:"display"`
	// Summary is a verdict sentence, set once a terminal report exists.
	Summary string `json:"summary,omitempty"`
	// FilePath is the local sample to upload. Only set for File queries.
	FilePath string `json:"-"`
}

// Empty reports whether q is the zero query.
func (q Query) Empty() bool {
	return q.Indicator == "" && q.Kind == "" && q.DisplayLabel == ""
}

// Input is raw user input as collected by a form or the command line.
type Input struct {
	// Value is the pasted indicator. Ignored when FilePath is set.
	Value string
	// FilePath selects a file submission.
	FilePath string
	// Kind is the caller-selected kind. URL selects the URL submission;
	// Hash, Domain and IPAddress select a lookup.
	Kind Kind
}

// Normalize classifies in and returns the canonical query. It has no side
// effects.
func Normalize(in Input) (Query, error) {
	if strings.TrimSpace(in.FilePath) != "" || in.Kind == File {
		return NormalizeFile(in.FilePath)
	}
	value := strings.TrimSpace(in.Value)
	if value == "" {
		return Query{}, ErrEmptyIndicator
	}
	switch in.Kind {
	case URL:
		return Query{Indicator: value, Kind: URL, DisplayLabel: value}, nil
	case Hash, Domain, IPAddress:
		return Query{Indicator: value, Kind: in.Kind, DisplayLabel: value}, nil
	case "":
		k := Guess(value)
		return Query{Indicator: value, Kind: k, DisplayLabel: value}, nil
	}
	return Query{}, fmt.Errorf("%w: %q", ErrUnknownKind, in.Kind)
}

// NormalizeFile returns a File query for the sample at path.
func NormalizeFile(path string) (Query, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Query{}, ErrEmptyIndicator
	}
	return Query{
		Kind:         File,
		DisplayLabel: filepath.Base(path),
		FilePath:     path,
	}, nil
}
