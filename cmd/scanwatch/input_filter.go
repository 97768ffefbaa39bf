// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/DCSO/scanwatch/indicator"

	log "github.com/sirupsen/logrus"
)

// socketRequest is one line read from the request socket.
type socketRequest struct {
	Value string `json:"value"`
	Type  string `json:"type"`
	File  string `json:"file"`
}

// errNotRegular is returned for file requests that do not name a regular
// file.
var errNotRegular = errors.New("not a regular file")

// ParseRequest turns a socket line into a validated query.
func ParseRequest(line []byte) (indicator.Query, error) {
	var r socketRequest
	if err := json.Unmarshal(line, &r); err != nil {
		return indicator.Query{}, fmt.Errorf("could not unmarshal JSON '%s': %w", string(line), err)
	}
	in := indicator.Input{Value: r.Value, FilePath: r.File}
	if r.Type != "" {
		k, err := indicator.ParseKind(r.Type)
		if err != nil {
			return indicator.Query{}, err
		}
		in.Kind = k
	}
	q, err := indicator.Normalize(in)
	if err != nil {
		return q, err
	}
	if err = AllowedQuery(q); err != nil {
		return indicator.Query{}, err
	}
	return q, nil
}

// AllowedQuery checks whether q is worth submitting: lookups and URLs must
// be well formed, files must exist as regular files.
func AllowedQuery(q indicator.Query) error {
	if q.Kind != indicator.File {
		return indicator.Validate(q.Kind, q.Indicator)
	}
	fi, err := os.Stat(q.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugf("missing file to submit: %s", q.FilePath)
		}
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s: %w", q.FilePath, errNotRegular)
	}
	return nil
}
