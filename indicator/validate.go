// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package indicator

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

const (
	maxURLLength    = 2048
	maxDomainLength = 253
)

// ErrInvalidIndicator is wrapped by all validation failures.
var ErrInvalidIndicator = errors.New("invalid indicator")

var (
	hashReg   = regexp.MustCompile(`^(?i:[a-f0-9]{32}|[a-f0-9]{40}|[a-f0-9]{64})$`)
	domainReg = regexp.MustCompile(`^(?i:(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,})$`)
	urlReg    = regexp.MustCompile(`^(?i:https?://` +
		`(?:(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,6}\.?|localhost|\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})` +
		`(?::\d+)?(?:/?|[/?]\S+))$`)
)

// Validate checks that value is well formed for kind. File queries are not
// validated here; the backend enforces its own size limit.
func Validate(kind Kind, value string) error {
	value = strings.TrimSpace(value)
	switch kind {
	case File:
		return nil
	case Hash:
		if !hashReg.MatchString(value) {
			return fmt.Errorf("%w: expected MD5, SHA1 or SHA256 hex digest", ErrInvalidIndicator)
		}
	case URL:
		if len(value) > maxURLLength {
			return fmt.Errorf("%w: URL longer than %d characters", ErrInvalidIndicator, maxURLLength)
		}
		if !urlReg.MatchString(value) {
			return fmt.Errorf("%w: malformed URL", ErrInvalidIndicator)
		}
	case Domain:
		if len(value) > maxDomainLength {
			return fmt.Errorf("%w: domain longer than %d characters", ErrInvalidIndicator, maxDomainLength)
		}
		if !domainReg.MatchString(value) {
			return fmt.Errorf("%w: malformed domain", ErrInvalidIndicator)
		}
	case IPAddress:
		if _, err := netip.ParseAddr(value); err != nil {
			return fmt.Errorf("%w: malformed IP address", ErrInvalidIndicator)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}

// Guess picks a lookup kind for a bare value: hex digests are hashes,
// parseable addresses are IPs, anything with a scheme is a URL and the rest
// is treated as a domain.
func Guess(value string) Kind {
	value = strings.TrimSpace(value)
	switch {
	case hashReg.MatchString(value):
		return Hash
	case isAddr(value):
		return IPAddress
	case strings.Contains(value, "://"):
		return URL
	}
	return Domain
}

func isAddr(value string) bool {
	_, err := netip.ParseAddr(value)
	return err == nil
}
