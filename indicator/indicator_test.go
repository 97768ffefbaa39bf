// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package indicator

import (
	"errors"
	"testing"
)

func TestNormalizeFile(t *testing.T) {
	q, err := Normalize(Input{FilePath: "/tmp/samples/invoice.exe"})
	if err != nil {
		t.Fatal(err)
	}
	if q.Kind != File {
		t.Fatalf("wrong kind %s", q.Kind)
	}
	if q.Indicator != "" {
		t.Fatalf("file query carries indicator %q", q.Indicator)
	}
	if q.DisplayLabel != "invoice.exe" {
		t.Fatalf("wrong label %q", q.DisplayLabel)
	}
	if q.FilePath != "/tmp/samples/invoice.exe" {
		t.Fatalf("wrong path %q", q.FilePath)
	}
}

func TestNormalizeURL(t *testing.T) {
	q, err := Normalize(Input{Value: "  http://example.test/payload \n", Kind: URL})
	if err != nil {
		t.Fatal(err)
	}
	if q.Kind != URL || q.Indicator != "http://example.test/payload" || q.DisplayLabel != q.Indicator {
		t.Fatalf("unexpected query %+v", q)
	}
}

func TestNormalizeLookup(t *testing.T) {
	for _, k := range []Kind{Hash, Domain, IPAddress} {
		q, err := Normalize(Input{Value: " value ", Kind: k})
		if err != nil {
			t.Fatal(err)
		}
		if q.Kind != k || q.Indicator != "value" {
			t.Fatalf("unexpected query %+v", q)
		}
	}
}

func TestNormalizeEmpty(t *testing.T) {
	for _, in := range []Input{
		{Value: "", Kind: URL},
		{Value: "   \t", Kind: Domain},
		{Kind: File},
	} {
		_, err := Normalize(in)
		if !errors.Is(err, ErrEmptyIndicator) {
			t.Fatalf("expected ErrEmptyIndicator for %+v, got %v", in, err)
		}
	}
}

func TestNormalizeUnknownKind(t *testing.T) {
	_, err := Normalize(Input{Value: "x", Kind: Kind("mailbox")})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestWireType(t *testing.T) {
	if Hash.WireType() != "file" {
		t.Fatal("hash lookups must use the file type")
	}
	if IPAddress.WireType() != "ip_address" {
		t.Fatal("wrong ip wire type")
	}
	if !Hash.Lookup() || URL.Lookup() || File.Lookup() {
		t.Fatal("wrong lookup classification")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		kind  Kind
		value string
		ok    bool
	}{
		{Hash, "d41d8cd98f00b204e9800998ecf8427e", true},
		{Hash, "DA39A3EE5E6B4B0D3255BFEF95601890AFD80709", true},
		{Hash, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", true},
		{Hash, "abc", false},
		{URL, "http://example.test/payload", true},
		{URL, "https://localhost:8443/x?y=1", true},
		{URL, "ftp://example.test", false},
		{Domain, "example.com", true},
		{Domain, "-bad-.com", false},
		{IPAddress, "192.0.2.1", true},
		{IPAddress, "2001:db8::1", true},
		{IPAddress, "300.1.1.1", false},
		{File, "", true},
	}
	for _, tc := range tests {
		err := Validate(tc.kind, tc.value)
		if tc.ok && err != nil {
			t.Errorf("%s %q: unexpected error %v", tc.kind, tc.value, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidIndicator) {
			t.Errorf("%s %q: expected ErrInvalidIndicator, got %v", tc.kind, tc.value, err)
		}
	}
}

func TestGuess(t *testing.T) {
	tests := map[string]Kind{
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855": Hash,
		"10.0.0.1":            IPAddress,
		"::1":                 IPAddress,
		"http://example.test": URL,
		"example.org":         Domain,
	}
	for in, want := range tests {
		if got := Guess(in); got != want {
			t.Errorf("Guess(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("IP")
	if err != nil || k != IPAddress {
		t.Fatalf("got %s, %v", k, err)
	}
	if _, err = ParseKind("nope"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
