// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package report

import "fmt"

// Summarize returns the human readable verdict for s. It returns "" when no
// engine gave a verdict.
func Summarize(s Stats) string {
	total := s.Total()
	if total <= 0 {
		return ""
	}
	if s.Malicious > 0 {
		return fmt.Sprintf("%d/%d security vendors flagged this object as malicious.", s.Malicious, total)
	}
	if s.Suspicious > 0 {
		return fmt.Sprintf("%d/%d security vendors flagged this object as suspicious.", s.Suspicious, total)
	}
	return "No security vendors flagged this object as malicious."
}

// SummarizePayload computes the verdict for whatever stats raw carries.
func SummarizePayload(raw []byte) string {
	s, ok := ExtractStats(raw)
	if !ok {
		return ""
	}
	return Summarize(s)
}
