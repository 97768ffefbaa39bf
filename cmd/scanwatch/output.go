// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/DCSO/scanwatch/history"
	"github.com/DCSO/scanwatch/investigation"
	"github.com/DCSO/scanwatch/report"
)

type resultOutput struct {
	Indicator string         `json:"indicator"`
	Display   string         `json:"display"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Summary   string         `json:"summary,omitempty"`
	Error     string         `json:"error,omitempty"`
	AI        string         `json:"ai_analysis,omitempty"`
	Report    *report.Report `json:"report,omitempty"`
}

func makeResultOutput(s investigation.State, ai string) resultOutput {
	out := resultOutput{
		Indicator: s.Query.Indicator,
		Display:   s.Query.DisplayLabel,
		Type:      string(s.Query.Kind),
		Status:    string(s.Status),
		Summary:   s.Query.Summary,
		AI:        ai,
		Report:    s.Report,
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return out
}

// printResult writes the final state of an investigation. In JSON mode the
// whole state is one object, otherwise a short text block followed by the
// flagging engines.
func printResult(w io.Writer, s investigation.State, ai string, asJSON bool) error {
	out := makeResultOutput(s, ai)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Fprintf(w, "%s (%s): %s\n", out.Display, out.Type, out.Status)
	if out.Error != "" {
		fmt.Fprintf(w, "error: %s\n", out.Error)
	}
	if out.Summary != "" {
		fmt.Fprintln(w, out.Summary)
	}
	if s.Report != nil {
		printVerdicts(w, s.Report)
	}
	if ai != "" {
		fmt.Fprintf(w, "\n%s\n", ai)
	}
	return nil
}

// printVerdicts lists the engines that flagged the object.
func printVerdicts(w io.Writer, r *report.Report) {
	var flagged []report.Verdict
	for _, v := range r.Verdicts {
		if v.Category == report.Malicious || v.Category == report.Suspicious {
			flagged = append(flagged, v)
		}
	}
	if len(flagged) == 0 {
		return
	}
	sort.Slice(flagged, func(i, j int) bool {
		return flagged[i].Engine < flagged[j].Engine
	})
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, v := range flagged {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", v.Engine, v.Category, v.Result)
	}
	tw.Flush()
}

func printHistory(w io.Writer, entries []history.Entry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SAVED\tTYPE\tINDICATOR\tMAL\tSUS\tTOTAL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
			e.SavedAt.Local().Format(time.DateTime), e.Type, e.Display,
			e.Malicious, e.Suspicious, e.Total)
	}
	return tw.Flush()
}
