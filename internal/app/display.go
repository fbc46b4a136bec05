// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/fatih/color"

	"github.com/blwfish/test-and-calibration-track/internal/audio"
	"github.com/blwfish/test-and-calibration-track/internal/storage"
)

var (
	bold   = color.New(color.Bold).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
	yellow = color.New(color.FgYellow).SprintfFunc()
	red    = color.New(color.FgRed, color.Bold).SprintfFunc()
	faint  = color.New(color.Faint).SprintfFunc()
)

// PrintReport writes the end-of-run summary.
func PrintReport(w io.Writer, rep *Report, dryRun bool) {
	run := rep.Run
	s := run.Summary

	title := "Calibration Summary"
	if dryRun {
		title += " (dry run)"
	}
	fmt.Fprintf(w, "\n=== %s ===\n", bold(title))
	fmt.Fprintf(w, "  Address:        %d\n", run.Address)
	if run.RosterID != "" {
		fmt.Fprintf(w, "  Roster:         %s\n", run.RosterID)
	}
	if run.Aborted {
		fmt.Fprintf(w, "  Status:         %s\n", red("aborted (%s)", run.AbortReason))
	} else {
		fmt.Fprintf(w, "  Status:         %s\n", green("complete"))
	}
	if s != nil {
		fmt.Fprintf(w, "  Steps measured: %d / %d\n", s.ValidSteps, s.TotalStepsMeasured)
		fmt.Fprintf(w, "  Total passes:   %d\n", s.TotalPasses)
		fmt.Fprintf(w, "  Duration:       %.0fs\n", s.DurationSec)
		if s.MinReliableSpeedMPH != nil && s.MaxSpeedMPH != nil {
			fmt.Fprintf(w, "  Speed range:    %.1f - %.1f mph\n", *s.MinReliableSpeedMPH, *s.MaxSpeedMPH)
		}
	}
	if som := run.StartOfMotion; som != nil {
		fmt.Fprintf(w, "  Start of motion: fwd=%d rev=%d\n", som.ForwardStep, som.ReverseStep)
	}
	if rep.ArtifactPath != "" {
		fmt.Fprintf(w, "  Output:         %s\n", rep.ArtifactPath)
	}
	if rep.RunID != 0 {
		fmt.Fprintf(w, "  Stored as run:  #%d\n", rep.RunID)
	}
	switch {
	case rep.Imported > 0:
		fmt.Fprintf(w, "  JMRI import:    %s\n", green("%d entries", rep.Imported))
	case rep.ImportError != "":
		fmt.Fprintf(w, "  JMRI import:    %s\n", red("FAILED: %s", rep.ImportError))
	}

	if c := rep.Comparison; c != nil {
		fmt.Fprintf(w, "\n=== %s ===\n", bold("Audio Comparison"))
		fmt.Fprintf(w, "  vs reference '%s': %+.1f dB\n", c.Reference, c.DeltaDB)
		if c.WithinTolerance() {
			fmt.Fprintf(w, "  %s\n", green("within tolerance (%.0f dB)", audio.Tolerance))
		} else {
			fmt.Fprintf(w, "  %s\n", yellow("run: audio_calibrate --roster-id '%s' --apply", run.RosterID))
		}
	} else if rep.CompareNote != "" {
		fmt.Fprintf(w, "  %s\n", faint(rep.CompareNote))
	}
}

func gradeColor(grade string) string {
	switch grade {
	case audio.GradeExcessive:
		return red(grade)
	case audio.GradeLoud:
		return yellow(grade)
	case audio.GradeQuiet:
		return color.CyanString(grade)
	case audio.GradeNormal:
		return green(grade)
	default:
		return faint(grade)
	}
}

// PrintFleet writes the fleet table with volume grades.
func PrintFleet(w io.Writer, entries []audio.FleetEntry, stats *audio.FleetStats) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No locos in the database.")
		return
	}
	fmt.Fprintf(w, "%-24s %6s  %-16s %10s  %s\n", "ROSTER ID", "ADDR", "DECODER", "MEAN dB", "GRADE")
	for _, e := range entries {
		name := e.Loco.RosterID
		if e.IsReference {
			name += " *"
		}
		mean := "-"
		if e.MeanDB != nil {
			mean = fmt.Sprintf("%.1f", *e.MeanDB)
		}
		decoder := e.Loco.DecoderType
		if decoder == "" {
			decoder = "?"
		}
		fmt.Fprintf(w, "%-24s %6d  %-16s %10s  %s\n", truncate(name, 24), e.Loco.Address, truncate(decoder, 16), mean, gradeColor(e.Grade))
	}
	if stats != nil {
		fmt.Fprintf(w, "\nFleet: %d with audio, median %.1f dB, p25 %.1f, p75 %.1f\n",
			stats.Count, stats.Median, stats.P25, stats.P75)
	}
	fmt.Fprintln(w, faint("* audio reference"))
}

// PrintAdvice writes what the advisor found and did.
func PrintAdvice(w io.Writer, res *audio.Result, dryRun bool) {
	fmt.Fprintf(w, "Target:    %s (run #%d, mean %.1f dB)\n", res.Target.RosterID, res.TargetRun.ID, res.TargetMean)
	fmt.Fprintf(w, "Reference: %s (run #%d, mean %.1f dB)\n", res.Reference.RosterID, res.ReferenceRun.ID, res.RefMean)
	fmt.Fprintf(w, "Delta:     %s\n", deltaString(res.DeltaDB))

	if res.Volume == nil {
		fmt.Fprintln(w, yellow("Unknown decoder %q; delta stored, adjust volume by hand.", res.Target.DecoderType))
		return
	}
	v := res.Volume
	fmt.Fprintf(w, "Decoder:   %s, CV%d (%d-%d)\n", v.Family, v.CV, v.Min, v.Max)
	if !res.Changed() {
		fmt.Fprintf(w, "CV%d:      %d, no change needed\n", v.CV, res.CurrentValue)
		return
	}
	fmt.Fprintf(w, "CV%d:      %d -> %s\n", v.CV, res.CurrentValue, bold("%d", res.NewValue))
	switch {
	case res.Applied:
		fmt.Fprintln(w, green("Written to decoder."))
	case dryRun:
		fmt.Fprintln(w, faint("Dry run: current value assumed from the decoder default, nothing written."))
	default:
		fmt.Fprintln(w, faint("Run again with --apply to write it."))
	}
}

func deltaString(d float64) string {
	s := fmt.Sprintf("%+.1f dB", d)
	if math.Abs(d) <= audio.Tolerance {
		return green(s)
	}
	return yellow(s)
}

// PrintMembers lists the decoders of a consist.
func PrintMembers(w io.Writer, rosterID string, members []storage.ConsistMember) {
	if len(members) == 0 {
		fmt.Fprintf(w, "%s is not a consist.\n", rosterID)
		return
	}
	fmt.Fprintf(w, "Consist %s:\n", bold(rosterID))
	for _, m := range members {
		name := m.MemberRosterID
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "  %2d. addr %-5d %-7s %s\n", m.Position, m.MemberAddress, m.Role, name)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-1]) + "~"
}
