// Package report records sensor events and writes a Markdown encounter
// report of a run.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/util"
)

// Expectation is a payload the run should have read from a target
type Expectation struct {
	Target  datatype.TargetIdentifier
	Payload datatype.PayloadData
}

// Issue is a problem found while checking a run
type Issue struct {
	Severity    string // "ERROR" or "WARNING"
	Target      datatype.TargetIdentifier
	Description string
}

// Check compares what the recorder saw against expectations. Every
// expected payload must have been read exactly once per write and every
// target measured at least once.
func Check(recorder *Recorder, expected []Expectation) []Issue {
	peers := make(map[datatype.TargetIdentifier]PeerSummary)
	for _, p := range recorder.Peers() {
		peers[p.Target] = p
	}

	var issues []Issue
	for _, e := range expected {
		peer, ok := peers[e.Target]
		if !ok {
			issues = append(issues, Issue{"ERROR", e.Target, fmt.Sprintf("%s was never detected", util.ShortID(string(e.Target)))})
			continue
		}
		reads := 0
		for _, p := range peer.Payloads {
			if p.Equal(e.Payload) {
				reads++
			}
		}
		switch {
		case reads == 0:
			issues = append(issues, Issue{"ERROR", e.Target, fmt.Sprintf("payload %s from %s was never read", e.Payload.ShortName(), util.ShortID(string(e.Target)))})
		case len(peer.Payloads) > reads:
			issues = append(issues, Issue{"WARNING", e.Target, fmt.Sprintf("%s produced %d unexpected payloads", util.ShortID(string(e.Target)), len(peer.Payloads)-reads)})
		}
		if !peer.Measured {
			issues = append(issues, Issue{"WARNING", e.Target, fmt.Sprintf("%s was never measured", util.ShortID(string(e.Target)))})
		}
	}
	return issues
}

// Generate writes the encounter report into dir (the data directory when
// empty) and returns its path
func Generate(dir string, title string, recorder *Recorder, issues []Issue) (string, error) {
	if dir == "" {
		dir = util.GetDataDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "creating report directory")
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	path := filepath.Join(dir, fmt.Sprintf("encounter_report_%s.md", timestamp))
	if err := os.WriteFile(path, []byte(Render(timestamp, title, recorder, issues)), 0644); err != nil {
		return "", errors.Wrap(err, "writing report")
	}
	return path, nil
}

// Render produces the Markdown body of a report
func Render(timestamp string, title string, recorder *Recorder, issues []Issue) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Encounter Report: %s\n\n", timestamp))
	if title != "" {
		sb.WriteString(title + "\n\n")
	}

	sb.WriteString("## Sensor States\n\n")
	states := recorder.States()
	if len(states) == 0 {
		sb.WriteString("(none)\n\n")
	} else {
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = s.String()
		}
		sb.WriteString(strings.Join(names, " -> ") + "\n\n")
	}

	sb.WriteString("## Peers\n\n")
	sb.WriteString("| Target | Detect | Read | Measure | Share | Receive | Last RSSI | Payloads |\n")
	sb.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, p := range recorder.Peers() {
		rssi := "-"
		if p.Measured {
			rssi = fmt.Sprintf("%.0f", p.LastRSSI)
		}
		payloads := make([]string, 0, len(p.Payloads))
		for _, payload := range p.Payloads {
			payloads = append(payloads, payload.ShortName())
		}
		sort.Strings(payloads)
		sb.WriteString(fmt.Sprintf("| %s | %d | %d | %d | %d | %d | %s | %s |\n",
			util.ShortID(string(p.Target)),
			p.Counts[EventDetect], p.Counts[EventRead], p.Counts[EventMeasure],
			p.Counts[EventShare], p.Counts[EventReceive], rssi, strings.Join(payloads, ", ")))
	}
	sb.WriteString("\n")

	sb.WriteString("## Issues\n\n")
	if len(issues) == 0 {
		sb.WriteString("✅ No issues found\n")
	} else {
		for _, issue := range issues {
			sb.WriteString(fmt.Sprintf("- **%s** %s\n", issue.Severity, issue.Description))
		}
	}
	return sb.String()
}
