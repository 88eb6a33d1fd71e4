// Package notebookproto parses the tab-delimited line protocol a notebook
// pipeline's in-container runner emits on stdout for cell-by-cell execution
// (FASTFLOW_CELL_START/FASTFLOW_CELL_OUTPUT/FASTFLOW_CELL_END) and folds it
// into per-run, per-cell records, the way the orchestrator's log drain turns
// a raw byte stream into structured state for anything else it needs to
// track mid-run.
package notebookproto

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const (
	startPrefix  = "FASTFLOW_CELL_START\t"
	outputPrefix = "FASTFLOW_CELL_OUTPUT\t"
	endPrefix    = "FASTFLOW_CELL_END\t"
)

// EventKind distinguishes the three line shapes the protocol defines.
type EventKind string

const (
	EventStart  EventKind = "start"
	EventOutput EventKind = "output"
	EventEnd    EventKind = "end"
)

// EndStatus is the terminal-or-retrying status word a FASTFLOW_CELL_END line carries.
type EndStatus string

const (
	EndSuccess  EndStatus = "SUCCESS"
	EndFailed   EndStatus = "FAILED"
	EndRetrying EndStatus = "RETRYING"
)

// Event is one parsed protocol line. Only the fields relevant to Kind are
// populated.
type Event struct {
	Kind  EventKind
	Index int

	// EventOutput
	Stream   string // "stdout" | "stderr" | "image"
	Encoding string // "text" | "base64"
	Payload  string

	// EventEnd
	Status  EndStatus
	Attempt int    // RETRYING only
	Err     string // FAILED or RETRYING only
}

// Parse recognises a log line as a notebook protocol event. ok is false for
// any line that isn't one of the three recognised shapes, in which case the
// caller should treat it as plain pipeline output.
func Parse(line string) (ev Event, ok bool) {
	switch {
	case strings.HasPrefix(line, startPrefix):
		return parseStart(line)
	case strings.HasPrefix(line, outputPrefix):
		return parseOutput(line)
	case strings.HasPrefix(line, endPrefix):
		return parseEnd(line)
	default:
		return Event{}, false
	}
}

func parseStart(line string) (Event, bool) {
	idx, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, startPrefix)))
	if err != nil {
		return Event{}, false
	}
	return Event{Kind: EventStart, Index: idx}, true
}

// parseOutput splits "FASTFLOW_CELL_OUTPUT\t<index>\t<stream>\t<encoding>\t<payload>".
// Payload is the remainder of the line verbatim (it may itself contain
// spaces/tabs once decoded), so only the first three fields are split off.
func parseOutput(line string) (Event, bool) {
	rest := strings.TrimPrefix(line, outputPrefix)
	fields := strings.SplitN(rest, "\t", 4)
	if len(fields) != 4 {
		return Event{}, false
	}
	idx, err := strconv.Atoi(fields[0])
	if err != nil {
		return Event{}, false
	}
	return Event{
		Kind:     EventOutput,
		Index:    idx,
		Stream:   fields[1],
		Encoding: fields[2],
		Payload:  fields[3],
	}, true
}

// parseEnd splits "FASTFLOW_CELL_END\t<index>\tSUCCESS|FAILED|RETRYING<attempt>[<err>]".
func parseEnd(line string) (Event, bool) {
	rest := strings.TrimPrefix(line, endPrefix)
	fields := strings.SplitN(rest, "\t", 2)
	if len(fields) == 0 {
		return Event{}, false
	}
	idx, err := strconv.Atoi(fields[0])
	if err != nil {
		return Event{}, false
	}
	if len(fields) < 2 {
		return Event{}, false
	}
	statusWord := strings.TrimSpace(fields[1])

	ev := Event{Kind: EventEnd, Index: idx}
	switch {
	case statusWord == string(EndSuccess):
		ev.Status = EndSuccess
	case strings.HasPrefix(statusWord, string(EndFailed)):
		ev.Status = EndFailed
		ev.Err = extractBracketed(statusWord, string(EndFailed))
	case strings.HasPrefix(statusWord, string(EndRetrying)):
		ev.Status = EndRetrying
		attempt, errText := splitRetrying(statusWord)
		ev.Attempt = attempt
		ev.Err = errText
	default:
		return Event{}, false
	}
	return ev, true
}

// extractBracketed pulls an optional "[...]" error suffix off a status word,
// e.g. "FAILED[boom]" -> "boom".
func extractBracketed(word, prefix string) string {
	rem := strings.TrimPrefix(word, prefix)
	rem = strings.TrimSpace(rem)
	if strings.HasPrefix(rem, "[") && strings.HasSuffix(rem, "]") {
		return rem[1 : len(rem)-1]
	}
	return ""
}

// splitRetrying parses "RETRYING<attempt>[<err>]" into its numeric attempt
// and optional bracketed error text.
func splitRetrying(word string) (attempt int, errText string) {
	rem := strings.TrimPrefix(word, string(EndRetrying))
	bracket := strings.Index(rem, "[")
	numPart := rem
	if bracket >= 0 {
		numPart = rem[:bracket]
		if strings.HasSuffix(rem, "]") {
			errText = rem[bracket+1 : len(rem)-1]
		}
	}
	attempt, _ = strconv.Atoi(strings.TrimSpace(numPart))
	return attempt, errText
}

// DecodePayload returns an output event's payload as text, base64-decoding
// it first when Encoding is "base64". A malformed base64 payload is returned
// as-is with the decode error, leaving the caller to decide whether to drop
// or keep the raw text.
func DecodePayload(ev Event) (string, error) {
	if ev.Encoding != "base64" {
		return ev.Payload, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(ev.Payload)
	if err != nil {
		return ev.Payload, fmt.Errorf("notebookproto: decode payload for cell %d: %w", ev.Index, err)
	}
	return string(decoded), nil
}

// CondensedLine renders a protocol event as the short human-readable form
// the run's plain-text log file sees, instead of the raw wire line.
func CondensedLine(ev Event) string {
	switch ev.Kind {
	case EventStart:
		return fmt.Sprintf("[Notebook] Cell %d: started", ev.Index)
	case EventEnd:
		switch ev.Status {
		case EndSuccess:
			return fmt.Sprintf("[Notebook] Cell %d: succeeded", ev.Index)
		case EndFailed:
			if ev.Err != "" {
				return fmt.Sprintf("[Notebook] Cell %d: failed (%s)", ev.Index, ev.Err)
			}
			return fmt.Sprintf("[Notebook] Cell %d: failed", ev.Index)
		case EndRetrying:
			if ev.Err != "" {
				return fmt.Sprintf("[Notebook] Cell %d: retry attempt %d (%s)", ev.Index, ev.Attempt, ev.Err)
			}
			return fmt.Sprintf("[Notebook] Cell %d: retry attempt %d", ev.Index, ev.Attempt)
		}
	case EventOutput:
		if ev.Stream == "image" {
			return fmt.Sprintf("[Notebook] Cell %d: image output", ev.Index)
		}
	}
	return ""
}
