// Package sseutil provides shared server-sent event reading and canonical
// chunk building for vendor adapters.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 256 * 1024 // Gemini candidates can exceed 64KB per line

// NewScanner returns a bufio.Scanner configured for reading SSE lines.
// Each call to Scan() returns a single line without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine parses a single SSE line into its event type and data payload.
// It returns ok=false for empty lines, comments, and malformed lines.
//
//	"event: <type>"   -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"       -> ok=false
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// Scan reads SSE lines from r and calls fn for every non-empty data payload
// with the most recent event name. The event name resets after each data
// line. Scanning stops early when fn returns false.
func Scan(r io.Reader, fn func(event, data string) bool) error {
	scanner := NewScanner(r)
	var current string
	for scanner.Scan() {
		event, data, ok := ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			current = event
			continue
		}
		if data == "" {
			continue
		}
		if !fn(current, data) {
			return nil
		}
		current = ""
	}
	return scanner.Err()
}
