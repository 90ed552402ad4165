// Package cli provides CLI utilities for Kotae: reading a chat event stream
// and rendering it for the terminal.
package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/kotae/internal/chat"
)

// OutputFormat is the format for answer output.
type OutputFormat string

const (
	// OutputText streams the answer as it arrives and lists sources at the end.
	OutputText OutputFormat = "text"
	// OutputJSON writes one JSON object per event.
	OutputJSON OutputFormat = "json"
)

// ReadEvents parses a server-sent event stream and calls fn for each event.
// It stops at the first error from fn.
func ReadEvents(r io.Reader, fn func(chat.StreamEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data bytes.Buffer
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		var ev chat.StreamEvent
		err := json.Unmarshal(data.Bytes(), &ev)
		data.Reset()
		if err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		return fn(ev)
	}
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return flush()
}

// AnswerWriter renders chat events to w.
type AnswerWriter struct {
	w      io.Writer
	format OutputFormat
	failed error
}

// NewAnswerWriter returns a writer for the given format.
func NewAnswerWriter(w io.Writer, format OutputFormat) *AnswerWriter {
	return &AnswerWriter{w: w, format: format}
}

// Write renders one event.
func (a *AnswerWriter) Write(ev chat.StreamEvent) error {
	if ev.Type == chat.EventError {
		a.failed = fmt.Errorf("%s: %s", ev.Kind, ev.Message)
	}
	if a.format == OutputJSON {
		return json.NewEncoder(a.w).Encode(ev)
	}
	switch ev.Type {
	case chat.EventDelta:
		_, err := io.WriteString(a.w, ev.Text)
		return err
	case chat.EventError:
		_, err := fmt.Fprintf(a.w, "\n\nerror (%s): %s\n", ev.Kind, ev.Message)
		return err
	case chat.EventDone:
		fmt.Fprintln(a.w)
		if len(ev.Citations) == 0 {
			return nil
		}
		fmt.Fprintln(a.w, "\nSources:")
		for _, c := range ev.Citations {
			fmt.Fprintf(a.w, "  [%d] %s", c.Marker, c.DocumentTitle)
			if c.SourceURI != "" {
				fmt.Fprintf(a.w, " (%s)", c.SourceURI)
			}
			fmt.Fprintf(a.w, "\n      %s\n", Truncate(c.Snippet, 120))
		}
	}
	return nil
}

// Err returns the error carried by the stream, if any.
func (a *AnswerWriter) Err() error {
	return a.failed
}

// Truncate shortens s to at most maxLen runes and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if maxLen <= 0 || len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
