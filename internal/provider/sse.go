package provider

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

const maxLine = 1 << 20

// streamSSE reads a server-sent event stream and calls onEvent for every
// complete event. It returns the first error from onEvent or the reader.
func streamSSE(r io.Reader, onEvent func(event, data string) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		eventName string
		dataLines []string
	)

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		data := strings.Join(dataLines, "\n")
		ev := eventName
		dataLines, eventName = nil, ""
		return onEvent(ev, data)
	}

	for {
		line, err := readLine(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return flush()
			}
			return err
		}

		// Blank line ends event.
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		// Comment.
		if strings.HasPrefix(line, ":") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			eventName = strings.TrimSpace(v)
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(v, " "))
		}
	}
}

// streamNDJSON calls onLine for every non-empty line.
func streamNDJSON(r io.Reader, onLine func(line []byte) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := readLine(br)
		if line = strings.TrimSpace(line); line != "" {
			if cbErr := onLine([]byte(line)); cbErr != nil {
				return cbErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// readLine returns the next line without its terminator, or io.EOF once the
// reader is exhausted.
func readLine(br *bufio.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		chunk, isPrefix, err := br.ReadLine()
		buf.Write(chunk)
		if err != nil {
			if buf.Len() > 0 && errors.Is(err, io.EOF) {
				return buf.String(), nil
			}
			return buf.String(), err
		}
		if buf.Len() > maxLine {
			return "", errors.New("stream line too long")
		}
		if !isPrefix {
			return buf.String(), nil
		}
	}
}
