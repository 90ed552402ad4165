package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperjump/kotae/internal/chat"
	"github.com/hyperjump/kotae/internal/models"
)

const sampleStream = `event: delta
data: {"type":"delta","text":"Kotae answers "}

event: citation
data: {"type":"citation","citation":{"marker":1,"chunk_id":"c1","document_id":"d1","document_title":"Handbook","snippet":"Kotae answers questions."}}

event: delta
data: {"type":"delta","text":"from documents [1]."}

event: done
data: {"type":"done","message_id":"m1","citations":[{"marker":1,"chunk_id":"c1","document_id":"d1","document_title":"Handbook","source_uri":"file:///handbook.md","snippet":"Kotae answers questions."}]}

`

func TestReadEvents(t *testing.T) {
	var types []chat.EventType
	err := ReadEvents(strings.NewReader(sampleStream), func(ev chat.StreamEvent) error {
		types = append(types, ev.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	want := []chat.EventType{chat.EventDelta, chat.EventCitation, chat.EventDelta, chat.EventDone}
	if len(types) != len(want) {
		t.Fatalf("got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestReadEvents_NoTrailingBlankLine(t *testing.T) {
	in := "event: done\ndata: {\"type\":\"done\",\"message_id\":\"m9\"}"
	var got chat.StreamEvent
	if err := ReadEvents(strings.NewReader(in), func(ev chat.StreamEvent) error {
		got = ev
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if got.MessageID != "m9" {
		t.Errorf("last event = %+v", got)
	}
}

func TestReadEvents_BadData(t *testing.T) {
	err := ReadEvents(strings.NewReader("data: {nope\n\n"), func(chat.StreamEvent) error { return nil })
	if err == nil {
		t.Fatal("expected a decode error")
	}
}

func TestAnswerWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	aw := NewAnswerWriter(&buf, OutputText)
	if err := ReadEvents(strings.NewReader(sampleStream), aw.Write); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "Kotae answers from documents [1].") {
		t.Errorf("answer text missing:\n%s", out)
	}
	if !strings.Contains(out, "Sources:") || !strings.Contains(out, "[1] Handbook (file:///handbook.md)") {
		t.Errorf("sources missing:\n%s", out)
	}
	if aw.Err() != nil {
		t.Errorf("Err() = %v", aw.Err())
	}
}

func TestAnswerWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	aw := NewAnswerWriter(&buf, OutputJSON)
	ev := chat.StreamEvent{Type: chat.EventDone, MessageID: "m1", Citations: []*models.Citation{{Marker: 1}}}
	if err := aw.Write(ev); err != nil {
		t.Fatal(err)
	}
	var decoded chat.StreamEvent
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if decoded.MessageID != "m1" || len(decoded.Citations) != 1 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestAnswerWriter_Error(t *testing.T) {
	var buf bytes.Buffer
	aw := NewAnswerWriter(&buf, OutputText)
	_ = aw.Write(chat.StreamEvent{Type: chat.EventDelta, Text: "partial"})
	_ = aw.Write(chat.StreamEvent{Type: chat.EventError, Kind: "provider_error", Message: "upstream closed"})
	if aw.Err() == nil || !strings.Contains(aw.Err().Error(), "upstream closed") {
		t.Errorf("Err() = %v", aw.Err())
	}
	if !strings.Contains(buf.String(), "error (provider_error)") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"hello world", 5, "hello..."},
		{"日本語のテキスト", 3, "日本語..."},
		{"any", 0, "any"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
