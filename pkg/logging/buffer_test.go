package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"testing"
)

func TestLogBuffer_Wraparound(t *testing.T) {
	b := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(slog.LevelInfo, BufferedEntry{Message: strconv.Itoa(i)})
	}

	if b.Count() != 3 {
		t.Fatalf("count = %d, want 3", b.Count())
	}

	got := b.Recent(3, slog.LevelDebug)
	want := []string{"2", "3", "4"}
	for i, entry := range got {
		if entry.Message != want[i] {
			t.Errorf("entry %d = %q, want %q", i, entry.Message, want[i])
		}
	}
}

func TestLogBuffer_LevelFilterAndLimit(t *testing.T) {
	b := NewLogBuffer(10)
	b.Add(slog.LevelDebug, BufferedEntry{Message: "d"})
	b.Add(slog.LevelInfo, BufferedEntry{Message: "i"})
	b.Add(slog.LevelWarn, BufferedEntry{Message: "w"})
	b.Add(slog.LevelError, BufferedEntry{Message: "e"})

	got := b.Recent(10, slog.LevelWarn)
	if len(got) != 2 || got[0].Message != "w" || got[1].Message != "e" {
		t.Errorf("got %+v", got)
	}

	got = b.Recent(1, slog.LevelDebug)
	if len(got) != 1 || got[0].Message != "e" {
		t.Errorf("limit should keep the newest: %+v", got)
	}
}

func TestLogBuffer_Clear(t *testing.T) {
	b := NewLogBuffer(4)
	b.Add(slog.LevelInfo, BufferedEntry{Message: "x"})
	b.Clear()
	if b.Count() != 0 {
		t.Errorf("count after clear = %d", b.Count())
	}
	if got := b.Recent(10, slog.LevelDebug); got != nil {
		t.Errorf("recent after clear = %+v", got)
	}
}

func TestBufferHandler_TeesToBufferAndNext(t *testing.T) {
	var out bytes.Buffer
	buffer := NewLogBuffer(10)
	handler := NewBufferHandler(slog.NewJSONHandler(&out, nil), buffer)
	logger := slog.New(handler)

	logger.Info("hello", "tool", "console_log")

	if buffer.Count() != 1 {
		t.Fatalf("buffer count = %d", buffer.Count())
	}
	entry := buffer.Recent(1, slog.LevelDebug)[0]
	if entry.Message != "hello" || entry.Attrs["tool"] != "console_log" {
		t.Errorf("got %+v", entry)
	}

	var record map[string]any
	if err := json.Unmarshal(out.Bytes(), &record); err != nil {
		t.Fatalf("next handler output: %v", err)
	}
	if record["msg"] != "hello" {
		t.Errorf("next handler record = %v", record)
	}
}

func TestBufferHandler_RetainsBelowNextLevel(t *testing.T) {
	var out bytes.Buffer
	buffer := NewLogBuffer(10)
	next := slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(NewBufferHandler(next, buffer))

	logger.Debug("quiet")

	if buffer.Count() != 1 {
		t.Error("debug record should still reach the buffer")
	}
	if out.Len() != 0 {
		t.Error("debug record should not reach the warn-level handler")
	}
}
