// Package tools holds the built-in tools the host registers at startup.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/editorbridge/editorbridge/pkg/logging"
	"github.com/editorbridge/editorbridge/pkg/toolspec"
)

// ConsoleLog serves recent host log entries from the ring buffer. It is
// background-safe: the buffer is internally locked.
type ConsoleLog struct {
	buffer *logging.LogBuffer
}

// NewConsoleLog creates the console_log tool over the given buffer.
func NewConsoleLog(buffer *logging.LogBuffer) *ConsoleLog {
	return &ConsoleLog{buffer: buffer}
}

func (t *ConsoleLog) Name() string { return "console_log" }

func (t *ConsoleLog) Description() string {
	return "Returns recent entries from the host console log, newest last."
}

func (t *ConsoleLog) RequiresMainThread() bool { return false }

func (t *ConsoleLog) ParameterSchema() *toolspec.Schema {
	return toolspec.Object(map[string]*toolspec.Schema{
		"count": toolspec.Integer("maximum number of entries to return", 1, 500, 50),
		"level": toolspec.StringEnum("minimum severity to include", "debug", "info", "warn", "error"),
	})
}

func (t *ConsoleLog) Execute(ctx context.Context, args map[string]any) (string, error) {
	count := 50
	if v, ok := args["count"]; ok {
		count = int(toFloat(v))
	}

	minLevel := slog.LevelDebug
	if v, ok := args["level"]; ok {
		minLevel = logging.ParseLevel(v.(string))
	}

	entries := t.buffer.Recent(count, minLevel)
	result := struct {
		Count   int                     `json:"count"`
		Entries []logging.BufferedEntry `json:"entries"`
	}{Count: len(entries), Entries: entries}

	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encoding log entries: %w", err)
	}
	return string(data), nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}
