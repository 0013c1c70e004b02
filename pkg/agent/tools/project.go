package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/editorbridge/editorbridge/pkg/toolspec"
)

// ProjectSnapshot is the data project_info reports.
type ProjectSnapshot struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	HostVersion string `json:"hostVersion"`
	ToolCount   int    `json:"toolCount"`
	UptimeSecs  int64  `json:"uptimeSeconds"`
}

// ProjectInfo reports project metadata. Background-safe: the snapshot
// function must only read immutable or internally-locked state.
type ProjectInfo struct {
	snapshot func() ProjectSnapshot
	started  time.Time
}

// NewProjectInfo creates the project_info tool.
func NewProjectInfo(snapshot func() ProjectSnapshot) *ProjectInfo {
	return &ProjectInfo{snapshot: snapshot, started: time.Now()}
}

func (t *ProjectInfo) Name() string { return "project_info" }

func (t *ProjectInfo) Description() string {
	return "Returns the open project's name, path, host version, and uptime."
}

func (t *ProjectInfo) RequiresMainThread() bool { return false }

func (t *ProjectInfo) ParameterSchema() *toolspec.Schema {
	return toolspec.Object(nil)
}

func (t *ProjectInfo) Execute(ctx context.Context, args map[string]any) (string, error) {
	snap := t.snapshot()
	snap.UptimeSecs = int64(time.Since(t.started).Seconds())

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encoding project info: %w", err)
	}
	return string(data), nil
}
