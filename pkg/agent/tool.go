// Package agent implements the in-host side of the bridge: the tool
// registry, the loopback TCP server with its background and main-thread
// dispatch lanes, and the window waker that keeps the host main loop
// ticking while minimized.
package agent

import (
	"context"

	"github.com/editorbridge/editorbridge/pkg/toolspec"
)

// Tool is the contract every registered tool satisfies. Tools declare
// their own schema and threading requirement; the registry serves both
// through list_tools.
type Tool interface {
	// Name returns the unique snake_case tool identifier.
	Name() string

	// Description returns free text shown to callers.
	Description() string

	// RequiresMainThread reports whether Execute must run on the host
	// main loop. Background-safe tools must be internally safe for
	// concurrent calls.
	RequiresMainThread() bool

	// ParameterSchema declares the tool's parameters.
	ParameterSchema() *toolspec.Schema

	// Execute runs the tool. Arguments have been validated against the
	// schema with defaults applied. The returned string is a JSON
	// document embedded into the response envelope.
	Execute(ctx context.Context, args map[string]any) (string, error)
}
