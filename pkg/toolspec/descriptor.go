// Package toolspec defines the self-describing tool model shared by the
// agent and the broker: descriptors, the versioned catalog, and the
// JSON-Schema subset used for parameter specs.
package toolspec

import "encoding/json"

// Descriptor describes one registered tool.
type Descriptor struct {
	Name               string `json:"name"`
	Description        string `json:"description"`
	RequiresMainThread bool   `json:"requiresMainThread"`
	// ParameterSchema is a JSON-Schema object serialized as a string,
	// matching the double-encoded convention of the wire protocol.
	ParameterSchema string `json:"parameterSchema"`
}

// Schema parses the descriptor's parameter schema.
func (d Descriptor) Schema() (*Schema, error) {
	return ParseSchema([]byte(d.ParameterSchema))
}

// Catalog is the versioned tool list served by list_tools. Version
// increases on every host discovery pass, so the broker can skip resync
// when nothing changed.
type Catalog struct {
	Version int          `json:"version"`
	Tools   []Descriptor `json:"tools"`
}

// RawSchema returns the descriptor's schema as raw JSON bytes, suitable
// for handing to an outer framework unchanged. An empty schema becomes
// an object schema with no properties so consumers always receive a
// valid document.
func (d Descriptor) RawSchema() json.RawMessage {
	if d.ParameterSchema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(d.ParameterSchema)
}
