// Package jsonenc provides the one JSON-encoding idiom this agent needs
// everywhere it writes to the coordinator: compact, with non-ASCII left
// unescaped. encoding/json's Marshal HTML-escapes by default and there is no
// third-party encoder in the retrieved pack that does this differently, so
// this wraps the standard library's documented escape-disabling idiom
// (json.NewEncoder(...).SetEscapeHTML(false)) rather than reinventing one.
package jsonenc

import (
	"bytes"
	"encoding/json"
)

// Marshal encodes v as compact JSON without HTML escaping and without the
// trailing newline json.Encoder otherwise appends.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	return bytes.TrimRight(out, "\n"), nil
}
