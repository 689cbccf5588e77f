// Package jsoncodec is the single JSON entry point used by ackflow so the
// encoder can be swapped without touching callers.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// api is std-compatible: sorted map keys, HTML escaping, valid UTF-8 checks.
var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// MarshalString is Marshal for log fields and SQL text columns.
func MarshalString(v any) (string, error) {
	return api.MarshalToString(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Encode writes v followed by a newline, which makes it suitable for
// line-delimited logs.
func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

// Decoder returns a streaming decoder over r.
func Decoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}
