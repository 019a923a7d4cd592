package xjson

import (
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

// Thin indirection over the JSON codec so the wire envelope, the follow
// registry and opaque machine values all encode through one import site.

func Marshal(v interface{}) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return gjson.Unmarshal(data, v)
}

func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gjson.MarshalIndent(v, prefix, indent)
}

// RawMessage stays compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage
