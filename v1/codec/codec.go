// Package codec serialises values stored under warlock keys.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	stdErrors "errors"
)

// Codec defines methods for encoding and decoding values.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON implements Codec using encoding/json. It is the default codec, so
// values written by one process decode in any other JSON-speaking client.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Gob implements Codec using encoding/gob.
type Gob struct{}

func (Gob) Marshal(v any) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (Gob) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Bytes passes []byte and string values through unchanged.
type Bytes struct{}

func (Bytes) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return nil, stdErrors.New("codec: Bytes value is not []byte or string")
}

func (Bytes) Unmarshal(data []byte, v any) error {
	switch ptr := v.(type) {
	case *[]byte:
		*ptr = data
		return nil
	case *string:
		*ptr = string(data)
		return nil
	}
	return stdErrors.New("codec: Bytes target is not *[]byte or *string")
}

// ByName returns the codec registered under name: "json", "gob" or "bytes".
func ByName(name string) (Codec, bool) {
	switch name {
	case "", "json":
		return JSON{}, true
	case "gob":
		return Gob{}, true
	case "bytes", "raw":
		return Bytes{}, true
	}
	return nil, false
}
