// Package envelope implements the versioned wire wrapper carried by every
// websocket text frame:
//
//	{ "v": 1, "type": "<frame-kind>", "topic": "<topic>", "data": <json> }
//
// Any frame that is not JSON, carries another version, lacks a non-empty
// type or topic, or omits the data key is a protocol error.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/loopcore/errors"
)

// Version is the single supported protocol version.
const Version = 1

// Frame kinds used by the runtime itself. Business frame kinds are opaque.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

const schemaSource = `{
  "type": "object",
  "required": ["v", "type", "topic", "data"],
  "properties": {
    "v":     {"type": "integer", "enum": [1]},
    "type":  {"type": "string", "minLength": 1},
    "topic": {"type": "string", "minLength": 1}
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaSource))
	})
	return schema, schemaErr
}

// Envelope is one decoded frame.
type Envelope struct {
	Version int             `json:"v"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

// New builds a current-version envelope, marshalling data. A nil data value
// is sent as an empty object.
func New(frameType, topic string, data any) (Envelope, error) {
	raw := json.RawMessage(`{}`)
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, errors.WrapInvalid(err, "envelope", "New", "marshal data")
		}
		raw = b
	}

	env := Envelope{Version: Version, Type: frameType, Topic: topic, Data: raw}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope invariants on an already-decoded value.
func (e Envelope) Validate() error {
	switch {
	case e.Version != Version:
		return errors.WrapProtocol(
			fmt.Errorf("%w: %d", errors.ErrInvalidVersion, e.Version),
			"envelope", "Validate", "check version")
	case e.Type == "":
		return errors.WrapProtocol(
			fmt.Errorf("%w: empty type", errors.ErrProtocol),
			"envelope", "Validate", "check type")
	case e.Topic == "":
		return errors.WrapProtocol(
			fmt.Errorf("%w: empty topic", errors.ErrProtocol),
			"envelope", "Validate", "check topic")
	case len(e.Data) == 0:
		return errors.WrapProtocol(
			fmt.Errorf("%w: missing data", errors.ErrProtocol),
			"envelope", "Validate", "check data")
	}
	return nil
}

// Decode parses and validates one inbound frame.
func Decode(frame []byte) (Envelope, error) {
	s, err := loadSchema()
	if err != nil {
		return Envelope{}, errors.WrapFatal(err, "envelope", "Decode", "compile schema")
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(frame))
	if err != nil {
		// the document itself could not be parsed
		return Envelope{}, errors.WrapProtocol(
			fmt.Errorf("%w: %v", errors.ErrProtocol, err),
			"envelope", "Decode", "parse frame")
	}
	if !result.Valid() {
		return Envelope{}, errors.WrapProtocol(
			fmt.Errorf("%w: %s", errors.ErrProtocol, describe(result.Errors())),
			"envelope", "Decode", "validate frame")
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, errors.WrapProtocol(
			fmt.Errorf("%w: %v", errors.ErrProtocol, err),
			"envelope", "Decode", "unmarshal frame")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode validates and marshals an outbound envelope.
func Encode(env Envelope) ([]byte, error) {
	if len(env.Data) == 0 {
		env.Data = json.RawMessage(`{}`)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.WrapInvalid(err, "envelope", "Encode", "marshal envelope")
	}
	return data, nil
}

// Unmarshal decodes the envelope payload into v.
func (e Envelope) Unmarshal(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.WrapInvalid(err, "envelope", "Unmarshal", "decode data")
	}
	return nil
}

func describe(errs []gojsonschema.ResultError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}
