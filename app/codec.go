package app

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/c360/loopcore/errors"
)

// Snapshot formats. CBOR snapshots reuse the json field names.
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// Encoder returns the snapshot encoder for format, for engine.WithEncoder.
func Encoder(format string) (func(any) ([]byte, error), error) {
	switch format {
	case FormatJSON, "":
		return json.Marshal, nil
	case FormatCBOR:
		return cbor.Marshal, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown snapshot format %q", errors.ErrInvalidConfig, format),
			"app", "Encoder", "check format")
	}
}

// decoderFor picks the decoder from the first byte. A JSON snapshot is
// always an object; a CBOR map never starts with '{'.
func decoderFor(snapshot []byte) func([]byte, any) error {
	if trimmed := bytes.TrimLeft(snapshot, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '{' {
		return json.Unmarshal
	}
	return cbor.Unmarshal
}
