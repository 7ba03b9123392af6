package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/simerr"
)

// EncodeBatch serializes devices as a JSON array of envelopes.
func EncodeBatch(devices []ir.Device) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, d := range devices {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := Encode(d)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// DecodeBatch parses a JSON array of envelopes. The whole batch fails on the
// first malformed element.
func DecodeBatch(data []byte) ([]ir.Device, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, simerr.NewMalformedPayloadError("invalid device batch", err)
	}
	return DecodeRaw(elems)
}

// EncodeRaw serializes each device into its own raw message, the form used
// inside protocol frames.
func EncodeRaw(devices []ir.Device) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(devices))
	for i, d := range devices {
		b, err := Encode(d)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// DecodeRaw parses envelopes produced by EncodeRaw.
func DecodeRaw(elems []json.RawMessage) ([]ir.Device, error) {
	out := make([]ir.Device, 0, len(elems))
	for i, raw := range elems {
		d, err := Decode(raw, ir.DeviceID{})
		if err != nil {
			if se, ok := simerr.As(err); ok {
				se.Message = fmt.Sprintf("device[%d]: %s", i, se.Message)
			}
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
