// Package codec converts devices to and from their JSON wire envelope:
//
//	{"data":{...},"device_id":{"engine_name":"nest","name":"voltage"},"kind":"from_engine"}
//
// Encoding is canonical, so the same device always produces the same bytes.
// Strings travel byte-exact; invalid UTF-8 is rejected in both directions.
// Decoding validates the envelope shape against an embedded JSON Schema
// before converting the data into IR values.
package codec

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/simerr"
)

//go:embed envelope.schema.json
var envelopeSchemaJSON string

const envelopeSchemaURL = "device-envelope.json"

var envelopeSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(envelopeSchemaURL, bytes.NewReader([]byte(envelopeSchemaJSON))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
})

// ToIR returns the envelope of d as an IR object.
func ToIR(d ir.Device) ir.IRObject {
	data := d.Data
	if data == nil {
		data = ir.IRObject{}
	}
	obj := ir.IRObject{
		"device_id": ir.IRObject{
			"name":        ir.IRString(d.ID.Name),
			"engine_name": ir.IRString(d.ID.EngineName),
		},
		"data": data,
	}
	if d.Kind != "" {
		obj["kind"] = ir.IRString(d.Kind)
	}
	return obj
}

// Encode serializes d into canonical JSON bytes.
func Encode(d ir.Device) ([]byte, error) {
	if err := d.ID.Validate(); err != nil {
		return nil, simerr.NewMalformedPayloadError("encode device", err)
	}
	if d.Kind != "" && !d.Kind.Valid() {
		return nil, simerr.NewMalformedPayloadError(fmt.Sprintf("encode device %s: invalid kind %q", d.ID, d.Kind), nil)
	}
	out, err := ir.MarshalCanonical(ToIR(d))
	if err != nil {
		return nil, simerr.NewMalformedPayloadError(fmt.Sprintf("encode device %s", d.ID), err)
	}
	return out, nil
}

// Decode parses a JSON envelope. When expected is non-zero the decoded id
// must equal it.
func Decode(data []byte, expected ir.DeviceID) (ir.Device, error) {
	if !utf8.Valid(data) {
		return ir.Device{}, simerr.NewMalformedPayloadError("payload is not valid UTF-8", nil)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return ir.Device{}, simerr.NewMalformedPayloadError("invalid JSON", err)
	}
	return decodeValue(data, raw, expected)
}

func decodeValue(data []byte, raw any, expected ir.DeviceID) (ir.Device, error) {
	schema, err := envelopeSchema()
	if err != nil {
		return ir.Device{}, fmt.Errorf("device envelope schema: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return ir.Device{}, simerr.NewMalformedPayloadError("envelope does not match schema", err)
	}

	// Second pass keeps exact number variants, which the schema pass loses.
	v, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return ir.Device{}, simerr.NewMalformedPayloadError("invalid JSON", err)
	}
	return FromIR(v.(ir.IRObject), expected)
}

// FromIR converts an envelope IR object, already known to match the schema
// shape, into a device.
func FromIR(obj ir.IRObject, expected ir.DeviceID) (ir.Device, error) {
	idObj, _ := obj["device_id"].(ir.IRObject)
	name, _ := idObj["name"].(ir.IRString)
	engine, _ := idObj["engine_name"].(ir.IRString)
	data, ok := obj["data"].(ir.IRObject)
	if !ok {
		return ir.Device{}, simerr.NewMalformedPayloadError("envelope data must be an object", nil)
	}

	d := ir.Device{
		ID:   ir.NewDeviceID(string(name), string(engine)),
		Data: data,
	}
	if err := d.ID.Validate(); err != nil {
		return ir.Device{}, simerr.NewMalformedPayloadError("invalid device id", err)
	}
	if kind, ok := obj["kind"].(ir.IRString); ok {
		d.Kind = ir.DeviceKind(kind)
		if !d.Kind.Valid() {
			return ir.Device{}, simerr.NewMalformedPayloadError(fmt.Sprintf("invalid kind %q", kind), nil)
		}
	}
	if !expected.IsZero() && d.ID != expected {
		err := simerr.NewMalformedPayloadError(fmt.Sprintf("device id %s does not match expected %s", d.ID, expected), nil)
		err.Device = expected
		err.Engine = expected.EngineName
		return ir.Device{}, err
	}
	return d, nil
}
