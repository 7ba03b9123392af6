package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 style canonical JSON.
// This is the only serialization used for device payloads on the wire, so
// equal values always produce identical bytes.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are written byte-exact; invalid UTF-8 is rejected
//  4. Floats always carry a fraction or exponent so they decode as floats
//  5. NaN and infinities are rejected
func MarshalCanonical(v any) ([]byte, error) {
	return canonicalEncoder{}.marshal(v)
}

// marshalHashForm is MarshalCanonical with every string and key NFC
// normalized, so canonically equivalent values hash alike. Two keys of one
// object that normalize to the same string are an error.
func marshalHashForm(v any) ([]byte, error) {
	return canonicalEncoder{nfc: true}.marshal(v)
}

type canonicalEncoder struct {
	nfc bool
}

func (e canonicalEncoder) marshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil, IRNull:
		return []byte("null"), nil
	case IRString:
		return e.marshalString(string(val))
	case IRInt:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case IRFloat:
		return formatFloat(float64(val))
	case IRBool:
		return strconv.AppendBool(nil, bool(val)), nil
	case IRArray:
		return e.marshalArray(val)
	case IRObject:
		return e.marshalObject(val)
	default:
		irVal, err := convertToIRValue(v)
		if err != nil {
			return nil, fmt.Errorf("canonical JSON: %w", err)
		}
		return e.marshal(irVal)
	}
}

// formatFloat renders f in the shortest form that round-trips, appending
// ".0" to integral values so the float variant survives decoding.
func formatFloat(f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite float %v is not representable", f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return []byte(s), nil
}

// marshalString produces a canonical JSON string.
// Only control characters, backslash, and quote are escaped.
func (e canonicalEncoder) marshalString(s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("string %q is not valid UTF-8", s)
	}
	if e.nfc {
		s = norm.NFC.String(s)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}

	result := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	// json.Encoder escapes U+2028 and U+2029 for JavaScript; canonical JSON
	// keeps them literal.
	return unescapeLineSeparators(result), nil
}

// unescapeLineSeparators rewrites \u2028 and \u2029 escapes to literal
// characters, leaving \\u2028 (an escaped backslash followed by text) alone.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' {
			out = append(out, data[i])
			continue
		}
		if i+5 < len(data) && string(data[i+1:i+5]) == "u202" && (data[i+5] == '8' || data[i+5] == '9') {
			if data[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			continue
		}
		// Any other escape: copy the backslash and the escaped byte together
		// so an escaped backslash never pairs with the following text.
		out = append(out, data[i])
		if i+1 < len(data) {
			i++
			out = append(out, data[i])
		}
	}
	return out
}

// marshalArray marshals an array to canonical JSON.
func (e canonicalEncoder) marshalArray(arr IRArray) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		elemBytes, err := e.marshal(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(elemBytes)
	}

	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// marshalObject marshals an object with RFC 8785 key ordering.
func (e canonicalEncoder) marshalObject(obj IRObject) ([]byte, error) {
	keys := obj.SortedKeys()
	if e.nfc {
		var err error
		if keys, err = nfcKeys(obj); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		keyBytes, err := e.marshalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := e.marshal(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// nfcKeys returns the keys of obj ordered by their NFC form. It fails when
// two keys share one NFC form.
func nfcKeys(obj IRObject) ([]string, error) {
	byNFC := make(map[string]string, len(obj))
	normalized := make([]string, 0, len(obj))
	for k := range obj {
		n := norm.NFC.String(k)
		if prev, dup := byNFC[n]; dup {
			return nil, fmt.Errorf("keys %q and %q are canonically equivalent", prev, k)
		}
		byNFC[n] = k
		normalized = append(normalized, n)
	}
	slices.SortFunc(normalized, compareKeysRFC8785)
	keys := make([]string, len(normalized))
	for i, n := range normalized {
		keys[i] = byNFC[n]
	}
	return keys, nil
}
