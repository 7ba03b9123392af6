package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf16"
)

// IRValue is a sealed interface over the value types a device field can hold.
// Only IRNull, IRString, IRInt, IRFloat, IRBool, IRArray, and IRObject
// implement it.
type IRValue interface {
	irValue() // Sealed - only these types implement it
}

// IRNull represents a JSON null value.
// Using an explicit type ensures all IRValues satisfy the sealed interface.
type IRNull struct{}

func (IRNull) irValue() {}

// MarshalJSON implements json.Marshaler for IRNull.
func (IRNull) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// IRString represents a string value.
type IRString string

func (IRString) irValue() {}

// IRInt represents an integer value. Always int64.
type IRInt int64

func (IRInt) irValue() {}

// IRFloat represents a finite floating point value.
// NaN and infinities cannot be encoded and are rejected at marshal time.
type IRFloat float64

func (IRFloat) irValue() {}

// IRBool represents a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray represents an array of IRValue elements.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject represents a map of string keys to IRValue elements.
// Use SortedKeys() for deterministic iteration.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// ValueKind is the variant tag of an IRValue.
type ValueKind string

const (
	KindNull   ValueKind = "null"
	KindString ValueKind = "string"
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindBool   ValueKind = "bool"
	KindArray  ValueKind = "array"
	KindObject ValueKind = "object"
)

// KindOf returns the variant tag of v. A nil interface reports KindNull.
func KindOf(v IRValue) ValueKind {
	switch v.(type) {
	case IRString:
		return KindString
	case IRInt:
		return KindInt
	case IRFloat:
		return KindFloat
	case IRBool:
		return KindBool
	case IRArray:
		return KindArray
	case IRObject:
		return KindObject
	default:
		return KindNull
	}
}

// IRPair represents a key-value pair for typed IRObject construction.
type IRPair struct {
	Key   string
	Value IRValue
}

// NewIRObjectFromPairs creates an IRObject from typed key-value pairs.
// Example: NewIRObjectFromPairs(O("rate", IRFloat(15000)), O("port", IRInt(1)))
func NewIRObjectFromPairs(pairs ...IRPair) IRObject {
	obj := make(IRObject, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// O is a shorthand for IRPair.
func O(key string, value IRValue) IRPair {
	return IRPair{Key: key, Value: value}
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 byte order, which differs for astral characters.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// Equal reports whether a and b are deeply equal, including their variants.
// IRInt(1) and IRFloat(1) are not equal.
func Equal(a, b IRValue) bool {
	if KindOf(a) != KindOf(b) {
		return false
	}
	switch av := a.(type) {
	case IRString:
		return av == b.(IRString)
	case IRInt:
		return av == b.(IRInt)
	case IRFloat:
		return av == b.(IRFloat)
	case IRBool:
		return av == b.(IRBool)
	case IRArray:
		bv := b.(IRArray)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case IRObject:
		bv := b.(IRObject)
		if len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !Equal(v, other) {
				return false
			}
		}
		return true
	default:
		return true // both null
	}
}

// Clone returns a deep copy of v. Scalars are returned as-is.
func Clone(v IRValue) IRValue {
	switch val := v.(type) {
	case IRArray:
		return cloneArray(val)
	case IRObject:
		return val.Clone()
	default:
		return v
	}
}

// Clone returns a deep copy of obj. A nil object clones to nil.
func (obj IRObject) Clone() IRObject {
	if obj == nil {
		return nil
	}
	out := make(IRObject, len(obj))
	for k, v := range obj {
		out[k] = Clone(v)
	}
	return out
}

func cloneArray(arr IRArray) IRArray {
	if arr == nil {
		return nil
	}
	out := make(IRArray, len(arr))
	for i, v := range arr {
		out[i] = Clone(v)
	}
	return out
}

// MarshalJSON implements json.Marshaler for IRObject using canonical encoding.
func (obj IRObject) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(obj)
}

// MarshalJSON implements json.Marshaler for IRArray using canonical encoding.
func (arr IRArray) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(arr)
}

// MarshalJSON implements json.Marshaler for IRFloat.
func (f IRFloat) MarshalJSON() ([]byte, error) {
	return formatFloat(float64(f))
}

// UnmarshalJSON implements json.Unmarshaler for IRObject.
func (obj *IRObject) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalIRValue(data)
	if err != nil {
		return err
	}
	o, ok := v.(IRObject)
	if !ok {
		return fmt.Errorf("expected JSON object, got %s", KindOf(v))
	}
	*obj = o
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for IRArray.
func (arr *IRArray) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalIRValue(data)
	if err != nil {
		return err
	}
	a, ok := v.(IRArray)
	if !ok {
		return fmt.Errorf("expected JSON array, got %s", KindOf(v))
	}
	*arr = a
	return nil
}

// MarshalIRValue marshals an IRValue to canonical JSON bytes.
func MarshalIRValue(v IRValue) ([]byte, error) {
	return MarshalCanonical(v)
}

// UnmarshalIRValue parses JSON into an IRValue.
//
// Number literals containing '.', 'e' or 'E' become IRFloat. Other numbers
// become IRInt when they fit in int64 and IRFloat otherwise. Trailing data
// after the first JSON value is an error.
func UnmarshalIRValue(data []byte) (IRValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}

	return convertToIRValue(raw)
}

// FromGo converts a decoded Go value (from encoding/json, yaml.v3, or
// hand-built maps) into an IRValue.
func FromGo(v any) (IRValue, error) {
	return convertToIRValue(v)
}

// convertToIRValue recursively converts a Go value to an IRValue.
func convertToIRValue(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case IRValue:
		return val, nil
	case bool:
		return IRBool(val), nil
	case string:
		return IRString(val), nil
	case json.Number:
		return convertNumber(val)
	case int:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case int32:
		return IRInt(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return IRFloat(float64(val)), nil
		}
		return IRInt(val), nil
	case float64:
		return checkFloat(val)
	case float32:
		return checkFloat(float64(val))
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			irElem, err := convertToIRValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = irElem
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			irElem, err := convertToIRValue(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = irElem
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func convertNumber(n json.Number) (IRValue, error) {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return IRInt(i), nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("invalid number %s: %w", s, err)
	}
	return checkFloat(f)
}

func checkFloat(f float64) (IRValue, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite float %v is not representable", f)
	}
	return IRFloat(f), nil
}
