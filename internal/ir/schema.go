package ir

import (
	"fmt"
	"slices"
	"strings"
)

// Schema is the established shape of a device's data: a kind for every
// field path. A field first seen as null stays untyped until it carries a
// value; from then on its kind is fixed.
//
// Rules:
//   - a nil Schema accepts anything; the first non-empty data establishes it
//   - empty data means "no data yet", is always accepted and changes nothing
//   - IRInt and IRFloat are both "number"
//   - IRNull is accepted for any field; an untyped field accepts any value
//   - objects keep exactly their established fields
//   - array elements share one shape, fixed by the first non-null element
type Schema struct {
	kind   ValueKind
	fields map[string]*Schema
	elem   *Schema
}

// NewSchema returns the schema established by data, or nil when data is
// empty.
func NewSchema(data IRObject) *Schema {
	if len(data) == 0 {
		return nil
	}
	return schemaOf(data)
}

// Diff lists the field paths where data deviates from s. An empty result
// means data may be stored.
func (s *Schema) Diff(data IRObject) []string {
	if s == nil || len(data) == 0 {
		return nil
	}
	var diffs []string
	s.diffValue("", data, &diffs)
	return diffs
}

// Refine records the kinds data gives to untyped fields and elements. data
// must already pass Diff.
func (s *Schema) Refine(data IRObject) {
	if s == nil || len(data) == 0 {
		return
	}
	s.refineValue(data)
}

// SchemaDiff is NewSchema(prev).Diff(next).
func SchemaDiff(prev, next IRObject) []string {
	return NewSchema(prev).Diff(next)
}

func schemaOf(v IRValue) *Schema {
	s := &Schema{kind: KindNull}
	s.refineValue(v)
	return s
}

func (s *Schema) diffValue(path string, v IRValue, diffs *[]string) {
	k := schemaKind(v)
	if k == KindNull || s.kind == KindNull {
		return
	}
	if s.kind != k {
		*diffs = append(*diffs, fmt.Sprintf("%s: %s changed to %s", path, s.kind, k))
		return
	}
	switch val := v.(type) {
	case IRObject:
		s.diffObject(path, val, diffs)
	case IRArray:
		elem := s.elem
		if elem == nil {
			elem = firstElemSchema(val)
		}
		if elem == nil {
			return
		}
		for i, e := range val {
			elem.diffValue(fmt.Sprintf("%s[%d]", path, i), e, diffs)
		}
	}
}

func (s *Schema) diffObject(path string, obj IRObject, diffs *[]string) {
	for _, k := range s.fieldNames() {
		p := joinPath(path, k)
		v, ok := obj[k]
		if !ok {
			*diffs = append(*diffs, fmt.Sprintf("%s: field removed", p))
			continue
		}
		s.fields[k].diffValue(p, v, diffs)
	}
	for _, k := range obj.SortedKeys() {
		if _, ok := s.fields[k]; !ok {
			*diffs = append(*diffs, fmt.Sprintf("%s: field added", joinPath(path, k)))
		}
	}
}

func (s *Schema) refineValue(v IRValue) {
	k := schemaKind(v)
	if k == KindNull {
		return
	}
	if s.kind == KindNull {
		s.kind = k
	}
	switch val := v.(type) {
	case IRObject:
		if s.fields == nil {
			s.fields = make(map[string]*Schema, len(val))
			for key, fv := range val {
				s.fields[key] = schemaOf(fv)
			}
			return
		}
		for key, fv := range val {
			if fs, ok := s.fields[key]; ok {
				fs.refineValue(fv)
			}
		}
	case IRArray:
		for _, e := range val {
			if schemaKind(e) == KindNull {
				continue
			}
			if s.elem == nil {
				s.elem = &Schema{kind: KindNull}
			}
			s.elem.refineValue(e)
		}
	}
}

// firstElemSchema infers the element shape of an array whose element shape
// is not established yet.
func firstElemSchema(arr IRArray) *Schema {
	for _, e := range arr {
		if schemaKind(e) != KindNull {
			return schemaOf(e)
		}
	}
	return nil
}

func (s *Schema) fieldNames() []string {
	names := make([]string, 0, len(s.fields))
	for k := range s.fields {
		names = append(names, k)
	}
	slices.SortFunc(names, compareKeysRFC8785)
	return names
}

// kindNumber is the schema-level kind shared by IRInt and IRFloat.
const kindNumber ValueKind = "number"

func schemaKind(v IRValue) ValueKind {
	k := KindOf(v)
	if k == KindInt || k == KindFloat {
		return kindNumber
	}
	return k
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.Join([]string{prefix, key}, ".")
}
