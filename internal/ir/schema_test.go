package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaDiff(t *testing.T) {
	tests := []struct {
		name     string
		prev     IRObject
		next     IRObject
		expected []string
	}{
		{
			name: "empty previous establishes schema",
			prev: IRObject{},
			next: IRObject{"rate": IRFloat(1)},
		},
		{
			name: "empty next means no data yet",
			prev: IRObject{"rate": IRFloat(1)},
			next: nil,
		},
		{
			name: "same shape",
			prev: IRObject{"rate": IRFloat(1), "on": IRBool(true)},
			next: IRObject{"rate": IRFloat(2), "on": IRBool(false)},
		},
		{
			name: "int and float are both numbers",
			prev: IRObject{"rate": IRInt(1)},
			next: IRObject{"rate": IRFloat(1.5)},
		},
		{
			name: "null is compatible",
			prev: IRObject{"rate": IRNull{}},
			next: IRObject{"rate": IRString("fast")},
		},
		{
			name:     "type change",
			prev:     IRObject{"rate": IRFloat(1)},
			next:     IRObject{"rate": IRString("fast")},
			expected: []string{"rate: number changed to string"},
		},
		{
			name:     "field removed and added",
			prev:     IRObject{"a": IRInt(1)},
			next:     IRObject{"b": IRInt(1)},
			expected: []string{"a: field removed", "b: field added"},
		},
		{
			name:     "nested object",
			prev:     IRObject{"pose": IRObject{"x": IRFloat(0)}},
			next:     IRObject{"pose": IRObject{"x": IRBool(true)}},
			expected: []string{"pose.x: number changed to bool"},
		},
		{
			name:     "array elements",
			prev:     IRObject{"events": IRArray{IRFloat(1)}},
			next:     IRObject{"events": IRArray{IRFloat(2), IRString("x")}},
			expected: []string{"events[1]: number changed to string"},
		},
		{
			name: "empty previous array accepts anything",
			prev: IRObject{"events": IRArray{}},
			next: IRObject{"events": IRArray{IRString("x")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SchemaDiff(tt.prev, tt.next))
		})
	}
}

func TestSchemaRefine(t *testing.T) {
	s := NewSchema(IRObject{
		"rate":   IRNull{},
		"events": IRArray{},
		"pose":   IRObject{"x": IRFloat(0)},
	})

	assert.Empty(t, s.Diff(IRObject{
		"rate":   IRString("fast"),
		"events": IRArray{IRBool(true)},
		"pose":   IRObject{"x": IRNull{}},
	}))
	s.Refine(IRObject{
		"rate":   IRString("fast"),
		"events": IRArray{IRBool(true)},
		"pose":   IRObject{"x": IRNull{}},
	})

	assert.Equal(t, []string{
		"events[0]: bool changed to number",
		"pose.x: number changed to string",
		"rate: string changed to number",
	}, s.Diff(IRObject{
		"rate":   IRInt(1),
		"events": IRArray{IRInt(1)},
		"pose":   IRObject{"x": IRString("left")},
	}))
}

func TestNilSchemaAcceptsAnything(t *testing.T) {
	var s *Schema
	assert.Nil(t, NewSchema(IRObject{}))
	assert.Empty(t, s.Diff(IRObject{"rate": IRFloat(1)}))
	s.Refine(IRObject{"rate": IRFloat(1)})
}
