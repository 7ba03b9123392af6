package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/ir"
)

// marshalData converts device data to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON so stored rows are byte-stable.
func marshalData(data ir.IRObject) (string, error) {
	if data == nil {
		data = ir.IRObject{}
	}
	out, err := ir.MarshalCanonical(data)
	if err != nil {
		return "", fmt.Errorf("marshal data: %w", err)
	}
	return string(out), nil
}

// unmarshalData parses canonical JSON TEXT to IRObject.
// Uses ir.IRObject.UnmarshalJSON, which keeps the int/float distinction.
func unmarshalData(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return obj, nil
}

// Timestamps are stored as Unix milliseconds.
func marshalTime(t time.Time) int64 {
	return t.UnixMilli()
}

func unmarshalTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func marshalNullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: marshalTime(t), Valid: true}
}

func unmarshalNullTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return unmarshalTime(v.Int64)
}
