// Package codec converts between typed values and their flat storage form.
//
// A Value is a tagged union over the five supported kinds (string, number,
// boolean, JSON, binary). Encode maps a Value onto the three storage columns
// (value_blob, value_text, value_type); Decode reverses the mapping,
// dispatching purely on the stored type tag.
package codec

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the storage encoding of a Value. Kind strings match the
// value_type column's CHECK constraint.
type Kind string

const (
	KindJSON    Kind = "json"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBinary  Kind = "binary"
	KindBoolean Kind = "boolean"
)

// ErrCorruptRow reports a stored row with none of type, blob, or text set.
// It signals storage corruption or a writer that bypassed the codec.
var ErrCorruptRow = errors.New("codec: row has none of type, blob, or text")

// ErrNonFinite reports an attempt to encode NaN or an infinity. The decimal
// text form cannot represent them, so encoding fails instead of miscoding.
var ErrNonFinite = errors.New("codec: non-finite number")

// Value is a typed value as seen by callers. Exactly one payload field is
// meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Str   string
	Num   float64
	Bool  bool
	Bytes []byte
	JSON  json.RawMessage
}

// Encoded is the flat storage form of a Value: at most one of Blob and Text
// is set, selected by Type.
type Encoded struct {
	Blob []byte
	Text sql.NullString
	Type sql.NullString
}

// String builds a string Value stored verbatim.
func String(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// Number builds a numeric Value. Numbers are IEEE-754 doubles stored as
// their shortest round-trippable decimal text; integers beyond 2^53 lose
// precision.
func Number(f float64) Value {
	return Value{Kind: KindNumber, Num: f}
}

// Int builds a numeric Value from an integer.
func Int(i int) Value {
	return Number(float64(i))
}

// Boolean builds a boolean Value.
func Boolean(b bool) Value {
	return Value{Kind: KindBoolean, Bool: b}
}

// Binary builds a binary Value. The returned Value references p; Encode
// copies the logical byte range into storage.
func Binary(p []byte) Value {
	return Value{Kind: KindBinary, Bytes: p}
}

// JSONValue builds a JSON Value from raw JSON text. The text is validated
// and canonicalized (compacted) on encode.
func JSONValue(raw json.RawMessage) Value {
	return Value{Kind: KindJSON, JSON: raw}
}

// Marshal builds a JSON Value from an arbitrary Go value. Objects, arrays,
// and nil all land here; map keys are sorted, so the serialization is
// canonical.
func Marshal(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("marshal value: %w", err)
	}
	return Value{Kind: KindJSON, JSON: raw}, nil
}

// Encode maps a Value onto its storage columns.
func Encode(v Value) (Encoded, error) {
	enc := Encoded{Type: sql.NullString{String: string(v.Kind), Valid: true}}
	switch v.Kind {
	case KindBinary:
		// Copy only the logical range, never the backing array beyond it.
		enc.Blob = bytes.Clone(v.Bytes)
		if enc.Blob == nil {
			enc.Blob = []byte{}
		}
	case KindString:
		enc.Text = sql.NullString{String: v.Str, Valid: true}
	case KindNumber:
		if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
			return Encoded{}, ErrNonFinite
		}
		enc.Text = sql.NullString{String: strconv.FormatFloat(v.Num, 'g', -1, 64), Valid: true}
	case KindBoolean:
		enc.Text = sql.NullString{String: strconv.FormatBool(v.Bool), Valid: true}
	case KindJSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, v.JSON); err != nil {
			return Encoded{}, fmt.Errorf("encode json value: %w", err)
		}
		enc.Text = sql.NullString{String: buf.String(), Valid: true}
	default:
		return Encoded{}, fmt.Errorf("encode: unknown value kind %q", v.Kind)
	}
	return enc, nil
}

// Decode maps storage columns back to a Value. Dispatch is purely on the
// type tag; payload content is never sniffed.
func Decode(enc Encoded) (Value, error) {
	if !enc.Type.Valid && enc.Blob == nil && !enc.Text.Valid {
		return Value{}, ErrCorruptRow
	}
	switch Kind(enc.Type.String) {
	case KindBinary:
		// Drivers surface an empty blob and a NULL blob the same way, so a
		// missing blob decodes as empty bytes rather than corruption.
		return Value{Kind: KindBinary, Bytes: append([]byte{}, enc.Blob...)}, nil
	case KindString:
		if !enc.Text.Valid {
			return Value{}, errors.New("decode: string row has no text")
		}
		return Value{Kind: KindString, Str: enc.Text.String}, nil
	case KindNumber:
		if !enc.Text.Valid {
			return Value{}, errors.New("decode: number row has no text")
		}
		f, err := strconv.ParseFloat(enc.Text.String, 64)
		if err != nil {
			return Value{}, fmt.Errorf("decode number %q: %w", enc.Text.String, err)
		}
		return Value{Kind: KindNumber, Num: f}, nil
	case KindBoolean:
		if !enc.Text.Valid {
			return Value{}, errors.New("decode: boolean row has no text")
		}
		// Only the two exact literals the encoder writes are accepted.
		switch enc.Text.String {
		case "true":
			return Value{Kind: KindBoolean, Bool: true}, nil
		case "false":
			return Value{Kind: KindBoolean, Bool: false}, nil
		}
		return Value{}, fmt.Errorf("decode boolean: bad literal %q", enc.Text.String)
	case KindJSON:
		if !enc.Text.Valid {
			return Value{}, errors.New("decode: json row has no text")
		}
		return Value{Kind: KindJSON, JSON: json.RawMessage(enc.Text.String)}, nil
	default:
		return Value{}, fmt.Errorf("decode: unknown value type %q", enc.Type.String)
	}
}

// Equal reports whether two Values have the same kind and payload. JSON
// payloads compare byte-wise after canonicalization, so it is reliable for
// values produced by this package.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindBoolean:
		return v.Bool == o.Bool
	case KindBinary:
		return bytes.Equal(v.Bytes, o.Bytes)
	case KindJSON:
		a, errA := compact(v.JSON)
		b, errB := compact(o.JSON)
		return errA == nil && errB == nil && bytes.Equal(a, b)
	}
	return false
}

func compact(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
