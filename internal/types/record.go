package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/danielgtaylor/huma/v2"
)

// Field is one column/value pair of a Record.
type Field struct {
	Column string
	Value  string
}

// Record is an ordered mapping from column name to string value. It encodes
// to a JSON object whose keys keep their column order.
type Record struct {
	Fields []Field
}

// NewRecord pairs columns with values. Missing values become empty strings.
func NewRecord(columns []string, values []string) Record {
	fields := make([]Field, len(columns))
	for i, col := range columns {
		var v string
		if i < len(values) {
			v = values[i]
		}
		fields[i] = Field{Column: col, Value: v}
	}
	return Record{Fields: fields}
}

// Get returns the value stored under column.
func (r Record) Get(column string) (string, bool) {
	for _, f := range r.Fields {
		if f.Column == column {
			return f.Value, true
		}
	}
	return "", false
}

// Columns returns the record's column names in order.
func (r Record) Columns() []string {
	cols := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		cols[i] = f.Column
	}
	return cols
}

// Project returns the values for columns in the given order, using "" for
// columns the record does not carry.
func (r Record) Project(columns []string) []string {
	out := make([]string, len(columns))
	for i, col := range columns {
		out[i], _ = r.Get(col)
	}
	return out
}

// Schema describes a record as an object of string values.
func (Record) Schema(huma.Registry) *huma.Schema {
	return &huma.Schema{
		Type:                 huma.TypeObject,
		AdditionalProperties: &huma.Schema{Type: huma.TypeString},
	}
}

func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Column)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("record: expected object, got %v", tok)
	}

	fields := make([]Field, 0)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("record: invalid key %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			// Non-string scalars are kept in their JSON text form.
			value = string(bytes.Trim(raw, `"`))
			if string(raw) == "null" {
				value = ""
			}
		}
		fields = append(fields, Field{Column: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	r.Fields = fields
	return nil
}
