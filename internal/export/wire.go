// Package export holds the sink wire contract and the client the controller
// uses to push records into a sheet.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// Selector picks a unique-by column by header name or by index.
type Selector struct {
	Name    string
	Index   int
	IsIndex bool
}

func ByName(name string) Selector { return Selector{Name: name} }
func ByIndex(i int) Selector      { return Selector{Index: i, IsIndex: true} }

func (s Selector) String() string {
	if s.IsIndex {
		return strconv.Itoa(s.Index)
	}
	return s.Name
}

func (s Selector) MarshalJSON() ([]byte, error) {
	if s.IsIndex {
		return []byte(strconv.Itoa(s.Index)), nil
	}
	return json.Marshal(s.Name)
}

// Schema describes a selector as either a header name or an integer index.
func (Selector) Schema(huma.Registry) *huma.Schema {
	return &huma.Schema{
		Description: "Header name, or column index (1-based, 0 accepted)",
		OneOf: []*huma.Schema{
			{Type: huma.TypeString},
			{Type: huma.TypeInteger},
		},
	}
}

func (s *Selector) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*s = Selector{Name: name}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("uniqueBy: want string or number, got %s", data)
	}
	if f != math.Trunc(f) {
		return fmt.Errorf("uniqueBy: index %v is not an integer", f)
	}
	*s = Selector{Index: int(f), IsIndex: true}
	return nil
}

// ParseSelectors reads a comma-separated list; numeric entries are indexes.
func ParseSelectors(raw string) []Selector {
	var out []Selector
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			out = append(out, ByIndex(n))
			continue
		}
		out = append(out, ByName(part))
	}
	return out
}

// Request is the body of a sink write.
type Request struct {
	Values          [][]string `json:"values"`
	UniqueBy        []Selector `json:"uniqueBy,omitempty"`
	CaseInsensitive *bool      `json:"caseInsensitive,omitempty"`
	Trim            *bool      `json:"trim,omitempty"`
	Clear           bool       `json:"clear,omitempty"`
	HasHeader       bool       `json:"hasHeader,omitempty"`
}

// FoldCase reports the effective caseInsensitive flag (default true).
func (r Request) FoldCase() bool {
	return r.CaseInsensitive == nil || *r.CaseInsensitive
}

// TrimCells reports the effective trim flag (default true).
func (r Request) TrimCells() bool {
	return r.Trim == nil || *r.Trim
}

// Response is the body of a sink reply.
type Response struct {
	OK            bool   `json:"ok"`
	Wrote         int    `json:"wrote"`
	Skipped       int    `json:"skipped"`
	HeaderSkipped int    `json:"headerSkipped"`
	Total         int    `json:"total"`
	Error         string `json:"error,omitempty"`
}
