// Package row maps tabular input rows onto typed records. Cells are read
// tolerantly: a short row, an empty cell or a cell holding its own column
// name all read as absent.
package row

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/fhir-importer/pkg/fhirmodels"
)

var (
	ErrMissingName   = errors.New("name is required")
	ErrUnknownMethod = errors.New("unknown method")
)

// Row is one parsed input line, header excluded.
type Row []string

// Field is an optional cell value.
type Field struct {
	Value   string
	Present bool
}

// Or returns the value when present, otherwise def.
func (f Field) Or(def string) string {
	if f.Present {
		return f.Value
	}
	return def
}

// Field reads column i. placeholder is the column's header name; exports
// of empty optional columns sometimes carry it as the cell value.
func (r Row) Field(i int, placeholder string) Field {
	if i < 0 || i >= len(r) {
		return Field{}
	}
	v := strings.TrimSpace(r[i])
	if v == "" || (placeholder != "" && v == placeholder) {
		return Field{}
	}
	return Field{Value: v, Present: true}
}

// Value returns the trimmed cell at i, or "" for a short row.
func (r Row) Value(i int) string {
	if i < 0 || i >= len(r) {
		return ""
	}
	return strings.TrimSpace(r[i])
}

// Base columns shared by organizations, locations and care teams.
const (
	ColName = iota
	ColStatus
	ColMethod
	ColID
)

// Base is the part of a record common to the simple resource shapers.
type Base struct {
	Name   string
	Status string
	Method string
	ID     string
}

// ParseBase reads the name, status, method and id columns. Status defaults
// to active and method to create.
func ParseBase(r Row) (Base, error) {
	b := Base{
		Name:   r.Value(ColName),
		Status: r.Field(ColStatus, "status").Or(fhirmodels.StatusActive),
		Method: strings.ToLower(r.Field(ColMethod, "method").Or(fhirmodels.MethodCreate)),
		ID:     r.Field(ColID, "id").Value,
	}
	if b.Name == "" {
		return b, ErrMissingName
	}
	if err := CheckMethod(b.Method); err != nil {
		return b, err
	}
	return b, nil
}

// CheckMethod accepts create and update.
func CheckMethod(method string) error {
	switch method {
	case fhirmodels.MethodCreate, fhirmodels.MethodUpdate:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
}

// Pair is one id:display entry of a list cell.
type Pair struct {
	ID      string
	Display string
}

// SplitPairs parses a "|"-separated list of id:display entries. The
// display may itself contain ":"; an entry without one has no display.
// Empty entries are ignored.
func SplitPairs(cell string) []Pair {
	var out []Pair
	for _, entry := range strings.Split(cell, "|") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		p := Pair{ID: strings.TrimSpace(parts[0])}
		if len(parts) == 2 {
			p.Display = strings.TrimSpace(parts[1])
		}
		if p.ID == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// JoinPairs is the inverse of SplitPairs.
func JoinPairs(pairs []Pair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.Display == "" {
			parts = append(parts, p.ID)
			continue
		}
		parts = append(parts, p.ID+":"+p.Display)
	}
	return strings.Join(parts, "|")
}
