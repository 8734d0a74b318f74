// Package organization shapes Organization resources from input rows and
// flattens them back for export.
package organization

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/fhir-importer/internal/domain/row"
	"github.com/ehr/fhir-importer/internal/platform/fhir"
	"github.com/ehr/fhir-importer/pkg/fhirmodels"
)

const ResourceType = fhirmodels.ResourceOrganization

// Columns is the input and export layout.
var Columns = []string{"name", "active", "method", "id"}

const (
	colName = iota
	colActive
	colMethod
	colID
)

type Record struct {
	Name   string
	Active bool
	Method string
	ID     string
}

// Parse reads an organization row. active is true unless the cell parses
// as false.
func Parse(r row.Row) (Record, error) {
	rec := Record{
		Name:   r.Value(colName),
		Active: true,
		Method: strings.ToLower(r.Field(colMethod, "method").Or(fhirmodels.MethodCreate)),
		ID:     r.Field(colID, "id").Value,
	}
	if rec.Name == "" {
		return rec, row.ErrMissingName
	}
	if f := r.Field(colActive, "active"); f.Present {
		if v, err := strconv.ParseBool(f.Value); err == nil {
			rec.Active = v
		}
	}
	if err := row.CheckMethod(rec.Method); err != nil {
		return rec, err
	}
	return rec, nil
}

// Key returns the identity parts used when no id is supplied.
func (rec Record) Key() []string { return []string{rec.Name} }

// Shape renders the Organization with the given id.
func Shape(rec Record, id string) (fhir.Document, error) {
	tmpl, err := fhir.Template("organization")
	if err != nil {
		return nil, err
	}
	doc, err := fhir.Render(tmpl, map[string]any{
		"$id":     id,
		"$name":   rec.Name,
		"$active": rec.Active,
	})
	if err != nil {
		return nil, fmt.Errorf("organization %q: %w", rec.Name, err)
	}
	return doc, nil
}

// Flatten is the inverse of Shape, with method set to update.
func Flatten(doc fhir.Document) []string {
	active := true
	if v, ok := doc["active"].(bool); ok {
		active = v
	}
	return []string{
		doc.String("name"),
		strconv.FormatBool(active),
		fhirmodels.MethodUpdate,
		doc.ID(),
	}
}
