package fhir

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ehr/fhir-importer/pkg/fhirmodels"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method  string `json:"method"`
	URL     string `json:"url"`
	IfMatch string `json:"ifMatch,omitempty"`
}

type BundleResponse struct {
	Status   string          `json:"status"`
	Location string          `json:"location,omitempty"`
	Etag     string          `json:"etag,omitempty"`
	Outcome  json.RawMessage `json:"outcome,omitempty"`
}

// Operation is one create-or-replace of a resource inside a transaction.
// Version is the If-Match precondition; "1" marks a fresh creation.
type Operation struct {
	ResourceType string
	ID           string
	Version      string
	Resource     Document
}

// Assemble wraps ops into a single transaction Bundle, preserving order.
// Every entry is a PUT to Type/id so creates and updates share one shape.
func Assemble(ops []Operation) (*Bundle, error) {
	b := &Bundle{
		ResourceType: fhirmodels.ResourceBundle,
		Type:         fhirmodels.BundleTransaction,
		Entry:        make([]BundleEntry, 0, len(ops)),
	}
	for i, op := range ops {
		if op.ResourceType == "" || op.ID == "" {
			return nil, fmt.Errorf("operation %d: resource type and id are required", i)
		}
		raw, err := json.Marshal(op.Resource)
		if err != nil {
			return nil, fmt.Errorf("operation %d (%s): encode resource: %w",
				i, FormatReference(op.ResourceType, op.ID), err)
		}
		b.Entry = append(b.Entry, BundleEntry{
			Resource: raw,
			Request: &BundleRequest{
				Method:  http.MethodPut,
				URL:     FormatReference(op.ResourceType, op.ID),
				IfMatch: op.Version,
			},
		})
	}
	return b, nil
}

// Count returns total when the server reported it, otherwise the number
// of entries.
func (b *Bundle) Count() int {
	if b == nil {
		return 0
	}
	if b.Total != nil {
		return *b.Total
	}
	return len(b.Entry)
}

// Resources decodes every entry resource of b.
func (b *Bundle) Resources() ([]Document, error) {
	if b == nil {
		return nil, nil
	}
	out := make([]Document, 0, len(b.Entry))
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		doc, err := ParseDocument(e.Resource)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, doc)
	}
	return out, nil
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
