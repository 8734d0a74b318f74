package fhir

import (
	"strings"
)

// Meta carries the server-assigned version of a resource.
type Meta struct {
	VersionID   string `json:"versionId,omitempty"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// OperationOutcome is returned by the backend when a request is rejected.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// Summary joins the diagnostics of every issue, falling back to the
// details text and then the issue code.
func (o *OperationOutcome) Summary() string {
	if o == nil {
		return ""
	}
	parts := make([]string, 0, len(o.Issue))
	for _, is := range o.Issue {
		switch {
		case is.Diagnostics != "":
			parts = append(parts, is.Diagnostics)
		case is.Details != nil && is.Details.Text != "":
			parts = append(parts, is.Details.Text)
		default:
			parts = append(parts, is.Severity+": "+is.Code)
		}
	}
	return strings.Join(parts, "; ")
}

// SplitReference splits "Type/id" into its parts. A value without a slash
// is returned as the id with an empty type.
func SplitReference(ref string) (resourceType, id string) {
	i := strings.Index(ref, "/")
	if i < 0 {
		return "", ref
	}
	return ref[:i], ref[i+1:]
}
