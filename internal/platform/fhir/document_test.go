package fhir

import (
	"testing"
)

func sampleDocument(t *testing.T) Document {
	t.Helper()
	doc, err := ParseDocument([]byte(`{
		"resourceType": "Location",
		"id": "loc-1",
		"partOf": {"reference": "Location/p", "display": "Parent"},
		"type": [
			{"coding": [{"system": "x/location-type", "code": "ward"}]},
			{"coding": [{"system": "x/administrative-level", "code": "2"}]}
		]
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestDocument_Get(t *testing.T) {
	doc := sampleDocument(t)

	if doc.ResourceType() != "Location" || doc.ID() != "loc-1" {
		t.Errorf("unexpected header %s/%s", doc.ResourceType(), doc.ID())
	}
	if got := doc.String("partOf", "display"); got != "Parent" {
		t.Errorf("partOf.display = %q, want Parent", got)
	}
	if got := doc.String("type", 1, "coding", 0, "code"); got != "2" {
		t.Errorf("type[1] code = %q, want 2", got)
	}
	if _, ok := doc.Get("type", 5); ok {
		t.Error("expected out of range index to be missing")
	}
	if _, ok := doc.Get("partOf", 0); ok {
		t.Error("expected index into object to be missing")
	}
}

func TestDocument_Set(t *testing.T) {
	doc := sampleDocument(t)

	if err := doc.Set("Other", "partOf", "display"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.String("partOf", "display") != "Other" {
		t.Error("expected display to be updated")
	}
	if err := doc.Set("x", "missing", "child"); err == nil {
		t.Error("expected error when parent is missing")
	}
	if err := doc.Set("3", "type", 1, "coding", 0, "code"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.String("type", 1, "coding", 0, "code") != "3" {
		t.Error("expected indexed set to apply")
	}
}

func TestPrune(t *testing.T) {
	doc := sampleDocument(t)

	if !Prune(doc, "partOf") {
		t.Error("expected partOf to be removed")
	}
	if _, ok := doc["partOf"]; ok {
		t.Error("partOf still present")
	}
	if Prune(doc, "partOf") {
		t.Error("pruning a missing path should report false")
	}

	if !Prune(doc, "type", 0) {
		t.Fatal("expected type[0] to be removed")
	}
	arr := doc["type"].([]any)
	if len(arr) != 1 {
		t.Fatalf("expected 1 remaining type, got %d", len(arr))
	}
	if doc.String("type", 0, "coding", 0, "code") != "2" {
		t.Error("expected administrative level to shift to index 0")
	}
}

func TestDocument_CloneIsDeep(t *testing.T) {
	doc := sampleDocument(t)
	cp := doc.Clone()

	Prune(cp, "type", 0)
	cp.Set("Changed", "partOf", "display")

	if len(doc["type"].([]any)) != 2 {
		t.Error("clone mutation leaked into original array")
	}
	if doc.String("partOf", "display") != "Parent" {
		t.Error("clone mutation leaked into original object")
	}
}

func TestToDocument(t *testing.T) {
	doc, err := ToDocument(map[string]any{
		"member": Reference{Reference: "Practitioner/1", Display: "Jane"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.String("member", "reference") != "Practitioner/1" {
		t.Errorf("expected typed reference to become generic, got %v", doc["member"])
	}
}
