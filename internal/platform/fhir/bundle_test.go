package fhir

import (
	"encoding/json"
	"testing"
)

func TestAssemble_PreservesOrder(t *testing.T) {
	ops := []Operation{
		{ResourceType: "Practitioner", ID: "p1", Version: "1", Resource: Document{"resourceType": "Practitioner", "id": "p1"}},
		{ResourceType: "Group", ID: "g1", Version: "1", Resource: Document{"resourceType": "Group", "id": "g1"}},
		{ResourceType: "PractitionerRole", ID: "r1", Version: "3", Resource: Document{"resourceType": "PractitionerRole", "id": "r1"}},
	}

	b, err := Assemble(ops)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if b.ResourceType != "Bundle" || b.Type != "transaction" {
		t.Errorf("expected transaction Bundle, got %s/%s", b.ResourceType, b.Type)
	}
	if len(b.Entry) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(b.Entry))
	}

	wantURLs := []string{"Practitioner/p1", "Group/g1", "PractitionerRole/r1"}
	for i, e := range b.Entry {
		if e.Request == nil {
			t.Fatalf("entry %d has no request", i)
		}
		if e.Request.Method != "PUT" {
			t.Errorf("entry %d method = %s, want PUT", i, e.Request.Method)
		}
		if e.Request.URL != wantURLs[i] {
			t.Errorf("entry %d url = %s, want %s", i, e.Request.URL, wantURLs[i])
		}
	}
	if b.Entry[2].Request.IfMatch != "3" {
		t.Errorf("expected ifMatch 3, got %s", b.Entry[2].Request.IfMatch)
	}
}

func TestAssemble_Empty(t *testing.T) {
	b, err := Assemble(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, _ := json.Marshal(b)
	var parsed map[string]interface{}
	json.Unmarshal(data, &parsed)

	entries, ok := parsed["entry"].([]interface{})
	if !ok {
		t.Fatalf("expected entry array, got %T", parsed["entry"])
	}
	if len(entries) != 0 {
		t.Errorf("expected empty entry array, got %d", len(entries))
	}
}

func TestAssemble_MissingID(t *testing.T) {
	_, err := Assemble([]Operation{{ResourceType: "Location", Resource: Document{}}})
	if err == nil {
		t.Fatal("expected error for operation without id")
	}
}

func TestAssemble_WireFormat(t *testing.T) {
	b, err := Assemble([]Operation{{
		ResourceType: "Location",
		ID:           "loc-1",
		Version:      InitialVersion,
		Resource:     Document{"resourceType": "Location", "id": "loc-1", "name": "Ward"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	if got := doc.String("entry", 0, "request", "ifMatch"); got != "1" {
		t.Errorf("ifMatch = %q, want 1", got)
	}
	if got := doc.String("entry", 0, "resource", "name"); got != "Ward" {
		t.Errorf("resource name = %q, want Ward", got)
	}
}

func TestBundle_CountAndResources(t *testing.T) {
	raw := []byte(`{
		"resourceType": "Bundle",
		"type": "searchset",
		"total": 5,
		"entry": [
			{"resource": {"resourceType": "PractitionerRole", "id": "a", "meta": {"versionId": "2"}}},
			{"resource": {"resourceType": "PractitionerRole", "id": "b"}}
		]
	}`)

	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if b.Count() != 5 {
		t.Errorf("Count() = %d, want 5", b.Count())
	}

	docs, err := b.Resources()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(docs))
	}
	if docs[0].ID() != "a" || VersionOf(docs[0], "") != "2" {
		t.Errorf("unexpected first resource: %v", docs[0])
	}

	b.Total = nil
	if b.Count() != 2 {
		t.Errorf("Count() without total = %d, want 2", b.Count())
	}
}

func TestFormatReference(t *testing.T) {
	if got := FormatReference("Location", "abc"); got != "Location/abc" {
		t.Errorf("FormatReference = %q, want Location/abc", got)
	}
}
