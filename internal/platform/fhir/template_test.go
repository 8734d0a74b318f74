package fhir

import (
	"errors"
	"strings"
	"testing"
)

func TestRender_TypedAndTextual(t *testing.T) {
	tmpl := Document{
		"id":     "$id",
		"active": "$active",
		"name":   "$first $last",
		"position": map[string]any{
			"longitude": "$lon",
		},
		"tags": []any{"$id", "fixed"},
	}

	doc, err := Render(tmpl, map[string]any{
		"$id":     "abc",
		"$active": false,
		"$first":  "Jane",
		"$last":   "Doe",
		"$lon":    36.8,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc["id"] != "abc" {
		t.Errorf("id = %v, want abc", doc["id"])
	}
	if doc["active"] != false {
		t.Errorf("active = %v (%T), want bool false", doc["active"], doc["active"])
	}
	if doc["name"] != "Jane Doe" {
		t.Errorf("name = %v, want Jane Doe", doc["name"])
	}
	if v, _ := doc.Get("position", "longitude"); v != 36.8 {
		t.Errorf("longitude = %v, want 36.8", v)
	}
	if doc.String("tags", 0) != "abc" {
		t.Errorf("tags[0] = %v, want abc", doc.String("tags", 0))
	}

	if tmpl["id"] != "$id" {
		t.Error("Render must not modify the template")
	}
}

func TestRender_ValuesNeedNoEscaping(t *testing.T) {
	doc, err := Render(Document{"name": "$name"}, map[string]any{"$name": `Ward "B", "$id"`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc["name"] != `Ward "B", "$id"` {
		t.Errorf("name = %v", doc["name"])
	}
}

func TestRender_UnresolvedToken(t *testing.T) {
	_, err := Render(Document{"a": "$known", "b": "Level $missing", "c": "$other"},
		map[string]any{"$known": "x"})
	if !errors.Is(err, ErrUnresolvedToken) {
		t.Fatalf("expected ErrUnresolvedToken, got %v", err)
	}
	if !strings.Contains(err.Error(), "$missing") || !strings.Contains(err.Error(), "$other") {
		t.Errorf("expected both tokens named, got %v", err)
	}
}

func TestTemplate_EmbeddedTemplatesParse(t *testing.T) {
	for _, name := range []string{
		"organization", "location", "careteam", "practitioner", "group",
		"practitioner_role", "practitioner_organization", "organization_affiliation",
	} {
		doc, err := Template(name)
		if err != nil {
			t.Errorf("Template(%s): %v", name, err)
			continue
		}
		if doc.ResourceType() == "" {
			t.Errorf("Template(%s) has no resourceType", name)
		}
	}

	if _, err := Template("nope"); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestTemplate_ReturnsCopies(t *testing.T) {
	a, _ := Template("location")
	Prune(a, "partOf")

	b, _ := Template("location")
	if _, ok := b["partOf"]; !ok {
		t.Error("pruning one copy affected the cached template")
	}
}

func TestCodingHelpers(t *testing.T) {
	doc, _ := Template("location")

	if i := CodingIndex(doc, "type", "administrative-level"); i != 1 {
		t.Errorf("CodingIndex = %d, want 1", i)
	}
	if i := CodingIndex(doc, "type", "unknown"); i != -1 {
		t.Errorf("CodingIndex for unknown = %d, want -1", i)
	}

	c, ok := FindCoding(doc, "type", "location-type")
	if !ok || c.Code != "$typeCode" {
		t.Errorf("FindCoding = %+v, %v", c, ok)
	}

	if !RemoveCoding(doc, "type", "location-type") {
		t.Fatal("expected location-type coding removed")
	}
	if !RemoveCoding(doc, "type", "administrative-level") {
		t.Fatal("expected administrative-level coding removed")
	}
	if _, ok := doc["type"]; ok {
		t.Error("expected empty type array to be dropped")
	}
	if RemoveCoding(doc, "type", "location-type") {
		t.Error("expected no-op on missing field")
	}
}
