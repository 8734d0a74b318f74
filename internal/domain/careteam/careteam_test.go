package careteam

import (
	"reflect"
	"testing"

	"github.com/ehr/fhir-importer/internal/domain/row"
	"github.com/ehr/fhir-importer/internal/platform/fhir"
)

func TestShape_Organizations(t *testing.T) {
	rec, err := Parse(row.Row{"Team A", "active", "create", "", "10:Clinic A|11:Clinic B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc, err := Shape(rec, "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mo, ok := doc["managingOrganization"].([]any)
	if !ok || len(mo) != 2 {
		t.Fatalf("expected 2 managing organizations, got %#v", doc["managingOrganization"])
	}
	if doc.String("managingOrganization", 0, "reference") != "Organization/10" ||
		doc.String("managingOrganization", 1, "display") != "Clinic B" {
		t.Errorf("unexpected managing organizations %v", mo)
	}

	parts, ok := doc["participant"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("expected 2 participants, got %#v", doc["participant"])
	}
	for i := range parts {
		if doc.String("participant", i, "role", 0, "coding", 0, "code") != "394730007" {
			t.Errorf("participant %d: expected healthcare related organization role", i)
		}
	}
	if doc.String("participant", 1, "member", "reference") != "Organization/11" {
		t.Errorf("unexpected member %v", parts[1])
	}
}

func TestShape_EmptyLists(t *testing.T) {
	rec, err := Parse(row.Row{"Team B", "", "", "", "organizations", "participants"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc, err := Shape(rec, "t2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parts, ok := doc["participant"].([]any)
	if !ok || len(parts) != 0 {
		t.Errorf("expected empty participant array, got %#v", doc["participant"])
	}
	if _, ok := doc["managingOrganization"]; ok {
		t.Error("expected managingOrganization to be pruned")
	}
}

func TestShape_Practitioners(t *testing.T) {
	rec, err := Parse(row.Row{"Team C", "active", "update", "t3", "", "p1:Jane Doe|p2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc, err := Shape(rec, "t3")
	if err != nil {
		t.Fatal(err)
	}
	if doc.String("participant", 0, "member", "reference") != "Practitioner/p1" {
		t.Errorf("unexpected participants %v", doc["participant"])
	}
	if _, ok := doc.Get("participant", 0, "role"); ok {
		t.Error("practitioner participants carry no role")
	}
	if _, ok := doc.Get("participant", 1, "member", "display"); ok {
		t.Error("expected display to be omitted when not given")
	}
}

func TestFlatten_RoundTrip(t *testing.T) {
	rec, err := Parse(row.Row{"Team A", "active", "create", "t1", "10:Clinic A|11:Clinic B", "p1:Jane Doe"})
	if err != nil {
		t.Fatal(err)
	}
	doc, err := Shape(rec, "t1")
	if err != nil {
		t.Fatal(err)
	}

	flat := Flatten(doc)
	want := []string{"Team A", "active", "update", "t1", "10:Clinic A|11:Clinic B", "p1:Jane Doe"}
	if !reflect.DeepEqual(flat, want) {
		t.Fatalf("Flatten = %v, want %v", flat, want)
	}

	back, err := Parse(row.Row(flat))
	if err != nil {
		t.Fatal(err)
	}
	again, err := Shape(back, back.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(doc, again) {
		t.Errorf("re-import differs:\n%v\n%v", doc, again)
	}
}

func TestFlatten_OrganizationParticipantNotManaging(t *testing.T) {
	remote := fhir.Document{
		"resourceType": "CareTeam",
		"id":           "t2",
		"name":         "Team B",
		"status":       "active",
		"managingOrganization": []any{
			map[string]any{"reference": "Organization/10", "display": "Clinic A"},
		},
		"participant": []any{
			map[string]any{"member": map[string]any{"reference": "Organization/10", "display": "Clinic A"}},
			map[string]any{"member": map[string]any{"reference": "Organization/20", "display": "Clinic C"}},
			map[string]any{"member": map[string]any{"reference": "Practitioner/p1"}},
		},
	}

	flat := Flatten(remote)
	if flat[colOrganizations] != "10:Clinic A|20:Clinic C" {
		t.Errorf("organizations = %q", flat[colOrganizations])
	}
	if flat[colParticipants] != "p1" {
		t.Errorf("participants = %q", flat[colParticipants])
	}

	back, err := Parse(row.Row(flat))
	if err != nil {
		t.Fatal(err)
	}
	again, err := Shape(back, back.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for i := range again["participant"].([]any) {
		if again.String("participant", i, "member", "reference") == "Organization/20" {
			found = true
		}
	}
	if !found {
		t.Errorf("organization participant lost on re-import: %v", again["participant"])
	}
}
