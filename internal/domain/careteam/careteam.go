// Package careteam shapes CareTeam resources. Organizations listed on a row
// become managing organizations and organization participants; listed
// practitioners become member participants.
package careteam

import (
	"fmt"

	"github.com/ehr/fhir-importer/internal/domain/row"
	"github.com/ehr/fhir-importer/internal/platform/fhir"
	"github.com/ehr/fhir-importer/pkg/fhirmodels"
)

const ResourceType = fhirmodels.ResourceCareTeam

// Columns is the input and export layout.
var Columns = []string{"name", "status", "method", "id", "organizations", "participants"}

const (
	colOrganizations = iota + 4
	colParticipants
)

type Record struct {
	row.Base
	Organizations []row.Pair
	Participants  []row.Pair
}

func Parse(r row.Row) (Record, error) {
	base, err := row.ParseBase(r)
	if err != nil {
		return Record{Base: base}, err
	}
	return Record{
		Base:          base,
		Organizations: row.SplitPairs(r.Field(colOrganizations, "organizations").Value),
		Participants:  row.SplitPairs(r.Field(colParticipants, "participants").Value),
	}, nil
}

func (rec Record) Key() []string { return []string{rec.Name} }

// Participant is a CareTeam.participant element.
type Participant struct {
	Role   []fhir.CodeableConcept `json:"role,omitempty"`
	Member fhir.Reference         `json:"member"`
}

var organizationRole = []fhir.CodeableConcept{{
	Coding: []fhir.Coding{{
		System:  fhirmodels.SystemSNOMED,
		Code:    fhirmodels.CodeHealthcareRelatedOrg,
		Display: fhirmodels.DisplayHealthcareRelatedOrg,
	}},
}}

// Shape renders rec as CareTeam/id.
func Shape(rec Record, id string) (fhir.Document, error) {
	tmpl, err := fhir.Template("careteam")
	if err != nil {
		return nil, err
	}
	doc, err := fhir.Render(tmpl, map[string]any{
		"$id":     id,
		"$name":   rec.Name,
		"$status": rec.Status,
	})
	if err != nil {
		return nil, fmt.Errorf("care team %q: %w", rec.Name, err)
	}

	var lists struct {
		Participant          []Participant    `json:"participant"`
		ManagingOrganization []fhir.Reference `json:"managingOrganization,omitempty"`
	}
	lists.Participant = []Participant{}
	for _, o := range rec.Organizations {
		ref := fhir.Reference{
			Reference: fhir.FormatReference(fhirmodels.ResourceOrganization, o.ID),
			Display:   o.Display,
		}
		lists.ManagingOrganization = append(lists.ManagingOrganization, ref)
		lists.Participant = append(lists.Participant, Participant{Role: organizationRole, Member: ref})
	}
	for _, p := range rec.Participants {
		lists.Participant = append(lists.Participant, Participant{Member: fhir.Reference{
			Reference: fhir.FormatReference(fhirmodels.ResourcePractitioner, p.ID),
			Display:   p.Display,
		}})
	}

	generic, err := fhir.ToDocument(lists)
	if err != nil {
		return nil, err
	}
	doc["participant"] = generic["participant"]
	if mo, ok := generic["managingOrganization"]; ok {
		doc["managingOrganization"] = mo
	} else {
		fhir.Prune(doc, "managingOrganization")
	}
	return doc, nil
}

// Flatten is the inverse of Shape, with method set to update. Organization
// participants not already managing the team are exported with the
// organizations, so a re-import keeps them as members.
func Flatten(doc fhir.Document) []string {
	var orgs, practitioners []row.Pair
	seen := map[string]bool{}
	if arr, ok := doc["managingOrganization"].([]any); ok {
		for i := range arr {
			_, id := fhir.SplitReference(doc.String("managingOrganization", i, "reference"))
			seen[id] = true
			orgs = append(orgs, row.Pair{ID: id, Display: doc.String("managingOrganization", i, "display")})
		}
	}
	if arr, ok := doc["participant"].([]any); ok {
		for i := range arr {
			rt, id := fhir.SplitReference(doc.String("participant", i, "member", "reference"))
			member := row.Pair{ID: id, Display: doc.String("participant", i, "member", "display")}
			switch rt {
			case fhirmodels.ResourcePractitioner:
				practitioners = append(practitioners, member)
			case fhirmodels.ResourceOrganization:
				if !seen[id] {
					seen[id] = true
					orgs = append(orgs, member)
				}
			}
		}
	}
	return []string{
		doc.String("name"),
		doc.String("status"),
		fhirmodels.MethodUpdate,
		doc.ID(),
		row.JoinPairs(orgs),
		row.JoinPairs(practitioners),
	}
}
