// Package assignment links existing resources: practitioners to the
// organizations they work for (PractitionerRole) and organizations to the
// locations they serve (OrganizationAffiliation).
package assignment

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/ehr/fhir-importer/internal/domain/identity"
	"github.com/ehr/fhir-importer/internal/domain/reconcile"
	"github.com/ehr/fhir-importer/internal/domain/row"
	"github.com/ehr/fhir-importer/internal/platform/fhir"
	"github.com/ehr/fhir-importer/pkg/fhirmodels"
)

var ErrMissingID = errors.New("both ids are required")

// Backend is the remote collaborator of both assignment flows.
type Backend interface {
	Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error)
	Version(ctx context.Context, resourceType, id string) (string, bool, error)
}

// UserOrganization is one users-organizations row.
type UserOrganization struct {
	PractitionerName string
	PractitionerID   string
	OrganizationName string
	OrganizationID   string
}

var UserOrganizationColumns = []string{"practitionerName", "practitionerId", "organizationName", "organizationId"}

func ParseUserOrganization(r row.Row) (UserOrganization, error) {
	a := UserOrganization{
		PractitionerName: r.Value(0),
		PractitionerID:   r.Field(1, "practitionerId").Value,
		OrganizationName: r.Value(2),
		OrganizationID:   r.Field(3, "organizationId").Value,
	}
	if a.PractitionerID == "" || a.OrganizationID == "" {
		return a, ErrMissingID
	}
	return a, nil
}

// OrganizationLocation is one organizations-locations row.
type OrganizationLocation struct {
	OrgName      string
	OrgID        string
	LocationName string
	LocationID   string
}

var OrganizationLocationColumns = []string{"orgName", "orgId", "locationName", "locationId"}

func ParseOrganizationLocation(r row.Row) (OrganizationLocation, error) {
	a := OrganizationLocation{
		OrgName:      r.Value(0),
		OrgID:        r.Field(1, "orgId").Value,
		LocationName: r.Value(2),
		LocationID:   r.Field(3, "locationId").Value,
	}
	if a.OrgID == "" || a.LocationID == "" {
		return a, ErrMissingID
	}
	return a, nil
}

type Assigner struct {
	backend Backend
	decider *reconcile.Decider
	logger  zerolog.Logger
}

type Option func(*Assigner)

func WithLogger(l zerolog.Logger) Option {
	return func(a *Assigner) {
		a.logger = l
	}
}

func New(b Backend, opts ...Option) *Assigner {
	a := &Assigner{backend: b, decider: reconcile.NewDecider(b), logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// PractitionerRole returns the write that points the practitioner's role
// at the row's organization. An existing role is updated in place; more
// than one existing role is ambiguous.
func (a *Assigner) PractitionerRole(ctx context.Context, uo UserOrganization) (fhir.Operation, error) {
	practitionerRef := fhir.FormatReference(fhirmodels.ResourcePractitioner, uo.PractitionerID)
	b, err := a.backend.Search(ctx, fhirmodels.ResourcePractitionerRole, url.Values{"practitioner": {practitionerRef}})
	if err != nil {
		return fhir.Operation{}, fmt.Errorf("search roles of %s: %w", practitionerRef, err)
	}
	matches, err := reconcile.MatchesFromBundle(b)
	if err != nil {
		return fhir.Operation{}, err
	}
	if b.Count() > len(matches) {
		return fhir.Operation{}, fmt.Errorf("%s: %w: %d candidates", practitionerRef, reconcile.ErrAmbiguousMatch, b.Count())
	}

	decision, err := reconcile.DecideFromMatches(matches, identity.ResolveID("", uo.PractitionerID, uo.OrganizationID))
	if err != nil {
		return fhir.Operation{}, fmt.Errorf("%s: %w", practitionerRef, err)
	}

	if decision.Action == reconcile.Update {
		a.logger.Info().Str("practitioner_role", decision.ID).Msg("updating existing practitioner role")
		doc := decision.Existing.Clone()
		doc["organization"] = map[string]any{
			"reference": fhir.FormatReference(fhirmodels.ResourceOrganization, uo.OrganizationID),
			"display":   uo.OrganizationName,
		}
		delete(doc, "meta")
		return decision.Operation(fhirmodels.ResourcePractitionerRole, doc), nil
	}

	a.logger.Info().Str("practitioner_role", decision.ID).Msg("creating practitioner role")
	tmpl, err := fhir.Template("practitioner_organization")
	if err != nil {
		return fhir.Operation{}, err
	}
	doc, err := fhir.Render(tmpl, map[string]any{
		"$id":               decision.ID,
		"$practitionerID":   uo.PractitionerID,
		"$practitionerName": uo.PractitionerName,
		"$organizationID":   uo.OrganizationID,
		"$organizationName": uo.OrganizationName,
	})
	if err != nil {
		return fhir.Operation{}, err
	}
	return decision.Operation(fhirmodels.ResourcePractitionerRole, doc), nil
}

// Affiliation groups the locations of one organization.
type Affiliation struct {
	OrgID     string
	OrgName   string
	Locations []row.Pair
}

// GroupByOrganization collects rows per organization in first-seen order.
func GroupByOrganization(rows []OrganizationLocation) []Affiliation {
	var out []Affiliation
	index := map[string]int{}
	for _, r := range rows {
		i, ok := index[r.OrgID]
		if !ok {
			i = len(out)
			index[r.OrgID] = i
			out = append(out, Affiliation{OrgID: r.OrgID, OrgName: r.OrgName})
		}
		out[i].Locations = append(out[i].Locations, row.Pair{ID: r.LocationID, Display: r.LocationName})
	}
	return out
}

// OrganizationAffiliation returns the write for one organization. The id
// is derived from the organization id, so re-runs replace the same
// resource.
func (a *Assigner) OrganizationAffiliation(ctx context.Context, af Affiliation) (fhir.Operation, error) {
	id := identity.ResolveID("", af.OrgID)
	decision, err := a.decider.DecideByID(ctx, fhirmodels.ResourceOrganizationAffiliation, id)
	if err != nil {
		return fhir.Operation{}, err
	}

	tmpl, err := fhir.Template("organization_affiliation")
	if err != nil {
		return fhir.Operation{}, err
	}
	doc, err := fhir.Render(tmpl, map[string]any{
		"$id":      id,
		"$orgID":   af.OrgID,
		"$orgName": af.OrgName,
	})
	if err != nil {
		return fhir.Operation{}, err
	}

	locations := make([]any, 0, len(af.Locations))
	for _, l := range af.Locations {
		ref := map[string]any{"reference": fhir.FormatReference(fhirmodels.ResourceLocation, l.ID)}
		if l.Display != "" {
			ref["display"] = l.Display
		}
		locations = append(locations, ref)
	}
	doc["location"] = locations
	return decision.Operation(fhirmodels.ResourceOrganizationAffiliation, doc), nil
}
