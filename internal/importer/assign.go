package importer

import (
	"context"

	"github.com/ehr/fhir-importer/internal/domain/assignment"
	"github.com/ehr/fhir-importer/internal/domain/row"
	"github.com/ehr/fhir-importer/internal/platform/fhir"
)

const (
	flowUsersOrganizations     = "users-organizations"
	flowOrganizationsLocations = "organizations-locations"
)

// AssignUsersOrganizations points each practitioner's role at the
// organization in its row.
func (im *Importer) AssignUsersOrganizations(ctx context.Context, source string, rows [][]string) (*Report, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}

	a := assignment.New(im.backend, assignment.WithLogger(im.logger))
	r := im.begin(ctx, flowUsersOrganizations, source, len(rows))
	var ops []fhir.Operation
	for i, raw := range rows {
		if err := ctx.Err(); err != nil {
			return r.finish(ctx), err
		}

		uo, err := assignment.ParseUserOrganization(row.Row(raw))
		if err != nil {
			r.skipped(ctx, i, uo.PractitionerName, err)
			continue
		}
		op, err := a.PractitionerRole(ctx, uo)
		if err != nil {
			r.failed(ctx, i, uo.PractitionerName, err)
			continue
		}
		ops = append(ops, op)
		r.succeeded(ctx, i, uo.PractitionerName)
	}

	err := r.submit(ctx, ops)
	return r.finish(ctx), err
}

// AssignOrganizationsLocations writes one OrganizationAffiliation per
// organization listing all of its locations from rows.
func (im *Importer) AssignOrganizationsLocations(ctx context.Context, source string, rows [][]string) (*Report, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}

	a := assignment.New(im.backend, assignment.WithLogger(im.logger))
	r := im.begin(ctx, flowOrganizationsLocations, source, len(rows))

	var valid []assignment.OrganizationLocation
	lines := map[string][]int{}
	for i, raw := range rows {
		ol, err := assignment.ParseOrganizationLocation(row.Row(raw))
		if err != nil {
			r.skipped(ctx, i, ol.OrgName, err)
			continue
		}
		valid = append(valid, ol)
		lines[ol.OrgID] = append(lines[ol.OrgID], i)
	}

	var ops []fhir.Operation
	for _, af := range assignment.GroupByOrganization(valid) {
		if err := ctx.Err(); err != nil {
			return r.finish(ctx), err
		}
		op, err := a.OrganizationAffiliation(ctx, af)
		for _, i := range lines[af.OrgID] {
			if err != nil {
				r.failed(ctx, i, af.OrgName, err)
			} else {
				r.succeeded(ctx, i, af.OrgName)
			}
		}
		if err == nil {
			ops = append(ops, op)
		}
	}

	err := r.submit(ctx, ops)
	return r.finish(ctx), err
}
