package importer

import (
	"context"
	"fmt"

	"github.com/ehr/fhir-importer/internal/domain/accessrole"
	"github.com/ehr/fhir-importer/internal/domain/row"
)

const flowRoles = "roles"

// SetupRoles creates the roles named in rows with their composites. When
// group is set, the roles are also mapped onto that group.
func (im *Importer) SetupRoles(ctx context.Context, source string, rows [][]string, group string) (*Report, error) {
	if im.idp == nil {
		return nil, ErrNoIdentityService
	}
	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}

	setup := accessrole.New(im.idp, im.rolesMax, accessrole.WithLogger(im.logger))
	r := im.begin(ctx, flowRoles, source, len(rows))
	var ensured []accessrole.Record
	for i, raw := range rows {
		if err := ctx.Err(); err != nil {
			return r.finish(ctx), err
		}

		rec, err := accessrole.Parse(row.Row(raw))
		if err != nil {
			r.skipped(ctx, i, rec.Name, err)
			continue
		}
		if err := setup.EnsureRole(ctx, rec); err != nil {
			r.failed(ctx, i, rec.Name, err)
			continue
		}
		ensured = append(ensured, rec)
		r.succeeded(ctx, i, rec.Name)
	}

	if group == "" || len(ensured) == 0 {
		return r.finish(ctx), nil
	}
	n, err := setup.AssignToGroup(ctx, group, ensured)
	if err != nil {
		return r.finish(ctx), fmt.Errorf("assign roles to group %s: %w", group, err)
	}
	r.log.Info().Str("group", group).Int("assigned", n).Msg("group roles assigned")
	return r.finish(ctx), nil
}
