package importer

import (
	"context"
	"errors"

	"github.com/ehr/fhir-importer/internal/domain/practitioner"
	"github.com/ehr/fhir-importer/internal/domain/row"
)

const (
	flowUsers           = "users"
	flowCleanDuplicates = "clean-duplicates"
)

func (im *Importer) linker() (*practitioner.Linker, error) {
	if im.idp == nil {
		return nil, ErrNoIdentityService
	}
	return practitioner.NewLinker(im.idp, im.backend, practitioner.WithLogger(im.logger)), nil
}

// ImportUsers links every user row to an account and a Practitioner. Each
// user whose Practitioner is missing gets its own transaction; a user
// without a usable account is skipped.
func (im *Importer) ImportUsers(ctx context.Context, source string, rows [][]string) (*Report, error) {
	lk, err := im.linker()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}

	r := im.begin(ctx, flowUsers, source, len(rows))
	for i, raw := range rows {
		if err := ctx.Err(); err != nil {
			return r.finish(ctx), err
		}

		u, err := practitioner.ParseUser(row.Row(raw))
		if err != nil {
			r.skipped(ctx, i, u.Username, err)
			continue
		}
		out, err := lk.Link(ctx, u)
		r.respond(out.Response)
		switch {
		case err != nil:
			r.failed(ctx, i, u.Username, err)
		case out.State == practitioner.StateAbandoned:
			r.skipped(ctx, i, u.Username, errors.New("no usable account"))
		default:
			r.log.Debug().Str("username", u.Username).Stringer("state", out.State).
				Str("practitioner_id", out.Linkage.PractitionerID).Msg("user linked")
			r.succeeded(ctx, i, u.Username)
		}
	}
	return r.finish(ctx), nil
}

// CleanDuplicates removes duplicate Practitioners for the users in rows.
// It refuses to run unless opts.Confirmed is set.
func (im *Importer) CleanDuplicates(ctx context.Context, source string, rows [][]string, opts practitioner.CleanOptions) (*Report, error) {
	if !opts.Confirmed {
		return nil, practitioner.ErrNotConfirmed
	}
	lk, err := im.linker()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}

	r := im.begin(ctx, flowCleanDuplicates, source, len(rows))
	users := make([]practitioner.User, 0, len(rows))
	for i, raw := range rows {
		u, err := practitioner.ParseUser(row.Row(raw))
		if err != nil {
			r.skipped(ctx, i, u.Username, err)
			continue
		}
		users = append(users, u)
	}

	res, err := lk.CleanDuplicates(ctx, users, opts)
	rep := r.report
	rep.Processed += len(users)
	rep.Skipped += res.Skipped
	rep.Succeeded += res.Checked
	rep.Failed += res.Failed
	r.log.Info().Int("deleted", res.Deleted).Msg("duplicate cleanup done")
	return r.finish(ctx), err
}
