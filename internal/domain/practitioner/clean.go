package practitioner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ehr/fhir-importer/internal/platform/fhir"
	"github.com/ehr/fhir-importer/pkg/fhirmodels"
)

var ErrNotConfirmed = errors.New("duplicate cleanup was not confirmed")

type CleanOptions struct {
	// Confirmed must be set; cleanup deletes resources.
	Confirmed bool
	// Cascade deletes resources referencing each removed Practitioner.
	Cascade bool
}

// cleanupPageSize is the _count requested when listing a user's
// Practitioners.
const cleanupPageSize = 200

// CleanResult counts users, except Deleted which counts resources. Each
// user lands in exactly one of Checked, Failed or Skipped.
type CleanResult struct {
	Checked int
	Failed  int
	Skipped int
	Deleted int
}

// CleanDuplicates deletes every Practitioner linked to a user's account
// except the one whose id the input names. Users without an id are
// skipped. Per-user failures are collected and returned together.
func (lk *Linker) CleanDuplicates(ctx context.Context, users []User, opts CleanOptions) (CleanResult, error) {
	var res CleanResult
	if !opts.Confirmed {
		return res, ErrNotConfirmed
	}

	var errs []error
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			res.Failed++
			break
		}
		log := lk.logger.With().Str("username", u.Username).Logger()
		if u.ID == "" {
			log.Info().Msg("no practitioner id given, skipping")
			res.Skipped++
			continue
		}

		deleted, found, err := lk.cleanUser(ctx, u, opts, log)
		res.Deleted += deleted
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("user %s: %w", u.Username, err))
			res.Failed++
		case !found:
			res.Skipped++
		default:
			res.Checked++
		}
	}
	return res, errors.Join(errs...)
}

// cleanUser removes u's duplicate Practitioners. found is false when the
// user has no account. Deletion continues past a failed delete.
func (lk *Linker) cleanUser(ctx context.Context, u User, opts CleanOptions, log zerolog.Logger) (int, bool, error) {
	accounts, err := lk.accounts.FindUsersByUsername(ctx, u.Username)
	if err != nil {
		return 0, false, err
	}
	if len(accounts) == 0 {
		log.Error().Msg("account not found, skipping")
		return 0, false, nil
	}

	b, err := lk.backend.Search(ctx, fhirmodels.ResourcePractitioner, url.Values{
		"identifier": {accounts[0].ID},
		"_count":     {strconv.Itoa(cleanupPageSize)},
	})
	if err != nil {
		return 0, true, err
	}
	docs, err := b.Resources()
	if err != nil {
		return 0, true, err
	}
	if total := b.Count(); total > len(docs) {
		log.Warn().Int("total", total).Int("returned", len(docs)).
			Msg("more practitioners than one page, run cleanup again for the rest")
	}

	switch {
	case len(docs) == 0:
		log.Info().Msg("no practitioners found")
		return 0, true, nil
	case len(docs) == 1:
		if docs[0].ID() == u.ID {
			log.Info().Msg("user ok")
		} else {
			log.Error().Str("found", docs[0].ID()).Str("expected", u.ID).
				Msg("single practitioner does not match the given id")
		}
		return 0, true, nil
	}

	deleted := 0
	var errs []error
	for _, d := range docs {
		if d.ID() == u.ID {
			continue
		}
		log.Info().Str("practitioner_id", d.ID()).Msg("deleting duplicate practitioner")
		if err := lk.backend.Delete(ctx, fhirmodels.ResourcePractitioner, d.ID(), opts.Cascade); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", fhir.FormatReference(fhirmodels.ResourcePractitioner, d.ID()), err))
			continue
		}
		deleted++
	}
	return deleted, true, errors.Join(errs...)
}
