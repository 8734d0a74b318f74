// Package importer runs the import flows. Each flow reads its rows one at
// a time, collects the resulting operations into a single transaction
// bundle and submits it once at the end.
package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhir-importer/internal/domain/accessrole"
	"github.com/ehr/fhir-importer/internal/domain/practitioner"
	"github.com/ehr/fhir-importer/internal/platform/db"
	"github.com/ehr/fhir-importer/internal/platform/fhir"
	"github.com/ehr/fhir-importer/internal/platform/logging"
	"github.com/ehr/fhir-importer/internal/platform/transport"
)

var (
	ErrEmptyInput        = errors.New("input has no rows")
	ErrUnsupportedType   = errors.New("resource type cannot be imported")
	ErrNoIdentityService = errors.New("identity provider is not configured")
)

// Backend is the FHIR server.
type Backend interface {
	practitioner.Backend
}

// IdentityProvider is the account and role administration service.
type IdentityProvider interface {
	practitioner.AccountService
	accessrole.Admin
}

// Journal records runs and row outcomes.
type Journal interface {
	Start(ctx context.Context, flow, source string) (uuid.UUID, error)
	Record(ctx context.Context, run uuid.UUID, e db.RowEntry) error
	Finish(ctx context.Context, run uuid.UUID, s db.RunSummary) error
}

type noopJournal struct{}

func (noopJournal) Start(context.Context, string, string) (uuid.UUID, error) { return uuid.Nil, nil }
func (noopJournal) Record(context.Context, uuid.UUID, db.RowEntry) error     { return nil }
func (noopJournal) Finish(context.Context, uuid.UUID, db.RunSummary) error   { return nil }

// RowFailure is a row that could not be turned into an operation.
type RowFailure struct {
	Line int
	Key  string
	Err  error
}

// Report summarizes one flow. Response is the backend's answer to the
// last submitted transaction, nil when nothing was submitted.
type Report struct {
	Flow      string
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
	Failures  []RowFailure
	Response  *transport.Response
}

// OK reports whether every row went through and the backend accepted the
// submission.
func (r *Report) OK() bool {
	return r.Failed == 0 && (r.Response == nil || r.Response.OK())
}

type Importer struct {
	backend  Backend
	idp      IdentityProvider
	journal  Journal
	rolesMax int
	logger   zerolog.Logger
}

type Option func(*Importer)

func WithLogger(l zerolog.Logger) Option {
	return func(im *Importer) {
		im.logger = l
	}
}

// WithIdentityProvider enables the user, role and cleanup flows.
func WithIdentityProvider(idp IdentityProvider) Option {
	return func(im *Importer) {
		im.idp = idp
	}
}

func WithJournal(j Journal) Option {
	return func(im *Importer) {
		im.journal = j
	}
}

// WithRolesMax bounds the available-role listings used by role setup.
func WithRolesMax(n int) Option {
	return func(im *Importer) {
		im.rolesMax = n
	}
}

func New(backend Backend, opts ...Option) *Importer {
	im := &Importer{
		backend:  backend,
		journal:  noopJournal{},
		rolesMax: 500,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// run tracks one flow: its report, its journal entry and its logger.
type run struct {
	im     *Importer
	id     uuid.UUID
	report *Report
	log    zerolog.Logger
}

func (im *Importer) begin(ctx context.Context, flow, source string, rows int) *run {
	r := &run{
		im:     im,
		report: &Report{Flow: flow},
		log:    im.logger.With().Str("flow", flow).Logger(),
	}
	id, err := im.journal.Start(ctx, flow, source)
	if err != nil {
		r.log.Warn().Err(err).Msg("journal unavailable for this run")
	}
	r.id = id
	r.log.Info().Int("rows", rows).Str("source", source).Msg("import started")
	return r
}

// line converts a data row index to its line in the input file.
func line(i int) int { return i + 2 }

func (r *run) succeeded(ctx context.Context, i int, key string) {
	r.report.Processed++
	r.report.Succeeded++
	r.record(ctx, db.RowEntry{Line: line(i), Key: key, Outcome: db.OutcomeSucceeded})
}

func (r *run) skipped(ctx context.Context, i int, key string, reason error) {
	r.report.Processed++
	r.report.Skipped++
	r.log.Warn().Int("line", line(i)).Str("key", key).Err(reason).Msg("row skipped")
	r.record(ctx, db.RowEntry{Line: line(i), Key: key, Outcome: db.OutcomeSkipped, Error: errText(reason)})
}

func (r *run) failed(ctx context.Context, i int, key string, err error) {
	r.report.Processed++
	r.report.Failed++
	r.report.Failures = append(r.report.Failures, RowFailure{Line: line(i), Key: key, Err: err})
	r.log.Error().Int("line", line(i)).Str("key", key).Err(err).Msg("row failed")
	r.record(ctx, db.RowEntry{Line: line(i), Key: key, Outcome: db.OutcomeFailed, Error: errText(err)})
}

func (r *run) record(ctx context.Context, e db.RowEntry) {
	if r.id == uuid.Nil {
		return
	}
	if err := r.im.journal.Record(ctx, r.id, e); err != nil {
		r.log.Warn().Err(err).Int("line", e.Line).Msg("journal write failed")
	}
}

// submit sends ops as one transaction. Nothing is sent when ops is empty.
func (r *run) submit(ctx context.Context, ops []fhir.Operation) error {
	if len(ops) == 0 {
		r.log.Info().Msg("nothing to submit")
		return nil
	}
	bundle, err := fhir.Assemble(ops)
	if err != nil {
		return fmt.Errorf("assemble bundle: %w", err)
	}
	resp, err := r.im.backend.Transaction(ctx, bundle)
	r.respond(resp)
	return err
}

func (r *run) respond(resp *transport.Response) {
	if resp == nil {
		return
	}
	r.report.Response = resp
	logging.FinalResponse(r.log, resp.StatusCode, resp.Body)
}

// finish closes the journal entry and returns the report.
func (r *run) finish(ctx context.Context) *Report {
	rep := r.report
	summary := db.RunSummary{
		Processed: rep.Processed,
		Succeeded: rep.Succeeded,
		Failed:    rep.Failed,
		Skipped:   rep.Skipped,
	}
	if rep.Response != nil {
		summary.ResponseStatus = rep.Response.StatusCode
	}
	if r.id != uuid.Nil {
		if err := r.im.journal.Finish(ctx, r.id, summary); err != nil {
			r.log.Warn().Err(err).Msg("journal finish failed")
		}
	}
	r.log.Info().
		Int("processed", rep.Processed).
		Int("succeeded", rep.Succeeded).
		Int("failed", rep.Failed).
		Int("skipped", rep.Skipped).
		Msg("import finished")
	return rep
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
