package importer

import (
	"context"
	"fmt"

	"github.com/ehr/fhir-importer/internal/domain/careteam"
	"github.com/ehr/fhir-importer/internal/domain/location"
	"github.com/ehr/fhir-importer/internal/domain/organization"
	"github.com/ehr/fhir-importer/internal/domain/reconcile"
	"github.com/ehr/fhir-importer/internal/domain/row"
	"github.com/ehr/fhir-importer/internal/platform/fhir"
)

// candidate is a parsed row of one of the simple resource kinds, ready to
// be reconciled and shaped.
type candidate struct {
	name   string
	method string
	id     string
	key    []string
	shape  func(ctx context.Context, id string) (fhir.Document, error)
}

type parseFunc func(row.Row) (candidate, error)

// parser returns the row parser for resourceType. Location parsers share
// one shaper so later rows can inherit levels from earlier ones.
func (im *Importer) parser(resourceType string) (parseFunc, error) {
	switch resourceType {
	case organization.ResourceType:
		return func(r row.Row) (candidate, error) {
			rec, err := organization.Parse(r)
			if err != nil {
				return candidate{name: rec.Name}, err
			}
			return candidate{
				name:   rec.Name,
				method: rec.Method,
				id:     rec.ID,
				key:    rec.Key(),
				shape: func(_ context.Context, id string) (fhir.Document, error) {
					return organization.Shape(rec, id)
				},
			}, nil
		}, nil

	case location.ResourceType:
		shaper := location.NewShaper(im.backend, location.WithLogger(im.logger))
		return func(r row.Row) (candidate, error) {
			rec, err := location.Parse(r)
			if err != nil {
				return candidate{name: rec.Name}, err
			}
			return candidate{
				name:   rec.Name,
				method: rec.Method,
				id:     rec.ID,
				key:    rec.Key(),
				shape: func(ctx context.Context, id string) (fhir.Document, error) {
					return shaper.Shape(ctx, rec, id)
				},
			}, nil
		}, nil

	case careteam.ResourceType:
		return func(r row.Row) (candidate, error) {
			rec, err := careteam.Parse(r)
			if err != nil {
				return candidate{name: rec.Name}, err
			}
			return candidate{
				name:   rec.Name,
				method: rec.Method,
				id:     rec.ID,
				key:    rec.Key(),
				shape: func(_ context.Context, id string) (fhir.Document, error) {
					return careteam.Shape(rec, id)
				},
			}, nil
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, resourceType)
}

// ImportResources imports Organization, Location or CareTeam rows. Rows
// with a missing name or an unknown method are skipped; rows that cannot
// be reconciled or shaped fail without stopping the run. The surviving
// resources are submitted as one transaction.
func (im *Importer) ImportResources(ctx context.Context, resourceType, source string, rows [][]string) (*Report, error) {
	parse, err := im.parser(resourceType)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}

	decider := reconcile.NewDecider(im.backend)
	r := im.begin(ctx, resourceType, source, len(rows))
	var ops []fhir.Operation
	for i, raw := range rows {
		if err := ctx.Err(); err != nil {
			return r.finish(ctx), err
		}

		c, err := parse(row.Row(raw))
		if err != nil {
			r.skipped(ctx, i, c.name, err)
			continue
		}
		d, err := decider.DecideExplicit(ctx, resourceType, c.method, c.id, c.key...)
		if err != nil {
			r.failed(ctx, i, c.name, err)
			continue
		}
		doc, err := c.shape(ctx, d.ID)
		if err != nil {
			r.failed(ctx, i, c.name, err)
			continue
		}
		ops = append(ops, d.Operation(resourceType, doc))
		r.succeeded(ctx, i, c.name)
	}

	err = r.submit(ctx, ops)
	return r.finish(ctx), err
}
