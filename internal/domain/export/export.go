// Package export writes remote resources back out as import tables, in the
// same column layout the importer reads.
package export

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhir-importer/internal/domain/careteam"
	"github.com/ehr/fhir-importer/internal/domain/location"
	"github.com/ehr/fhir-importer/internal/domain/organization"
	"github.com/ehr/fhir-importer/internal/platform/csvio"
	"github.com/ehr/fhir-importer/internal/platform/fhir"
)

var ErrUnsupportedType = errors.New("resource type cannot be exported")

// Default query used when none is given.
const (
	DefaultParameter = "_lastUpdated"
	DefaultValue     = "gt2023-01-01"
	DefaultLimit     = 1000
)

type flattener struct {
	columns []string
	flatten func(fhir.Document) []string
}

var flatteners = map[string]flattener{
	location.ResourceType:     {columns: location.Columns, flatten: location.Flatten},
	organization.ResourceType: {columns: organization.Columns, flatten: organization.Flatten},
	careteam.ResourceType:     {columns: careteam.Columns, flatten: careteam.Flatten},
}

// Supported reports whether resourceType can be exported.
func Supported(resourceType string) bool {
	_, ok := flatteners[resourceType]
	return ok
}

// Searcher runs a remote search.
type Searcher interface {
	Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error)
}

// Query selects the resources to export. An empty Parameter exports
// without a filter.
type Query struct {
	Parameter string
	Value     string
	Limit     int
}

func (q Query) params() url.Values {
	v := url.Values{}
	if q.Parameter != "" {
		v.Set(q.Parameter, q.Value)
	}
	if q.Limit > 0 {
		v.Set("_count", strconv.Itoa(q.Limit))
	}
	return v
}

// Result describes a finished export. Path is empty when nothing matched.
type Result struct {
	Path string
	Rows int
}

type Exporter struct {
	backend Searcher
	dir     string
	now     func() time.Time
	logger  zerolog.Logger
}

type Option func(*Exporter)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Exporter) {
		e.logger = l
	}
}

// WithClock overrides the time used to name export files.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		e.now = now
	}
}

func New(backend Searcher, dir string, opts ...Option) *Exporter {
	e := &Exporter{backend: backend, dir: dir, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export fetches resourceType matching q and writes one row per resource
// to a timestamped file under the export directory.
func (e *Exporter) Export(ctx context.Context, resourceType string, q Query) (Result, error) {
	f, ok := flatteners[resourceType]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedType, resourceType)
	}

	b, err := e.backend.Search(ctx, resourceType, q.params())
	if err != nil {
		return Result{}, err
	}
	docs, err := b.Resources()
	if err != nil {
		return Result{}, err
	}
	if len(docs) == 0 {
		e.logger.Info().Str("resource_type", resourceType).Msg("no resources found")
		return Result{}, nil
	}

	rows := make([][]string, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, f.flatten(d))
	}
	path := csvio.ExportPath(e.dir, resourceType, e.now())
	if err := csvio.ExportRows(path, f.columns, rows); err != nil {
		return Result{}, err
	}
	e.logger.Info().Str("resource_type", resourceType).Str("path", path).Int("rows", len(rows)).Msg("export written")
	return Result{Path: path, Rows: len(rows)}, nil
}
