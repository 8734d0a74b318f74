// Package location shapes Location resources from input rows. Optional
// parts of the template (parent, type codings, physical type, position)
// are pruned when the row does not supply them, and the administrative
// level is inherited from the parent when not given.
package location

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ehr/fhir-importer/internal/domain/identity"
	"github.com/ehr/fhir-importer/internal/domain/row"
	"github.com/ehr/fhir-importer/internal/platform/fhir"
	"github.com/ehr/fhir-importer/pkg/fhirmodels"
)

const ResourceType = fhirmodels.ResourceLocation

var ErrParentCycle = errors.New("location parent chain forms a cycle")

// Columns is the input and export layout.
var Columns = []string{
	"name", "status", "method", "id",
	"parentName", "parentID",
	"type", "typeCode",
	"adminLevel",
	"physicalType", "physicalTypeCode",
	"longitude", "latitude",
}

const (
	colParentName = iota + 4
	colParentID
	colType
	colTypeCode
	colAdminLevel
	colPhysicalType
	colPhysicalTypeCode
	colLongitude
	colLatitude
)

type Record struct {
	row.Base
	ParentName       row.Field
	ParentID         row.Field
	Type             row.Field
	TypeCode         row.Field
	AdminLevel       row.Field
	PhysicalType     row.Field
	PhysicalTypeCode row.Field
	Longitude        row.Field
	Latitude         row.Field
}

func Parse(r row.Row) (Record, error) {
	base, err := row.ParseBase(r)
	if err != nil {
		return Record{Base: base}, err
	}
	return Record{
		Base:             base,
		ParentName:       r.Field(colParentName, "parentName"),
		ParentID:         r.Field(colParentID, "parentID"),
		Type:             r.Field(colType, "type"),
		TypeCode:         r.Field(colTypeCode, "typeCode"),
		AdminLevel:       r.Field(colAdminLevel, "adminLevel"),
		PhysicalType:     r.Field(colPhysicalType, "physicalType"),
		PhysicalTypeCode: r.Field(colPhysicalTypeCode, "physicalTypeCode"),
		Longitude:        r.Field(colLongitude, "longitude"),
		Latitude:         r.Field(colLatitude, "latitude"),
	}, nil
}

func (rec Record) Key() []string { return []string{rec.Name} }

// Parent returns the parent id and whether the row names a parent. A
// parent given only by name gets the id a nameless import of that parent
// would have received.
func (rec Record) Parent() (string, bool) {
	if !rec.ParentName.Present {
		return "", false
	}
	if rec.ParentID.Present {
		return rec.ParentID.Value, true
	}
	return identity.ResolveID("", rec.ParentName.Value), true
}

// Reader fetches a remote resource.
type Reader interface {
	Read(ctx context.Context, resourceType, id string) (fhir.Document, error)
}

// Shaper renders locations for one import run. It remembers the level and
// parent of every location it shaped so children later in the same input
// can inherit without a remote read.
type Shaper struct {
	reader  Reader
	logger  zerolog.Logger
	levels  map[string]int
	parents map[string]string
}

type Option func(*Shaper)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Shaper) {
		s.logger = l
	}
}

func NewShaper(r Reader, opts ...Option) *Shaper {
	s := &Shaper{
		reader:  r,
		logger:  zerolog.Nop(),
		levels:  make(map[string]int),
		parents: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Shape renders rec as Location/id.
func (s *Shaper) Shape(ctx context.Context, rec Record, id string) (fhir.Document, error) {
	parentID, hasParent := rec.Parent()
	if hasParent {
		if err := s.checkCycle(id, parentID); err != nil {
			return nil, err
		}
	}

	tmpl, err := fhir.Template("location")
	if err != nil {
		return nil, err
	}
	subs := map[string]any{
		"$id":     id,
		"$name":   rec.Name,
		"$status": rec.Status,
	}

	if hasParent {
		subs["$parentID"] = parentID
		subs["$parentName"] = rec.ParentName.Value
	} else {
		fhir.Prune(tmpl, "partOf")
	}

	if rec.TypeCode.Present {
		subs["$typeCode"] = rec.TypeCode.Value
		if rec.Type.Present {
			subs["$type"] = rec.Type.Value
		} else if i := fhir.CodingIndex(tmpl, "type", fhirmodels.LocationTypeFragment); i >= 0 {
			fhir.Prune(tmpl, "type", i, "coding", 0, "display")
		}
	} else {
		fhir.RemoveCoding(tmpl, "type", fhirmodels.LocationTypeFragment)
	}

	level, hasLevel := s.level(ctx, rec, parentID, hasParent)
	if hasLevel {
		subs["$adminLevel"] = level
	} else {
		fhir.RemoveCoding(tmpl, "type", fhirmodels.AdministrativeLevelFragment)
	}

	if rec.PhysicalTypeCode.Present {
		subs["$physicalTypeCode"] = rec.PhysicalTypeCode.Value
		if rec.PhysicalType.Present {
			subs["$physicalType"] = rec.PhysicalType.Value
		} else {
			fhir.Prune(tmpl, "physicalType", "coding", 0, "display")
		}
	} else {
		fhir.Prune(tmpl, "physicalType")
	}

	lon, lonErr := strconv.ParseFloat(rec.Longitude.Value, 64)
	lat, latErr := strconv.ParseFloat(rec.Latitude.Value, 64)
	if lonErr == nil && latErr == nil {
		subs["$longitude"] = lon
		subs["$latitude"] = lat
	} else {
		fhir.Prune(tmpl, "position")
	}

	doc, err := fhir.Render(tmpl, subs)
	if err != nil {
		return nil, fmt.Errorf("location %q: %w", rec.Name, err)
	}

	if hasParent {
		s.parents[id] = parentID
	}
	if n, err := strconv.Atoi(level); hasLevel && err == nil {
		s.levels[id] = n
	}
	return doc, nil
}

// checkCycle walks the parents shaped so far in this run. Chains that run
// through locations imported in earlier runs are not followed.
func (s *Shaper) checkCycle(id, parentID string) error {
	seen := map[string]bool{}
	for p := parentID; p != ""; p = s.parents[p] {
		if p == id {
			return fmt.Errorf("%s: %w", fhir.FormatReference(ResourceType, id), ErrParentCycle)
		}
		if seen[p] {
			break
		}
		seen[p] = true
	}
	return nil
}

// level returns the explicit level, or the parent's level plus one. The
// level is reported absent when the parent has no usable level.
func (s *Shaper) level(ctx context.Context, rec Record, parentID string, hasParent bool) (string, bool) {
	if rec.AdminLevel.Present {
		return rec.AdminLevel.Value, true
	}
	if !hasParent {
		return "", false
	}
	if n, ok := s.levels[parentID]; ok {
		return strconv.Itoa(n + 1), true
	}
	if s.reader == nil {
		return "", false
	}

	parent, err := s.reader.Read(ctx, ResourceType, parentID)
	if err != nil {
		s.logger.Warn().Err(err).Str("location", rec.Name).Str("parent_id", parentID).
			Msg("parent lookup failed, administrative level omitted")
		return "", false
	}
	coding, ok := fhir.FindCoding(parent, "type", fhirmodels.AdministrativeLevelFragment)
	if !ok {
		return "", false
	}
	n, err := strconv.Atoi(coding.Code)
	if err != nil {
		s.logger.Warn().Str("location", rec.Name).Str("parent_level", coding.Code).
			Msg("parent administrative level is not numeric")
		return "", false
	}
	s.levels[parentID] = n
	return strconv.Itoa(n + 1), true
}

// Flatten is the inverse of Shape, with method set to update.
func Flatten(doc fhir.Document) []string {
	out := make([]string, len(Columns))
	out[row.ColName] = doc.String("name")
	out[row.ColStatus] = doc.String("status")
	out[row.ColMethod] = fhirmodels.MethodUpdate
	out[row.ColID] = doc.ID()

	if ref := doc.String("partOf", "reference"); ref != "" {
		_, out[colParentID] = fhir.SplitReference(ref)
		out[colParentName] = doc.String("partOf", "display")
		// A parent is only imported when named.
		if out[colParentName] == "" {
			out[colParentName] = out[colParentID]
		}
	}
	if c, ok := fhir.FindCoding(doc, "type", fhirmodels.LocationTypeFragment); ok {
		out[colType] = c.Display
		out[colTypeCode] = c.Code
	}
	if c, ok := fhir.FindCoding(doc, "type", fhirmodels.AdministrativeLevelFragment); ok {
		out[colAdminLevel] = c.Code
	}
	out[colPhysicalType] = doc.String("physicalType", "coding", 0, "display")
	out[colPhysicalTypeCode] = doc.String("physicalType", "coding", 0, "code")
	out[colLongitude] = formatCoordinate(doc, "longitude")
	out[colLatitude] = formatCoordinate(doc, "latitude")
	return out
}

func formatCoordinate(doc fhir.Document, axis string) string {
	v, ok := doc.Get("position", axis)
	if !ok {
		return ""
	}
	switch f := v.(type) {
	case float64:
		return strconv.FormatFloat(f, 'f', -1, 64)
	case string:
		return f
	}
	return ""
}
