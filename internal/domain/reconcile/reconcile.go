// Package reconcile decides whether a synthesized resource creates a new
// entity or replaces an existing one, and which version precondition the
// write carries.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/fhir-importer/internal/domain/identity"
	"github.com/ehr/fhir-importer/internal/platform/fhir"
	"github.com/ehr/fhir-importer/pkg/fhirmodels"
)

var (
	ErrAmbiguousMatch      = errors.New("more than one existing resource matches")
	ErrMissingID           = errors.New("update requires an id")
	ErrMissingRemoteTarget = errors.New("update target does not exist")
	ErrUnknownMethod       = errors.New("unknown method")
)

type Action int

const (
	Create Action = iota
	Update
)

func (a Action) String() string {
	if a == Update {
		return fhirmodels.MethodUpdate
	}
	return fhirmodels.MethodCreate
}

// Decision is the outcome for one resource. Existing is set when an update
// was decided from a search match.
type Decision struct {
	Action   Action
	ID       string
	Version  string
	Existing fhir.Document
}

// Operation turns the decision into a bundle operation for resource.
func (d Decision) Operation(resourceType string, resource fhir.Document) fhir.Operation {
	return fhir.Operation{ResourceType: resourceType, ID: d.ID, Version: d.Version, Resource: resource}
}

// Match is one existing resource found by a remote search.
type Match struct {
	ID       string
	Version  string
	Resource fhir.Document
}

// DecideFromMatches creates freshID when nothing matched and updates the
// single match otherwise.
func DecideFromMatches(matches []Match, freshID string) (Decision, error) {
	switch len(matches) {
	case 0:
		return Decision{Action: Create, ID: freshID, Version: fhir.InitialVersion}, nil
	case 1:
		m := matches[0]
		return Decision{Action: Update, ID: m.ID, Version: m.Version, Existing: m.Resource}, nil
	default:
		return Decision{}, fmt.Errorf("%w: %d candidates", ErrAmbiguousMatch, len(matches))
	}
}

// MatchesFromBundle converts the entries of a search result into matches.
func MatchesFromBundle(b *fhir.Bundle) ([]Match, error) {
	docs, err := b.Resources()
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(docs))
	for _, d := range docs {
		out = append(out, Match{ID: d.ID(), Version: fhir.VersionOf(d, ""), Resource: d})
	}
	return out, nil
}

// VersionSource reports the current version of a remote resource.
type VersionSource interface {
	Version(ctx context.Context, resourceType, id string) (string, bool, error)
}

type Decider struct {
	versions VersionSource
}

func NewDecider(vs VersionSource) *Decider {
	return &Decider{versions: vs}
}

// DecideExplicit follows the row's method. create takes the provided id or
// derives one from keyParts; update needs an id that exists remotely.
func (d *Decider) DecideExplicit(ctx context.Context, resourceType, method, providedID string, keyParts ...string) (Decision, error) {
	switch method {
	case fhirmodels.MethodCreate:
		return Decision{
			Action:  Create,
			ID:      identity.ResolveID(providedID, keyParts...),
			Version: fhir.InitialVersion,
		}, nil
	case fhirmodels.MethodUpdate:
		if providedID == "" {
			return Decision{}, ErrMissingID
		}
		version, found, err := d.versions.Version(ctx, resourceType, providedID)
		if err != nil {
			return Decision{}, fmt.Errorf("lookup %s: %w", fhir.FormatReference(resourceType, providedID), err)
		}
		if !found {
			return Decision{}, fmt.Errorf("%s: %w", fhir.FormatReference(resourceType, providedID), ErrMissingRemoteTarget)
		}
		return Decision{Action: Update, ID: providedID, Version: version}, nil
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

// DecideByID updates id when it already exists and creates it otherwise.
func (d *Decider) DecideByID(ctx context.Context, resourceType, id string) (Decision, error) {
	version, found, err := d.versions.Version(ctx, resourceType, id)
	if err != nil {
		return Decision{}, fmt.Errorf("lookup %s: %w", fhir.FormatReference(resourceType, id), err)
	}
	if !found {
		return Decision{Action: Create, ID: id, Version: fhir.InitialVersion}, nil
	}
	return Decision{Action: Update, ID: id, Version: version}, nil
}
