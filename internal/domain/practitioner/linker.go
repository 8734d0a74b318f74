package practitioner

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/ehr/fhir-importer/internal/domain/reconcile"
	"github.com/ehr/fhir-importer/internal/platform/fhir"
	"github.com/ehr/fhir-importer/internal/platform/fhirclient"
	"github.com/ehr/fhir-importer/internal/platform/keycloak"
	"github.com/ehr/fhir-importer/internal/platform/transport"
	"github.com/ehr/fhir-importer/pkg/fhirmodels"
)

// AccountService is the identity-provider side of the workflow.
type AccountService interface {
	CreateUser(ctx context.Context, u keycloak.User) (string, error)
	AddUserToGroup(ctx context.Context, userID string, g keycloak.Group) error
	ResetPassword(ctx context.Context, userID, password string) error
	FindUsersByUsername(ctx context.Context, username string) ([]keycloak.User, error)
}

// Backend is the FHIR side of the workflow.
type Backend interface {
	Read(ctx context.Context, resourceType, id string) (fhir.Document, error)
	Version(ctx context.Context, resourceType, id string) (string, bool, error)
	Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error)
	Transaction(ctx context.Context, b *fhir.Bundle) (*transport.Response, error)
	Delete(ctx context.Context, resourceType, id string, cascade bool) error
}

// State is where a user ended up in the linking workflow.
type State int

const (
	StateAccountLookup State = iota
	StateAccountEnsured
	StateDomainLookup
	StateLinked
	StateCreated
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateAccountLookup:
		return "account_lookup"
	case StateAccountEnsured:
		return "account_ensured"
	case StateDomainLookup:
		return "domain_lookup"
	case StateLinked:
		return "linked"
	case StateCreated:
		return "domain_resource_created"
	case StateAbandoned:
		return "abandoned"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Linkage ties an account to its Practitioner.
type Linkage struct {
	AccountID      string
	PractitionerID string
}

// Outcome of Link. Response is the transaction response when resources
// were written.
type Outcome struct {
	State    State
	Linkage  Linkage
	Response *transport.Response
}

type Linker struct {
	accounts AccountService
	backend  Backend
	decider  *reconcile.Decider
	logger   zerolog.Logger
}

type Option func(*Linker)

func WithLogger(l zerolog.Logger) Option {
	return func(lk *Linker) {
		lk.logger = l
	}
}

func NewLinker(accounts AccountService, backend Backend, opts ...Option) *Linker {
	lk := &Linker{
		accounts: accounts,
		backend:  backend,
		decider:  reconcile.NewDecider(backend),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(lk)
	}
	return lk
}

// Link runs the workflow for one user. An abandoned user is not an error;
// errors are returned for remote failures that leave the user's state
// unknown.
func (lk *Linker) Link(ctx context.Context, u User) (Outcome, error) {
	log := lk.logger.With().Str("username", u.Username).Logger()
	out := Outcome{State: StateAccountLookup}

	accountID, err := lk.ensureAccount(ctx, u, log)
	if err != nil {
		out.State = StateAbandoned
		return out, err
	}
	if accountID == "" {
		out.State = StateAbandoned
		return out, nil
	}
	out.Linkage.AccountID = accountID
	transition(&out, StateAccountEnsured, log)

	transition(&out, StateDomainLookup, log)
	practitionerID, linked, err := lk.findPractitioner(ctx, u, accountID, log)
	if err != nil {
		return out, err
	}
	if linked {
		transition(&out, StateLinked, log)
		out.Linkage.PractitionerID = practitionerID
		log.Info().Str("practitioner_id", practitionerID).Msg("practitioner already linked")
		return out, nil
	}

	ops, err := Synthesize(u, accountID)
	if err != nil {
		return out, err
	}
	for i := range ops {
		d, err := lk.decider.DecideByID(ctx, ops[i].ResourceType, ops[i].ID)
		if err != nil {
			return out, err
		}
		ops[i].Version = d.Version
	}
	bundle, err := fhir.Assemble(ops)
	if err != nil {
		return out, err
	}
	resp, err := lk.backend.Transaction(ctx, bundle)
	out.Response = resp
	if err != nil {
		return out, fmt.Errorf("user %s: %w", u.Username, err)
	}
	transition(&out, StateCreated, log)
	out.Linkage.PractitionerID = ops[0].ID
	log.Info().Str("practitioner_id", ops[0].ID).Msg("practitioner resources created")
	return out, nil
}

// ensureAccount creates the account or, when that fails, looks up the
// existing one. It returns "" when no usable account exists.
func (lk *Linker) ensureAccount(ctx context.Context, u User, log zerolog.Logger) (string, error) {
	id, err := lk.accounts.CreateUser(ctx, keycloak.User{
		Username:   u.Username,
		Email:      u.Email,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		Enabled:    u.Enabled,
		Attributes: map[string][]string{fhirmodels.AppIDAttribute: {u.AppID}},
	})
	if err == nil {
		log.Info().Str("account_id", id).Msg("account created")
		if u.GroupID != "" {
			if err := lk.accounts.AddUserToGroup(ctx, id, keycloak.Group{ID: u.GroupID, Name: u.GroupName}); err != nil {
				log.Warn().Err(err).Str("group", u.GroupName).Msg("adding account to group failed")
			}
		}
		if u.Password != "" {
			if err := lk.accounts.ResetPassword(ctx, id, u.Password); err != nil {
				log.Warn().Err(err).Msg("setting account password failed")
			}
		}
		return id, nil
	}
	if errors.Is(err, keycloak.ErrConflict) {
		log.Info().Msg("account exists, looking it up")
	} else {
		log.Warn().Err(err).Msg("account creation failed, looking up existing account")
	}

	users, err := lk.accounts.FindUsersByUsername(ctx, u.Username)
	if err != nil {
		return "", fmt.Errorf("lookup account %s: %w", u.Username, err)
	}
	if len(users) == 0 {
		log.Error().Msg("account not found, skipping user")
		return "", nil
	}
	found := users[0]
	if found.Username != u.Username {
		log.Error().Str("found", found.Username).Msg("account username does not match, skipping user")
		return "", nil
	}
	if found.Email != "" && found.Email != u.Email {
		log.Error().Str("account_email", found.Email).Str("row_email", u.Email).Msg("account email does not match")
	}
	return found.ID, nil
}

// findPractitioner reports whether a Practitioner linked to accountID
// already exists, and its id.
func (lk *Linker) findPractitioner(ctx context.Context, u User, accountID string, log zerolog.Logger) (string, bool, error) {
	if u.ID != "" {
		doc, err := lk.backend.Read(ctx, fhirmodels.ResourcePractitioner, u.ID)
		if errors.Is(err, fhirclient.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		if linked := secondaryIdentifier(doc); linked != accountID {
			log.Warn().Str("practitioner_id", u.ID).Str("linked_account", linked).Str("account_id", accountID).
				Msg("practitioner is not linked to this account")
		}
		return u.ID, true, nil
	}

	b, err := lk.backend.Search(ctx, fhirmodels.ResourcePractitioner, url.Values{"identifier": {accountID}})
	if err != nil {
		return "", false, err
	}
	if b.Count() == 0 {
		return "", false, nil
	}
	docs, err := b.Resources()
	if err != nil {
		return "", false, err
	}
	log.Info().Int("count", b.Count()).Msg("practitioners linked to account")
	id := ""
	if len(docs) > 0 {
		id = docs[0].ID()
	}
	return id, true, nil
}

func transition(out *Outcome, next State, log zerolog.Logger) {
	log.Debug().Stringer("from", out.State).Stringer("to", next).Msg("link state")
	out.State = next
}

func secondaryIdentifier(doc fhir.Document) string {
	ids, _ := doc["identifier"].([]any)
	value := ""
	for i := range ids {
		if doc.String("identifier", i, "use") == fhirmodels.IdentifierSecondary {
			value = doc.String("identifier", i, "value")
		}
	}
	return value
}
