// Package accessrole provisions realm roles in the identity provider from
// input rows, including composite roles and an optional group mapping.
package accessrole

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/fhir-importer/internal/domain/row"
	"github.com/ehr/fhir-importer/internal/platform/keycloak"
)

var ErrMissingRole = errors.New("role name is required")

var Columns = []string{"role", "isComposite", "associatedRoles"}

type Record struct {
	Name            string
	Composite       bool
	AssociatedRoles []string
}

// Parse reads a roles row. associatedRoles is a "|"-separated list; an
// unparsable isComposite reads as false.
func Parse(r row.Row) (Record, error) {
	rec := Record{Name: r.Value(0)}
	if rec.Name == "" {
		return rec, ErrMissingRole
	}
	if f := r.Field(1, "isComposite"); f.Present {
		rec.Composite, _ = strconv.ParseBool(f.Value)
	}
	for _, name := range strings.Split(r.Field(2, "associatedRoles").Value, "|") {
		if name = strings.TrimSpace(name); name != "" {
			rec.AssociatedRoles = append(rec.AssociatedRoles, name)
		}
	}
	return rec, nil
}

// Admin is the identity-provider surface role setup needs.
type Admin interface {
	GetRole(ctx context.Context, name string) (*keycloak.Role, error)
	CreateRole(ctx context.Context, name string) error
	AvailableCompositeRoles(ctx context.Context, roleID string, max int) ([]keycloak.Role, error)
	AddComposites(ctx context.Context, roleID string, roles []keycloak.Role) error
	ListGroups(ctx context.Context) ([]keycloak.Group, error)
	CreateGroup(ctx context.Context, name string) error
	AvailableGroupRealmRoles(ctx context.Context, groupID string, max int) ([]keycloak.Role, error)
	AddGroupRealmRoles(ctx context.Context, groupID string, roles []keycloak.Role) error
}

type Setup struct {
	admin    Admin
	rolesMax int
	logger   zerolog.Logger
}

type Option func(*Setup)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Setup) {
		s.logger = l
	}
}

// New returns a Setup that pages at most rolesMax available roles per
// lookup.
func New(admin Admin, rolesMax int, opts ...Option) *Setup {
	s := &Setup{admin: admin, rolesMax: rolesMax, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureRole creates rec's role when missing and attaches its composites.
// Associated roles that are not available are logged and left out.
func (s *Setup) EnsureRole(ctx context.Context, rec Record) error {
	log := s.logger.With().Str("role", rec.Name).Logger()

	role, err := s.admin.GetRole(ctx, rec.Name)
	switch {
	case err == nil:
		log.Info().Msg("role already exists")
	case errors.Is(err, keycloak.ErrNotFound):
		if err := s.admin.CreateRole(ctx, rec.Name); err != nil && !errors.Is(err, keycloak.ErrConflict) {
			return err
		}
		log.Info().Msg("role created")
	default:
		return err
	}

	if !rec.Composite {
		return nil
	}
	if role == nil {
		if role, err = s.admin.GetRole(ctx, rec.Name); err != nil {
			return err
		}
	}

	available, err := s.admin.AvailableCompositeRoles(ctx, role.ID, s.rolesMax)
	if err != nil {
		return fmt.Errorf("available roles for %s: %w", rec.Name, err)
	}
	byName := make(map[string]keycloak.Role, len(available))
	for _, r := range available {
		byName[r.Name] = r
	}

	var composites []keycloak.Role
	for _, name := range rec.AssociatedRoles {
		r, ok := byName[name]
		if !ok {
			log.Error().Str("associated_role", name).Msg("associated role does not exist")
			continue
		}
		composites = append(composites, r)
	}
	if len(composites) == 0 {
		return nil
	}
	if err := s.admin.AddComposites(ctx, role.ID, composites); err != nil {
		return err
	}
	log.Info().Int("composites", len(composites)).Msg("composite roles attached")
	return nil
}

// AssignToGroup maps the roles named by recs onto the group called name,
// creating the group when it does not exist. Roles the group cannot take
// are skipped.
func (s *Setup) AssignToGroup(ctx context.Context, name string, recs []Record) (int, error) {
	groupID, err := s.groupID(ctx, name)
	if err != nil {
		return 0, err
	}

	available, err := s.admin.AvailableGroupRealmRoles(ctx, groupID, s.rolesMax)
	if err != nil {
		return 0, fmt.Errorf("available roles for group %s: %w", name, err)
	}
	byName := make(map[string]keycloak.Role, len(available))
	for _, r := range available {
		byName[r.Name] = r
	}

	var assign []keycloak.Role
	for _, rec := range recs {
		if r, ok := byName[rec.Name]; ok {
			assign = append(assign, r)
		}
	}
	if len(assign) == 0 {
		s.logger.Info().Str("group", name).Msg("no roles to assign")
		return 0, nil
	}
	if err := s.admin.AddGroupRealmRoles(ctx, groupID, assign); err != nil {
		return 0, err
	}
	s.logger.Info().Str("group", name).Int("roles", len(assign)).Msg("roles added to group")
	return len(assign), nil
}

func (s *Setup) groupID(ctx context.Context, name string) (string, error) {
	find := func() (string, error) {
		groups, err := s.admin.ListGroups(ctx)
		if err != nil {
			return "", err
		}
		for _, g := range groups {
			if g.Name == name {
				return g.ID, nil
			}
		}
		return "", nil
	}

	id, err := find()
	if err != nil || id != "" {
		return id, err
	}
	s.logger.Info().Str("group", name).Msg("group does not exist, creating it")
	if err := s.admin.CreateGroup(ctx, name); err != nil && !errors.Is(err, keycloak.ErrConflict) {
		return "", err
	}
	if id, err = find(); err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("group %s: %w", name, keycloak.ErrNotFound)
	}
	return id, nil
}
