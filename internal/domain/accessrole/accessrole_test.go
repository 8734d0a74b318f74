package accessrole

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/ehr/fhir-importer/internal/domain/row"
	"github.com/ehr/fhir-importer/internal/platform/keycloak"
)

// -- Mock admin --

type mockAdmin struct {
	roles      map[string]keycloak.Role
	available  []keycloak.Role
	groups     []keycloak.Group
	created    []string
	composites map[string][]keycloak.Role
	groupRoles map[string][]keycloak.Role
	maxSeen    int

	// groupRace makes CreateGroup behave as if another writer created the
	// group first.
	groupRace bool
}

func newMockAdmin() *mockAdmin {
	return &mockAdmin{
		roles:      map[string]keycloak.Role{},
		composites: map[string][]keycloak.Role{},
		groupRoles: map[string][]keycloak.Role{},
	}
}

func (m *mockAdmin) GetRole(_ context.Context, name string) (*keycloak.Role, error) {
	r, ok := m.roles[name]
	if !ok {
		return nil, fmt.Errorf("GET /roles/%s: %w", name, keycloak.ErrNotFound)
	}
	return &r, nil
}

func (m *mockAdmin) CreateRole(_ context.Context, name string) error {
	m.created = append(m.created, name)
	m.roles[name] = keycloak.Role{ID: "id-" + name, Name: name}
	return nil
}

func (m *mockAdmin) AvailableCompositeRoles(_ context.Context, _ string, max int) ([]keycloak.Role, error) {
	m.maxSeen = max
	return m.available, nil
}

func (m *mockAdmin) AddComposites(_ context.Context, roleID string, roles []keycloak.Role) error {
	m.composites[roleID] = append(m.composites[roleID], roles...)
	return nil
}

func (m *mockAdmin) ListGroups(_ context.Context) ([]keycloak.Group, error) {
	return m.groups, nil
}

func (m *mockAdmin) CreateGroup(_ context.Context, name string) error {
	m.groups = append(m.groups, keycloak.Group{ID: "gid-" + name, Name: name})
	if m.groupRace {
		return fmt.Errorf("group %s: %w", name, keycloak.ErrConflict)
	}
	return nil
}

func (m *mockAdmin) AvailableGroupRealmRoles(_ context.Context, _ string, _ int) ([]keycloak.Role, error) {
	return m.available, nil
}

func (m *mockAdmin) AddGroupRealmRoles(_ context.Context, groupID string, roles []keycloak.Role) error {
	m.groupRoles[groupID] = append(m.groupRoles[groupID], roles...)
	return nil
}

func TestParse(t *testing.T) {
	rec, err := Parse(row.Row{"MANAGE_PATIENT", "true", "VIEW_PATIENT| EDIT_PATIENT |"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Record{Name: "MANAGE_PATIENT", Composite: true, AssociatedRoles: []string{"VIEW_PATIENT", "EDIT_PATIENT"}}
	if !reflect.DeepEqual(rec, want) {
		t.Errorf("Parse = %+v, want %+v", rec, want)
	}

	rec, _ = Parse(row.Row{"VIEW_PATIENT", "yes"})
	if rec.Composite {
		t.Error("expected unparsable isComposite to read as false")
	}

	if _, err := Parse(row.Row{""}); !errors.Is(err, ErrMissingRole) {
		t.Errorf("expected ErrMissingRole, got %v", err)
	}
}

func TestEnsureRole_CreatesAndAttachesComposites(t *testing.T) {
	m := newMockAdmin()
	m.available = []keycloak.Role{{ID: "a", Name: "VIEW_PATIENT"}, {ID: "b", Name: "EDIT_PATIENT"}}
	s := New(m, 50)

	err := s.EnsureRole(context.Background(), Record{
		Name: "MANAGE_PATIENT", Composite: true, AssociatedRoles: []string{"VIEW_PATIENT", "MISSING"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.created) != 1 || m.created[0] != "MANAGE_PATIENT" {
		t.Errorf("unexpected created roles %v", m.created)
	}
	got := m.composites["id-MANAGE_PATIENT"]
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("expected only existing associated roles, got %+v", got)
	}
	if m.maxSeen != 50 {
		t.Errorf("expected rolesMax 50, got %d", m.maxSeen)
	}
}

func TestEnsureRole_ExistingSimpleRole(t *testing.T) {
	m := newMockAdmin()
	m.roles["VIEW_PATIENT"] = keycloak.Role{ID: "a", Name: "VIEW_PATIENT"}

	if err := New(m, 500).EnsureRole(context.Background(), Record{Name: "VIEW_PATIENT"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.created) != 0 {
		t.Error("expected no role creation")
	}
}

func TestAssignToGroup_CreatesMissingGroup(t *testing.T) {
	m := newMockAdmin()
	m.available = []keycloak.Role{{ID: "a", Name: "VIEW_PATIENT"}}
	s := New(m, 500)

	n, err := s.AssignToGroup(context.Background(), "Supervisors", []Record{{Name: "VIEW_PATIENT"}, {Name: "OTHER"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 role assigned, got %d", n)
	}
	if len(m.groups) != 1 {
		t.Fatalf("expected group to be created, got %+v", m.groups)
	}
	if roles := m.groupRoles["gid-Supervisors"]; len(roles) != 1 || roles[0].Name != "VIEW_PATIENT" {
		t.Errorf("unexpected group roles %+v", roles)
	}
}

func TestAssignToGroup_ExistingGroup(t *testing.T) {
	m := newMockAdmin()
	m.groups = []keycloak.Group{{ID: "g1", Name: "Supervisors"}}
	m.available = []keycloak.Role{{ID: "a", Name: "VIEW_PATIENT"}}

	if _, err := New(m, 500).AssignToGroup(context.Background(), "Supervisors", []Record{{Name: "VIEW_PATIENT"}}); err != nil {
		t.Fatal(err)
	}
	if len(m.groups) != 1 {
		t.Error("expected no new group")
	}
	if len(m.groupRoles["g1"]) != 1 {
		t.Errorf("unexpected mapping %+v", m.groupRoles)
	}
}

func TestAssignToGroup_GroupCreatedConcurrently(t *testing.T) {
	m := newMockAdmin()
	m.groupRace = true
	m.available = []keycloak.Role{{ID: "a", Name: "VIEW_PATIENT"}}

	n, err := New(m, 500).AssignToGroup(context.Background(), "Supervisors", []Record{{Name: "VIEW_PATIENT"}})
	if err != nil {
		t.Fatalf("expected conflict to be tolerated, got %v", err)
	}
	if n != 1 || len(m.groupRoles["gid-Supervisors"]) != 1 {
		t.Errorf("unexpected mapping %+v", m.groupRoles)
	}
}
