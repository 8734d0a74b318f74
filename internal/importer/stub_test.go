package importer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/fhir-importer/internal/platform/db"
	"github.com/ehr/fhir-importer/internal/platform/fhir"
	"github.com/ehr/fhir-importer/internal/platform/fhirclient"
	"github.com/ehr/fhir-importer/internal/platform/keycloak"
	"github.com/ehr/fhir-importer/internal/platform/transport"
)

// -- Stub FHIR server --

// fhirStub is an in-memory FHIR server. Searches match every resource of
// the type whose JSON contains all query values.
type fhirStub struct {
	mu        sync.Mutex
	docs      map[string]fhir.Document
	bundles   []*fhir.Bundle
	deleted   []string
	rejectTxn bool
}

func newFHIRStub(t *testing.T) (*fhirStub, *fhirclient.Client) {
	t.Helper()
	s := &fhirStub{docs: map[string]fhir.Document{}}

	e := echo.New()
	e.GET("/fhir/:type/:id", s.read)
	e.GET("/fhir/:type", s.search)
	e.POST("/fhir", s.transaction)
	e.DELETE("/fhir/:type/:id", s.remove)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return s, fhirclient.New(transport.New(srv.URL+"/fhir", transport.WithMaxElapsed(0)))
}

func (s *fhirStub) put(doc fhir.Document, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := doc.Clone()
	d["meta"] = map[string]any{"versionId": version}
	s.docs[d.ResourceType()+"/"+d.ID()] = d
}

func (s *fhirStub) get(ref string) (fhir.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[ref]
	return d, ok
}

func (s *fhirStub) submitted() []*fhir.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fhir.Bundle(nil), s.bundles...)
}

func (s *fhirStub) removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

func (s *fhirStub) reject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectTxn = true
}

func (s *fhirStub) read(c echo.Context) error {
	d, ok := s.get(c.Param("type") + "/" + c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]any{"resourceType": "OperationOutcome"})
	}
	return c.JSON(http.StatusOK, d)
}

func (s *fhirStub) search(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt := c.Param("type")
	var matches []fhir.Document
	for ref, d := range s.docs {
		if !strings.HasPrefix(ref, rt+"/") {
			continue
		}
		raw, _ := json.Marshal(d)
		ok := true
		for key, vals := range c.QueryParams() {
			if strings.HasPrefix(key, "_") {
				continue
			}
			for _, v := range vals {
				if !strings.Contains(string(raw), v) {
					ok = false
				}
			}
		}
		if ok {
			matches = append(matches, d)
		}
	}

	total := len(matches)
	b := fhir.Bundle{ResourceType: "Bundle", Type: "searchset", Total: &total}
	for _, d := range matches {
		raw, _ := json.Marshal(d)
		b.Entry = append(b.Entry, fhir.BundleEntry{Resource: raw})
	}
	return c.JSON(http.StatusOK, b)
}

func (s *fhirStub) transaction(c echo.Context) error {
	var b fhir.Bundle
	if err := c.Bind(&b); err != nil {
		return err
	}
	s.mu.Lock()
	s.bundles = append(s.bundles, &b)
	reject := s.rejectTxn
	s.mu.Unlock()

	if reject {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"resourceType": "OperationOutcome",
			"issue":        []any{map[string]any{"severity": "error", "code": "conflict", "diagnostics": "version mismatch"}},
		})
	}

	resp := fhir.Bundle{ResourceType: "Bundle", Type: "transaction-response"}
	for _, e := range b.Entry {
		doc, err := fhir.ParseDocument(e.Resource)
		if err != nil {
			return err
		}
		version := "1"
		if old, ok := s.get(e.Request.URL); ok {
			n, _ := strconv.Atoi(fhir.VersionOf(old, "0"))
			version = strconv.Itoa(n + 1)
		}
		s.put(doc, version)
		resp.Entry = append(resp.Entry, fhir.BundleEntry{Response: &fhir.BundleResponse{Status: "200 OK"}})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *fhirStub) remove(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := c.Param("type") + "/" + c.Param("id")
	if _, ok := s.docs[ref]; !ok {
		return c.NoContent(http.StatusNotFound)
	}
	delete(s.docs, ref)
	s.deleted = append(s.deleted, ref)
	return c.NoContent(http.StatusOK)
}

// -- Mock identity provider --

type mockIDP struct {
	users     map[string]keycloak.User
	roles     map[string]keycloak.Role
	groups    []keycloak.Group
	nextID    int
	mapped    []string
	composite map[string][]string
}

func newMockIDP() *mockIDP {
	return &mockIDP{
		users:     map[string]keycloak.User{},
		roles:     map[string]keycloak.Role{},
		composite: map[string][]string{},
	}
}

func (m *mockIDP) CreateUser(_ context.Context, u keycloak.User) (string, error) {
	if _, ok := m.users[u.Username]; ok {
		return "", keycloak.ErrConflict
	}
	m.nextID++
	u.ID = "acct-" + strconv.Itoa(m.nextID)
	m.users[u.Username] = u
	return u.ID, nil
}

func (m *mockIDP) AddUserToGroup(context.Context, string, keycloak.Group) error { return nil }
func (m *mockIDP) ResetPassword(context.Context, string, string) error          { return nil }

func (m *mockIDP) FindUsersByUsername(_ context.Context, username string) ([]keycloak.User, error) {
	if u, ok := m.users[username]; ok {
		return []keycloak.User{u}, nil
	}
	return nil, nil
}

func (m *mockIDP) GetRole(_ context.Context, name string) (*keycloak.Role, error) {
	r, ok := m.roles[name]
	if !ok {
		return nil, keycloak.ErrNotFound
	}
	return &r, nil
}

func (m *mockIDP) CreateRole(_ context.Context, name string) error {
	m.roles[name] = keycloak.Role{ID: "role-" + name, Name: name}
	return nil
}

func (m *mockIDP) AvailableCompositeRoles(_ context.Context, roleID string, _ int) ([]keycloak.Role, error) {
	var out []keycloak.Role
	for _, r := range m.roles {
		if r.ID != roleID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockIDP) AddComposites(_ context.Context, roleID string, roles []keycloak.Role) error {
	for _, r := range roles {
		m.composite[roleID] = append(m.composite[roleID], r.Name)
	}
	return nil
}

func (m *mockIDP) ListGroups(context.Context) ([]keycloak.Group, error) { return m.groups, nil }

func (m *mockIDP) CreateGroup(_ context.Context, name string) error {
	m.groups = append(m.groups, keycloak.Group{ID: "group-" + name, Name: name})
	return nil
}

func (m *mockIDP) AvailableGroupRealmRoles(context.Context, string, int) ([]keycloak.Role, error) {
	var out []keycloak.Role
	for _, r := range m.roles {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockIDP) AddGroupRealmRoles(_ context.Context, groupID string, roles []keycloak.Role) error {
	for _, r := range roles {
		m.mapped = append(m.mapped, groupID+":"+r.Name)
	}
	return nil
}

// -- Fake journal --

type fakeJournal struct {
	flow    string
	entries []db.RowEntry
	summary *db.RunSummary
}

func (j *fakeJournal) Start(_ context.Context, flow, _ string) (uuid.UUID, error) {
	j.flow = flow
	return uuid.New(), nil
}

func (j *fakeJournal) Record(_ context.Context, _ uuid.UUID, e db.RowEntry) error {
	j.entries = append(j.entries, e)
	return nil
}

func (j *fakeJournal) Finish(_ context.Context, _ uuid.UUID, s db.RunSummary) error {
	j.summary = &s
	return nil
}
