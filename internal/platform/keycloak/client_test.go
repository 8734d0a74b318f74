package keycloak

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/matryer/is"

	"github.com/ehr/fhir-importer/internal/platform/transport"
)

func newStubRealm(t *testing.T) (*Client, *echo.Echo, func()) {
	t.Helper()
	e := echo.New()
	srv := httptest.NewServer(e)
	c := New(transport.New(srv.URL+"/admin/realms/fhir", transport.WithMaxElapsed(0)))
	return c, e, srv.Close
}

func TestCreateUser(t *testing.T) {
	is := is.New(t)
	c, e, done := newStubRealm(t)
	defer done()

	var got User
	e.POST("/admin/realms/fhir/users", func(ctx echo.Context) error {
		if err := ctx.Bind(&got); err != nil {
			return err
		}
		if got.Username == "taken" {
			return ctx.NoContent(http.StatusConflict)
		}
		ctx.Response().Header().Set("Location", "http://kc/admin/realms/fhir/users/8f0c-11")
		return ctx.NoContent(http.StatusCreated)
	})

	id, err := c.CreateUser(context.Background(), User{
		Username:   "jdoe",
		Enabled:    true,
		Attributes: map[string][]string{"fhir_core_app_id": {"quest"}},
	})
	is.NoErr(err)
	is.Equal(id, "8f0c-11")
	is.Equal(got.Attributes["fhir_core_app_id"][0], "quest")

	_, err = c.CreateUser(context.Background(), User{Username: "taken"})
	is.True(errors.Is(err, ErrConflict))
}

func TestAddUserToGroupAndResetPassword(t *testing.T) {
	is := is.New(t)
	c, e, done := newStubRealm(t)
	defer done()

	var group Group
	var password map[string]interface{}
	e.PUT("/admin/realms/fhir/users/:id/groups/:gid", func(ctx echo.Context) error {
		if ctx.Param("gid") != "g1" {
			t.Errorf("unexpected group id %s", ctx.Param("gid"))
		}
		ctx.Bind(&group)
		return ctx.NoContent(http.StatusNoContent)
	})
	e.PUT("/admin/realms/fhir/users/:id/reset-password", func(ctx echo.Context) error {
		ctx.Bind(&password)
		return ctx.NoContent(http.StatusNoContent)
	})

	is.NoErr(c.AddUserToGroup(context.Background(), "u1", Group{ID: "g1", Name: "Providers"}))
	is.Equal(group.Name, "Providers")

	is.NoErr(c.ResetPassword(context.Background(), "u1", "s3cret"))
	is.Equal(password["value"], "s3cret")
	is.Equal(password["temporary"], false)
	is.Equal(password["type"], "password")
}

func TestFindUsersByUsername(t *testing.T) {
	is := is.New(t)
	c, e, done := newStubRealm(t)
	defer done()

	e.GET("/admin/realms/fhir/users", func(ctx echo.Context) error {
		if ctx.QueryParam("exact") != "true" {
			t.Error("expected exact=true")
		}
		return ctx.JSON(http.StatusOK, []User{{ID: "u1", Username: ctx.QueryParam("username"), Email: "j@x.org"}})
	})

	users, err := c.FindUsersByUsername(context.Background(), "jdoe")
	is.NoErr(err)
	is.Equal(len(users), 1)
	is.Equal(users[0].Username, "jdoe")
}

func TestRoles(t *testing.T) {
	is := is.New(t)
	c, e, done := newStubRealm(t)
	defer done()

	e.GET("/admin/realms/fhir/roles/:name", func(ctx echo.Context) error {
		if ctx.Param("name") == "missing" {
			return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Could not find role"})
		}
		return ctx.JSON(http.StatusOK, Role{ID: "r1", Name: ctx.Param("name")})
	})
	e.GET("/admin/realms/fhir/ui-ext/available-roles/roles/:id", func(ctx echo.Context) error {
		if ctx.QueryParam("max") != "50" {
			t.Errorf("max = %s, want 50", ctx.QueryParam("max"))
		}
		return ctx.JSONBlob(http.StatusOK, []byte(`[
			{"id": "a", "role": "VIEW_PATIENT", "client": "", "clientId": "", "description": "view"}
		]`))
	})
	var composites []Role
	e.POST("/admin/realms/fhir/roles-by-id/:id/composites", func(ctx echo.Context) error {
		ctx.Bind(&composites)
		return ctx.NoContent(http.StatusNoContent)
	})

	r, err := c.GetRole(context.Background(), "EDIT_PATIENT")
	is.NoErr(err)
	is.Equal(r.ID, "r1")

	_, err = c.GetRole(context.Background(), "missing")
	is.True(errors.Is(err, ErrNotFound))

	avail, err := c.AvailableCompositeRoles(context.Background(), "r1", 50)
	is.NoErr(err)
	is.Equal(avail[0].Name, "VIEW_PATIENT")

	is.NoErr(c.AddComposites(context.Background(), "r1", avail))
	is.Equal(composites[0].ID, "a")
	is.Equal(composites[0].Name, "VIEW_PATIENT")
}

func TestGroups(t *testing.T) {
	is := is.New(t)
	c, e, done := newStubRealm(t)
	defer done()

	e.GET("/admin/realms/fhir/groups", func(ctx echo.Context) error {
		return ctx.JSON(http.StatusOK, []Group{{ID: "g1", Name: "Providers"}})
	})
	e.POST("/admin/realms/fhir/groups", func(ctx echo.Context) error {
		return ctx.NoContent(http.StatusCreated)
	})
	e.GET("/admin/realms/fhir/groups/:id/role-mappings/realm/available", func(ctx echo.Context) error {
		return ctx.JSON(http.StatusOK, []Role{{ID: "r1", Name: "EDIT_PATIENT"}})
	})
	var mapped []Role
	e.POST("/admin/realms/fhir/groups/:id/role-mappings/realm", func(ctx echo.Context) error {
		ctx.Bind(&mapped)
		return ctx.NoContent(http.StatusNoContent)
	})

	groups, err := c.ListGroups(context.Background())
	is.NoErr(err)
	is.Equal(groups[0].ID, "g1")

	is.NoErr(c.CreateGroup(context.Background(), "Supervisors"))

	roles, err := c.AvailableGroupRealmRoles(context.Background(), "g1", 500)
	is.NoErr(err)
	is.NoErr(c.AddGroupRealmRoles(context.Background(), "g1", roles))
	is.Equal(mapped[0].Name, "EDIT_PATIENT")
}

func TestCreateRole_Conflict(t *testing.T) {
	is := is.New(t)
	c, e, done := newStubRealm(t)
	defer done()

	e.POST("/admin/realms/fhir/roles", func(ctx echo.Context) error {
		return ctx.NoContent(http.StatusConflict)
	})

	err := c.CreateRole(context.Background(), "EDIT_PATIENT")
	is.True(errors.Is(err, ErrConflict))
}

func TestCreateGroup_Conflict(t *testing.T) {
	is := is.New(t)
	c, e, done := newStubRealm(t)
	defer done()

	e.POST("/admin/realms/fhir/groups", func(ctx echo.Context) error {
		return ctx.NoContent(http.StatusConflict)
	})

	err := c.CreateGroup(context.Background(), "Providers")
	is.True(errors.Is(err, ErrConflict))
}
