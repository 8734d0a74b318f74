// Package practitioner links identity-provider accounts to Practitioner
// resources. For every input user it ensures an account exists, checks
// whether a linked Practitioner is already present and, when not, writes
// the Practitioner together with its Group and PractitionerRole.
package practitioner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/fhir-importer/internal/domain/identity"
	"github.com/ehr/fhir-importer/internal/domain/row"
	"github.com/ehr/fhir-importer/internal/platform/fhir"
	"github.com/ehr/fhir-importer/pkg/fhirmodels"
)

var ErrMissingUsername = errors.New("username is required")

// Columns is the users input layout.
var Columns = []string{
	"firstName", "lastName", "username", "email", "id", "userType",
	"enableUser", "keycloakGroupId", "keycloakGroupName", "appId", "password",
}

const (
	colFirstName = iota
	colLastName
	colUsername
	colEmail
	colID
	colUserType
	colEnableUser
	colGroupID
	colGroupName
	colAppID
	colPassword
)

type User struct {
	FirstName string
	LastName  string
	Username  string
	Email     string
	ID        string
	UserType  string
	Enabled   bool
	GroupID   string
	GroupName string
	AppID     string
	Password  string
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// ParseUser reads a users row. enableUser defaults to true when absent or
// unparsable.
func ParseUser(r row.Row) (User, error) {
	u := User{
		FirstName: r.Value(colFirstName),
		LastName:  r.Value(colLastName),
		Username:  r.Value(colUsername),
		Email:     r.Field(colEmail, "email").Value,
		ID:        r.Field(colID, "id").Value,
		UserType:  r.Field(colUserType, "userType").Value,
		Enabled:   true,
		GroupID:   r.Field(colGroupID, "keycloakGroupId").Value,
		GroupName: r.Field(colGroupName, "keycloakGroupName").Value,
		AppID:     r.Field(colAppID, "appId").Value,
		Password:  r.Field(colPassword, "password").Value,
	}
	if f := r.Field(colEnableUser, "enableUser"); f.Present {
		if v, err := strconv.ParseBool(f.Value); err == nil {
			u.Enabled = v
		}
	}
	if u.Username == "" {
		return u, ErrMissingUsername
	}
	return u, nil
}

// Role is a practitioner role code.
type Role struct {
	Code    string
	Display string
}

var roles = map[string]Role{
	"Supervisor":        {Code: "super-admin", Display: "Super Admin"},
	"Specialist":        {Code: "specialist", Display: "Specialist"},
	"Senior Specialist": {Code: "senior-specialist", Display: "Senior Specialist"},
	"Reader":            {Code: "reader", Display: "Reader"},
	"Front Line Worker": {Code: "flw", Display: "Front Line Worker"},
	"Site Coordinator":  {Code: "site-coordinator", Display: "Site Coordinator"},
	"Site Admin":        {Code: "site-admin", Display: "Site Admin"},
}

// LookupRole maps a userType cell to its role code.
func LookupRole(userType string) (Role, bool) {
	r, ok := roles[strings.TrimSpace(userType)]
	return r, ok
}

// IDs are the resource ids written for one user.
type IDs struct {
	Practitioner     string
	Group            string
	PractitionerRole string
}

func DeriveIDs(u User) IDs {
	return IDs{
		Practitioner:     identity.PractitionerID(u.ID, u.Username, u.GroupID),
		Group:            identity.GroupID(u.Username, u.GroupID),
		PractitionerRole: identity.PractitionerRoleID(u.Username, u.GroupID),
	}
}

// Synthesize builds the Practitioner, Group and PractitionerRole for u,
// linked to accountID, in that order. Every operation carries the initial
// version; callers replace it when the resource already exists.
func Synthesize(u User, accountID string) ([]fhir.Operation, error) {
	ids := DeriveIDs(u)
	subs := map[string]any{
		"$practitionerID": ids.Practitioner,
		"$groupID":        ids.Group,
		"$roleID":         ids.PractitionerRole,
		"$accountID":      accountID,
		"$firstName":      u.FirstName,
		"$lastName":       u.LastName,
		"$email":          u.Email,
		"$active":         u.Enabled,
	}

	practitioner, err := fhir.Template("practitioner")
	if err != nil {
		return nil, err
	}
	if u.Email == "" {
		fhir.Prune(practitioner, "telecom")
	}

	group, err := fhir.Template("group")
	if err != nil {
		return nil, err
	}

	role, err := fhir.Template("practitioner_role")
	if err != nil {
		return nil, err
	}
	if r, ok := LookupRole(u.UserType); ok {
		subs["$roleCode"] = r.Code
		subs["$roleDisplay"] = r.Display
	} else {
		fhir.Prune(role, "code")
	}

	ops := []fhir.Operation{
		{ResourceType: fhirmodels.ResourcePractitioner, ID: ids.Practitioner, Resource: practitioner},
		{ResourceType: fhirmodels.ResourceGroup, ID: ids.Group, Resource: group},
		{ResourceType: fhirmodels.ResourcePractitionerRole, ID: ids.PractitionerRole, Resource: role},
	}
	for i := range ops {
		doc, err := fhir.Render(ops[i].Resource, subs)
		if err != nil {
			return nil, fmt.Errorf("user %s: %s: %w", u.Username, ops[i].ResourceType, err)
		}
		ops[i].Resource = doc
		ops[i].Version = fhir.InitialVersion
	}
	return ops, nil
}
