// Package identity derives stable resource ids. A caller-supplied id always
// wins; otherwise the id is a name-based UUID (v5, DNS namespace) over the
// concatenated key parts, so the same input always yields the same id.
package identity

import (
	"strings"

	"github.com/google/uuid"
)

// Suffixes mixed into user-derived ids so that the Practitioner, Group and
// PractitionerRole created for one account never collide.
const (
	practitionerSuffix     = "practitioner_uuid"
	groupSuffix            = "group_uuid"
	practitionerRoleSuffix = "practitioner_role_uuid"
)

// ResolveID returns providedID trimmed when non-empty, otherwise the
// derived id of keyParts. Calling it with neither is a programming error.
func ResolveID(providedID string, keyParts ...string) string {
	if id := strings.TrimSpace(providedID); id != "" {
		return id
	}
	if len(keyParts) == 0 {
		panic("identity: ResolveID needs a provided id or key parts")
	}
	return Derive(keyParts...)
}

// Derive returns the v5 UUID of the concatenation of parts.
func Derive(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(strings.Join(parts, ""))).String()
}

// PractitionerID is the Practitioner id for an account, or provided when set.
func PractitionerID(provided, username, groupID string) string {
	return ResolveID(provided, username, groupID, practitionerSuffix)
}

func GroupID(username, groupID string) string {
	return Derive(username, groupID, groupSuffix)
}

func PractitionerRoleID(username, groupID string) string {
	return Derive(username, groupID, practitionerRoleSuffix)
}
