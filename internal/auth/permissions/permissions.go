// Package permissions derives fine-grained access from the metadata stored
// on a user and resolves permission checks against it.
package permissions

import (
	"fmt"
	"strings"

	"github.com/discoversutd/discover/internal/auth/models"
)

type Permission string

const (
	ViewAnalytics       Permission = "view_analytics"
	ViewEvents          Permission = "view_events"
	CreateEvents        Permission = "create_events"
	EditEvents          Permission = "edit_events"
	DeleteEvents        Permission = "delete_events"
	ManageRegistrations Permission = "manage_registrations"
	ManageUsers         Permission = "manage_users"
	ExportData          Permission = "export_data"
)

// All lists every permission the API checks, in display order.
var All = []Permission{
	ViewEvents,
	CreateEvents,
	EditEvents,
	DeleteEvents,
	ManageRegistrations,
	ViewAnalytics,
	ExportData,
	ManageUsers,
}

type AccessLevel string

const (
	AccessFull              AccessLevel = "full"
	AccessAnalyticsReadonly AccessLevel = "analytics_readonly"
)

// AnalyticsAllowedActions is what an analytics-only identity may still do.
var AnalyticsAllowedActions = []string{"view_events", "view_analytics", "export_data"}

// Access is the permission-relevant view of one user.
type Access struct {
	Role          models.Role
	Level         AccessLevel
	Granted       map[Permission]struct{}
	Restrictions  []string
	AnalyticsOnly bool
}

// FromUser reads the access level and the permission and restriction lists
// out of the user's metadata.
func FromUser(u *models.User) Access {
	a := Access{
		Role:    u.Role,
		Level:   AccessLevel(u.Metadata.AccessLevel),
		Granted: make(map[Permission]struct{}, len(u.Metadata.Permissions)),
	}
	if a.Level == "" {
		a.Level = AccessFull
	}
	for _, p := range u.Metadata.Permissions {
		p = strings.TrimSpace(p)
		if p != "" {
			a.Granted[Permission(p)] = struct{}{}
		}
	}
	for _, r := range u.Metadata.Restrictions {
		if r = strings.TrimSpace(r); r != "" {
			a.Restrictions = append(a.Restrictions, r)
		}
	}
	a.AnalyticsOnly = a.Level == AccessAnalyticsReadonly
	return a
}

// MatchMode selects how restriction entries are compared to a permission.
type MatchMode int

const (
	// MatchLegacy strips the action prefix from the permission and looks for
	// the remainder inside each restriction string, ignoring case.
	MatchLegacy MatchMode = iota
	// MatchExact treats restrictions as permission tags.
	MatchExact
)

func ParseMatchMode(s string) (MatchMode, error) {
	switch s {
	case "", "legacy":
		return MatchLegacy, nil
	case "exact":
		return MatchExact, nil
	}
	return MatchLegacy, fmt.Errorf("unknown restriction match mode %q", s)
}

func (m MatchMode) String() string {
	if m == MatchExact {
		return "exact"
	}
	return "legacy"
}

type Reason int

const (
	ReasonGranted     Reason = iota // explicit grant
	ReasonRoleDefault               // admin default
	ReasonRestricted                // explicit restriction
	ReasonNotGranted                // nothing allowed it
)

func (r Reason) String() string {
	switch r {
	case ReasonGranted:
		return "granted"
	case ReasonRoleDefault:
		return "role_default"
	case ReasonRestricted:
		return "restricted"
	default:
		return "not_granted"
	}
}

type Decision struct {
	Allowed bool
	Reason  Reason
	// Restriction is the entry that matched when Reason is ReasonRestricted.
	Restriction string
}

// Policy resolves checks with a fixed restriction match mode.
type Policy struct {
	Mode MatchMode
}

// Check resolves p for a in a fixed order: an explicit grant allows, then an
// explicit restriction denies, then admins that are not analytics-only are
// allowed, and everything else is denied.
func (pol Policy) Check(a Access, p Permission) Decision {
	if _, ok := a.Granted[p]; ok {
		return Decision{Allowed: true, Reason: ReasonGranted}
	}
	if r, ok := pol.restricted(a, p); ok {
		return Decision{Reason: ReasonRestricted, Restriction: r}
	}
	if a.Role == models.RoleAdmin && !a.AnalyticsOnly {
		return Decision{Allowed: true, Reason: ReasonRoleDefault}
	}
	return Decision{Reason: ReasonNotGranted}
}

// Effective returns every known permission that Check allows.
func (pol Policy) Effective(a Access) []Permission {
	var out []Permission
	for _, p := range All {
		if pol.Check(a, p).Allowed {
			out = append(out, p)
		}
	}
	return out
}

var actionPrefixes = []string{"view_", "create_", "edit_", "update_", "delete_", "manage_", "export_"}

func (pol Policy) restricted(a Access, p Permission) (string, bool) {
	if pol.Mode == MatchExact {
		for _, r := range a.Restrictions {
			if Permission(r) == p {
				return r, true
			}
		}
		return "", false
	}

	name := strings.ToLower(string(p))
	for _, prefix := range actionPrefixes {
		if strings.HasPrefix(name, prefix) {
			name = strings.TrimPrefix(name, prefix)
			break
		}
	}
	if name == "" {
		return "", false
	}
	for _, r := range a.Restrictions {
		if strings.Contains(strings.ToLower(r), name) {
			return r, true
		}
	}
	return "", false
}
