// Package role defines the role taxonomy for leads and the Role Store that
// owns the authoritative phone→role mapping.
//
// A role is resolved exactly once per session, at bind time. Nothing in this
// package mutates a live session: corrections made through the escalation
// path take effect at the next bind only.
package role

import (
	"fmt"
	"strings"
)

// Role is the enumerated category determining which knowledge and topics a
// session may access.
type Role string

const (
	RoleBuyer          Role = "BUYER"
	RoleChannelPartner Role = "CHANNEL_PARTNER"
	RoleSiteVisit      Role = "SITE_VISIT"
	RoleEnquiry        Role = "ENQUIRY"

	// RoleUnknown is the most restrictive variant: no financial or partner
	// topics are permitted. A Role Store miss resolves here; it is a valid
	// outcome, never an error.
	RoleUnknown Role = "UNKNOWN"
)

// All lists every valid role, UNKNOWN included.
var All = []Role{RoleBuyer, RoleChannelPartner, RoleSiteVisit, RoleEnquiry, RoleUnknown}

// Valid reports whether r is one of the known role variants.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleChannelPartner, RoleSiteVisit, RoleEnquiry, RoleUnknown:
		return true
	}
	return false
}

// Parse converts a role name (case-insensitive) to a Role.
func Parse(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return RoleUnknown, fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Lead is a single lead record as produced by the classification pipeline.
type Lead struct {
	LeadID string `json:"lead_id"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Source string `json:"source"`
	Role   Role   `json:"role"`
}
