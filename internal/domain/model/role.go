package model

import "strings"

// Role is the account role reported by the portal's identity endpoint. It is
// never persisted: the portal can reassign a role between polling cycles, so
// it is re-derived on every fetch.
type Role string

const (
	RolePatient        Role = "PATIENT"
	RoleCarePartner    Role = "CARE_PARTNER"
	RoleCarePartnerOUS Role = "CARE_PARTNER_OUS"
)

// ParseRole maps the portal's role field to a Role, case-insensitively.
// Unrecognized values map to RolePatient; the second return value lets the
// caller log the downgrade.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RolePatient:
		return RolePatient, true
	case RoleCarePartner:
		return RoleCarePartner, true
	case RoleCarePartnerOUS:
		return RoleCarePartnerOUS, true
	default:
		return RolePatient, false
	}
}

// IsCarePartner reports whether the role reads linked patient accounts rather
// than owning its own telemetry.
func (r Role) IsCarePartner() bool {
	return r == RoleCarePartner || r == RoleCarePartnerOUS
}

// Parameter returns the value the legacy connect-data endpoint expects in its
// role query parameter.
func (r Role) Parameter() string {
	if r.IsCarePartner() {
		return "carepartner"
	}
	return "patient"
}
