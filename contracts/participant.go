package contracts

import (
	"fmt"
	"strings"
)

// Role identifies the kind of participant
type Role string

const (
	RoleConsentManager            Role = "consent-manager"
	RoleHealthInformationUser     Role = "hiu"
	RoleHealthInformationProvider Role = "hip"
	RoleBridge                    Role = "bridge"
)

// Routing headers naming the participant a message is addressed to
const (
	HeaderCMID  = "X-CM-ID"
	HeaderHIPID = "X-HIP-ID"
	HeaderHIUID = "X-HIU-ID"
)

// ParseRole accepts the canonical role names plus a few common aliases.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "consent-manager", "consent_manager", "cm":
		return RoleConsentManager, nil
	case "hiu", "health-information-user":
		return RoleHealthInformationUser, nil
	case "hip", "health-information-provider":
		return RoleHealthInformationProvider, nil
	case "bridge":
		return RoleBridge, nil
	}
	return "", fmt.Errorf("unknown participant role %q", s)
}

// Participant is the routing and auth metadata of a registered actor.
type Participant struct {
	ID          string
	Role        Role
	BaseURL     string
	CallbackURL string
	Active      bool
}

// CallbackBase returns the URL responses for this participant are sent to.
// Participants without a dedicated callback URL receive callbacks on their
// base URL.
func (p Participant) CallbackBase() string {
	if p.CallbackURL != "" {
		return p.CallbackURL
	}
	return p.BaseURL
}

// HasRole reports whether the participant role is one of roles
func (p Participant) HasRole(roles []Role) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}
