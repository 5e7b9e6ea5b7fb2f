package model

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	return r == RolePatient || r == RoleProvider || r == RoleAdmin
}

// IsParty reports whether the role can take part in a call
func (r Role) IsParty() bool {
	return r == RolePatient || r == RoleProvider
}

// Caller is the resolved identity behind a request. Services branch on Role.
type Caller struct {
	Role     Role     `json:"role"`
	ID       string   `json:"id"`
	Sessions []string `json:"sessions,omitempty"`
}

func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// CanSee reports whether the caller may read the session
func (c Caller) CanSee(s *Session) bool {
	switch c.Role {
	case RoleAdmin:
		return true
	case RolePatient:
		return s.PatientID == c.ID
	case RoleProvider:
		return s.ProviderID == c.ID || slices.Contains(c.Sessions, s.ID)
	}
	return false
}

// Claims are the JWT claims carried by every bearer token
type Claims struct {
	Role     Role     `json:"role"`
	Sessions []string `json:"sessions,omitempty"`
	jwt.RegisteredClaims
}

// TokenRequest is the body for issuing a development token
type TokenRequest struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

// TokenResponse is returned after a token is issued
type TokenResponse struct {
	Token string `json:"token"`
	Role  Role   `json:"role"`
	ID    string `json:"id"`
}
