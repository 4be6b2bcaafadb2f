package model

// Role is the access level of a console user
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleNodeAdmin  Role = "node_admin"
	RoleSiteAdmin  Role = "site_admin"
)

// AtLeastNodeAdmin reports whether the role carries node-admin privileges.
// Super admins implicitly hold them.
func (r Role) AtLeastNodeAdmin() bool {
	return r == RoleSuperAdmin || r == RoleNodeAdmin
}

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleNodeAdmin, RoleSiteAdmin:
		return true
	}
	return false
}

// User represents the authenticated identity returned by /users/me
type User struct {
	ID            int     `json:"id"`
	Email         string  `json:"email"`
	FullName      *string `json:"full_name"`
	IsActive      bool    `json:"is_active"`
	IsVerified    bool    `json:"is_verified"`
	PendingEmail  *string `json:"pending_email"`
	Role          Role    `json:"role"`
	AssignedNodes []int   `json:"assigned_nodes"`
	AssignedSites []int   `json:"assigned_sites"`
	CreatedAt     string  `json:"created_at,omitempty"`
}

// IsSuperAdmin reports whether the user is a super admin
func (u *User) IsSuperAdmin() bool {
	return u != nil && u.Role == RoleSuperAdmin
}

// IsNodeAdmin reports whether the user may administer nodes
func (u *User) IsNodeAdmin() bool {
	return u != nil && u.Role.AtLeastNodeAdmin()
}

// UserUpdate is the payload for PUT /users/me
type UserUpdate struct {
	Email    *string `json:"email,omitempty" validate:"omitempty,email"`
	Password *string `json:"password,omitempty" validate:"omitempty,min=8"`
	FullName *string `json:"full_name,omitempty"`
}

// RegisterRequest is the payload for POST /auth/register
type RegisterRequest struct {
	Email    string  `json:"email" validate:"required,email"`
	Password string  `json:"password" validate:"required,min=8"`
	FullName *string `json:"full_name,omitempty"`
}

// LoginRequest is the payload for POST /auth/login
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// TokenResponse is the body every credential-issuing endpoint answers with
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`

	// Set by /auth/login when a second factor is needed
	MFARequired bool   `json:"mfa_required,omitempty"`
	MFAToken    string `json:"mfa_token,omitempty"`
}

// MFAVerifyRequest is the payload for POST /auth/mfa/verify
type MFAVerifyRequest struct {
	MFAToken string `json:"mfa_token" validate:"required"`
	Code     string `json:"code" validate:"required"`
}

// MagicLinkRequest is the payload for POST /auth/magic-link
type MagicLinkRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// VerifyEmailRequest is the payload for POST /auth/verify-email
type VerifyEmailRequest struct {
	Code        string `json:"code" validate:"required"`
	ForceVerify bool   `json:"force_verify,omitempty"`
}

// MessageResponse is a generic acknowledgement body
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
