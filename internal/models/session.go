package models

import "strings"

// RoleAdmin is the role string the backend assigns to administrators.
const RoleAdmin = "ROLE_ADMIN"

// Session is the authenticated user context. It is set at login by an external flow
// and passed explicitly to every component that needs the current user.
type Session struct {
	UserID    string `json:"id" validate:"required"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email" validate:"omitempty,email"`
	Role      string `json:"role"`
	Token     string `json:"token"`
}

// FullName joins first and last name, falling back to the username.
func (s *Session) FullName() string {
	if s == nil {
		return ""
	}
	full := strings.TrimSpace(strings.TrimSpace(s.FirstName) + " " + strings.TrimSpace(s.LastName))
	if full != "" {
		return full
	}
	return s.Username
}

// IsAdmin reports whether the session user is an administrator.
func (s *Session) IsAdmin() bool {
	return s != nil && s.Role == RoleAdmin
}

// CanEdit reports whether the session user may edit the post.
func (s *Session) CanEdit(p Post) bool {
	return s != nil && s.UserID != "" && s.UserID == p.AuthorID
}

// CanDelete reports whether the session user may delete the post.
func (s *Session) CanDelete(p Post) bool {
	return s.CanEdit(p) || s.IsAdmin()
}

// CanReport reports whether the session user may report the post.
func (s *Session) CanReport(p Post) bool {
	return s != nil && !s.CanDelete(p)
}
