package models

import "time"

// UserRole represents the workflow role attached to a calling identity.
type UserRole string

const (
	RoleEncoder UserRole = "encoder"
	RoleFinance UserRole = "finance"
	RoleAdmin   UserRole = "admin"
	// RoleSystem is used by the export pipeline; it is never issued to a login.
	RoleSystem UserRole = "system"
)

// Valid reports whether r may be carried by an authenticated user.
func (r UserRole) Valid() bool {
	switch r {
	case RoleEncoder, RoleFinance, RoleAdmin:
		return true
	default:
		return false
	}
}

// User represents an application user stored in the users table.
type User struct {
	ID           string     `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FullName     string     `db:"full_name" json:"full_name"`
	Role         UserRole   `db:"role" json:"role"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Actor identifies who performs a workflow operation, for authorization and audit.
type Actor struct {
	UserID string
	Role   UserRole
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
