package model

import "time"

// Roles recognized by the gateway.  Role is carried in the JWT "role" claim
// and checked by the HTTP middleware and the WebSocket dispatch table.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User mirrors the `users:<username>` hash in the store.  The username is
// the primary key and is globally unique; Verifier is an opaque bcrypt
// hash and never leaves the repository layer.
type User struct {
	Username  string    // hash key suffix
	Email     string    // users.email
	Verifier  string    // users.verifier (bcrypt hash, opaque)
	Role      string    // users.role ("user" or "admin")
	CreatedAt time.Time // users.created_at
	LastLogin time.Time // users.last_login
}

// Principal is the authenticated identity extracted from a bearer token.
type Principal struct {
	Username string
	Role     string
}

// IsAdmin reports whether the principal carries the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }
