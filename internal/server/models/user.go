// Package models defines the persistent identity record shared by the
// repositories and services.
package models

import "time"

// Auth provider values for User.AuthProvider.
const (
	ProviderLocal = "local"
	ProviderApple = "apple"
)

// User is one registered identity.
//
// PasswordHash is empty for Apple-only accounts and AppleID is empty until an
// Apple identity is attached; at least one of the two is always present so
// the account stays reachable for future logins. Email is stored lower-cased
// and is unique; AppleID is unique where present.
type User struct {
	ID             string
	Email          string
	PasswordHash   string
	AppleID        string
	AuthProvider   string
	DisplayName    string
	TotalUsageCost float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasPassword reports whether a password credential exists for the user.
func (u *User) HasPassword() bool { return u.PasswordHash != "" }
