// Package cryptox wraps the password hashing primitives used by the
// authentication workflow. Hashing is one-way with a per-digest salt;
// verification is a constant-time comparison performed by bcrypt itself.
package cryptox

import "golang.org/x/crypto/bcrypt"

// HashPassword derives a salted bcrypt digest from the plaintext password.
func HashPassword(password string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// VerifyPassword reports whether the plaintext password matches the digest.
// An empty digest (a record without a password credential) never matches.
func VerifyPassword(password, digest string) bool {
	if digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}
