// Package apple verifies Sign in with Apple identity tokens against Apple's
// JWKS endpoint and validates issuer, audience, and expiry.
package apple

import (
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mealmetric/server/internal/common"
)

const (
	// Issuer is the fixed issuer of Apple identity tokens.
	Issuer = "https://appleid.apple.com"
	// JWKSURL serves Apple's current public key set. Keys are cached and
	// refreshed in the background by the keyfunc provider.
	JWKSURL = "https://appleid.apple.com/auth/keys"

	defaultLeeway = 30 * time.Second
)

// Claims are the verified assertions extracted from an identity token.
// Subject is the stable per-user Apple id.
type Claims struct {
	Subject string
	Email   string
}

// Verifier validates Apple identity tokens for one client id (audience).
type Verifier struct {
	audience string
	keyfunc  jwt.Keyfunc
	parser   *jwt.Parser
}

// NewVerifier builds a verifier backed by Apple's JWKS endpoint.
func NewVerifier(audience string) (*Verifier, error) {
	if audience == "" {
		return nil, fmt.Errorf("audience must be set")
	}
	keyProvider, err := keyfunc.NewDefault([]string{JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("failed to init JWKS keyfunc: %w", err)
	}
	return NewVerifierWithKeyfunc(audience, keyProvider.Keyfunc), nil
}

// NewVerifierWithKeyfunc builds a verifier with a caller-supplied key
// resolver; tests use this to avoid the network.
func NewVerifierWithKeyfunc(audience string, kf jwt.Keyfunc) *Verifier {
	parser := jwt.NewParser(
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(audience),
		jwt.WithLeeway(defaultLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name}),
	)
	return &Verifier{audience: audience, keyfunc: kf, parser: parser}
}

// Verify parses and validates an identity token. Any failure (bad
// signature, expiry, wrong audience or issuer, malformed input) is
// reported as common.ErrInvalidToken; callers must not learn more.
func (v *Verifier) Verify(identityToken string) (*Claims, error) {
	token, err := v.parser.Parse(identityToken, v.keyfunc)
	if err != nil || !token.Valid {
		return nil, common.ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, common.ErrInvalidToken
	}

	claims := &Claims{
		Subject: readString(mapClaims, "sub"),
		Email:   readString(mapClaims, "email"),
	}
	if claims.Subject == "" {
		return nil, common.ErrInvalidToken
	}
	return claims, nil
}

func readString(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}
