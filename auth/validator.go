// Package auth verifies client identity at handshake time and maps roles to
// capabilities. Tokens are Keycloak access tokens validated against the
// realm's JWKS; verification happens once per connection, never per event.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified identity extracted from an access token.
type Claims struct {
	Username    string
	DisplayName string
	Email       string
	AvatarURL   string
	Roles       []string
	IsAdmin     bool
	ExpiresAt   int64
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string      `json:"preferred_username"`
	Name              string      `json:"name"`
	Email             string      `json:"email"`
	Picture           string      `json:"picture"`
	RealmAccessField  realmAccess `json:"realm_access"`
}

// Validator validates Keycloak JWTs using the realm's JWKS.
type Validator struct {
	jwks      *keyfunc.JWKS
	issuerURL string
}

// NewValidator fetches and caches the realm's JWKS, retrying while Keycloak
// starts up. issuerOverride replaces the derived issuer when the
// browser-facing URL differs from the internal one.
func NewValidator(keycloakURL, realm, issuerOverride string) (*Validator, error) {
	jwksURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", keycloakURL, realm)
	issuerURL := fmt.Sprintf("%s/realms/%s", keycloakURL, realm)
	if issuerOverride != "" {
		issuerURL = issuerOverride
	}

	slog.Info("Initializing JWKS validator", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for Keycloak JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	return &Validator{jwks: jwks, issuerURL: issuerURL}, nil
}

// Validate parses and verifies an access token.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	claims := &tokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuerURL),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}

	displayName := claims.Name
	if displayName == "" {
		displayName = claims.PreferredUsername
	}
	var expiresAt int64
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Unix()
	}

	return &Claims{
		Username:    claims.PreferredUsername,
		DisplayName: displayName,
		Email:       claims.Email,
		AvatarURL:   claims.Picture,
		Roles:       claims.RealmAccessField.Roles,
		IsAdmin:     hasRole(claims.RealmAccessField.Roles, "admin"),
		ExpiresAt:   expiresAt,
	}, nil
}

// Close shuts down the JWKS background refresh.
func (v *Validator) Close() {
	v.jwks.EndBackground()
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
