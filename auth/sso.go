package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/meterdeck/meterdeck/store"
)

// SSOProvider validates identity-provider JWTs using the issuer's JWKS. The
// session cookie carries the JWT itself; there is no server-side session
// record, so revocation is the identity provider's concern.
type SSOProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
	db     store.Store
}

// NewSSOProvider creates an SSOProvider that fetches JWKS from the issuer.
func NewSSOProvider(issuer string, db store.Store) (*SSOProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("sso issuer URL is required")
	}

	jwksURL := strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &SSOProvider{issuer: issuer, jwks: jwks, db: db}, nil
}

// ValidateSession parses the JWT and maps its claims to a Principal. Token
// expiry maps to ReasonExpired so the guard redirects the same way it does
// for an expired server-side session.
func (p *SSOProvider) ValidateSession(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, failure(ReasonNoToken, nil)
	}

	parsed, err := jwt.Parse(token, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, failure(ReasonExpired, err)
		}
		return nil, failure(ReasonInvalid, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, failure(ReasonInvalid, errors.New("unexpected claims type"))
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, failure(ReasonInvalid, errors.New("token has no subject"))
	}

	role := "user"
	if r, _ := claims["org_role"].(string); r == "org:admin" || r == "admin" {
		role = "admin"
	}

	// Build a human-readable username from available claims.
	username := sub
	switch {
	case claimStr(claims, "username") != "":
		username = claimStr(claims, "username")
	case claimStr(claims, "name") != "":
		username = claimStr(claims, "name")
	case claimStr(claims, "email") != "":
		username = claimStr(claims, "email")
	}

	principal := &Principal{
		UserID:   sub,
		Username: username,
		Role:     role,
		OrgID:    claimStr(claims, "org_id"),
	}
	if jti := claimStr(claims, "jti"); jti != "" {
		principal.SessionID = jti
	}

	// Map the external subject to a local user when one exists, so usage and
	// audit rows reference local IDs.
	if p.db != nil {
		user, err := p.db.GetUserByExternalID(ctx, sub)
		if err != nil {
			return nil, failure(ReasonStoreUnavailable, err)
		}
		if user != nil {
			principal.UserID = user.ID
			principal.OrgID = user.OrgID
			principal.Role = user.Role
		}
	}

	return principal, nil
}

// Bootstrap is a no-op for SSO; users are managed by the identity provider.
func (p *SSOProvider) Bootstrap(ctx context.Context) error { return nil }

func (p *SSOProvider) Name() string { return "sso" }

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
