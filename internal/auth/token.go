package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"staychat/internal/chaterr"
	"staychat/internal/model"
)

// Claims is the token payload. The subject is the identity id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller of a request or connection.
type Identity struct {
	ID   string
	Role model.Role
}

type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewAuthenticator(secret, issuer string, ttl time.Duration) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Issue creates a signed token for identityID acting as role.
func (a *Authenticator) Issue(identityID string, role model.Role) (string, error) {
	if identityID == "" || !role.Valid() {
		return "", fmt.Errorf("cannot issue token for %q as %q", identityID, role)
	}
	now := time.Now()
	claims := &Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses and checks signature, issuer, expiry and role.
func (a *Authenticator) Validate(token string) (Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(a.issuer))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", chaterr.ErrUnauthenticated, err)
	}
	role, err := model.ParseRole(claims.Role)
	if err != nil || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: invalid claims", chaterr.ErrUnauthenticated)
	}
	return Identity{ID: claims.Subject, Role: role}, nil
}

// FromRequest authenticates a bearer header, falling back to the token query
// parameter used by browser websocket clients.
func (a *Authenticator) FromRequest(r *http.Request) (Identity, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Identity{}, fmt.Errorf("%w: token is missing", chaterr.ErrUnauthenticated)
	}
	return a.Validate(token)
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid token and stores the identity
// in the request context.
func (a *Authenticator) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.FromRequest(r)
			if err != nil {
				if !errors.Is(err, chaterr.ErrUnauthenticated) {
					err = fmt.Errorf("%w: %v", chaterr.ErrUnauthenticated, err)
				}
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
