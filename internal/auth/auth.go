// Package auth validates bearer credentials presented at connection time and
// resolves them to a stored user identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"goose-realtime/internal/store"
)

// ErrUnauthorized covers missing, malformed, expired, and unresolvable
// credentials. Connections presenting such a credential are refused before
// any registry entry is created.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the token payload. The original issuer puts the numeric user id
// in a userId claim.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64 `json:"userId"`
}

// Verifier resolves HS256 bearer tokens to user identities.
type Verifier struct {
	secret []byte
	users  store.UserStore
}

func NewVerifier(secret string, users store.UserStore) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if users == nil {
		return nil, errors.New("user store is required")
	}
	return &Verifier{secret: []byte(secret), users: users}, nil
}

// Verify parses and validates the token, then resolves the user from the
// session store. Any failure yields ErrUnauthorized.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (store.User, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return store.User{}, fmt.Errorf("%w: token is empty", ErrUnauthorized)
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return store.User{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return store.User{}, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}
	if claims.UserID <= 0 {
		return store.User{}, fmt.Errorf("%w: token carries no user id", ErrUnauthorized)
	}

	user, err := v.users.UserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, fmt.Errorf("%w: unknown user %d", ErrUnauthorized, claims.UserID)
		}
		return store.User{}, fmt.Errorf("resolve user %d: %w", claims.UserID, err)
	}
	return user, nil
}

// Sign mints a token for userID, valid for ttl. Used by tooling and tests;
// credential issuance for real clients lives outside this service.
func (v *Verifier) Sign(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ExtractTokenFromRequest extracts the credential from the token query
// parameter or the Authorization header.
func ExtractTokenFromRequest(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
