// Package auth verifies the bearer tokens minted by the platform's identity
// service. This service never issues end-user tokens itself; it only checks
// the HS256 signature and extracts the asserted (user, device) pair.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	obsmw "e2ee-relay/internal/observability/middleware"
)

// Identity is the authenticated caller of a request or connection.
type Identity struct {
	UserID   uuid.UUID
	DeviceID uuid.UUID
}

type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// Middleware rejects requests without a valid bearer token and stores the
// identity in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := v.FromRequest(r)
		if err != nil {
			reqID := obsmw.RequestIDFromContext(r.Context())
			slog.Warn("auth rejected", "error", err, "request_id", reqID, "path", r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithIdentity(r.Context(), identity)))
	})
}

// FromRequest extracts and verifies the token from the Authorization header,
// falling back to the token query parameter for websocket dials that cannot
// set headers.
func (v *Verifier) FromRequest(r *http.Request) (Identity, error) {
	raw := r.Header.Get("Authorization")
	var tokStr string
	switch {
	case strings.HasPrefix(strings.ToLower(raw), "bearer "):
		tokStr = strings.TrimSpace(raw[len("Bearer "):])
	case r.URL.Query().Get("token") != "":
		tokStr = r.URL.Query().Get("token")
	default:
		return Identity{}, fmt.Errorf("missing bearer token")
	}
	return v.Verify(tokStr)
}

// Verify checks the token signature and claims. Claims: sub is the user id,
// device is the device id, iss must match the configured issuer when one is
// set.
func (v *Verifier) Verify(tokStr string) (Identity, error) {
	token, err := jwt.Parse(tokStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("invalid token claims")
	}
	if iss, _ := claims["iss"].(string); v.issuer != "" && iss != v.issuer {
		return Identity{}, fmt.Errorf("issuer mismatch")
	}

	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid subject: %w", err)
	}
	device, _ := claims["device"].(string)
	deviceID, err := uuid.Parse(device)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid device claim: %w", err)
	}

	return Identity{UserID: userID, DeviceID: deviceID}, nil
}

// Mint signs a token for the identity, used by the operator CLI and tests.
func Mint(secret, issuer string, identity Identity, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":    issuer,
		"sub":    identity.UserID.String(),
		"device": identity.DeviceID.String(),
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

type identityKey struct{}

func contextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey{}).(Identity)
	return v, ok
}
