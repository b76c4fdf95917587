// Package auth resolves the caller identity carried by an optional bearer token.
//
// A request is never rejected here. Resolution yields one of three states and
// the caller decides what to trust; see Identity.EffectiveUser.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type Status int

const (
	Unauthenticated Status = iota
	Authenticated
	Invalid
)

func (s Status) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Invalid:
		return "invalid"
	default:
		return "unauthenticated"
	}
}

// Identity is the outcome of resolving an Authorization header.
type Identity struct {
	Status Status
	UserID string

	// Err explains an Invalid identity. It is for logging only.
	Err error
}

// EffectiveUser returns the verified user id when there is one, and otherwise
// the caller-supplied id. An invalid credential is ignored, not rejected.
func (id Identity) EffectiveUser(supplied string) string {
	if id.Status == Authenticated && id.UserID != "" {
		return id.UserID
	}
	return strings.TrimSpace(supplied)
}

// Claims carries the user id in a dedicated claim, falling back to sub.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier builds an HS256 verifier. With an empty secret every presented
// credential resolves as Invalid.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: strings.TrimSpace(issuer)}
}

var (
	errNoSecret  = errors.New("auth: verification disabled")
	errNoSubject = errors.New("auth: token has no subject")
)

// Resolve inspects an Authorization header value.
func (v *Verifier) Resolve(header string) Identity {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return Identity{Status: Unauthenticated}
	}
	raw := strings.TrimSpace(header[len("Bearer "):])
	if raw == "" {
		return Identity{Status: Unauthenticated}
	}
	if v == nil || len(v.secret) == 0 {
		return Identity{Status: Invalid, Err: errNoSecret}
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}); err != nil {
		return Identity{Status: Invalid, Err: fmt.Errorf("auth: parse token: %w", err)}
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return Identity{Status: Invalid, Err: fmt.Errorf("auth: unexpected issuer %q", claims.Issuer)}
	}

	uid := strings.TrimSpace(claims.UserID)
	if uid == "" {
		uid = strings.TrimSpace(claims.Subject)
	}
	if uid == "" {
		return Identity{Status: Invalid, Err: errNoSubject}
	}
	return Identity{Status: Authenticated, UserID: uid}
}

// IssueToken signs a token for userID. It is used by the token command and tests.
func IssueToken(secret, issuer, userID string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errNoSecret
	}
	if strings.TrimSpace(userID) == "" {
		return "", errNoSubject
	}
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
