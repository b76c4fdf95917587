package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

func mustToken(t *testing.T, secret, issuer, uid string, ttl time.Duration) string {
	t.Helper()
	tok, err := IssueToken(secret, issuer, uid, ttl, time.Now())
	require.NoError(t, err)
	return tok
}

func TestResolve_NoHeader(t *testing.T) {
	v := NewVerifier(testSecret, "")
	for _, h := range []string{"", "   ", "Basic abc", "Bearer ", "Bearer"} {
		id := v.Resolve(h)
		require.Equal(t, Unauthenticated, id.Status, "header=%q", h)
	}
}

func TestResolve_ValidToken(t *testing.T) {
	v := NewVerifier(testSecret, "")
	id := v.Resolve("Bearer " + mustToken(t, testSecret, "", "user-1", time.Hour))
	require.Equal(t, Authenticated, id.Status)
	require.Equal(t, "user-1", id.UserID)
	require.NoError(t, id.Err)
}

func TestResolve_SchemeIsCaseInsensitive(t *testing.T) {
	v := NewVerifier(testSecret, "")
	id := v.Resolve("bearer " + mustToken(t, testSecret, "", "user-1", time.Hour))
	require.Equal(t, Authenticated, id.Status)
}

func TestResolve_SubjectFallback(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "sub-only",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	id := NewVerifier(testSecret, "").Resolve("Bearer " + tok)
	require.Equal(t, Authenticated, id.Status)
	require.Equal(t, "sub-only", id.UserID)
}

func TestResolve_InvalidCases(t *testing.T) {
	expired := mustToken(t, testSecret, "", "u", -time.Minute)
	wrongKey := mustToken(t, "other", "", "u", time.Hour)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	v := NewVerifier(testSecret, "")
	for name, tok := range map[string]string{
		"expired":   expired,
		"wrong key": wrongKey,
		"none alg":  noneAlg,
		"garbage":   "not.a.jwt",
	} {
		id := v.Resolve("Bearer " + tok)
		require.Equal(t, Invalid, id.Status, name)
		require.Error(t, id.Err, name)
		require.Empty(t, id.UserID, name)
	}
}

func TestResolve_NoSubject(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	id := NewVerifier(testSecret, "").Resolve("Bearer " + tok)
	require.Equal(t, Invalid, id.Status)
}

func TestResolve_Issuer(t *testing.T) {
	v := NewVerifier(testSecret, "council")
	require.Equal(t, Authenticated, v.Resolve("Bearer "+mustToken(t, testSecret, "council", "u", time.Hour)).Status)
	require.Equal(t, Invalid, v.Resolve("Bearer "+mustToken(t, testSecret, "someone-else", "u", time.Hour)).Status)
}

func TestResolve_EmptySecret(t *testing.T) {
	v := NewVerifier("", "")
	id := v.Resolve("Bearer " + mustToken(t, testSecret, "", "u", time.Hour))
	require.Equal(t, Invalid, id.Status)
	require.Equal(t, Unauthenticated, v.Resolve("").Status)
}

func TestEffectiveUser(t *testing.T) {
	require.Equal(t, "token-user", Identity{Status: Authenticated, UserID: "token-user"}.EffectiveUser("body-user"))
	require.Equal(t, "body-user", Identity{Status: Unauthenticated}.EffectiveUser(" body-user "))
	require.Equal(t, "body-user", Identity{Status: Invalid}.EffectiveUser("body-user"))
	require.Empty(t, Identity{Status: Invalid}.EffectiveUser(""))
}

func TestIssueToken_Errors(t *testing.T) {
	_, err := IssueToken("", "", "u", time.Hour, time.Now())
	require.Error(t, err)
	_, err = IssueToken(testSecret, "", " ", time.Hour, time.Now())
	require.Error(t, err)
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "authenticated", Authenticated.String())
	require.Equal(t, "invalid", Invalid.String())
	require.Equal(t, "unauthenticated", Unauthenticated.String())
}
