package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func validClaims() Claims {
	return Claims{
		Sub:       "usr-1",
		Name:      "Bgy Official",
		Role:      "barangay_official",
		ScopeKind: "barangay",
		ScopeID:   "bgy-1",
		JTI:       "jti-1",
		Exp:       time.Now().Add(time.Hour).Unix(),
	}
}

func TestIssueAndParseRoundTrip(t *testing.T) {
	token, err := IssueToken(testSecret, validClaims())
	require.NoError(t, err)

	parsed, err := ParseToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "usr-1", parsed.Sub)
	assert.Equal(t, "barangay_official", parsed.Role)
	assert.Equal(t, "barangay", parsed.ScopeKind)
	assert.Equal(t, "bgy-1", parsed.ScopeID)
	assert.Equal(t, "jti-1", parsed.JTI)
}

func TestParseRejectsTamperedPayload(t *testing.T) {
	token, err := IssueToken(testSecret, validClaims())
	require.NoError(t, err)

	parts := strings.SplitN(token, ".", 2)
	forged, err := IssueToken(testSecret, Claims{
		Sub: "usr-evil", Name: "Evil", Role: "admin", JTI: "jti-x",
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	forgedPayload := strings.SplitN(forged, ".", 2)[0]

	_, err = ParseToken(testSecret, forgedPayload+"."+parts[1])
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken(testSecret, validClaims())
	require.NoError(t, err)

	_, err = ParseToken([]byte("other-secret"), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	claims := validClaims()
	claims.Exp = time.Now().Add(-time.Minute).Unix()
	token, err := IssueToken(testSecret, claims)
	require.NoError(t, err)

	_, err = ParseToken(testSecret, token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestParseRejectsMalformedTokens(t *testing.T) {
	for _, token := range []string{"", "nodot", "a.b.c", "!!!.???"} {
		_, err := ParseToken(testSecret, token)
		assert.ErrorIs(t, err, ErrInvalidToken, token)
	}
}

func TestParseRejectsIncompleteClaims(t *testing.T) {
	claims := validClaims()
	claims.JTI = ""
	token, err := IssueToken(testSecret, claims)
	require.NoError(t, err)

	_, err = ParseToken(testSecret, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHashTokenIsStable(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken("abc"), 64)
}

func TestParseTokenAtUsesProvidedClock(t *testing.T) {
	claims := validClaims()
	claims.Exp = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC).Unix()
	token, err := IssueToken(testSecret, claims)
	require.NoError(t, err)

	before := time.Date(2026, 4, 1, 8, 59, 0, 0, time.UTC)
	parsed, err := ParseTokenAt(testSecret, token, before)
	require.NoError(t, err)
	assert.Equal(t, "usr-1", parsed.Sub)

	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	_, err = ParseTokenAt(testSecret, token, at)
	assert.ErrorIs(t, err, ErrExpiredToken)

	after := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = ParseTokenAt(testSecret, token, after)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
