package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	ts, err := NewTokenService(testSecret, "", time.Hour)
	require.NoError(t, err)
	return ts
}

// forge signs arbitrary registered claims, for tokens Generate refuses to make.
func forge(t *testing.T, method jwt.SigningMethod, key any, c jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, c).SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestNewTokenService(t *testing.T) {
	_, err := NewTokenService("too-short", "", 0)
	assert.ErrorIs(t, err, ErrShortSecret)

	ts, err := NewTokenService(testSecret, "", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultIssuer, ts.issuer)
	assert.Equal(t, 24*time.Hour, ts.ttl)
}

func TestTokenService_Generate(t *testing.T) {
	ts := newTestTokenService(t)

	_, err := ts.Generate("")
	assert.Error(t, err, "a token must name its client")

	token, err := ts.Generate("ci-runner")
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, &claims{})
	require.NoError(t, err)
	c := parsed.Claims.(*claims)
	assert.Equal(t, "ci-runner", c.Subject)
	assert.Equal(t, DefaultIssuer, c.Issuer)
	assert.WithinDuration(t, time.Now().Add(time.Hour), c.ExpiresAt.Time, 5*time.Second)
}

func TestTokenService_Validate(t *testing.T) {
	ts := newTestTokenService(t)
	now := time.Now()
	live := func(subject, issuer string) jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}
	}

	valid, err := ts.Generate("ci-runner")
	require.NoError(t, err)
	expired, err := ts.GenerateWithDuration("ci-runner", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr error
	}{
		{"valid", valid, "ci-runner", nil},
		{"expired", expired, "", ErrTokenExpired},
		{"other issuer", forge(t, jwt.SigningMethodHS256, []byte(testSecret), live("ci-runner", "someone-else")), "", ErrInvalidToken},
		{"empty client id", forge(t, jwt.SigningMethodHS256, []byte(testSecret), live("", DefaultIssuer)), "", ErrInvalidToken},
		{"no expiry", forge(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{Subject: "ci-runner", Issuer: DefaultIssuer}), "", ErrInvalidToken},
		{"other secret", forge(t, jwt.SigningMethodHS256, []byte("fedcba9876543210fedcba9876543210"), live("ci-runner", DefaultIssuer)), "", ErrInvalidToken},
		{"alg none", forge(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, live("ci-runner", DefaultIssuer)), "", ErrInvalidToken},
		{"HS512", forge(t, jwt.SigningMethodHS512, []byte(testSecret), live("ci-runner", DefaultIssuer)), "", ErrInvalidToken},
		{"truncated signature", valid[:len(valid)-4], "", ErrInvalidToken},
		{"not a jwt", "not.a.jwt", "", ErrInvalidToken},
		{"empty", "", "", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ts.Validate(tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenService_ConfiguredIssuer(t *testing.T) {
	staging, err := NewTokenService(testSecret, "staging", time.Hour)
	require.NoError(t, err)
	prod := newTestTokenService(t)

	token, err := staging.Generate("ci-runner")
	require.NoError(t, err)

	got, err := staging.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ci-runner", got)

	_, err = prod.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "same secret, different issuer")
}
