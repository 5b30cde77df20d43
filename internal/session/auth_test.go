package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/mup/internal/protocol"
)

func signToken(t *testing.T, secret []byte, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func TestTokenAuthenticator(t *testing.T) {
	a := TokenAuthenticator{Token: "s3cret"}
	ctx := context.Background()

	sub, err := a.Authenticate(ctx, nil, &protocol.Credentials{Token: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "token", sub)

	_, err = a.Authenticate(ctx, nil, &protocol.Credentials{APIKey: "s3cret"})
	assert.NoError(t, err)

	_, err = a.Authenticate(ctx, nil, &protocol.Credentials{Token: "nope"})
	assert.Error(t, err)

	_, err = a.Authenticate(ctx, nil, nil)
	assert.Equal(t, protocol.CodeAuthenticationRequired, protocol.CodeOf(err))
}

func TestJWTAuthenticator(t *testing.T) {
	secret := []byte("hmac-secret")
	a := JWTAuthenticator{Secret: secret, Issuer: "mup-test", Audience: "mupd"}
	ctx := context.Background()

	valid := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-123",
		Issuer:    "mup-test",
		Audience:  jwt.ClaimStrings{"mupd"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}}

	sub, err := a.Authenticate(ctx, nil, &protocol.Credentials{Token: signToken(t, secret, jwt.SigningMethodHS256, valid)})
	require.NoError(t, err)
	assert.Equal(t, "user-123", sub)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", signToken(t, []byte("other"), jwt.SigningMethodHS256, valid)},
		{"expired", signToken(t, secret, jwt.SigningMethodHS256, func() Claims {
			c := valid
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return c
		}())},
		{"wrong issuer", signToken(t, secret, jwt.SigningMethodHS256, func() Claims {
			c := valid
			c.Issuer = "someone-else"
			return c
		}())},
		{"no expiry", signToken(t, secret, jwt.SigningMethodHS256, func() Claims {
			c := valid
			c.ExpiresAt = nil
			return c
		}())},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(ctx, nil, &protocol.Credentials{Token: tt.token})
			assert.Error(t, err)
		})
	}

	_, err = a.Authenticate(ctx, nil, &protocol.Credentials{})
	assert.Equal(t, protocol.CodeAuthenticationRequired, protocol.CodeOf(err))
}

func TestManagerWrapsJWTFailure(t *testing.T) {
	m, _, _ := newTestManager(t, Config{}, WithAuthenticator(JWTAuthenticator{Secret: []byte("k")}))
	ctx := context.Background()
	s := m.Create(ctx, &fakeTransport{}, RequestInfo{})

	_, err := m.Authenticate(ctx, s, &protocol.Credentials{Token: "bad"}, nil)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeAuthenticationFailed, protocol.CodeOf(err))

	_, err = m.Authenticate(ctx, s, nil, nil)
	assert.Equal(t, protocol.CodeAuthenticationRequired, protocol.CodeOf(err))
	assert.False(t, s.Authenticated())
}

func TestFirstOf(t *testing.T) {
	secret := []byte("hmac-secret")
	a := FirstOf(
		TokenAuthenticator{Token: "s3cret", Subject: "ops"},
		JWTAuthenticator{Secret: secret},
	)
	ctx := context.Background()

	sub, err := a.Authenticate(ctx, nil, &protocol.Credentials{Token: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "ops", sub)

	jwtToken := signToken(t, secret, jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-9",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	sub, err = a.Authenticate(ctx, nil, &protocol.Credentials{Token: jwtToken})
	require.NoError(t, err)
	assert.Equal(t, "user-9", sub)

	_, err = a.Authenticate(ctx, nil, &protocol.Credentials{Token: "neither"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")

	_, err = FirstOf().Authenticate(ctx, nil, &protocol.Credentials{Token: "s3cret"})
	assert.Error(t, err)
}
