package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/HsiangNianian/mup/internal/protocol"
)

// Authenticator validates handshake credentials and returns the
// authenticated subject. It may perform I/O.
type Authenticator interface {
	Authenticate(ctx context.Context, s *Session, creds *protocol.Credentials) (subject string, err error)
}

type AuthenticatorFunc func(ctx context.Context, s *Session, creds *protocol.Credentials) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, s *Session, creds *protocol.Credentials) (string, error) {
	return f(ctx, s, creds)
}

var errNoCredentials = protocol.NewError(protocol.CodeAuthenticationRequired, "credentials required", nil)

// TokenAuthenticator accepts a single shared token, sent either as the
// bearer token or the api key.
type TokenAuthenticator struct {
	Token   string
	Subject string
}

func (a TokenAuthenticator) Authenticate(_ context.Context, _ *Session, creds *protocol.Credentials) (string, error) {
	if creds == nil || (creds.Token == "" && creds.APIKey == "") {
		return "", errNoCredentials
	}
	presented := creds.Token
	if presented == "" {
		presented = creds.APIKey
	}
	if a.Token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(a.Token)) != 1 {
		return "", errors.New("invalid token")
	}
	if a.Subject != "" {
		return a.Subject, nil
	}
	return "token", nil
}

// Claims are the JWT claims a handshake token carries.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// JWTAuthenticator validates HMAC-signed JWTs and uses the subject claim.
type JWTAuthenticator struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
}

func (a JWTAuthenticator) Authenticate(_ context.Context, _ *Session, creds *protocol.Credentials) (string, error) {
	if creds == nil || creds.Token == "" {
		return "", errNoCredentials
	}
	if len(a.Secret) == 0 {
		return "", errors.New("jwt authenticator has no secret")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.Leeway),
	}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	if a.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(creds.Token, claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// FirstOf tries each authenticator in order and accepts the first success.
// With no authenticators every attempt fails.
func FirstOf(auths ...Authenticator) Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, s *Session, creds *protocol.Credentials) (string, error) {
		if len(auths) == 0 {
			return "", errors.New("no authenticator configured")
		}
		var errs []error
		for _, a := range auths {
			subject, err := a.Authenticate(ctx, s, creds)
			if err == nil {
				return subject, nil
			}
			errs = append(errs, err)
		}
		return "", errors.Join(errs...)
	})
}
