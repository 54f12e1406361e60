package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"flashoffer-dispatch/internal/apperror"
)

// Principal identifies the caller of a dispatch. CallerID is used for audit
// only; it does not authorize which offer may be dispatched.
type Principal struct {
	CallerID string
}

// Authenticator verifies bearer tokens issued by the identity provider.
type Authenticator struct {
	keyFunc  jwt.Keyfunc
	methods  []string
	issuer   string
	audience string
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) Option {
	return func(a *Authenticator) { a.issuer = iss }
}

// WithAudience requires the aud claim to contain aud.
func WithAudience(aud string) Option {
	return func(a *Authenticator) { a.audience = aud }
}

// NewWithPublicKey verifies tokens against an RSA or ECDSA public key.
func NewWithPublicKey(key interface{}, opts ...Option) (*Authenticator, error) {
	var methods []string
	switch key.(type) {
	case *rsa.PublicKey:
		methods = []string{"RS256", "RS384", "RS512"}
	case *ecdsa.PublicKey:
		methods = []string{"ES256", "ES384", "ES512"}
	default:
		return nil, fmt.Errorf("unsupported public key type %T", key)
	}
	a := &Authenticator{
		keyFunc: func(*jwt.Token) (interface{}, error) { return key, nil },
		methods: methods,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// NewWithHMAC verifies HS256 tokens with a shared secret. Development only.
func NewWithHMAC(secret []byte, opts ...Option) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac secret is empty")
	}
	a := &Authenticator{
		keyFunc: func(*jwt.Token) (interface{}, error) { return secret, nil },
		methods: []string{"HS256"},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// LoadPublicKey reads a PEM encoded RSA or ECDSA public key.
func LoadPublicKey(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	key, err := jwt.ParseECPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("public key is neither RSA nor ECDSA PEM: %w", err)
	}
	return key, nil
}

// Authenticate validates an Authorization header value of the form
// "Bearer <jwt>".
func (a *Authenticator) Authenticate(_ context.Context, header string) (Principal, error) {
	scheme, tokenStr, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tokenStr) == "" {
		return Principal{}, apperror.Auth("missing or malformed bearer token", nil)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(a.methods),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, a.keyFunc, parserOpts...)
	if err != nil {
		return Principal{}, apperror.Auth("invalid or expired token", err)
	}
	if !token.Valid {
		return Principal{}, apperror.Auth("invalid token", nil)
	}
	if claims.Subject == "" {
		return Principal{}, apperror.Auth("token subject is required", nil)
	}

	return Principal{CallerID: claims.Subject}, nil
}
