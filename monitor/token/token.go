/*
Package token is the bearer token service of the monitoring platform. It
issues, verifies and refreshes HS256 JWT credentials carrying the account
identity and role.
*/
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Verification failure modes. The realtime authenticator maps these to the
// stable error codes on the wire, so a client can tell "needs re-login" from
// "needs token refresh".
var (
	ErrTokenMissing = errors.New("token missing")
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// Claims are the JWT claims of a monitoring platform credential.
type Claims struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and verifies bearer tokens.
type Service struct {
	secret   []byte
	lifetime time.Duration
	issuer   string
	now      func() time.Time
}

// Builder is a builder helper for the Service
type Builder struct {
	// Secret is the HS256 signing secret. This is mandatory.
	Secret string
	// Lifetime is the token lifetime. Optional, defaults to 1 hour.
	Lifetime time.Duration
	// Issuer is the token issuer. Optional.
	Issuer string
}

// MustNewService returns a new token service.
func MustNewService(b *Builder) *Service {
	if len(b.Secret) == 0 {
		panic("token secret missing")
	}
	lifetime := b.Lifetime
	if lifetime == 0 {
		lifetime = time.Hour
	}
	issuer := b.Issuer
	if len(issuer) == 0 {
		issuer = "iset-monitor"
	}
	return &Service{
		secret:   []byte(b.Secret),
		lifetime: lifetime,
		issuer:   issuer,
		now:      time.Now,
	}
}

// Issue creates a signed token for the identity with the given role.
func (s *Service) Issue(identity, role string) (string, error) {
	now := s.now()
	claims := Claims{
		Identity: identity,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates a token. It returns ErrTokenMissing for an
// empty credential, ErrTokenExpired for a syntactically valid but expired
// token, and ErrTokenInvalid for everything else that fails.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	if len(tokenString) == 0 {
		return nil, ErrTokenMissing
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc)
	if err != nil {
		var validationError *jwt.ValidationError
		if errors.As(err, &validationError) && validationError.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid || claims.Issuer != s.issuer {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ClaimsAllowingExpired parses a token but accepts an expired one, for the
// refresh flow. The signature still has to verify and the token must not be
// older than the grace period.
func (s *Service) ClaimsAllowingExpired(tokenString string, grace time.Duration) (*Claims, error) {
	if len(tokenString) == 0 {
		return nil, ErrTokenMissing
	}
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	parsed, err := parser.ParseWithClaims(tokenString, claims, s.keyFunc)
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Issuer != s.issuer || claims.ExpiresAt == nil {
		return nil, ErrTokenInvalid
	}
	if s.now().After(claims.ExpiresAt.Time.Add(grace)) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

func (s *Service) keyFunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ErrTokenInvalid
	}
	return s.secret, nil
}
