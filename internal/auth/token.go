package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "consoleguard"

// Claims represents the JWT claims carried by operator bearer tokens.
type Claims struct {
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 operator tokens with an injected secret.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer) error

// WithIssuerName overrides the iss claim.
func WithIssuerName(name string) IssuerOption {
	return func(i *Issuer) error {
		if name = strings.TrimSpace(name); name != "" {
			i.issuer = name
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) error {
		if fn != nil {
			i.now = fn
		}
		return nil
	}
}

// NewIssuer constructs an Issuer. An empty secret is rejected.
func NewIssuer(secret string, opts ...IssuerOption) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	iss := &Issuer{
		secret: []byte(secret),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(iss); err != nil {
			return nil, err
		}
	}
	return iss, nil
}

// Generate signs a token for actor valid for ttl.
func (i *Issuer) Generate(actor Actor, ttl time.Duration) (string, error) {
	if !actor.Valid() {
		return "", fmt.Errorf("%w: actor id and role are required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	now := i.now().UTC()
	claims := Claims{
		Name: strings.TrimSpace(actor.Name),
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   strings.TrimSpace(actor.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Authenticate verifies token and returns the actor it names.
func (i *Issuer) Authenticate(token string) (Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Actor{}, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(i.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Actor{}, ErrInvalidToken
	}
	role, err := ParseRole(string(claims.Role))
	if err != nil || strings.TrimSpace(claims.Subject) == "" {
		return Actor{}, ErrInvalidToken
	}
	return Actor{ID: claims.Subject, Name: claims.Name, Role: role}, nil
}
