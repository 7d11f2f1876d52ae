package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultLinkTTL      = 15 * time.Minute
	defaultLinkIssuer   = "folio-media"
	defaultLinkAudience = "folio-media"
)

var (
	ErrMissingLinkSecret = errors.New("link signer: signing secret required")
	ErrMissingLinkKey    = errors.New("link signer: artifact key required")
	ErrInvalidLinkToken  = errors.New("link signer: invalid token")
)

// LinkSignerConfig configures the media link signer.
type LinkSignerConfig struct {
	SigningSecret []byte
	TTL           time.Duration
	Clock         func() time.Time
}

// LinkSigner issues short-lived tokens that authorise reading one stored artifact.
type LinkSigner struct {
	signingSecret []byte
	ttl           time.Duration
	clock         func() time.Time
}

// NewLinkSigner constructs a LinkSigner with sane defaults.
func NewLinkSigner(cfg LinkSignerConfig) (*LinkSigner, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingLinkSecret
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &LinkSigner{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssueLinkToken signs the artifact key and returns the token with its lifetime in seconds.
func (s *LinkSigner) IssueLinkToken(artifactKey string) (string, int64, error) {
	key := strings.TrimSpace(artifactKey)
	if key == "" {
		return "", 0, ErrMissingLinkKey
	}

	now := s.clock().UTC()
	expiresAt := now.Add(s.ttl).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   key,
		Issuer:    defaultLinkIssuer,
		Audience:  []string{defaultLinkAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(s.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateLinkToken checks the token and confirms it was issued for the artifact key.
func (s *LinkSigner) ValidateLinkToken(tokenString, artifactKey string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		strings.TrimSpace(tokenString),
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return s.signingSecret, nil
		},
		jwt.WithAudience(defaultLinkAudience),
		jwt.WithIssuer(defaultLinkIssuer),
		jwt.WithTimeFunc(s.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLinkToken, err)
	}
	if claims.Subject == "" || claims.Subject != strings.TrimSpace(artifactKey) {
		return fmt.Errorf("%w: key mismatch", ErrInvalidLinkToken)
	}
	return nil
}
