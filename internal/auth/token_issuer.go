package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultGuestTokenTTL = 30 * 24 * time.Hour

	// GuestSubjectPrefix marks subjects minted for anonymous readers.
	GuestSubjectPrefix = "guest:"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
)

// TokenIssuerConfig configures the guest session issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
	NewID         func() (uuid.UUID, error)
}

// GuestToken is a freshly minted guest session.
type GuestToken struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
	ExpiresIn int64
}

// TokenIssuer mints session JWTs for readers who have not signed in.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
	newID         func() (uuid.UUID, error)
}

// NewTokenIssuer validates the configuration and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultGuestTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewV7
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
		newID:         newID,
	}, nil
}

// IssueGuestToken signs a session for a new guest:<uuidv7> subject.
func (i *TokenIssuer) IssueGuestToken(_ context.Context) (GuestToken, error) {
	id, err := i.newID()
	if err != nil {
		return GuestToken{}, err
	}
	subject := GuestSubjectPrefix + id.String()

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := SessionClaims{
		Guest: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return GuestToken{}, err
	}
	return GuestToken{
		Token:     signed,
		Subject:   subject,
		ExpiresAt: expiresAt,
		ExpiresIn: int64(i.ttl.Seconds()),
	}, nil
}
