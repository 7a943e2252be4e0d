package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultStreamTokenTTL = 30 * time.Minute

	// AudienceOverlay tokens may open overlay streams only.
	AudienceOverlay = "overlay"
	// AudienceAdmin tokens may open admin streams and issue admin commands.
	AudienceAdmin = "admin"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingBroadcaster   = errors.New("broadcaster identifier must be provided")
	// ErrInvalidAudience indicates an audience outside overlay/admin.
	ErrInvalidAudience = errors.New("auth: invalid token audience")
	// ErrTokenRejected wraps any verification failure of a presented token.
	ErrTokenRejected = errors.New("auth: token rejected")
)

// StreamClaims is the verified content of a stream token.
type StreamClaims struct {
	BroadcasterID string
	Audience      string
}

// StreamTokenConfig configures the stream token issuer and verifier.
type StreamTokenConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// StreamTokens issues and verifies the bearer tokens that gate SSE streams
// and admin commands. Tokens are HS256 JWTs scoped to one broadcaster and
// one audience.
type StreamTokens struct {
	config StreamTokenConfig
	clock  func() time.Time
}

// NewStreamTokens constructs a StreamTokens with sane defaults.
func NewStreamTokens(cfg StreamTokenConfig) (*StreamTokens, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultStreamTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StreamTokens{
		config: StreamTokenConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// Issue produces a signed token and its expiry for one broadcaster and audience.
func (t *StreamTokens) Issue(broadcasterID, audience string) (string, time.Time, error) {
	if broadcasterID == "" {
		return "", time.Time{}, errMissingBroadcaster
	}
	if audience != AudienceOverlay && audience != AudienceAdmin {
		return "", time.Time{}, ErrInvalidAudience
	}

	now := t.clock().UTC()
	expiresAt := now.Add(t.config.TokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   broadcasterID,
		Issuer:    t.config.Issuer,
		Audience:  []string{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(t.config.SigningSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks the signature, validity window, issuer, and audience of a
// presented token. The expected audience must match exactly; an admin token
// does not open overlay streams or the other way round.
func (t *StreamTokens) Verify(tokenString, expectedAudience string) (StreamClaims, error) {
	if expectedAudience != AudienceOverlay && expectedAudience != AudienceAdmin {
		return StreamClaims{}, ErrInvalidAudience
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return t.config.SigningSecret, nil
		},
		jwt.WithAudience(expectedAudience),
		jwt.WithIssuer(t.config.Issuer),
		jwt.WithTimeFunc(t.clock),
	)
	if err != nil {
		return StreamClaims{}, fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}
	if claims.Subject == "" {
		return StreamClaims{}, fmt.Errorf("%w: %v", ErrTokenRejected, errMissingBroadcaster)
	}
	return StreamClaims{BroadcasterID: claims.Subject, Audience: expectedAudience}, nil
}
