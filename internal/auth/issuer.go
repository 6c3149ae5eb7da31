// Package auth issues and verifies room-access grants.
package auth

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"

	"github.com/dkeye/VoiceGateway/internal/domain"
)

const (
	DefaultIdentity = "default-user"
	DefaultRoom     = "gemini-test-room"
	DefaultTTL      = 10 * time.Minute

	MaxMetadataBytes = 4096
)

var (
	ErrInvalidIdentity     = errors.New("invalid identity")
	ErrConfigSerialization = errors.New("config serialization error")
	ErrInvalidGrant        = errors.New("invalid grant")
	ErrMissingSecret       = errors.New("api secret is required")
)

type Options struct {
	APIKey    string
	APISecret string
	TTL       time.Duration
	// DefaultRoom is used when Issue gets an empty session id.
	DefaultRoom string
	// Defaults fill keys missing from the requested session config.
	Defaults domain.SessionConfig
	// Audit receives one entry per issued grant. Use NewAuditLogger for a non-blocking one.
	Audit *zerolog.Logger
	Now   func() time.Time
}

// Grant is a signed access token and what it was issued for.
type Grant struct {
	Token     string               `json:"token"`
	Identity  domain.Identity      `json:"identity"`
	SessionID domain.SessionID     `json:"room"`
	Config    domain.SessionConfig `json:"config"`
	ExpiresAt time.Time            `json:"expires_at"`
}

type Issuer struct {
	apiKey   string
	secret   []byte
	ttl      time.Duration
	room     string
	defaults domain.SessionConfig
	audit    *zerolog.Logger
	now      func() time.Time
	newID    func() string
}

func NewIssuer(opts Options) (*Issuer, error) {
	if opts.APISecret == "" {
		return nil, ErrMissingSecret
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.DefaultRoom == "" {
		opts.DefaultRoom = DefaultRoom
	}
	if opts.Defaults == nil {
		opts.Defaults = domain.DefaultSessionConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Audit == nil {
		nop := zerolog.Nop()
		opts.Audit = &nop
	}
	return &Issuer{
		apiKey:   opts.APIKey,
		secret:   []byte(opts.APISecret),
		ttl:      opts.TTL,
		room:     opts.DefaultRoom,
		defaults: opts.Defaults.Clone(),
		audit:    opts.Audit,
		now:      opts.Now,
		newID:    uuid.NewString,
	}, nil
}

// Defaults returns the session config defaults applied to issued grants.
func (i *Issuer) Defaults() domain.SessionConfig { return i.defaults.Clone() }

// Issue mints a grant to join and publish into sessionID.
func (i *Issuer) Issue(identity, sessionID string, cfg domain.SessionConfig) (Grant, error) {
	id, err := domain.NewIdentity(identity)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	sid, err := domain.NewSessionID(sessionID, i.room)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	sealed := cfg.WithDefaults(i.defaults)
	metadata, err := sealed.Encode()
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrConfigSerialization, err)
	}
	if len(metadata) > MaxMetadataBytes {
		return Grant{}, fmt.Errorf("%w: metadata is %d bytes, limit %d", ErrConfigSerialization, len(metadata), MaxMetadataBytes)
	}

	now := i.now()
	exp := now.Add(i.ttl)
	yes := true
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   string(id),
			ID:        i.newID(),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Name:     string(id),
		Metadata: metadata,
		Video: &VideoGrant{
			Room:           string(sid),
			RoomJoin:       true,
			CanPublish:     &yes,
			CanSubscribe:   &yes,
			CanPublishData: &yes,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Grant{}, fmt.Errorf("sign grant: %w", err)
	}

	i.audit.Info().
		Str("module", "auth").
		Str("identity", string(id)).
		Str("room", string(sid)).
		Str("config", metadata).
		Time("expires_at", exp).
		Msg("grant issued")

	return Grant{Token: token, Identity: id, SessionID: sid, Config: sealed, ExpiresAt: exp}, nil
}

// Verify checks signature, algorithm, issuer and expiry. It holds no server-side state.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}
	if i.apiKey != "" {
		opts = append(opts, jwt.WithIssuer(i.apiKey))
	}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	if claims.Subject == "" || claims.Video == nil || claims.Video.Room == "" {
		return nil, fmt.Errorf("%w: missing identity or room", ErrInvalidGrant)
	}
	return claims, nil
}

// NewAuditLogger returns a logger whose writes never block the caller. Entries are dropped
// (and counted in a warning) when w falls behind.
func NewAuditLogger(w io.Writer, warn *zerolog.Logger) (zerolog.Logger, io.Closer) {
	dw := diode.NewWriter(w, 1000, 10*time.Millisecond, func(missed int) {
		if warn != nil {
			warn.Warn().Str("module", "auth").Int("missed", missed).Msg("audit log dropped entries")
		}
	})
	return zerolog.New(dw).With().Timestamp().Str("log", "audit").Logger(), dw
}
