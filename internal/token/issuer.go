package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Claim identities shared with the downstream voice engine. The engine
// rejects tokens carrying any other issuer or audience.
const (
	IssuerURN   = "urn:contigo:core-api"
	AudienceURN = "urn:contigo:voice-engine"
)

// DefaultTTL bounds how long a leaked token stays usable while still
// outlasting any single conversation.
const DefaultTTL = 2 * time.Hour

var (
	ErrUnknownUser      = errors.New("unknown user")
	ErrQuotaExceeded    = errors.New("session quota exceeded")
	ErrQuotaUnavailable = errors.New("quota check unavailable")
	ErrNotConfigured    = errors.New("signing secret not configured")
	ErrInvalidToken     = errors.New("invalid token")
)

// IdentityStore answers whether a user id references a known identity.
type IdentityStore interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// UsageStore counts a user's sessions started at or after a point in time.
type UsageStore interface {
	SessionCountSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Config parameterizes an Issuer.
type Config struct {
	Secret []byte
	TTL    time.Duration
	// MaxDailySessions caps sessions per trailing 24h window. Zero disables
	// the quota entirely.
	MaxDailySessions int
	// QuotaFailOpen controls the policy when the usage store itself is
	// unreachable: true mints anyway (risking quota bypass during an
	// outage), false rejects with ErrQuotaUnavailable. The choice is
	// surfaced at startup so it is never silent.
	QuotaFailOpen bool
}

// Issuer mints short-lived session credentials. Minting reads usage history
// but records nothing; usage derives from session records written elsewhere.
type Issuer struct {
	cfg      Config
	identity IdentityStore
	usage    UsageStore
	now      func() time.Time
	log      zerolog.Logger
}

func NewIssuer(cfg Config, identity IdentityStore, usage UsageStore, log zerolog.Logger) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Issuer{
		cfg:      cfg,
		identity: identity,
		usage:    usage,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// SetClock overrides the issuer's time source. Test hook.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// Issue mints a signed credential scoped to exactly one (userID, sessionID)
// pair, iff the user exists and is under quota.
func (i *Issuer) Issue(ctx context.Context, userID, sessionID string) (string, error) {
	if len(i.cfg.Secret) == 0 {
		return "", ErrNotConfigured
	}
	if _, err := uuid.Parse(userID); err != nil {
		return "", fmt.Errorf("%w: bad user id %q", ErrUnknownUser, userID)
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", fmt.Errorf("invalid session id %q: %w", sessionID, err)
	}

	exists, err := i.identity.UserExists(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("identity lookup: %w", err)
	}
	if !exists {
		return "", ErrUnknownUser
	}

	if err := i.checkQuota(ctx, userID); err != nil {
		return "", err
	}

	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    IssuerURN,
		Audience:  jwt.ClaimStrings{AudienceURN},
		ID:        sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.TTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (i *Issuer) checkQuota(ctx context.Context, userID string) error {
	if i.cfg.MaxDailySessions <= 0 {
		return nil
	}
	since := i.now().Add(-24 * time.Hour)
	count, err := i.usage.SessionCountSince(ctx, userID, since)
	if err != nil {
		if i.cfg.QuotaFailOpen {
			i.log.Warn().Err(err).Str("user_id", userID).
				Msg("quota store unreachable, fail-open policy minting anyway")
			return nil
		}
		return fmt.Errorf("%w: %v", ErrQuotaUnavailable, err)
	}
	if count >= i.cfg.MaxDailySessions {
		return fmt.Errorf("%w: %d sessions in trailing 24h (limit %d)",
			ErrQuotaExceeded, count, i.cfg.MaxDailySessions)
	}
	return nil
}

// Claims is the verified view of a session credential.
type Claims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// Verify validates a credential the way the downstream engine would:
// signature, issuer, audience, and expiry all checked.
func (i *Issuer) Verify(tokenStr string) (Claims, error) {
	if len(i.cfg.Secret) == 0 {
		return Claims{}, ErrNotConfigured
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return i.cfg.Secret, nil
		},
		jwt.WithIssuer(IssuerURN),
		jwt.WithAudience(AudienceURN),
		jwt.WithTimeFunc(func() time.Time { return i.now() }),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	rc, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || rc.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	c := Claims{UserID: rc.Subject, SessionID: rc.ID}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}
