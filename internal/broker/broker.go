package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/contigo/voice-gateway/internal/metadata"
)

// WSPath is the voice engine's realtime endpoint path.
const WSPath = "/voice/ws"

// ErrEngineAddressMissing means the deployment never configured the public
// engine address. This is operator misconfiguration, not a transient fault.
var ErrEngineAddressMissing = errors.New("engine public address not configured")

// TokenIssuer mints the credential embedded in the descriptor URL.
type TokenIssuer interface {
	Issue(ctx context.Context, userID, sessionID string) (string, error)
}

// MetadataResolver fills difficulty/adaptive gaps the caller left open.
type MetadataResolver interface {
	Resolve(ctx context.Context, sessionID string) metadata.Metadata
}

// Request carries the caller's explicit session parameters. Pointer fields
// are tri-state: nil means "not supplied, consult stored metadata".
type Request struct {
	SessionID    string
	UserID       string
	Difficulty   *string
	Adaptive     *bool
	ExtraSupport bool
}

// Descriptor is the resolved, ready-to-use realtime endpoint. It is handed
// to the client transport and never persisted.
type Descriptor struct {
	EndpointURL  string `json:"endpoint_url"`
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	Difficulty   string `json:"difficulty,omitempty"`
	Adaptive     bool   `json:"adaptive"`
	ExtraSupport bool   `json:"extra_support,omitempty"`
}

// Broker computes connection descriptors: resolved parameters plus a signed
// credential, folded into one externally reachable websocket URL.
type Broker struct {
	issuer   TokenIssuer
	resolver MetadataResolver
	// enginePublicURL is the engine address reachable from the client's
	// network, which in private-network deployments differs from the
	// address the gateway itself would use.
	enginePublicURL string
}

func New(issuer TokenIssuer, resolver MetadataResolver, enginePublicURL string) *Broker {
	return &Broker{
		issuer:          issuer,
		resolver:        resolver,
		enginePublicURL: strings.TrimSpace(enginePublicURL),
	}
}

// Connect produces one Descriptor for the given session. Explicit caller
// values always beat resolved metadata; a failed metadata lookup degrades to
// defaults. A failed token mint fails the whole operation; there is no
// connection without a credential.
func (b *Broker) Connect(ctx context.Context, req Request) (Descriptor, error) {
	if b.enginePublicURL == "" {
		return Descriptor{}, ErrEngineAddressMissing
	}

	difficulty := req.Difficulty
	adaptive := req.Adaptive
	if difficulty == nil || adaptive == nil {
		stored := b.resolver.Resolve(ctx, req.SessionID)
		if difficulty == nil {
			difficulty = stored.Difficulty
		}
		if adaptive == nil {
			adaptive = stored.Adaptive
		}
	}

	signed, err := b.issuer.Issue(ctx, req.UserID, req.SessionID)
	if err != nil {
		return Descriptor{}, err
	}

	d := Descriptor{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		ExtraSupport: req.ExtraSupport,
	}
	if difficulty != nil {
		d.Difficulty = *difficulty
	}
	if adaptive != nil {
		d.Adaptive = *adaptive
	}

	endpoint, err := b.buildEndpoint(signed, d)
	if err != nil {
		return Descriptor{}, err
	}
	d.EndpointURL = endpoint
	return d, nil
}

// buildEndpoint rewrites the public base to its realtime scheme and attaches
// everything the engine needs to reconstruct session context from the URL
// alone.
func (b *Broker) buildEndpoint(signedToken string, d Descriptor) (string, error) {
	u, err := url.Parse(b.enginePublicURL)
	if err != nil {
		return "", fmt.Errorf("parse engine public url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("engine public url has unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + WSPath

	q := u.Query()
	q.Set("token", signedToken)
	q.Set("session_id", d.SessionID)
	if d.Difficulty != "" {
		q.Set("difficulty", d.Difficulty)
	}
	q.Set("adaptive", strconv.FormatBool(d.Adaptive))
	if d.ExtraSupport {
		q.Set("extra_support", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
