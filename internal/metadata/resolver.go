package metadata

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Metadata holds the persisted per-session parameters used to fill gaps the
// caller left open. Nil means unknown, which is distinct from an explicit
// false or empty value.
type Metadata struct {
	Difficulty *string
	Adaptive   *bool
}

// Store is the boundary to wherever session records live.
type Store interface {
	SessionMetadata(ctx context.Context, sessionID string) (Metadata, error)
}

// Resolver looks up stored difficulty/adaptive settings for a session.
// It is advisory enrichment only: a failed or empty lookup degrades to
// all-unknown and never fails the caller's flow.
type Resolver struct {
	store Store
	log   zerolog.Logger
}

func NewResolver(store Store, log zerolog.Logger) *Resolver {
	return &Resolver{store: store, log: log}
}

func (r *Resolver) Resolve(ctx context.Context, sessionID string) Metadata {
	if r == nil || r.store == nil || sessionID == "" {
		return Metadata{}
	}
	md, err := r.store.SessionMetadata(ctx, sessionID)
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", sessionID).
			Msg("session metadata lookup failed, using caller-supplied defaults")
		return Metadata{}
	}
	return md
}

// ParseTriBool interprets a textual boolean crossing a wire boundary.
// Returns nil for empty or unrecognized input rather than erroring, so
// "unspecified" can trigger fallback resolution instead of defaulting to
// false.
func ParseTriBool(v string) *bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		b := true
		return &b
	case "false", "0", "no", "off":
		b := false
		return &b
	default:
		return nil
	}
}

// ParseDifficulty normalizes a difficulty value, returning nil for anything
// outside the known bands.
func ParseDifficulty(v string) *string {
	d := strings.ToLower(strings.TrimSpace(v))
	switch d {
	case "beginner", "intermediate", "advanced":
		return &d
	default:
		return nil
	}
}
