package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProfileResolver is the boundary to the excluded authentication/profile
// collaborator. Resolution failures are non-fatal everywhere in the core:
// callers fall back to FallbackProfile.
type ProfileResolver interface {
	// Resolve returns the profile for userID, or ErrNotFound.
	Resolve(ctx context.Context, userID string) (Profile, error)
}

// resolveOrFallback wraps Resolve with the degrade-to-placeholder policy.
func resolveOrFallback(ctx context.Context, r ProfileResolver, userID string) Profile {
	if r == nil {
		return FallbackProfile(userID)
	}
	p, err := r.Resolve(ctx, userID)
	if err != nil {
		return FallbackProfile(userID)
	}
	return p
}

// StaticProfiles is a map-backed resolver for tests and single-process setups.
type StaticProfiles struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStaticProfiles constructs a resolver seeded with the given profiles.
func NewStaticProfiles(profiles ...Profile) *StaticProfiles {
	s := &StaticProfiles{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.UserID] = p
	}
	return s
}

// Put adds or replaces a profile.
func (s *StaticProfiles) Put(p Profile) {
	s.mu.Lock()
	s.profiles[p.UserID] = p
	s.mu.Unlock()
}

// Resolve implements ProfileResolver.
func (s *StaticProfiles) Resolve(_ context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	p, ok := s.profiles[userID]
	s.mu.RUnlock()
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

// PostgresProfiles resolves profiles from the profiles table maintained by the
// account service.
type PostgresProfiles struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresProfiles constructs a Postgres-backed resolver.
func NewPostgresProfiles(pool *pgxpool.Pool, opts ...func(*PostgresProfiles) error) (*PostgresProfiles, error) {
	r := &PostgresProfiles{pool: pool, schema: "prochat"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return r, nil
}

// WithProfileSchema sets the DB schema used by the resolver (default: "prochat").
func WithProfileSchema(schema string) func(*PostgresProfiles) error {
	return func(r *PostgresProfiles) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		r.schema = schema
		return nil
	}
}

// Resolve implements ProfileResolver.
func (r *PostgresProfiles) Resolve(ctx context.Context, userID string) (Profile, error) {
	if r == nil || r.pool == nil {
		return Profile{}, errors.New("chat: nil resolver")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Profile{}, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	profiles := pgIdent(r.schema, "profiles")

	var (
		username  string
		firstName *string
		avatarRef *string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT username, first_name, avatar_url FROM `+profiles+` WHERE id = $1`,
		userID,
	).Scan(&username, &firstName, &avatarRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("%w: resolve profile: %v", ErrStorage, err)
	}

	display := username
	if firstName != nil && strings.TrimSpace(*firstName) != "" {
		display = *firstName
	}
	p := Profile{UserID: userID, DisplayName: display}
	if avatarRef != nil {
		p.AvatarRef = *avatarRef
	}
	return p, nil
}
