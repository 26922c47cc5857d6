// Package auth resolves verified caller identities for the transport layer.
// It supplies the identity the authorization engine assumes; it never makes
// access decisions itself.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/flowdeck/flowdeck/internal/shared"
	"github.com/flowdeck/flowdeck/internal/users"
)

// ErrInvalidToken indicates the presented API token is malformed, unknown,
// or belongs to an inactive user.
var ErrInvalidToken = errors.New("auth: invalid token")

// UserSource supplies the accounts tokens belong to.
type UserSource interface {
	GetUser(ctx context.Context, id uuid.UUID) (users.User, error)
}

// Service validates bearer API tokens of the form "<user id>.<secret>". The
// secret is bcrypt-hashed at rest; successful validations are cached in
// redis under a digest of the full token so the bcrypt cost is paid once per
// TTL window, not per request.
type Service struct {
	users UserSource
	cache *redis.Client
	ttl   time.Duration
}

// NewService constructs a Service. cache may be nil, disabling the token
// cache.
func NewService(source UserSource, cache *redis.Client, ttl time.Duration) *Service {
	return &Service{users: source, cache: cache, ttl: ttl}
}

// Authenticate resolves a bearer token to a principal.
func (s *Service) Authenticate(ctx context.Context, token string) (*shared.Principal, error) {
	userPart, secret, ok := strings.Cut(token, ".")
	if !ok || secret == "" {
		return nil, ErrInvalidToken
	}
	userID, err := uuid.Parse(userPart)
	if err != nil {
		return nil, ErrInvalidToken
	}

	key := cacheKey(token)
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, key).Result()
		if err == nil {
			if p, ok := decodeCached(cached, userID); ok {
				return p, nil
			}
		}
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !user.IsActive || user.APITokenHash == "" {
		return nil, ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.APITokenHash), []byte(secret)); err != nil {
		return nil, ErrInvalidToken
	}

	if s.cache != nil {
		// Cache failures only cost the next request another bcrypt round.
		_ = s.cache.Set(ctx, key, encodeCached(user.ID, user.IsSuperuser), s.ttl).Err()
	}
	return &shared.Principal{UserID: user.ID, Superuser: user.IsSuperuser}, nil
}

// Invalidate drops a cached token, used when a token is rotated.
func (s *Service) Invalidate(ctx context.Context, token string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Del(ctx, cacheKey(token)).Err()
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "flowdeck:authtok:" + hex.EncodeToString(sum[:])
}

// Cached values are "<user id>|<super flag>". The user id is re-verified
// against the token prefix so a poisoned cache entry cannot swap identities.
func encodeCached(userID uuid.UUID, super bool) string {
	flag := "0"
	if super {
		flag = "1"
	}
	return userID.String() + "|" + flag
}

func decodeCached(value string, wantUserID uuid.UUID) (*shared.Principal, bool) {
	idPart, flag, ok := strings.Cut(value, "|")
	if !ok || idPart != wantUserID.String() {
		return nil, false
	}
	return &shared.Principal{UserID: wantUserID, Superuser: flag == "1"}, true
}
