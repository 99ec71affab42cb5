package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves session claims to canonical user ids.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the claims,
// recording the identity on first sight. Profile fields are refreshed on
// later sightings; a failed refresh is logged and does not fail the call.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	key, ok := deriveIdentityKey(claims)
	if !ok {
		return "", ErrInvalidIdentity
	}
	if cached, found := s.cache.Load(key.String()); found {
		if userID, isString := cached.(string); isString {
			return userID, nil
		}
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.Where("provider = ? AND subject = ?", key.provider, key.subject).First(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    key.provider,
			Subject:     key.subject,
			UserID:      key.subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now().UTC(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return "", fmt.Errorf("users: create identity: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("users: lookup identity: %w", err)
	default:
		s.refreshProfile(db, key, identity, claims)
	}

	s.cache.Store(key.String(), identity.UserID)
	return identity.UserID, nil
}

func (s *Service) refreshProfile(db *gorm.DB, key identityKey, identity Identity, claims auth.SessionClaims) {
	updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
	if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
		updates["user_email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
		updates["user_display_name"] = display
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
		updates["user_avatar_url"] = avatar
	}
	err := db.Model(&Identity{}).
		Where("provider = ? AND subject = ?", key.provider, key.subject).
		Updates(updates).
		Error
	if err != nil {
		s.logger.Warn("failed to refresh user identity", zap.String("identity", key.String()), zap.Error(err))
	}
}

// Lookup returns the stored identity for a canonical user id.
func (s *Service) Lookup(ctx context.Context, userID string) (Identity, bool, error) {
	var identity Identity
	err := s.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, err
	}
	return identity, true, nil
}

func deriveIdentityKey(claims auth.SessionClaims) (identityKey, bool) {
	key := identityKey{provider: defaultProvider, subject: normalize(claims.Subject)}

	if raw := normalize(claims.UserID); raw != "" {
		if provider, subject, found := strings.Cut(raw, ":"); found && normalize(provider) != "" && normalize(subject) != "" {
			key.provider = normalize(provider)
			key.subject = normalize(subject)
		} else if key.subject == "" {
			key.subject = raw
		}
	}
	if key.subject == "" {
		key.subject = normalize(claims.UserEmail)
	}
	return key, key.subject != ""
}
