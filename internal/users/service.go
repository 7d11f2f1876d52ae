package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/auth"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrProfileNotFound indicates no profile exists for the requested user id.
	ErrProfileNotFound = errors.New("users: profile not found")
)

// verifiedRoles are session roles that imply a verified (student) identity.
var verifiedRoles = map[string]struct{}{
	"student":  {},
	"verified": {},
}

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maps session claims onto stored profiles.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveProfile returns the profile for the provided session claims, creating it on first
// sight. A verifying role in the claims marks the profile verified; verification granted
// elsewhere is never revoked by claims that lack the role.
func (s *Service) ResolveProfile(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}
	now := s.now().UTC()
	claimsVerified := hasVerifiedRole(claims.UserRoles)

	var profile Profile
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		Take(&profile).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			UserID:      subject,
			Provider:    provider,
			Subject:     subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			IsVerified:  claimsVerified,
			LastSeenAt:  now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if claimsVerified {
			profile.VerifiedAt = &now
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return Profile{}, err
		}
		return profile, nil
	}
	if err != nil {
		return Profile{}, err
	}

	updates := map[string]interface{}{"last_seen_at": now}
	if email := normalize(claims.UserEmail); email != "" && email != profile.Email {
		updates["user_email"] = email
		profile.Email = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != profile.DisplayName {
		updates["user_display_name"] = display
		profile.DisplayName = display
	}
	if claimsVerified && !profile.IsVerified {
		updates["is_verified"] = true
		updates["verified_at"] = now
		profile.IsVerified = true
		profile.VerifiedAt = &now
	}
	profile.LastSeenAt = now
	if err := s.db.WithContext(ctx).Model(&Profile{}).
		Where("user_id = ?", profile.UserID).
		Updates(updates).
		Error; err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// SetVerified records the verification outcome for a user.
func (s *Service) SetVerified(ctx context.Context, userID string, verified bool) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	updates := map[string]interface{}{"is_verified": verified, "verified_at": nil}
	if verified {
		updates["verified_at"] = s.now().UTC()
	}
	result := s.db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", userID).Updates(updates)
	if result.Error != nil {
		return Profile{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Profile{}, ErrProfileNotFound
	}
	var profile Profile
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error; err != nil {
		return Profile{}, err
	}
	return profile, nil
}

func hasVerifiedRole(roles []string) bool {
	for _, role := range roles {
		if _, ok := verifiedRoles[strings.ToLower(normalize(role))]; ok {
			return true
		}
	}
	return false
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
