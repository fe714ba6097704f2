// Package services contains server-side business logic. SessionService
// handles legacy login and the rotating refresh token protocol with
// family-based theft detection.
package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/common"
	"github.com/dmitrijs2005/gophtrust/internal/cryptox"
	"github.com/dmitrijs2005/gophtrust/internal/logging"
	"github.com/dmitrijs2005/gophtrust/internal/server/auth"
	"github.com/dmitrijs2005/gophtrust/internal/server/config"
	"github.com/dmitrijs2005/gophtrust/internal/server/models"
	"github.com/dmitrijs2005/gophtrust/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophtrust/internal/server/telemetry"
	"github.com/google/uuid"
)

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	FamilyID     string
}

// FamilyTracker is implemented by *tokenfamily.Tracker.
type FamilyTracker interface {
	Register(ctx context.Context, token string, ttl time.Duration, familyID string) (string, int64, error)
	IsLatest(ctx context.Context, familyID, token string) (bool, error)
	IsRevoked(ctx context.Context, familyID string) (bool, error)
	RevokeFamily(ctx context.Context, familyID string, ttl time.Duration) ([]string, error)
}

type SessionService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	tracker     FamilyTracker
	recorder    *telemetry.Recorder
	logger      logging.Logger

	jwtSecret                    []byte
	issuer                       string
	accessTokenValidityDuration  time.Duration
	refreshTokenValidityDuration time.Duration
	familyRevocationTTL          time.Duration
}

// NewSessionService wires the service from server config. recorder may be
// nil.
func NewSessionService(db *sql.DB, m repomanager.RepositoryManager, tracker FamilyTracker,
	cfg *config.Config, recorder *telemetry.Recorder, logger logging.Logger) *SessionService {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &SessionService{
		db:                           db,
		repomanager:                  m,
		tracker:                      tracker,
		recorder:                     recorder,
		logger:                       logger.With("module", "session"),
		jwtSecret:                    []byte(cfg.SecretKey),
		issuer:                       cfg.LegacyIssuer,
		accessTokenValidityDuration:  cfg.AccessTokenValidityDuration,
		refreshTokenValidityDuration: cfg.RefreshTokenValidityDuration,
		familyRevocationTTL:          cfg.FamilyRevocationTTL,
	}
}

// GetSalt returns the user's stored salt or a random salt if the user is
// absent, to avoid leaking existence.
func (s *SessionService) GetSalt(ctx context.Context, userName string) ([]byte, error) {
	user, err := s.repomanager.Users(s.db).GetUserByLogin(ctx, userName)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return randomSalt(), nil
		}
		return nil, common.ErrorInternal
	}
	return user.Salt, nil
}

// Login verifies the candidate against the stored verifier and starts a new
// refresh token family. Users already moved to the external IdP must log in
// there.
func (s *SessionService) Login(ctx context.Context, userName string, verifierCandidate []byte) (*TokenPair, error) {
	user, err := s.repomanager.Users(s.db).GetUserByLogin(ctx, userName)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorUnauthorized
		}
		return nil, common.ErrorInternal
	}
	if subtle.ConstantTimeCompare(user.Verifier, verifierCandidate) != 1 {
		return nil, common.ErrorUnauthorized
	}
	if user.IdentityProvider == models.ProviderExternal {
		return nil, fmt.Errorf("%w: user migrated to external identity provider", common.ErrorUnauthorized)
	}

	return s.issueTokenPair(ctx, user.ID, uuid.NewString())
}

// LoginWithPassword is Login for clients that cannot derive the verifier
// themselves: the verifier is computed server-side from the stored salt.
func (s *SessionService) LoginWithPassword(ctx context.Context, userName string, password []byte) (*TokenPair, error) {
	user, err := s.repomanager.Users(s.db).GetUserByLogin(ctx, userName)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorUnauthorized
		}
		return nil, common.ErrorInternal
	}
	verifier := cryptox.DeriveVerifier(password, user.Salt)
	defer common.WipeByteArray(verifier)
	return s.Login(ctx, userName, verifier)
}

// Refresh rotates refreshToken. A token that is no longer the newest of its
// family is treated as stolen: the whole family is revoked and the request
// fails with a plain authentication error.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (pair *TokenPair, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "session.Refresh")
	defer span.End()
	if s.recorder != nil {
		start := time.Now()
		defer func() { s.recorder.Observe(time.Since(start), err) }()
	}

	repo := s.repomanager.RefreshTokens(s.db)
	token, err := repo.Find(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorUnauthorized
		}
		return nil, fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}

	revoked, err := s.tracker.IsRevoked(ctx, token.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}
	if revoked {
		return nil, fmt.Errorf("%w: %w", common.ErrorUnauthorized, common.ErrFamilyRevoked)
	}

	latest, err := s.tracker.IsLatest(ctx, token.FamilyID, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}
	if !latest {
		s.revoke(ctx, token)
		return nil, fmt.Errorf("%w: %w", common.ErrorUnauthorized, common.ErrTokenReuse)
	}

	if token.Expires.Before(time.Now()) {
		return nil, common.ErrRefreshTokenExpired
	}

	return s.issueTokenPair(ctx, token.UserID, token.FamilyID)
}

// Logout ends the family of refreshToken. Unknown tokens are ignored.
func (s *SessionService) Logout(ctx context.Context, refreshToken string) error {
	token, err := s.repomanager.RefreshTokens(s.db).Find(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}

	if _, err := s.tracker.RevokeFamily(ctx, token.FamilyID, s.familyRevocationTTL); err != nil {
		return fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}
	if _, err := s.repomanager.RefreshTokens(s.db).DeleteFamily(ctx, token.FamilyID); err != nil {
		return fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}
	return nil
}

// ValidateAccessToken checks a legacy access token and returns its user id.
func (s *SessionService) ValidateAccessToken(ctx context.Context, accessToken string) (string, error) {
	claims, err := auth.ParseToken(accessToken, s.jwtSecret, s.issuer)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func (s *SessionService) revoke(ctx context.Context, token *models.RefreshToken) {
	tokens, err := s.tracker.RevokeFamily(ctx, token.FamilyID, s.familyRevocationTTL)
	if err != nil {
		s.logger.Error(ctx, "revoking refresh token family failed", "family_id", token.FamilyID, "error", err)
	}
	deleted, err := s.repomanager.RefreshTokens(s.db).DeleteFamily(ctx, token.FamilyID)
	if err != nil {
		s.logger.Error(ctx, "deleting refresh token family failed", "family_id", token.FamilyID, "error", err)
	}
	s.logger.Warn(ctx, "refresh token reuse detected",
		"user_id", token.UserID, "family_id", token.FamilyID,
		"family_size", len(tokens), "rows_deleted", deleted)
}

// issueTokenPair persists the new refresh token first and registers it with
// the tracker second; a failed registration removes the row again.
func (s *SessionService) issueTokenPair(ctx context.Context, userID, familyID string) (*TokenPair, error) {
	access, err := auth.GenerateToken(userID, s.issuer, s.jwtSecret, s.accessTokenValidityDuration)
	if err != nil {
		return nil, common.ErrorInternal
	}
	refresh, err := common.MakeRandHexString(32)
	if err != nil {
		return nil, common.ErrorInternal
	}

	repo := s.repomanager.RefreshTokens(s.db)
	if err := repo.Create(ctx, userID, familyID, refresh, s.refreshTokenValidityDuration); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}

	if _, _, err := s.tracker.Register(ctx, refresh, s.refreshTokenValidityDuration, familyID); err != nil {
		if delErr := repo.Delete(ctx, refresh); delErr != nil {
			s.logger.Error(ctx, "removing unregistered refresh token failed", "family_id", familyID, "error", delErr)
		}
		if errors.Is(err, common.ErrFamilyRevoked) {
			return nil, fmt.Errorf("%w: %w", common.ErrorUnauthorized, err)
		}
		return nil, fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh, FamilyID: familyID}, nil
}

func randomSalt() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}
