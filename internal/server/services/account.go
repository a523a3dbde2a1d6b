// Package services contains server-side business logic. This file implements
// AccountService, which handles registration, password and Apple logins,
// identity linking, profile management, and usage-cost accounting.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mealmetric/server/internal/common"
	"github.com/mealmetric/server/internal/cryptox"
	"github.com/mealmetric/server/internal/dbx"
	"github.com/mealmetric/server/internal/server/apple"
	"github.com/mealmetric/server/internal/server/auth"
	"github.com/mealmetric/server/internal/server/config"
	"github.com/mealmetric/server/internal/server/models"
	"github.com/mealmetric/server/internal/server/repositories/repomanager"
)

// Linking conflicts carry distinct messages so clients can tell the no-op
// case from the cannot-relink case; both still match common.ErrorConflict.
var (
	ErrAlreadyLinked        = fmt.Errorf("%w: account is already linked to this Apple ID", common.ErrorConflict)
	ErrLinkedToAnotherApple = fmt.Errorf("%w: account is linked to a different Apple ID", common.ErrorConflict)
)

// TokenVerifier checks a third-party identity token and returns its verified
// claims. Implemented by apple.Verifier; tests substitute a fake.
type TokenVerifier interface {
	Verify(identityToken string) (*apple.Claims, error)
}

// Account is the public projection of a user record, safe to return to
// clients. Credential material never appears here.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName,omitempty"`
	AuthProvider string    `json:"authProvider"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AuthResult is the outcome of any operation that signs a user in.
// NeedsAccountLinking is a success-path signal set when a fresh
// Apple-provisioned account should later be consolidated with a local one.
type AuthResult struct {
	User                *Account
	Token               string
	NeedsAccountLinking bool
}

// UsageSummary reports accumulated LLM spend for one user.
type UsageSummary struct {
	TotalCost                 float64 `json:"totalCost"`
	AverageDailyCost          float64 `json:"averageDailyCost"`
	DaysSinceRegistration     int     `json:"daysSinceRegistration"`
	RegistrationDate          string  `json:"registrationDate"`
	FormattedTotalCost        string  `json:"formattedTotalCost"`
	FormattedAverageDailyCost string  `json:"formattedAverageDailyCost"`
}

// UpdateProfileParams carries optional profile mutations; nil fields are
// left untouched.
type UpdateProfileParams struct {
	DisplayName *string
	Email       *string
}

// AccountService provides identity operations:
// - Register / Login: local email+password accounts
// - AppleLogin: sign in with a verified Apple identity token
// - LinkAccount: merge an Apple-provisioned account into a local one
// - GetProfile / UpdateProfile / GetUsageSummary / TrackUsage
type AccountService struct {
	db                          *sql.DB
	repomanager                 repomanager.RepositoryManager
	verifier                    TokenVerifier
	jwtSecret                   []byte
	accessTokenValidityDuration time.Duration
}

// NewAccountService constructs an AccountService using repositories, the
// identity-token verifier, and server config.
func NewAccountService(db *sql.DB, m repomanager.RepositoryManager, verifier TokenVerifier, cfg *config.Config) *AccountService {
	return &AccountService{
		db:                          db,
		repomanager:                 m,
		verifier:                    verifier,
		jwtSecret:                   []byte(cfg.SecretKey),
		accessTokenValidityDuration: cfg.AccessTokenValidityDuration,
	}
}

// Register creates a local account for email and issues a bearer token.
// An already-taken email yields common.ErrorConflict.
func (s *AccountService) Register(ctx context.Context, email, password string) (*AuthResult, error) {
	hash, err := cryptox.HashPassword(password)
	if err != nil {
		return nil, common.ErrorInternal
	}

	repo := s.repomanager.Users(s.db)
	user, err := repo.Create(ctx, &models.User{
		Email:        strings.ToLower(email),
		PasswordHash: hash,
		AuthProvider: models.ProviderLocal,
	})
	if err != nil {
		if errors.Is(err, common.ErrorConflict) {
			return nil, common.ErrorConflict
		}
		return nil, common.ErrorInternal
	}

	return s.signIn(user, false)
}

// Login verifies email+password and issues a bearer token. Unknown email,
// wrong password, and a password attempt against an Apple-only account all
// yield the identical common.ErrorInvalidCredentials.
func (s *AccountService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	repo := s.repomanager.Users(s.db)
	user, err := repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorInvalidCredentials
		}
		return nil, common.ErrorInternal
	}
	if !cryptox.VerifyPassword(password, user.PasswordHash) {
		return nil, common.ErrorInvalidCredentials
	}
	return s.signIn(user, false)
}

// AppleLogin signs a user in with an Apple identity token. Three paths:
// a record already holding the Apple subject logs straight in; a record
// matching the supplied email gets the Apple identity attached; otherwise a
// new record is created (with a synthesized placeholder address when no email
// is known) and flagged NeedsAccountLinking.
func (s *AccountService) AppleLogin(ctx context.Context, identityToken, email, displayName string) (*AuthResult, error) {
	claims, err := s.verifier.Verify(identityToken)
	if err != nil {
		return nil, common.ErrInvalidToken
	}

	repo := s.repomanager.Users(s.db)

	user, err := repo.GetByAppleID(ctx, claims.Subject)
	if err == nil {
		return s.signIn(user, false)
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return nil, common.ErrorInternal
	}

	if email == "" {
		email = claims.Email
	}

	if email != "" {
		existing, err := repo.GetByEmail(ctx, email)
		if err == nil {
			existing.AppleID = claims.Subject
			existing.AuthProvider = models.ProviderApple
			if existing.DisplayName == "" && displayName != "" {
				existing.DisplayName = displayName
			}
			updated, err := repo.Update(ctx, existing)
			if err != nil {
				return nil, common.ErrorInternal
			}
			return s.signIn(updated, false)
		}
		if !errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorInternal
		}
	}

	newEmail := email
	if newEmail == "" {
		newEmail = placeholderEmail(claims.Subject)
	}
	created, err := repo.Create(ctx, &models.User{
		Email:        strings.ToLower(newEmail),
		AppleID:      claims.Subject,
		AuthProvider: models.ProviderApple,
		DisplayName:  displayName,
	})
	if err != nil {
		// A concurrent first login for the same subject may have created
		// the record between our lookup and the insert.
		if errors.Is(err, common.ErrorConflict) {
			if user, lookupErr := repo.GetByAppleID(ctx, claims.Subject); lookupErr == nil {
				return s.signIn(user, false)
			}
			return nil, common.ErrorConflict
		}
		return nil, common.ErrorInternal
	}
	return s.signIn(created, true)
}

// LinkAccount merges the Apple-provisioned record for the token's subject
// into the local account identified by email+password. The provisional record
// is deleted before the local one takes over the Apple subject, so the two
// never hold it simultaneously.
func (s *AccountService) LinkAccount(ctx context.Context, identityToken, email, password string) (*AuthResult, error) {
	claims, err := s.verifier.Verify(identityToken)
	if err != nil {
		return nil, common.ErrInvalidToken
	}

	repo := s.repomanager.Users(s.db)

	appleUser, err := repo.GetByAppleID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorNotFound
		}
		return nil, common.ErrorInternal
	}

	local, err := repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorInvalidCredentials
		}
		return nil, common.ErrorInternal
	}
	if !cryptox.VerifyPassword(password, local.PasswordHash) {
		return nil, common.ErrorInvalidCredentials
	}

	if local.AppleID == claims.Subject {
		return nil, ErrAlreadyLinked
	}
	if local.AppleID != "" {
		return nil, ErrLinkedToAnotherApple
	}

	var linked *models.User
	if err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repoTx := s.repomanager.Users(tx)
		if err := repoTx.Delete(ctx, appleUser.ID); err != nil {
			return fmt.Errorf("error deleting provisional account: %v", err)
		}
		local.AppleID = claims.Subject
		local.AuthProvider = models.ProviderApple
		if local.DisplayName == "" && appleUser.DisplayName != "" {
			local.DisplayName = appleUser.DisplayName
		}
		var updErr error
		linked, updErr = repoTx.Update(ctx, local)
		return updErr
	}); err != nil {
		return nil, common.ErrorInternal
	}

	return s.signIn(linked, false)
}

// GetProfile returns the public projection for userID.
func (s *AccountService) GetProfile(ctx context.Context, userID string) (*Account, error) {
	repo := s.repomanager.Users(s.db)
	user, err := repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorNotFound
		}
		return nil, common.ErrorInternal
	}
	return publicAccount(user), nil
}

// UpdateProfile applies the non-nil fields. Changing the email to one held
// by another record yields common.ErrorConflict.
func (s *AccountService) UpdateProfile(ctx context.Context, userID string, params UpdateProfileParams) (*Account, error) {
	repo := s.repomanager.Users(s.db)
	user, err := repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorNotFound
		}
		return nil, common.ErrorInternal
	}

	if params.DisplayName != nil {
		user.DisplayName = *params.DisplayName
	}
	if params.Email != nil && *params.Email != "" {
		user.Email = strings.ToLower(*params.Email)
	}

	updated, err := repo.Update(ctx, user)
	if err != nil {
		if errors.Is(err, common.ErrorConflict) {
			return nil, common.ErrorConflict
		}
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorNotFound
		}
		return nil, common.ErrorInternal
	}
	return publicAccount(updated), nil
}

// GetUsageSummary reports total and average daily spend since registration.
// Elapsed time is rounded up to whole days with a floor of one day.
func (s *AccountService) GetUsageSummary(ctx context.Context, userID string) (*UsageSummary, error) {
	repo := s.repomanager.Users(s.db)
	user, err := repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorNotFound
		}
		return nil, common.ErrorInternal
	}

	days := int(math.Ceil(time.Since(user.CreatedAt).Hours() / 24))
	if days < 1 {
		days = 1
	}
	avg := user.TotalUsageCost / float64(days)

	return &UsageSummary{
		TotalCost:                 user.TotalUsageCost,
		AverageDailyCost:          avg,
		DaysSinceRegistration:     days,
		RegistrationDate:          user.CreatedAt.Format("2006-01-02"),
		FormattedTotalCost:        fmt.Sprintf("$%.5f", user.TotalUsageCost),
		FormattedAverageDailyCost: fmt.Sprintf("$%.5f", avg),
	}, nil
}

// TrackUsage accrues cost (USD) onto the user's running total and returns
// the new total. The delta is rounded to five decimal places before accrual.
func (s *AccountService) TrackUsage(ctx context.Context, userID string, cost float64) (float64, error) {
	if cost < 0 {
		return 0, fmt.Errorf("usage cost must not be negative")
	}
	delta := math.Round(cost*1e5) / 1e5
	repo := s.repomanager.Users(s.db)
	total, err := repo.AddUsageCost(ctx, userID, delta)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return 0, common.ErrorNotFound
		}
		return 0, common.ErrorInternal
	}
	return total, nil
}

// --- helpers below ---

func (s *AccountService) signIn(user *models.User, needsLinking bool) (*AuthResult, error) {
	token, err := auth.GenerateToken(user.ID, s.jwtSecret, s.accessTokenValidityDuration)
	if err != nil {
		return nil, common.ErrorInternal
	}
	return &AuthResult{User: publicAccount(user), Token: token, NeedsAccountLinking: needsLinking}, nil
}

func publicAccount(u *models.User) *Account {
	return &Account{
		ID:           u.ID,
		Email:        u.Email,
		DisplayName:  u.DisplayName,
		AuthProvider: u.AuthProvider,
		CreatedAt:    u.CreatedAt,
	}
}

// placeholderEmail synthesizes a unique address for an Apple subject that
// shared no email. The full subject keeps it collision-free.
func placeholderEmail(subject string) string {
	return strings.ToLower("apple." + subject + "@privaterelay.local")
}
