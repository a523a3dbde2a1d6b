// Package users implements the identity store: lookups by primary and
// secondary keys, conditional creation, and atomic usage-cost accrual.
package users

import (
	"context"

	"github.com/mealmetric/server/internal/server/models"
)

// Repository is the identity store contract the authentication workflow
// depends on. Implementations must enforce uniqueness of email (case
// insensitive) and apple id at write time, surfacing violations as
// common.ErrorConflict, and must apply AddUsageCost as a single atomic add.
type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByAppleID(ctx context.Context, appleID string) (*models.User, error)
	Update(ctx context.Context, user *models.User) (*models.User, error)
	// Delete removes the record; deleting an absent record is a no-op.
	Delete(ctx context.Context, id string) error
	// AddUsageCost atomically adds delta to the accumulated usage cost and
	// returns the new total.
	AddUsageCost(ctx context.Context, id string, delta float64) (float64, error)
}
