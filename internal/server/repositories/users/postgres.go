package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mealmetric/server/internal/common"
	"github.com/mealmetric/server/internal/dbx"
	"github.com/mealmetric/server/internal/server/models"
)

// PostgresRepository implements Repository over dbx.DBTX (satisfied by
// *sql.DB or *sql.Tx). Uniqueness of lower(email) and apple_id is enforced
// by partial unique indexes, so concurrent creations race safely.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, email, COALESCE(password_hash, ''), COALESCE(apple_id, ''),
		auth_provider, COALESCE(display_name, ''), total_usage_cost, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.AppleID,
		&user.AuthProvider, &user.DisplayName, &user.TotalUsageCost,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a new identity record. Email and apple id collisions are
// reported as common.ErrorConflict.
func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	query := `
		INSERT INTO users (email, password_hash, apple_id, auth_provider, display_name)
		VALUES (lower($1), NULLIF($2, ''), NULLIF($3, ''), $4, NULLIF($5, ''))
		RETURNING id, email, created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		user.Email, user.PasswordHash, user.AppleID, user.AuthProvider, user.DisplayName).
		Scan(&user.ID, &user.Email, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, common.ErrorConflict
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

func (r *PostgresRepository) GetByAppleID(ctx context.Context, appleID string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE apple_id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, appleID))
}

// Update rewrites the mutable fields of the record and refreshes updated_at.
// A missing record yields common.ErrorNotFound; stealing another record's
// email or apple id yields common.ErrorConflict.
func (r *PostgresRepository) Update(ctx context.Context, user *models.User) (*models.User, error) {
	query := `
		UPDATE users
		SET email = lower($2),
		    password_hash = NULLIF($3, ''),
		    apple_id = NULLIF($4, ''),
		    auth_provider = $5,
		    display_name = NULLIF($6, ''),
		    updated_at = now()
		WHERE id = $1
		RETURNING email, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.AppleID, user.AuthProvider, user.DisplayName).
		Scan(&user.Email, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		if isUniqueViolation(err) {
			return nil, common.ErrorConflict
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

// Delete removes the record by id; absent records are a no-op.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM users WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// AddUsageCost performs a single atomic add so concurrent accruals never
// lose updates.
func (r *PostgresRepository) AddUsageCost(ctx context.Context, id string, delta float64) (float64, error) {
	query := `
		UPDATE users SET total_usage_cost = total_usage_cost + $2, updated_at = now()
		WHERE id = $1
		RETURNING total_usage_cost
	`
	var total float64
	err := r.db.QueryRowContext(ctx, query, id, delta).Scan(&total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrorNotFound
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return total, nil
}
