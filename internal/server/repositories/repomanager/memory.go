package repomanager

import (
	"context"
	"database/sql"

	"github.com/mealmetric/server/internal/dbx"
	"github.com/mealmetric/server/internal/server/repositories/users"
)

// InMemoryRepositoryManager serves one shared in-memory users repository
// regardless of the DBTX it is asked to bind. Used in tests and for running
// the server without a database.
type InMemoryRepositoryManager struct {
	users *users.MemoryRepository
}

func NewInMemoryRepositoryManager() *InMemoryRepositoryManager {
	return &InMemoryRepositoryManager{users: users.NewMemoryRepository()}
}

func (m *InMemoryRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	return nil
}

func (m *InMemoryRepositoryManager) Users(db dbx.DBTX) users.Repository {
	return m.users
}
