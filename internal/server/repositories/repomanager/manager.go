// Package repomanager vends repository implementations bound to a database
// handle and exposes the schema migration hook run at startup.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/mealmetric/server/internal/dbx"
	"github.com/mealmetric/server/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
}
