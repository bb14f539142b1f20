package repomanager

import (
	"context"
	"database/sql"

	"github.com/akosenkov/passvault/internal/dbx"
	"github.com/akosenkov/passvault/internal/server/migrations"
	"github.com/akosenkov/passvault/internal/server/repositories/devices"
	"github.com/akosenkov/passvault/internal/server/repositories/items"
	"github.com/akosenkov/passvault/internal/server/repositories/pairingsessions"
	"github.com/akosenkov/passvault/internal/server/repositories/syncruns"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

type PostgresRepositoryManager struct {
}

func NewPostgresRepositoryManager() *PostgresRepositoryManager {
	return &PostgresRepositoryManager{}
}

func (m *PostgresRepositoryManager) Devices(db dbx.DBTX) devices.Repository {
	return devices.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) PairingSessions(db dbx.DBTX) pairingsessions.Repository {
	return pairingsessions.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) SyncRuns(db dbx.DBTX) syncruns.Repository {
	return syncruns.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Items(db dbx.DBTX) items.Repository {
	return items.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return err
	}

	return nil
}
