// Package repomanager wires entity repositories to a shared database handle.
// Services obtain repositories per call so the same code path can run either
// directly on *sql.DB or inside a dbx.WithTx transaction.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/akosenkov/passvault/internal/dbx"
	"github.com/akosenkov/passvault/internal/server/repositories/devices"
	"github.com/akosenkov/passvault/internal/server/repositories/items"
	"github.com/akosenkov/passvault/internal/server/repositories/pairingsessions"
	"github.com/akosenkov/passvault/internal/server/repositories/syncruns"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Devices(db dbx.DBTX) devices.Repository
	PairingSessions(db dbx.DBTX) pairingsessions.Repository
	SyncRuns(db dbx.DBTX) syncruns.Repository
	Items(db dbx.DBTX) items.Repository
}
