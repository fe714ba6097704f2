package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/gophtrust/internal/dbx"
	"github.com/dmitrijs2005/gophtrust/internal/server/repositories/kv"
	"github.com/dmitrijs2005/gophtrust/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/gophtrust/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	RefreshTokens(db dbx.DBTX) refreshtokens.Repository
	KV(db dbx.DBTX) kv.Store
}
