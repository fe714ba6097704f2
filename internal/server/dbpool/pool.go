// Package dbpool builds the pgx connection pool whose connections always
// authenticate with the credential that is current at dial time, and the
// database/sql view the repositories use.
package dbpool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophtrust/internal/server/credentials"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// DefaultMaxIdleConns matches the database/sql default.
const DefaultMaxIdleConns = 2

// CredentialSource is satisfied by *credentials.Store.
type CredentialSource interface {
	GetCurrent(ctx context.Context) (credentials.DatabaseCredential, error)
}

// issuedFor reports whether a connection authenticated as user may still be
// handed out. An unavailable source fails closed.
func issuedFor(ctx context.Context, src CredentialSource, user string) bool {
	cred, err := src.GetCurrent(ctx)
	if err != nil {
		return false
	}
	return cred.Username == user
}

// Config parses dsn and installs hooks that take user and password from src
// when dialing and refuse to hand out a connection dialed under a previous
// username. The DSN itself should carry no credentials.
func Config(dsn string, src CredentialSource) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.BeforeConnect = func(ctx context.Context, cc *pgx.ConnConfig) error {
		cred, err := src.GetCurrent(ctx)
		if err != nil {
			return err
		}
		cc.User = cred.Username
		cc.Password = cred.Password
		return nil
	}
	cfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return issuedFor(ctx, src, conn.Config().User)
	}
	return cfg, nil
}

// New creates the pool. No connection is opened until first use.
func New(ctx context.Context, dsn string, src CredentialSource) (*pgxpool.Pool, error) {
	cfg, err := Config(dsn, src)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return pool, nil
}

// resetSession discards a database/sql connection dialed under a previous
// username when it is taken out of the idle list.
func resetSession(src CredentialSource) func(context.Context, *pgx.Conn) error {
	return func(ctx context.Context, conn *pgx.Conn) error {
		if !issuedFor(ctx, src, conn.Config().User) {
			return driver.ErrBadConn
		}
		return nil
	}
}

// OpenDB exposes the pool through database/sql for the repositories and
// goose. Closing the returned DB does not close the pool.
func OpenDB(pool *pgxpool.Pool, src CredentialSource) *sql.DB {
	db := stdlib.OpenDBFromPool(pool, stdlib.OptionResetSession(resetSession(src)))
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	return db
}

type resetter interface {
	Reset()
}

// Drainable clears both pooling layers. database/sql keeps pgx connections
// acquired while they sit in its idle list, so those are closed first and
// the pgx pool is reset afterwards. Implements credentials.Pool.
type Drainable struct {
	pool    resetter
	db      *sql.DB
	maxIdle int
	mu      sync.Mutex
}

func NewDrainable(pool *pgxpool.Pool, db *sql.DB) *Drainable {
	return newDrainable(pool, db, DefaultMaxIdleConns)
}

func newDrainable(pool resetter, db *sql.DB, maxIdle int) *Drainable {
	return &Drainable{pool: pool, db: db, maxIdle: maxIdle}
}

func (d *Drainable) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	// closes every idle database/sql connection, releasing its pgx conn
	d.db.SetMaxIdleConns(-1)
	d.db.SetMaxIdleConns(d.maxIdle)
	d.pool.Reset()
}
