// Package server wires the gophtrust service together: rotating database
// credentials, the credential-driven pool, repositories, the token family
// tracker, the session service and the admin gRPC endpoint.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/common"
	"github.com/dmitrijs2005/gophtrust/internal/dbx"
	"github.com/dmitrijs2005/gophtrust/internal/logging"
	"github.com/dmitrijs2005/gophtrust/internal/server/config"
	"github.com/dmitrijs2005/gophtrust/internal/server/credentials"
	"github.com/dmitrijs2005/gophtrust/internal/server/dbpool"
	"github.com/dmitrijs2005/gophtrust/internal/server/issuer"
	"github.com/dmitrijs2005/gophtrust/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophtrust/internal/server/services"
	"github.com/dmitrijs2005/gophtrust/internal/server/telemetry"
	"github.com/dmitrijs2005/gophtrust/internal/server/tokenfamily"
	"github.com/jackc/pgx/v5/pgxpool"

	gs "github.com/dmitrijs2005/gophtrust/internal/server/grpc"
)

const (
	sweepInterval          = time.Minute
	credentialWaitInterval = time.Second
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	creds       *credentials.Store
	pool        *pgxpool.Pool
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	sessions    *services.SessionService
	classifier  *issuer.Classifier
	shutdown    func(context.Context) error
}

func NewApp(c *config.Config) (*App, error) {

	logger := logging.NewJSONLogger(os.Stdout, slog.LevelInfo)
	ctx := context.Background()

	shutdown, err := telemetry.Setup(ctx, "gophtrust", c.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("telemetry init error: %w", err)
	}

	creds := credentials.NewStore(c.DatabaseSecretPath, logger)

	pool, err := dbpool.New(ctx, c.DatabaseDSN, creds)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("db init error: %w", err)
	}
	db := dbpool.OpenDB(pool, creds)

	rm := repomanager.NewPostgresRepositoryManager()
	tracker := tokenfamily.NewTracker(rm.KV(db), c.KVKeyPrefix, logger)
	recorder := telemetry.NewRecorder(telemetry.DefaultWindow)

	return &App{
		config:      c,
		logger:      logger,
		creds:       creds,
		pool:        pool,
		db:          db,
		repomanager: rm,
		sessions:    services.NewSessionService(db, rm, tracker, c, recorder, logger),
		classifier:  issuer.New(c.ExternalIdPBaseURL, c.ExternalIdPRealm, c.LegacyIssuer),
		shutdown:    shutdown,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// initDrainSignal drains connections of the current credential on SIGHUP,
// for operators who revoked a lease out of band.
func (app *App) initDrainSignal(ctx context.Context, drainer *credentials.Drainer) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				app.manualDrain(ctx, drainer)
			}
		}
	}()
}

func (app *App) manualDrain(ctx context.Context, drainer *credentials.Drainer) {
	cred, err := app.creds.GetCurrent(ctx)
	if err != nil {
		app.logger.Warn(ctx, "manual drain skipped", "error", err)
		return
	}
	app.logger.Info(ctx, "manual drain requested", "username", cred.Username)
	if err := drainer.DrainOldConnections(ctx, cred.Username); err != nil && !errors.Is(err, context.Canceled) {
		app.logger.Error(ctx, "manual drain failed", "error", err)
	}
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.classifier, app.sessions, app.creds)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// waitForCredentials blocks until the secret file has been loaded once.
func (app *App) waitForCredentials(ctx context.Context) error {
	t := time.NewTicker(credentialWaitInterval)
	defer t.Stop()
	for {
		_, err := app.creds.GetCurrent(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, common.ErrCredentialsUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (app *App) migrate(ctx context.Context) error {
	if err := app.waitForCredentials(ctx); err != nil {
		return err
	}
	if err := app.repomanager.RunMigrations(ctx, app.db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	app.logger.Info(ctx, "database ready")
	return nil
}

// sweep removes expired shared-store entries and refresh token rows in one
// transaction.
func (app *App) sweep(ctx context.Context) {
	if !app.creds.Available() {
		return
	}
	var kvRemoved, tokensRemoved int64
	err := dbx.WithTx(ctx, app.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		if kvRemoved, err = app.repomanager.KV(tx).PurgeExpired(ctx); err != nil {
			return fmt.Errorf("kv purge: %w", err)
		}
		if tokensRemoved, err = app.repomanager.RefreshTokens(tx).DeleteExpired(ctx); err != nil {
			return fmt.Errorf("refresh token purge: %w", err)
		}
		return nil
	})
	if err != nil {
		app.logger.Error(ctx, "sweep failed", "error", err)
		return
	}
	if kvRemoved > 0 || tokensRemoved > 0 {
		app.logger.Debug(ctx, "sweep", "kv_removed", kvRemoved, "refresh_tokens_removed", tokensRemoved)
	}
}

func (app *App) runSweeper(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			app.sweep(ctx)
		}
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	if _, err := app.creds.GetCurrent(ctx); err != nil {
		app.logger.Warn(ctx, "database credentials not loaded yet", "path", app.creds.Path(), "error", err)
	}

	sub := app.creds.Subscribe()
	drainer := credentials.NewDrainer(app.creds, dbpool.NewDrainable(app.pool, app.db), app.logger)
	watcher := credentials.NewWatcher(app.creds.Path(), app.creds, app.logger)
	app.initDrainSignal(ctx, drainer)

	var wg sync.WaitGroup

	wg.Go(func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error(ctx, "credential watcher stopped", "error", err)
		}
	})

	wg.Go(func() {
		drainer.Run(ctx, sub)
	})

	wg.Go(func() {
		if err := app.migrate(ctx); err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error(ctx, err.Error())
			cancelFunc()
		}
	})

	wg.Go(func() {
		app.runSweeper(ctx)
	})

	wg.Go(func() {
		app.startGRPCServer(ctx, cancelFunc)
	})

	wg.Wait()

	sub.Close()
	app.pool.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.shutdown(shutdownCtx); err != nil {
		app.logger.Error(shutdownCtx, "telemetry shutdown", "error", err)
	}
	app.logger.Info(shutdownCtx, "App stopped")
}
