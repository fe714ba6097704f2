package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/logging"
)

const (
	DefaultRotationGrace = 30 * time.Second
	DefaultManualGrace   = 10 * time.Second
)

// Pool is the part of a connection pool the drainer needs. Reset must close
// idle connections at once and in-use ones when they are released.
type Pool interface {
	Reset()
}

// Drainer clears the pool after a credential change and holds the store in
// DrainGrace while connections opened under the old credential finish.
// Overlapping drains share one grace period that ends at the latest
// deadline.
type Drainer struct {
	store         *Store
	pool          Pool
	logger        logging.Logger
	rotationGrace time.Duration
	manualGrace   time.Duration

	mu       sync.Mutex
	deadline time.Time
}

type DrainerOption func(*Drainer)

func WithRotationGrace(d time.Duration) DrainerOption {
	return func(dr *Drainer) { dr.rotationGrace = d }
}

func WithManualGrace(d time.Duration) DrainerOption {
	return func(dr *Drainer) { dr.manualGrace = d }
}

func NewDrainer(store *Store, pool Pool, logger logging.Logger, opts ...DrainerOption) *Drainer {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	d := &Drainer{
		store:         store,
		pool:          pool,
		logger:        logger.With("module", "credentials.drainer"),
		rotationGrace: DefaultRotationGrace,
		manualGrace:   DefaultManualGrace,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drains on every rotation delivered by sub until ctx is done or sub is
// closed. A rotation arriving during a grace window clears the pool at once
// and restarts the window.
func (d *Drainer) Run(ctx context.Context, sub *Subscription) {
	timer := time.NewTimer(d.rotationGrace)
	timer.Stop()
	defer timer.Stop()

	var username string
	for {
		select {
		case <-ctx.Done():
			return
		case cred, ok := <-sub.C:
			if !ok {
				return
			}
			username = cred.Username
			d.begin(ctx, username, d.rotationGrace, "rotation")
			timer.Reset(d.rotationGrace)
		case <-timer.C:
			d.end(ctx, username, "rotation")
		}
	}
}

// DrainOldConnections is the operator path, independent of rotation. It
// uses the shorter manual grace window and blocks until it ends.
func (d *Drainer) DrainOldConnections(ctx context.Context, username string) error {
	d.begin(ctx, username, d.manualGrace, "manual")

	t := time.NewTimer(d.manualGrace)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	d.end(ctx, username, "manual")
	return nil
}

func (d *Drainer) begin(ctx context.Context, username string, grace time.Duration, reason string) {
	d.mu.Lock()
	if dl := time.Now().Add(grace); dl.After(d.deadline) {
		d.deadline = dl
	}
	d.pool.Reset()
	d.store.setState(DrainGrace)
	d.mu.Unlock()

	d.logger.Info(ctx, "connection pool cleared", "username", username, "reason", reason, "grace", grace)
}

// end leaves DrainGrace once no other drain extends the window. A rotation
// that started after the grace began keeps its own state.
func (d *Drainer) end(ctx context.Context, username, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if time.Now().Before(d.deadline) {
		return
	}
	if d.store.compareAndSetState(DrainGrace, Loaded) {
		d.logger.Info(ctx, "connection drain complete", "username", username, "reason", reason)
	}
}
