package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/common"
	"github.com/dmitrijs2005/gophtrust/internal/filex"
	"github.com/dmitrijs2005/gophtrust/internal/logging"
	"golang.org/x/sync/semaphore"
)

const maxSecretSize = 64 << 10

// Store holds the current credential. Readers get a lock-free snapshot once
// the first load succeeded; loads and reloads are serialized by a
// single-slot semaphore.
type Store struct {
	path   string
	logger logging.Logger

	current atomic.Pointer[DatabaseCredential]
	state   atomic.Int32
	reload  *semaphore.Weighted

	mu   sync.Mutex
	subs map[*Subscription]struct{}

	readFile func(path string) ([]byte, error)
	now      func() time.Time
}

func NewStore(path string, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Store{
		path:   path,
		logger: logger.With("module", "credentials"),
		reload: semaphore.NewWeighted(1),
		subs:   make(map[*Subscription]struct{}),
		readFile: func(path string) ([]byte, error) {
			return filex.ReadLimited(path, maxSecretSize)
		},
		now: time.Now,
	}
}

func (s *Store) Path() string { return s.path }

func (s *Store) State() State { return State(s.state.Load()) }

func (s *Store) setState(st State) { s.state.Store(int32(st)) }

func (s *Store) compareAndSetState(old, st State) bool {
	return s.state.CompareAndSwap(int32(old), int32(st))
}

// Available reports whether a credential has been loaded.
func (s *Store) Available() bool { return s.current.Load() != nil }

// GetCurrent returns the active credential, loading it synchronously on
// first use. Concurrent first callers share a single load.
func (s *Store) GetCurrent(ctx context.Context) (DatabaseCredential, error) {
	if c := s.current.Load(); c != nil {
		return *c, nil
	}

	if err := s.reload.Acquire(ctx, 1); err != nil {
		return DatabaseCredential{}, err
	}
	defer s.reload.Release(1)

	if c := s.current.Load(); c != nil {
		return *c, nil
	}

	cred, err := s.load()
	if err != nil {
		s.logger.Warn(ctx, "database credential not available", "path", s.path, "error", err)
		return DatabaseCredential{}, fmt.Errorf("%w: %w", common.ErrCredentialsUnavailable, err)
	}

	s.current.Store(&cred)
	s.setState(Loaded)
	s.logger.Info(ctx, "database credential loaded", "credential", cred)
	return cred, nil
}

// Reload rereads the secret file. A read or decode failure keeps the
// previous credential. rotated is true when the username changed, in which
// case every subscriber is notified.
func (s *Store) Reload(ctx context.Context) (bool, error) {
	if err := s.reload.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer s.reload.Release(1)

	cred, err := s.load()
	if err != nil {
		s.logger.Warn(ctx, "credential reload failed, keeping previous", "path", s.path, "error", err)
		return false, err
	}

	prev := s.current.Swap(&cred)
	if prev == nil {
		s.setState(Loaded)
		s.logger.Info(ctx, "database credential loaded", "credential", cred)
		return false, nil
	}
	if prev.Username == cred.Username {
		s.logger.Debug(ctx, "database credential refreshed", "credential", cred)
		return false, nil
	}

	s.setState(RotationInFlight)
	s.logger.Info(ctx, "database credential rotated",
		"previous_username", prev.Username, "credential", cred)
	s.publish(cred)
	return true, nil
}

func (s *Store) load() (DatabaseCredential, error) {
	data, err := s.readFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DatabaseCredential{}, fmt.Errorf("secret file %s not found", s.path)
		}
		return DatabaseCredential{}, err
	}
	defer common.WipeByteArray(data)

	return decodeCredential(data, s.now())
}

// Subscription delivers rotated credentials. The channel holds one value;
// when the consumer lags only the newest credential is kept.
type Subscription struct {
	C <-chan DatabaseCredential

	ch    chan DatabaseCredential
	store *Store
	once  sync.Once
}

// Subscribe registers for rotation notifications. Close the subscription on
// shutdown.
func (s *Store) Subscribe() *Subscription {
	ch := make(chan DatabaseCredential, 1)
	sub := &Subscription{C: ch, ch: ch, store: s}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// Close unregisters the subscription and closes C. Safe to call twice.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subs, sub)
		close(sub.ch)
		sub.store.mu.Unlock()
	})
}

func (s *Store) publish(cred DatabaseCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		select {
		case sub.ch <- cred:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- cred:
		default:
		}
	}
}
