// Package tokenfamily tracks lineages of rotating refresh tokens in the
// shared key-value store and revokes a whole lineage when a superseded token
// is replayed.
//
// Callers refreshing a token must follow this order:
//
//  1. IsRevoked: reject when true.
//  2. IsLatest: when false the presented token was already rotated away, so
//     call RevokeFamily and reject the request.
//  3. Issue the new token and Register it under the same family id.
//
// Every store failure surfaces as common.ErrStorageUnavailable and must fail
// the caller closed.
package tokenfamily

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/common"
	"github.com/dmitrijs2005/gophtrust/internal/logging"
	"github.com/dmitrijs2005/gophtrust/internal/server/repositories/kv"
	"github.com/google/uuid"
)

const revokedMarker = "1"

type Tracker struct {
	store  kv.Store
	prefix string
	logger logging.Logger
	newID  func() string
}

// NewTracker builds a tracker whose keys are namespaced by prefix.
func NewTracker(store kv.Store, prefix string, logger logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Tracker{
		store:  store,
		prefix: prefix,
		logger: logger.With("module", "tokenfamily"),
		newID:  uuid.NewString,
	}
}

func (t *Tracker) tokensKey(familyID string) string {
	return t.prefix + "family:" + familyID + ":tokens"
}

func (t *Tracker) latestKey(familyID string) string {
	return t.prefix + "family:" + familyID + ":latest"
}

func (t *Tracker) revokedKey(familyID string) string {
	return t.prefix + "family:" + familyID + ":revoked"
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, common.ErrStorageUnavailable, err)
}

// Register appends token to the family and makes it the latest one. An empty
// familyID starts a new family. The returned sequence number is the 1-based
// position of token in the family.
func (t *Tracker) Register(ctx context.Context, token string, ttl time.Duration, familyID string) (string, int64, error) {
	if familyID == "" {
		familyID = t.newID()
	} else {
		revoked, err := t.IsRevoked(ctx, familyID)
		if err != nil {
			return "", 0, err
		}
		if revoked {
			return "", 0, common.ErrFamilyRevoked
		}
	}

	seq, err := t.store.Append(ctx, t.tokensKey(familyID), token, ttl)
	if err != nil {
		return "", 0, storageErr("append token", err)
	}
	if err := t.store.Set(ctx, t.latestKey(familyID), token, ttl); err != nil {
		return "", 0, storageErr("set latest", err)
	}

	// A revocation may have landed between the first check and the latest
	// pointer update. RevokeFamily writes the marker before deleting latest,
	// so checking again here is enough to never leave a live pointer behind.
	revoked, err := t.IsRevoked(ctx, familyID)
	if err != nil {
		return "", 0, err
	}
	if revoked {
		if err := t.store.Delete(ctx, t.latestKey(familyID)); err != nil {
			return "", 0, storageErr("undo latest", err)
		}
		return "", 0, common.ErrFamilyRevoked
	}

	t.logger.Debug(ctx, "refresh token registered", "family_id", familyID, "seq", seq)
	return familyID, seq, nil
}

// IsLatest reports whether token is the current head of the family. A
// revoked or unknown family has no head.
func (t *Tracker) IsLatest(ctx context.Context, familyID, token string) (bool, error) {
	latest, ok, err := t.store.Get(ctx, t.latestKey(familyID))
	if err != nil {
		return false, storageErr("get latest", err)
	}
	if !ok {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(latest), []byte(token)) == 1, nil
}

func (t *Tracker) IsRevoked(ctx context.Context, familyID string) (bool, error) {
	_, ok, err := t.store.Get(ctx, t.revokedKey(familyID))
	if err != nil {
		return false, storageErr("get revoked", err)
	}
	return ok, nil
}

// RevokeFamily marks the family revoked for ttl, removes its latest pointer
// and returns every token ever issued in it. Only the first revoker logs the
// detection; later calls are idempotent.
func (t *Tracker) RevokeFamily(ctx context.Context, familyID string, ttl time.Duration) ([]string, error) {
	first, err := t.store.SetNX(ctx, t.revokedKey(familyID), revokedMarker, ttl)
	if err != nil {
		return nil, storageErr("set revoked", err)
	}

	tokens, err := t.store.List(ctx, t.tokensKey(familyID))
	if err != nil {
		return nil, storageErr("list tokens", err)
	}
	if err := t.store.Expire(ctx, t.tokensKey(familyID), ttl); err != nil {
		return nil, storageErr("expire tokens", err)
	}
	if err := t.store.Delete(ctx, t.latestKey(familyID)); err != nil {
		return nil, storageErr("delete latest", err)
	}

	if first {
		t.logger.Warn(ctx, "refresh token family revoked", "family_id", familyID, "tokens", len(tokens))
	}
	return tokens, nil
}
