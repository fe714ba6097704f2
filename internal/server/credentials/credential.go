// Package credentials keeps the live database credential that an external
// agent periodically rewrites on disk, and reacts to rotations by draining
// the connection pool.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DatabaseCredential is an immutable snapshot. The store replaces it as a
// whole and never mutates a published value.
type DatabaseCredential struct {
	Username      string
	Password      string
	LeaseID       string
	LeaseDuration time.Duration
	Renewable     bool
	LoadedAt      time.Time
}

// LogValue keeps the password out of structured logs.
func (c DatabaseCredential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("lease_id", c.LeaseID),
		slog.Duration("lease_duration", c.LeaseDuration),
		slog.Bool("renewable", c.Renewable),
	)
}

// secretDocument is the file layout written by the secret agent. Field
// names are matched case-insensitively by encoding/json.
type secretDocument struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	LeaseID       string `json:"lease_id"`
	LeaseDuration int64  `json:"lease_duration"`
	Renewable     bool   `json:"renewable"`
}

var errEmptyUsername = errors.New("secret has no username")

func decodeCredential(data []byte, loadedAt time.Time) (DatabaseCredential, error) {
	var doc secretDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return DatabaseCredential{}, fmt.Errorf("decode secret: %w", err)
	}
	if doc.Username == "" {
		return DatabaseCredential{}, errEmptyUsername
	}
	return DatabaseCredential{
		Username:      doc.Username,
		Password:      doc.Password,
		LeaseID:       doc.LeaseID,
		LeaseDuration: time.Duration(doc.LeaseDuration) * time.Second,
		Renewable:     doc.Renewable,
		LoadedAt:      loadedAt,
	}, nil
}

type State int32

const (
	Uninitialized State = iota
	Loaded
	RotationInFlight
	DrainGrace
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loaded:
		return "loaded"
	case RotationInFlight:
		return "rotation_in_flight"
	case DrainGrace:
		return "drain_grace"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
