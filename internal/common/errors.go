// Package common defines shared constants and sentinel errors used across
// gophtrust components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Token lifecycle errors.
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// Refresh token family errors. ErrFamilyRevoked is terminal: the caller
	// must force re-authentication.
	ErrFamilyRevoked = errors.New("token family revoked")
	ErrTokenReuse    = errors.New("refresh token reuse detected")

	// ErrStorageUnavailable is returned when the shared store cannot be
	// consulted. Operations that see it must fail closed.
	ErrStorageUnavailable = errors.New("shared storage unavailable")

	// ErrCredentialsUnavailable means the database secret has not been
	// delivered yet. Retryable.
	ErrCredentialsUnavailable = errors.New("database credentials unavailable")

	// ErrEnumeration aborts a whole migration run.
	ErrEnumeration = errors.New("user enumeration failed")
)
