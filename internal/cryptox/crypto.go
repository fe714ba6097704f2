// Package cryptox holds the key derivation used by legacy password login.
// Clients derive the same verifier locally, so the parameters below must
// never change for existing users.
package cryptox

import (
	"crypto/sha256"

	"github.com/dmitrijs2005/gophtrust/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
)

func MakeVerifier(masterKey []byte) []byte {
	hash := sha256.Sum256(masterKey)
	return hash[:]
}

func DeriveMasterKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, keyLen)
}

// DeriveVerifier computes the stored verifier for password and salt. The
// intermediate master key is wiped before returning.
func DeriveVerifier(password []byte, salt []byte) []byte {
	key := DeriveMasterKey(password, salt)
	defer common.WipeByteArray(key)
	return MakeVerifier(key)
}
