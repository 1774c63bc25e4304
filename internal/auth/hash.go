package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16

	// hashPrefix marks a configured access key as an Argon2id hash rather than plaintext.
	hashPrefix = "argon2id$"
)

// HashAccessKey hashes an access key using Argon2id. The result has the form
// argon2id$<salt>$<hash> and can be configured in place of the plaintext key.
func HashAccessKey(key string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return hashPrefix + base64.StdEncoding.EncodeToString(salt) + "$" +
		base64.StdEncoding.EncodeToString(hash), nil
}

// IsHashedKey reports whether encoded is in HashAccessKey's format.
func IsHashedKey(encoded string) bool {
	return strings.HasPrefix(encoded, hashPrefix)
}

// DummyVerify performs an Argon2id hash with the same cost parameters as real
// verification. Call this on rejection paths where no real hash was checked,
// so that response timing does not reveal which credential was missing.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyAccessKey checks a key against an Argon2id hash from HashAccessKey.
func VerifyAccessKey(key, encoded string) (bool, error) {
	parts := strings.SplitN(strings.TrimPrefix(encoded, hashPrefix), "$", 2)
	if !IsHashedKey(encoded) || len(parts) != 2 {
		return false, fmt.Errorf("auth: invalid hash format")
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}

	expectedHash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	computedHash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1, nil
}
