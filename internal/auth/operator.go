package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyHashIterations = 210_000
	keyHashSaltLength = 16
	keyHashKeyLength  = 32
	hashPrefix        = "pbkdf2$sha256$"
)

// ErrInvalidKey marks a presented operator key that does not match the
// configured one.
var ErrInvalidKey = errors.New("invalid operator key")

// OperatorGuard authorizes administrative requests against a single operator
// key. The key is held only as a PBKDF2 hash; operators may configure either
// the raw key or a pre-computed hash.
type OperatorGuard struct {
	hash string
}

// NewOperatorGuard accepts either a raw operator key or a pbkdf2$sha256$
// encoded hash of one. An empty secret yields a disabled guard that rejects
// every request, so admin surfaces fail closed when unconfigured.
func NewOperatorGuard(secret string) (*OperatorGuard, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &OperatorGuard{}, nil
	}
	if strings.HasPrefix(secret, hashPrefix) {
		if err := validateHash(secret); err != nil {
			return nil, err
		}
		return &OperatorGuard{hash: secret}, nil
	}
	hash, err := HashOperatorKey(secret)
	if err != nil {
		return nil, err
	}
	return &OperatorGuard{hash: hash}, nil
}

// Enabled reports whether an operator key is configured.
func (g *OperatorGuard) Enabled() bool {
	return g != nil && g.hash != ""
}

// Authorize verifies a presented key. A disabled guard rejects everything.
func (g *OperatorGuard) Authorize(candidate string) error {
	if !g.Enabled() {
		return fmt.Errorf("%w: no operator key configured", ErrInvalidKey)
	}
	return VerifyOperatorKey(g.hash, candidate)
}

// HashOperatorKey derives a salted PBKDF2 hash in the encoded form
// pbkdf2$sha256$<iterations>$<salt>$<key>.
func HashOperatorKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("operator key is required")
	}
	salt := make([]byte, keyHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(key), salt, keyHashIterations, keyHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", keyHashIterations, encodedSalt, encodedKey), nil
}

// VerifyOperatorKey checks a candidate against an encoded hash in constant
// time.
func VerifyOperatorKey(hash, candidate string) error {
	iterations, salt, storedKey, err := decodeHash(hash)
	if err != nil {
		return err
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidKey
	}
	return nil
}

func validateHash(hash string) error {
	_, _, _, err := decodeHash(hash)
	return err
}

func decodeHash(hash string) (iterations int, salt, key []byte, err error) {
	parts := strings.Split(hash, "$")
	if len(parts) != 5 {
		return 0, nil, nil, fmt.Errorf("verify operator key: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return 0, nil, nil, fmt.Errorf("verify operator key: unsupported hash identifier")
	}
	iterations, err = strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return 0, nil, nil, fmt.Errorf("verify operator key: invalid iteration count")
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("verify operator key: decode salt: %w", err)
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("verify operator key: decode hash: %w", err)
	}
	return iterations, salt, key, nil
}
