package api

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Authenticator verifies the admin credentials presented on a request.
// Kept as an interface so handlers can be tested against a stub instead of
// a real Argon2 hash.
type Authenticator interface {
	// Authenticate reports whether user/pass are the configured admin
	// credentials.
	Authenticate(user, pass string) bool
}

// argon2Params are the tuning parameters used both to hash and to verify.
// They must match whatever produced the stored hash; HashPassword below
// always uses these.
var argon2Params = struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
}{Time: 1, Memory: 64 * 1024, Threads: 4, KeyLen: 32}

// BasicAuthenticator checks HTTP Basic credentials against a single admin
// username and an Argon2id password hash, in the PHC string format
// produced by HashPassword.
type BasicAuthenticator struct {
	user string
	salt []byte
	hash []byte
}

// NewBasicAuthenticator parses an encoded Argon2id hash (as produced by
// HashPassword) for the given admin user.
func NewBasicAuthenticator(user, encodedHash string) (*BasicAuthenticator, error) {
	salt, hash, err := decodeHash(encodedHash)
	if err != nil {
		return nil, fmt.Errorf("parse admin password hash: %w", err)
	}
	return &BasicAuthenticator{user: user, salt: salt, hash: hash}, nil
}

func (a *BasicAuthenticator) Authenticate(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.user)) != 1 {
		return false
	}
	candidate := argon2.IDKey([]byte(pass), a.salt, argon2Params.Time, argon2Params.Memory, argon2Params.Threads, argon2Params.KeyLen)
	return subtle.ConstantTimeCompare(candidate, a.hash) == 1
}

// HashPassword produces an encoded Argon2id hash suitable for
// LAPS_ADMIN_PASSWORD_HASH from password and the caller-supplied salt.
func HashPassword(password string, salt []byte) string {
	hash := argon2.IDKey([]byte(password), salt, argon2Params.Time, argon2Params.Memory, argon2Params.Threads, argon2Params.KeyLen)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argon2Params.Memory, argon2Params.Time, argon2Params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
}

func decodeHash(encoded string) (salt, hash []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, errors.New("not a valid argon2id hash")
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, fmt.Errorf("decode hash: %w", err)
	}
	return salt, hash, nil
}
