package application

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrInvalidPasswordHash is returned for stored hashes not in the
	// $argon2id$ encoding.
	ErrInvalidPasswordHash = errors.New("invalid password hash format")
	// ErrIncompatiblePasswordVersion is returned for hashes written by
	// another argon2 version.
	ErrIncompatiblePasswordVersion = errors.New("incompatible password hash version")
)

// Argon2idParams tunes password hashing. Tests use tiny values.
type Argon2idParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

var DefaultArgon2idParams = Argon2idParams{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

// CreatePasswordHash hashes password with a fresh random salt and encodes
// the result as $argon2id$v=19$m=...,t=...,p=...$salt$hash.
func CreatePasswordHash(password string, params Argon2idParams) (string, error) {
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, params.Memory, params.Iterations, params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// decodedHash is a stored hash split into its parts.
type decodedHash struct {
	params Argon2idParams
	salt   []byte
	key    []byte
}

// ParsePasswordHash checks that encoded is a well formed argon2id hash and
// returns the parameters it was created with.
func ParsePasswordHash(encoded string) (Argon2idParams, error) {
	d, err := decodePasswordHash(encoded)
	if err != nil {
		return Argon2idParams{}, err
	}
	return d.params, nil
}

func decodePasswordHash(encoded string) (decodedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return decodedHash{}, ErrInvalidPasswordHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return decodedHash{}, fmt.Errorf("%w: %v", ErrInvalidPasswordHash, err)
	}
	if version != argon2.Version {
		return decodedHash{}, ErrIncompatiblePasswordVersion
	}

	var d decodedHash
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &d.params.Memory, &d.params.Iterations, &d.params.Parallelism); err != nil {
		return decodedHash{}, fmt.Errorf("%w: %v", ErrInvalidPasswordHash, err)
	}
	var err error
	if d.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return decodedHash{}, fmt.Errorf("%w: salt: %v", ErrInvalidPasswordHash, err)
	}
	if d.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return decodedHash{}, fmt.Errorf("%w: key: %v", ErrInvalidPasswordHash, err)
	}
	d.params.SaltLength = uint32(len(d.salt))
	d.params.KeyLength = uint32(len(d.key))
	return d, nil
}

// VerifyPassword reports ErrInvalidCredentials when password does not match
// hashedPassword.
func VerifyPassword(hashedPassword, password string) error {
	d, err := decodePasswordHash(hashedPassword)
	if err != nil {
		return err
	}
	p := d.params
	candidate := argon2.IDKey([]byte(password), d.salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
	if subtle.ConstantTimeCompare(d.key, candidate) == 1 {
		return nil
	}
	return ErrInvalidCredentials
}
