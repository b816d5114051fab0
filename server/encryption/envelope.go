package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the length of a vault key and of a hashed password.
	KeySize = 32

	// NonceSize is the secretbox nonce length.
	NonceSize = 24

	// SaltSize matches libsodium's crypto_pwhash_SALTBYTES.
	SaltSize = 16

	// Argon2id parameters equivalent to libsodium's INTERACTIVE limits.
	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 1
)

var (
	// ErrInvalidHashedPassword is returned when a hashed password is not the
	// hex encoding of a 32-byte key.
	ErrInvalidHashedPassword = errors.New("hashed password must be 32 hex-encoded bytes")

	// ErrInvalidKey is returned when a vault key is not the base64 encoding
	// of a 32-byte key.
	ErrInvalidKey = errors.New("vault key must be 32 base64-encoded bytes")

	// ErrInvalidSalt is returned when a salt does not decode to SaltSize bytes.
	ErrInvalidSalt = errors.New("salt must be 16 base64-encoded bytes")
)

// HashedPassword is the result of deriving a key from a password with a
// fresh salt.
type HashedPassword struct {
	HashedPassword string `json:"hashedPassword"` // hex
	Salt           string `json:"salt"`           // base64
}

// SealedKey is a vault key encrypted under a hashed password.
type SealedKey struct {
	Ciphertext string `json:"ciphertext"` // base64
	Nonce      string `json:"nonce"`      // base64
}

// GeneratedKey is a freshly generated vault key together with its sealed
// form.
type GeneratedKey struct {
	SealedKey
	EncryptionKey string `json:"encryptionKey"` // base64
}

// CreatedVaultKey is returned by EncryptVaultKey.
type CreatedVaultKey struct {
	SealedKey
	Salt          string `json:"salt"`
	DecryptionKey string `json:"decryptionKey"`
}

// UnsealResult is the outcome of DecryptVaultKey. Authentication failures
// are reported through the tag rather than as an error.
type UnsealResult struct {
	key string
	ok  bool
}

// Key returns the base64 vault key and whether decryption succeeded.
func (r UnsealResult) Key() (string, bool) {
	return r.key, r.ok
}

// OK reports whether decryption succeeded.
func (r UnsealResult) OK() bool {
	return r.ok
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, errors.Wrap(err, "failed to read random bytes")
	}
	return buf, nil
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeySize)
}

// HashPassword derives a 32-byte key from password with a random salt.
// Empty passwords are accepted.
func HashPassword(password string) (*HashedPassword, error) {
	salt, err := randomBytes(SaltSize)
	if err != nil {
		return nil, err
	}
	key := deriveKey(password, salt)
	defer zero(key)
	return &HashedPassword{
		HashedPassword: hex.EncodeToString(key),
		Salt:           base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// GetDecryptionKey re-derives the hashed password for a known salt.
func GetDecryptionKey(password, salt string) (string, error) {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil || len(rawSalt) != SaltSize {
		return "", ErrInvalidSalt
	}
	key := deriveKey(password, rawSalt)
	defer zero(key)
	return hex.EncodeToString(key), nil
}

func decodeHashedPassword(hashedPassword string) (*[KeySize]byte, error) {
	raw, err := hex.DecodeString(hashedPassword)
	if err != nil || len(raw) != KeySize {
		return nil, ErrInvalidHashedPassword
	}
	var key [KeySize]byte
	copy(key[:], raw)
	zero(raw)
	return &key, nil
}

func seal(plaintext []byte, key *[KeySize]byte) (*SealedKey, error) {
	nonceBytes, err := randomBytes(NonceSize)
	if err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	copy(nonce[:], nonceBytes)
	ciphertext := secretbox.Seal(nil, plaintext, &nonce, key)
	return &SealedKey{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
	}, nil
}

// EncryptVaultWithKey seals an existing base64 vault key under a hashed
// password.
func EncryptVaultWithKey(hashedPassword, key string) (*SealedKey, error) {
	secret, err := decodeHashedPassword(hashedPassword)
	if err != nil {
		return nil, err
	}
	defer zero(secret[:])
	rawKey, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(rawKey) != KeySize {
		return nil, ErrInvalidKey
	}
	defer zero(rawKey)
	return seal(rawKey, secret)
}

// EncryptVaultKeyWithHashedPassword generates a new vault key and seals it
// under a hashed password. The plaintext key is returned as well so the
// caller can open the store it protects.
func EncryptVaultKeyWithHashedPassword(hashedPassword string) (*GeneratedKey, error) {
	secret, err := decodeHashedPassword(hashedPassword)
	if err != nil {
		return nil, err
	}
	defer zero(secret[:])
	key, err := randomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	defer zero(key)
	sealed, err := seal(key, secret)
	if err != nil {
		return nil, err
	}
	return &GeneratedKey{
		SealedKey:     *sealed,
		EncryptionKey: base64.StdEncoding.EncodeToString(key),
	}, nil
}

// EncryptVaultKey creates a vault key for a new vault in one step: a salt is
// generated, the password is hashed, and a fresh vault key is sealed.
func EncryptVaultKey(password string) (*CreatedVaultKey, error) {
	hashed, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	generated, err := EncryptVaultKeyWithHashedPassword(hashed.HashedPassword)
	if err != nil {
		return nil, err
	}
	return &CreatedVaultKey{
		SealedKey:     generated.SealedKey,
		Salt:          hashed.Salt,
		DecryptionKey: hashed.HashedPassword,
	}, nil
}

// DecryptVaultKey opens a sealed vault key. Any failure, including
// malformed input, yields a result whose OK method returns false.
func DecryptVaultKey(sealed SealedKey, hashedPassword string) UnsealResult {
	secret, err := decodeHashedPassword(hashedPassword)
	if err != nil {
		return UnsealResult{}
	}
	defer zero(secret[:])
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil || len(ciphertext) < secretbox.Overhead {
		return UnsealResult{}
	}
	rawNonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil || len(rawNonce) != NonceSize {
		return UnsealResult{}
	}
	var nonce [NonceSize]byte
	copy(nonce[:], rawNonce)
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, secret)
	if !ok {
		return UnsealResult{}
	}
	defer zero(plaintext)
	return UnsealResult{key: base64.StdEncoding.EncodeToString(plaintext), ok: true}
}

// zero overwrites b with zeros.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
