package encryption

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/secretbox"
)

// Ensure HashPassword produces a 32-byte hex key and a 16-byte base64 salt.
func TestHashPassword(t *testing.T) {
	for _, password := range []string{"mySuperSecretPassword", ""} {
		result, err := HashPassword(password)
		require.NoError(t, err)

		key, err := hex.DecodeString(result.HashedPassword)
		require.NoError(t, err)
		require.Len(t, key, KeySize)
		require.Len(t, result.HashedPassword, KeySize*2)

		salt, err := base64.StdEncoding.DecodeString(result.Salt)
		require.NoError(t, err)
		require.Len(t, salt, SaltSize)
	}
}

// Ensure two hashes of the same password differ by salt and output.
func TestHashPasswordFreshSalt(t *testing.T) {
	a, err := HashPassword("pw")
	require.NoError(t, err)
	b, err := HashPassword("pw")
	require.NoError(t, err)
	require.NotEqual(t, a.Salt, b.Salt)
	require.NotEqual(t, a.HashedPassword, b.HashedPassword)
}

// Ensure GetDecryptionKey reproduces the hash for the same salt.
func TestGetDecryptionKeyDeterministic(t *testing.T) {
	hashed, err := HashPassword("correct horse")
	require.NoError(t, err)

	key, err := GetDecryptionKey("correct horse", hashed.Salt)
	require.NoError(t, err)
	require.Equal(t, hashed.HashedPassword, key)

	other, err := GetDecryptionKey("wrong horse", hashed.Salt)
	require.NoError(t, err)
	require.NotEqual(t, hashed.HashedPassword, other)
}

func TestGetDecryptionKeyBadSalt(t *testing.T) {
	_, err := GetDecryptionKey("pw", "not base64!")
	require.Equal(t, ErrInvalidSalt, err)

	_, err = GetDecryptionKey("pw", base64.StdEncoding.EncodeToString([]byte("short")))
	require.Equal(t, ErrInvalidSalt, err)
}

// Ensure a generated key round-trips through seal and open.
func TestEncryptVaultKeyWithHashedPasswordRoundTrip(t *testing.T) {
	hashed, err := HashPassword("pw")
	require.NoError(t, err)

	generated, err := EncryptVaultKeyWithHashedPassword(hashed.HashedPassword)
	require.NoError(t, err)

	ciphertext, err := base64.StdEncoding.DecodeString(generated.Ciphertext)
	require.NoError(t, err)
	require.Len(t, ciphertext, KeySize+secretbox.Overhead)

	nonce, err := base64.StdEncoding.DecodeString(generated.Nonce)
	require.NoError(t, err)
	require.Len(t, nonce, NonceSize)

	result := DecryptVaultKey(generated.SealedKey, hashed.HashedPassword)
	key, ok := result.Key()
	require.True(t, ok)
	require.Equal(t, generated.EncryptionKey, key)
}

// Ensure an existing key can be re-sealed and recovered.
func TestEncryptVaultWithKeyRoundTrip(t *testing.T) {
	hashed, err := HashPassword("pw")
	require.NoError(t, err)
	raw := make([]byte, KeySize)
	for i := range raw {
		raw[i] = byte(i)
	}
	key := base64.StdEncoding.EncodeToString(raw)

	sealed, err := EncryptVaultWithKey(hashed.HashedPassword, key)
	require.NoError(t, err)

	result := DecryptVaultKey(*sealed, hashed.HashedPassword)
	got, ok := result.Key()
	require.True(t, ok)
	require.Equal(t, key, got)
}

func TestEncryptVaultWithKeyInvalidInput(t *testing.T) {
	hashed, err := HashPassword("pw")
	require.NoError(t, err)

	_, err = EncryptVaultWithKey("zz", base64.StdEncoding.EncodeToString(make([]byte, KeySize)))
	require.Equal(t, ErrInvalidHashedPassword, err)

	_, err = EncryptVaultWithKey(hashed.HashedPassword, base64.StdEncoding.EncodeToString([]byte("short")))
	require.Equal(t, ErrInvalidKey, err)
}

// Ensure a wrong password fails closed without an error or key material.
func TestDecryptVaultKeyWrongPassword(t *testing.T) {
	right, err := HashPassword("right")
	require.NoError(t, err)
	wrong, err := GetDecryptionKey("wrong", right.Salt)
	require.NoError(t, err)

	generated, err := EncryptVaultKeyWithHashedPassword(right.HashedPassword)
	require.NoError(t, err)

	result := DecryptVaultKey(generated.SealedKey, wrong)
	key, ok := result.Key()
	require.False(t, ok)
	require.Empty(t, key)
}

// Ensure malformed inputs are reported as a failed decryption.
func TestDecryptVaultKeyMalformed(t *testing.T) {
	hashed, err := HashPassword("pw")
	require.NoError(t, err)
	generated, err := EncryptVaultKeyWithHashedPassword(hashed.HashedPassword)
	require.NoError(t, err)

	cases := []struct {
		name   string
		sealed SealedKey
		hashed string
	}{
		{"bad hashed password", generated.SealedKey, "abc"},
		{"short ciphertext", SealedKey{Ciphertext: "AAAA", Nonce: generated.Nonce}, hashed.HashedPassword},
		{"bad nonce", SealedKey{Ciphertext: generated.Ciphertext, Nonce: "AAAA"}, hashed.HashedPassword},
		{"not base64", SealedKey{Ciphertext: "%%%", Nonce: generated.Nonce}, hashed.HashedPassword},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.False(t, DecryptVaultKey(c.sealed, c.hashed).OK())
		})
	}
}

// Ensure the one-shot creation helper yields a key openable with the
// password and salt it returns.
func TestEncryptVaultKey(t *testing.T) {
	created, err := EncryptVaultKey("pw")
	require.NoError(t, err)

	hashed, err := GetDecryptionKey("pw", created.Salt)
	require.NoError(t, err)
	require.Equal(t, created.DecryptionKey, hashed)

	require.True(t, DecryptVaultKey(created.SealedKey, hashed).OK())
}
