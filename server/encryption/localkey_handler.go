package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"sync"

	"github.com/google/tink/go/kwp/subtle"
	"github.com/pkg/errors"
)

const (
	// DataKeyLength provides the length for data key in bytes. AES-256 is
	// used for record encryption.
	DataKeyLength int = 32
)

// ErrSealedDataCorrupt is returned by Read when sealed data is truncated or
// its layout is inconsistent.
var ErrSealedDataCorrupt = errors.New("sealed data is corrupt")

// LocalEncryptionHandler encrypts records at rest. Each handler owns a data
// key (DEK) which is wrapped with the vault key using KWP and stored
// alongside every ciphertext it produces.
type LocalEncryptionHandler struct {
	mu         sync.Mutex
	defaultDEK []byte
	keyWrapper *subtle.KWP
}

// NewLocalEncryptionHandler creates a handler whose data keys are wrapped
// with masterKey. The master key must be 16 or 32 bytes long.
func NewLocalEncryptionHandler(masterKey []byte) (*LocalEncryptionHandler, error) {
	kwp, err := subtle.NewKWP(masterKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create key wrapper")
	}
	return &LocalEncryptionHandler{keyWrapper: kwp}, nil
}

// generateDEK creates a random data key.
func (handler *LocalEncryptionHandler) generateDEK() ([]byte, error) {
	key := make([]byte, DataKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (handler *LocalEncryptionHandler) wrapDEK(dek []byte) ([]byte, error) {
	return handler.keyWrapper.Wrap(dek)
}

func (handler *LocalEncryptionHandler) unwrapDEK(wrappedDEK []byte) ([]byte, error) {
	return handler.keyWrapper.Unwrap(wrappedDEK)
}

func newGCM(dek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (handler *LocalEncryptionHandler) encryptData(dek []byte, plaintextData []byte) ([]byte, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintextData, nil), nil
}

func (handler *LocalEncryptionHandler) decryptData(dek []byte, encryptedData []byte) ([]byte, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(encryptedData) < nonceSize+gcm.Overhead() {
		return nil, ErrSealedDataCorrupt
	}
	nonce, ciphertext := encryptedData[:nonceSize], encryptedData[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Seal encrypts data and returns it along with the wrapped data key.
//
// |  byte 0  |   byte 1   |    ...   | byte n       | byte n+1       |  ... |
// |----------|------------|----------|--------------|----------------|------|
// | key size | key byte 0 |      ... | key byte n-1 | nonce + cipher |  ... |
func (handler *LocalEncryptionHandler) Seal(data []byte) ([]byte, error) {
	handler.mu.Lock()
	if handler.defaultDEK == nil {
		dek, err := handler.generateDEK()
		if err != nil {
			handler.mu.Unlock()
			return nil, err
		}
		handler.defaultDEK = dek
	}
	dek := handler.defaultDEK
	handler.mu.Unlock()

	ciphertext, err := handler.encryptData(dek, data)
	if err != nil {
		return nil, err
	}
	wrappedKey, err := handler.wrapDEK(dek)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, 1+len(wrappedKey)+len(ciphertext))
	sealed = append(sealed, byte(len(wrappedKey)))
	sealed = append(sealed, wrappedKey...)
	sealed = append(sealed, ciphertext...)
	return sealed, nil
}

// Read reverses Seal. It fails if the data was sealed under a different
// master key or has been tampered with.
func (handler *LocalEncryptionHandler) Read(encryptedData []byte) ([]byte, error) {
	if len(encryptedData) < 1 {
		return nil, ErrSealedDataCorrupt
	}
	keyEndPos := int(encryptedData[0]) + 1
	if keyEndPos > len(encryptedData) {
		return nil, ErrSealedDataCorrupt
	}
	dek, err := handler.unwrapDEK(encryptedData[1:keyEndPos])
	if err != nil {
		return nil, errors.Wrap(err, "failed to unwrap data key")
	}
	plaintext, err := handler.decryptData(dek, encryptedData[keyEndPos:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt data")
	}
	return plaintext, nil
}
