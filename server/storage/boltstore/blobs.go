package boltstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// blobDir holds sealed attached files, one per record key.
type blobDir struct {
	dir string
}

// blobName maps a record key to a file name which is safe regardless of
// the characters in the key.
func blobName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".blob"
}

func (b *blobDir) write(name string, data []byte) error {
	if err := os.MkdirAll(b.dir, 0700); err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(b.dir, name), bytes.NewReader(data))
}

func (b *blobDir) read(name string) ([]byte, error) {
	return ioutil.ReadFile(filepath.Join(b.dir, name))
}

func (b *blobDir) remove(name string) {
	if name == "" {
		return
	}
	os.Remove(filepath.Join(b.dir, name))
}
