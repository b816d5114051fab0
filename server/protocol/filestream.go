package protocol

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

const maxFileHeaderSize = 64 * 1024

// ErrFileTooLarge is returned when an incoming file body exceeds the limit.
var ErrFileTooLarge = errors.New("file exceeds maximum size")

// FileHeader is the metadata frame sent ahead of a file body.
type FileHeader struct {
	Key  string          `json:"key"`
	Size uint64          `json:"size"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WriteFileStream writes a metadata header followed by a length-framed body:
//
//	uint32 headerLen | header JSON | uint64 bodyLen | body
func WriteFileStream(w io.Writer, header *FileHeader, body []byte) error {
	header.Size = uint64(len(body))
	meta, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode file header")
	}
	var prefix [4]byte
	Encoding.PutUint32(prefix[:], uint32(len(meta)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := w.Write(meta); err != nil {
		return err
	}
	var bodyLen [8]byte
	Encoding.PutUint64(bodyLen[:], uint64(len(body)))
	if _, err := w.Write(bodyLen[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err = w.Write(body)
	return err
}

// ReadFileStream reads what WriteFileStream wrote and returns the header
// and the body as a single buffer. Bodies larger than maxBody are rejected
// before any of the body is buffered.
func ReadFileStream(r io.Reader, maxBody uint64) (*FileHeader, []byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read file header length")
	}
	metaLen := Encoding.Uint32(prefix[:])
	if metaLen > maxFileHeaderSize {
		return nil, nil, errors.New("file header too large")
	}
	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(r, meta); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read file header")
	}
	header := new(FileHeader)
	if err := json.Unmarshal(meta, header); err != nil {
		return nil, nil, errors.Wrap(err, "failed to decode file header")
	}

	var bodyLen [8]byte
	if _, err := io.ReadFull(r, bodyLen[:]); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read file length")
	}
	size := Encoding.Uint64(bodyLen[:])
	if maxBody > 0 && size > maxBody {
		return nil, nil, ErrFileTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read file body")
	}
	return header, body, nil
}
