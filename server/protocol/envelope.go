package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pkg/errors"
)

// MsgType indicates the type of message contained by an envelope.
type MsgType byte

const (
	// MsgTypeRequest carries a command and expects exactly one reply.
	MsgTypeRequest MsgType = iota
	// MsgTypeReply answers the request with the same id.
	MsgTypeReply
	// MsgTypeStreamData carries a chunk of a sub-stream bound to a request id.
	MsgTypeStreamData
	// MsgTypeStreamEnd terminates a sub-stream.
	MsgTypeStreamEnd
)

func (m MsgType) String() string {
	switch m {
	case MsgTypeRequest:
		return "request"
	case MsgTypeReply:
		return "reply"
	case MsgTypeStreamData:
		return "stream-data"
	case MsgTypeStreamEnd:
		return "stream-end"
	default:
		return fmt.Sprintf("unknown(%d)", byte(m))
	}
}

const (
	// envelopeProtoV0 is version 0 of the envelope protocol.
	envelopeProtoV0 = 0x00

	// envelopeMinHeaderLen is the minimum length of the envelope header, i.e.
	// without CRC-32C set.
	envelopeMinHeaderLen = 14

	flagCRC    = 0
	flagStream = 1
)

var (
	// Encoding is the byte order to use for protocol serialization.
	Encoding = binary.BigEndian

	// envelopeMagicNumber marks the start of every envelope. It is
	// deliberately invalid UTF-8 so a stray JSON document is never mistaken
	// for a frame.
	envelopeMagicNumber    = []byte{0xB9, 0x0E, 0x56, 0x4C}
	envelopeMagicNumberLen = len(envelopeMagicNumber)

	crc32cTable = crc32.MakeTable(crc32.Castagnoli)
)

// Frame is a single decoded envelope.
type Frame struct {
	Type    MsgType
	Command Command
	ID      uint32
	// Stream is set on a request that is followed by an inbound sub-stream.
	Stream  bool
	Payload []byte
}

// MarshalFrame serializes a frame into the envelope wire format. When crc is
// true a CRC-32C of the payload is included in the header.
func MarshalFrame(f *Frame, crc bool) []byte {
	headerLen := envelopeMinHeaderLen
	if crc {
		headerLen += 4
	}
	var (
		buf   = make([]byte, headerLen+len(f.Payload))
		pos   = 0
		flags byte
	)
	if crc {
		flags = setBit(flags, flagCRC)
	}
	if f.Stream {
		flags = setBit(flags, flagStream)
	}
	copy(buf[pos:], envelopeMagicNumber)
	pos += envelopeMagicNumberLen
	buf[pos] = envelopeProtoV0 // Version
	pos++
	buf[pos] = byte(headerLen) // HeaderLen
	pos++
	buf[pos] = flags // Flags
	pos++
	buf[pos] = byte(f.Type) // MsgType
	pos++
	Encoding.PutUint16(buf[pos:], uint16(f.Command))
	pos += 2
	Encoding.PutUint32(buf[pos:], f.ID)
	pos += 4
	if crc {
		Encoding.PutUint32(buf[pos:], crc32.Checksum(f.Payload, crc32cTable))
		pos += 4
	}
	if pos != headerLen {
		panic(fmt.Sprintf("Payload position (%d) does not match expected HeaderLen (%d)",
			pos, headerLen))
	}
	copy(buf[pos:], f.Payload)
	return buf
}

// UnmarshalFrame deserializes an envelope. The returned payload aliases data.
func UnmarshalFrame(data []byte) (*Frame, error) {
	if len(data) < envelopeMinHeaderLen {
		return nil, errors.New("data missing envelope header")
	}
	if !bytes.Equal(data[:envelopeMagicNumberLen], envelopeMagicNumber) {
		return nil, errors.New("unexpected envelope magic number")
	}
	if data[4] != envelopeProtoV0 {
		return nil, fmt.Errorf("unknown envelope protocol: %v", data[4])
	}

	var (
		headerLen = int(data[5])
		flags     = data[6]
		msgType   = MsgType(data[7])
	)
	if headerLen < envelopeMinHeaderLen || headerLen > len(data) {
		return nil, errors.New("incorrect envelope header size")
	}
	if msgType > MsgTypeStreamEnd {
		return nil, fmt.Errorf("unknown message type: %v", byte(msgType))
	}
	payload := data[headerLen:]

	// Check CRC.
	if hasBit(flags, flagCRC) {
		if headerLen != envelopeMinHeaderLen+4 {
			return nil, errors.New("incorrect envelope header size")
		}
		crc := Encoding.Uint32(data[envelopeMinHeaderLen:headerLen])
		if c := crc32.Checksum(payload, crc32cTable); c != crc {
			return nil, fmt.Errorf("crc mismatch: expected %d, got %d", crc, c)
		}
	}

	return &Frame{
		Type:    msgType,
		Command: Command(Encoding.Uint16(data[8:10])),
		ID:      Encoding.Uint32(data[10:14]),
		Stream:  hasBit(flags, flagStream),
		Payload: payload,
	}, nil
}

// hasBit checks if the given bit position is set on the provided byte.
func hasBit(n byte, pos uint8) bool {
	val := n & (1 << pos)
	return (val > 0)
}

// setBit sets the bit at the given position.
func setBit(n byte, pos uint8) byte {
	n |= (1 << pos)
	return n
}
