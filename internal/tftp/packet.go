// Package tftp implements the TFTP-derived transport the B/C module and
// the ground support equipment use to move ARINC load files and the
// firmware image. It follows RFC 1350 framing (2-byte opcodes, 512-byte
// DATA blocks, ephemeral transfer identifiers) with a fixed two-second
// receive timeout and a single-retransmission budget per operation.
package tftp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Opcode identifies a transfer packet type.
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpData  Opcode = 3
	OpAck   Opcode = 4
	OpError Opcode = 5
)

func (op Opcode) String() string {
	switch op {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpData:
		return "DATA"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	}
	return fmt.Sprintf("opcode(%d)", uint16(op))
}

const (
	// BlockSize is the fixed DATA payload size; a shorter block ends a
	// transfer.
	BlockSize = 512
	// DefaultPort is the well-known listening port.
	DefaultPort = 69
	// DefaultTimeout bounds every receive on a transfer socket.
	DefaultTimeout = 2 * time.Second
	// RetryLimit is the number of retransmissions allowed per operation,
	// a single extra attempt and then the operation fails.
	RetryLimit = 1

	// TransferMode is the only mode the device speaks.
	TransferMode = "octet"

	headerSize    = 4
	minPacketSize = 4
	maxPacketSize = headerSize + BlockSize
)

var (
	ErrShortPacket = errors.New("packet below minimum size")
	ErrBadOpcode   = errors.New("unknown opcode")
	ErrBadPacket   = errors.New("malformed packet payload")
	ErrTimeout     = errors.New("transfer timed out")
	ErrNoData      = errors.New("no data received")
)

// Packet is a decoded transfer packet. Only the fields matching Op are
// meaningful; Decode validates the opcode before interpreting anything
// else.
type Packet struct {
	Op       Opcode
	Filename string // RRQ, WRQ
	Mode     string // RRQ, WRQ
	Block    uint16 // DATA, ACK
	Data     []byte // DATA
	ErrCode  uint16 // ERROR
	ErrMsg   string // ERROR
}

// EncodeRequest builds an RRQ or WRQ: opcode, then filename and mode as
// NUL-terminated strings.
func EncodeRequest(op Opcode, filename string) []byte {
	buf := make([]byte, 0, headerSize+len(filename)+len(TransferMode)+2)
	buf = binary.BigEndian.AppendUint16(buf, uint16(op))
	buf = append(buf, filename...)
	buf = append(buf, 0)
	buf = append(buf, TransferMode...)
	buf = append(buf, 0)
	return buf
}

// EncodeData builds a DATA packet for the given block number.
func EncodeData(block uint16, payload []byte) []byte {
	buf := make([]byte, 0, headerSize+len(payload))
	buf = binary.BigEndian.AppendUint16(buf, uint16(OpData))
	buf = binary.BigEndian.AppendUint16(buf, block)
	return append(buf, payload...)
}

// EncodeAck builds an ACK for the given block number.
func EncodeAck(block uint16) []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpAck))
	binary.BigEndian.PutUint16(buf[2:4], block)
	return buf
}

// EncodeError builds an ERROR packet.
func EncodeError(code uint16, msg string) []byte {
	buf := make([]byte, 0, headerSize+len(msg)+1)
	buf = binary.BigEndian.AppendUint16(buf, uint16(OpError))
	buf = binary.BigEndian.AppendUint16(buf, code)
	buf = append(buf, msg...)
	return append(buf, 0)
}

// Decode parses a raw datagram. Anything under four bytes is rejected,
// and the opcode is validated before the payload is touched.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < minPacketSize {
		return Packet{}, fmt.Errorf("%d bytes: %w", len(raw), ErrShortPacket)
	}
	op := Opcode(binary.BigEndian.Uint16(raw[0:2]))
	switch op {
	case OpRRQ, OpWRQ:
		filename, mode, err := splitRequest(raw[2:])
		if err != nil {
			return Packet{}, err
		}
		return Packet{Op: op, Filename: filename, Mode: mode}, nil
	case OpData:
		return Packet{
			Op:    op,
			Block: binary.BigEndian.Uint16(raw[2:4]),
			Data:  append([]byte(nil), raw[4:]...),
		}, nil
	case OpAck:
		return Packet{Op: op, Block: binary.BigEndian.Uint16(raw[2:4])}, nil
	case OpError:
		msg := raw[4:]
		if i := bytes.IndexByte(msg, 0); i >= 0 {
			msg = msg[:i]
		}
		return Packet{
			Op:      op,
			ErrCode: binary.BigEndian.Uint16(raw[2:4]),
			ErrMsg:  string(msg),
		}, nil
	default:
		return Packet{}, fmt.Errorf("%d: %w", uint16(op), ErrBadOpcode)
	}
}

func splitRequest(payload []byte) (string, string, error) {
	i := bytes.IndexByte(payload, 0)
	if i < 0 {
		return "", "", fmt.Errorf("request missing filename terminator: %w", ErrBadPacket)
	}
	filename := string(payload[:i])
	rest := payload[i+1:]
	j := bytes.IndexByte(rest, 0)
	if j < 0 {
		return "", "", fmt.Errorf("request missing mode terminator: %w", ErrBadPacket)
	}
	return filename, string(rest[:j]), nil
}
