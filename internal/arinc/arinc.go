// Package arinc encodes and decodes the ARINC 615A load upload files
// exchanged between the B/C module and the ground support equipment:
// LUI (initialization), LUS (status) and LUR (request). All multi-byte
// fields are big-endian on the wire.
package arinc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// StatusCode is an ARINC 615A operation status code.
type StatusCode uint16

const (
	StatusAcceptedNotStarted StatusCode = 0x0001
	StatusInProgress         StatusCode = 0x0002
	StatusCompletedOK        StatusCode = 0x0003
	StatusRejected           StatusCode = 0x1000
	StatusAbortedByTarget    StatusCode = 0x1003
	StatusAbortedByLoader    StatusCode = 0x1004
	StatusCancelledByUser    StatusCode = 0x1005
)

const (
	// ProtocolVersion is the fixed two-byte version tag carried by every
	// load upload file.
	ProtocolVersion = "A4"

	descFieldSize = 256
	// MaxDescriptionLen is the longest description EncodeLUI/EncodeLUS
	// will carry; longer input is truncated to this width.
	MaxDescriptionLen = descFieldSize - 1

	// LUISize is the wire size of an encoded LUI file.
	LUISize = 4 + 2 + 2 + 1 + descFieldSize
	// LUSSize is the wire size of an encoded LUS file.
	LUSSize = LUISize + 2 + 2 + 2 + 3

	lurMinSize = 8
	ratioLen   = 3
)

// Well-known phase filenames of the load protocol.
const (
	InfoFileSuffix    = ".LUI"
	RequestFileSuffix = ".LUR"
	InitStatusFile    = "INIT_LOAD.LUS"
	FinalStatusFile   = "FINAL_LOAD.LUS"
)

var (
	ErrInvalidRatio  = errors.New("ratio must be exactly 3 ASCII characters")
	ErrTruncated     = errors.New("buffer too short for declared field")
	ErrBadVersion    = errors.New("unexpected protocol version")
	ErrNoHeaderFiles = errors.New("request declares no header files")
)

// LUI is the Load Upload Initialization file sent device to tool in
// response to the info-file read request.
type LUI struct {
	FileLength  uint32
	Version     string
	Status      StatusCode
	Description string
}

// LUS is the Load Upload Status file sent device to tool at phase
// boundaries.
type LUS struct {
	FileLength  uint32
	Version     string
	Status      StatusCode
	Description string
	Counter     uint16
	ExceptTimer uint16
	EstimTime   uint16
	Ratio       string
}

// LUR is the Load Upload Request file received from the tool. Only the
// first header file entry is carried; the session loads one firmware
// file per cycle.
type LUR struct {
	FileLength     uint32
	Version        string
	NumHeaderFiles uint16
	HeaderFileName string
	LoadPartNumber string
}

// EncodeLUI builds the wire form of an LUI with the given status.
// Descriptions longer than MaxDescriptionLen are truncated to the field
// width; the record is still emitted.
func EncodeLUI(status StatusCode, description string) []byte {
	buf := make([]byte, LUISize)
	binary.BigEndian.PutUint32(buf[0:4], LUISize)
	copy(buf[4:6], ProtocolVersion)
	binary.BigEndian.PutUint16(buf[6:8], uint16(status))
	desc := truncateDescription(description)
	buf[8] = uint8(len(desc))
	copy(buf[9:], desc)
	return buf
}

// DecodeLUI parses the wire form produced by EncodeLUI.
func DecodeLUI(buf []byte) (LUI, error) {
	if len(buf) < LUISize {
		return LUI{}, fmt.Errorf("LUI %d bytes: %w", len(buf), ErrTruncated)
	}
	descLen := int(buf[8])
	if descLen > MaxDescriptionLen {
		return LUI{}, fmt.Errorf("LUI description length %d: %w", descLen, ErrTruncated)
	}
	return LUI{
		FileLength:  binary.BigEndian.Uint32(buf[0:4]),
		Version:     string(buf[4:6]),
		Status:      StatusCode(binary.BigEndian.Uint16(buf[6:8])),
		Description: string(buf[9 : 9+descLen]),
	}, nil
}

// EncodeLUS builds the wire form of an LUS. The ratio is the load
// progress as three ASCII digits, "000" through "100"; any other length
// is rejected before encoding.
func EncodeLUS(status StatusCode, description string, counter uint16, ratio string) ([]byte, error) {
	if len(ratio) != ratioLen {
		return nil, fmt.Errorf("ratio %q: %w", ratio, ErrInvalidRatio)
	}
	buf := make([]byte, LUSSize)
	binary.BigEndian.PutUint32(buf[0:4], LUSSize)
	copy(buf[4:6], ProtocolVersion)
	binary.BigEndian.PutUint16(buf[6:8], uint16(status))
	desc := truncateDescription(description)
	buf[8] = uint8(len(desc))
	copy(buf[9:9+descFieldSize], desc)
	off := 9 + descFieldSize
	binary.BigEndian.PutUint16(buf[off:off+2], counter)
	// exception timer and estimated time are unused and stay zero
	copy(buf[off+6:off+9], ratio)
	return buf, nil
}

// DecodeLUS parses the wire form produced by EncodeLUS.
func DecodeLUS(buf []byte) (LUS, error) {
	if len(buf) < LUSSize {
		return LUS{}, fmt.Errorf("LUS %d bytes: %w", len(buf), ErrTruncated)
	}
	descLen := int(buf[8])
	if descLen > MaxDescriptionLen {
		return LUS{}, fmt.Errorf("LUS description length %d: %w", descLen, ErrTruncated)
	}
	off := 9 + descFieldSize
	return LUS{
		FileLength:  binary.BigEndian.Uint32(buf[0:4]),
		Version:     string(buf[4:6]),
		Status:      StatusCode(binary.BigEndian.Uint16(buf[6:8])),
		Description: string(buf[9 : 9+descLen]),
		Counter:     binary.BigEndian.Uint16(buf[off : off+2]),
		ExceptTimer: binary.BigEndian.Uint16(buf[off+2 : off+4]),
		EstimTime:   binary.BigEndian.Uint16(buf[off+4 : off+6]),
		Ratio:       string(buf[off+6 : off+9]),
	}, nil
}

// DecodeLUR parses a Load Upload Request. Parsing walks the buffer left
// to right, fixed fields first, and fails as soon as a declared length
// exceeds the remaining bytes. Only the first header file entry is
// consumed even if the count field declares more.
func DecodeLUR(buf []byte) (LUR, error) {
	if len(buf) < lurMinSize {
		return LUR{}, fmt.Errorf("LUR %d bytes: %w", len(buf), ErrTruncated)
	}
	var out LUR
	out.FileLength = binary.BigEndian.Uint32(buf[0:4])
	out.Version = string(buf[4:6])
	out.NumHeaderFiles = binary.BigEndian.Uint16(buf[6:8])
	if out.NumHeaderFiles == 0 {
		return LUR{}, ErrNoHeaderFiles
	}
	rest := buf[8:]

	name, rest, err := readCountedString(rest)
	if err != nil {
		return LUR{}, fmt.Errorf("header file name: %w", err)
	}
	out.HeaderFileName = name

	pn, _, err := readCountedString(rest)
	if err != nil {
		return LUR{}, fmt.Errorf("load part number: %w", err)
	}
	out.LoadPartNumber = pn
	return out, nil
}

// EncodeLUR builds the wire form of an LUR. The device never sends one;
// this is the counterpart used by tests and ground-side tooling.
func EncodeLUR(headerFileName, loadPartNumber string) []byte {
	size := lurMinSize + 1 + len(headerFileName) + 1 + len(loadPartNumber)
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(size))
	buf = append(buf, ProtocolVersion...)
	buf = binary.BigEndian.AppendUint16(buf, 1)
	buf = append(buf, uint8(len(headerFileName)))
	buf = append(buf, headerFileName...)
	buf = append(buf, uint8(len(loadPartNumber)))
	buf = append(buf, loadPartNumber...)
	return buf
}

func readCountedString(buf []byte) (string, []byte, error) {
	if len(buf) < 1 {
		return "", nil, ErrTruncated
	}
	n := int(buf[0])
	if n > len(buf)-1 {
		return "", nil, fmt.Errorf("declared length %d exceeds %d remaining: %w", n, len(buf)-1, ErrTruncated)
	}
	return string(buf[1 : 1+n]), buf[1+n:], nil
}

func truncateDescription(s string) string {
	if len(s) > MaxDescriptionLen {
		return s[:MaxDescriptionLen]
	}
	return s
}
