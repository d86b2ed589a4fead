// Package bootimg implements encoding.TextMarshaler and encoding.TextUnmarshaler for the boot
// image format cmd/vulcan uses to seed a user task's code segment. It is based on Intel Hex
// file-encoding, addressing raw bytes at a 64-bit base address, since a user task's entry image
// (task.CreateUserTask's entryImage) is byte-addressed x86_64 memory.
//
// Each file is composed of lines composed of a prefix, length, base address, type, (optional
// data) and a checksum. In shorthand:
//
//	:LLAAAAAAAAAAAAAAAATT[DD...]CC
//	0123456789
//
// See [Grammar] for a formal grammar.
//
// # Bugs
//
// This is not a complete implementation of Intel Hex encoding; it is for internal use, only. It
// supports minimal record types, specifically just the data and end-of-file record types.
package bootimg

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const Grammar = `
file  = { line } ;
line  = ':' len addr type data check nl ;
len   = byte ;
addr  = byte byte byte byte byte byte byte byte ;
type  = byte ;
data  = { byte }
byte  = hex hex ;
hex   = '0' | '1' | '2' | '3' | '4' | '5' | '6' | '7' | '8' | '9'
      | 'a' | 'b' | 'c' | 'd' | 'e' | 'f' | 'A' | 'B' | 'C' | 'D' | 'E' | 'F' ;
nl    = '\n' ;
`

// maxRecordBytes bounds a single line's data payload; a segment larger than this is split across
// multiple lines at increasing addresses.
const maxRecordBytes = 255

// Segment is one contiguous span of bytes to be placed at a base address, e.g. a user task's
// code image loaded at task.UserCodeBase.
type Segment struct {
	Base uint64
	Data []byte
}

// HexEncoding implements marshalling and unmarshalling of boot images as Intel Hex-style files.
type HexEncoding struct {
	segments []Segment
}

// NewHexEncoding wraps segments for marshalling.
func NewHexEncoding(segments ...Segment) *HexEncoding {
	return &HexEncoding{segments: segments}
}

// Segments returns the collected segments.
func (h HexEncoding) Segments() []Segment {
	return h.segments
}

func (h *HexEncoding) MarshalText() ([]byte, error) {
	var buf bytes.Buffer

	for i := range h.segments {
		seg := h.segments[i]

		data := seg.Data
		addr := seg.Base

		for len(data) > 0 {
			n := len(data)
			if n > maxRecordBytes {
				n = maxRecordBytes
			}

			chunk := data[:n]
			data = data[n:]

			var check byte

			_ = buf.WriteByte(':')

			enc := hex.NewEncoder(&buf)

			val := [1]byte{byte(n)}
			check += val[0]

			if _, err := enc.Write(val[:]); err != nil {
				return buf.Bytes(), err
			}

			var addrBytes [8]byte
			binary.BigEndian.PutUint64(addrBytes[:], addr)

			if _, err := enc.Write(addrBytes[:]); err != nil {
				return buf.Bytes(), err
			}
			for _, b := range addrBytes {
				check += b
			}

			typeVal := [1]byte{byte(kindData)}
			if _, err := enc.Write(typeVal[:]); err != nil {
				return buf.Bytes(), err
			}
			check += typeVal[0]

			if _, err := enc.Write(chunk); err != nil {
				return buf.Bytes(), err
			}
			for _, b := range chunk {
				check += b
			}

			sum := [1]byte{1 + ^check}
			if _, err := enc.Write(sum[:]); err != nil {
				return buf.Bytes(), err
			}

			buf.WriteByte('\n')

			addr += uint64(n)
		}
	}

	buf.Write([]byte(":00000000000000000001ff\n"))

	return buf.Bytes(), nil
}

func (h *HexEncoding) UnmarshalText(bs []byte) error {
	line := bufio.NewScanner(bytes.NewReader(bs))

	for line.Scan() {
		var (
			rec []byte = line.Bytes() //nolint:stylecheck

			recLen   byte   // Number of data bytes; excludes address, type, checksum fields.
			recAddr  uint64 // Record base address.
			recKind  kind   // Record type.
			recCheck byte   // Expected checksum.
			check    byte   // Accumulated checksum.
		)

		if len(rec) == 0 {
			break
		} else if token := rec[0]; token == '\n' {
			continue
		} else if token != ':' {
			return fmt.Errorf("%w: line does not start with ':'", errInvalidHex)
		}

		var lenBuf [1]byte
		if _, err := hex.Decode(lenBuf[:], rec[1:3]); err != nil {
			return fmt.Errorf("%w: len: %s", errInvalidHex, err.Error())
		}
		recLen = lenBuf[0]
		check += lenBuf[0]

		var addrBuf [8]byte
		if _, err := hex.Decode(addrBuf[:], rec[3:19]); err != nil {
			return fmt.Errorf("%w: addr: %s", errInvalidHex, err.Error())
		}
		recAddr = binary.BigEndian.Uint64(addrBuf[:])
		for _, b := range addrBuf {
			check += b
		}

		var kindBuf [1]byte
		if _, err := hex.Decode(kindBuf[:], rec[19:21]); err != nil {
			return fmt.Errorf("%w: type: %s", errInvalidHex, err.Error())
		}
		recKind = kind(kindBuf[0])
		check += kindBuf[0]

		var checkBuf [1]byte
		if _, err := hex.Decode(checkBuf[:], rec[len(rec)-2:]); err != nil {
			return fmt.Errorf("%w: check: %s", errInvalidHex, err.Error())
		}
		recCheck = checkBuf[0]

		switch {
		case recKind == kindData && recLen > 0:
			data := make([]byte, recLen)

			if _, err := hex.Decode(data, rec[21:21+int(recLen)*2]); err != nil {
				return fmt.Errorf("%w: data: %s", errInvalidHex, err.Error())
			}

			for _, b := range data {
				check += b
			}

			check = 1 + ^check
			if check != recCheck {
				return fmt.Errorf("%w: checksum invalid: %02x != %02x",
					errInvalidHex, check, recCheck)
			}

			h.segments = append(h.segments, Segment{Base: recAddr, Data: data})
		case recKind == kindEOF:
			check = 1 + ^check
			if check != recCheck {
				return fmt.Errorf("%w: checksum invalid: %02x != %02x",
					errInvalidHex, check, recCheck)
			}
		default:
			return fmt.Errorf("%w: unexpected record type: %d", errInvalidHex, recKind)
		}
	}

	if len(h.segments) == 0 {
		return errEmpty
	}

	return nil
}

// kind represents the type of encoded record. Only the subset of record types supported by the
// encoder are supported.
type kind byte

const (
	kindData kind = 0
	kindEOF  kind = 1
)

type decodingError struct{}

func (decodingError) Error() string {
	return "decoding error"
}

func (de *decodingError) Is(err error) bool {
	if de == err {
		return true
	} else if _, ok := err.(*decodingError); ok {
		return true
	} else {
		return false
	}
}

var (
	// ErrDecode is a wrapped error that is returned when decoding fails.
	ErrDecode = &decodingError{}

	errEmpty      = fmt.Errorf("%w: no data decoded", ErrDecode)
	errInvalidHex = fmt.Errorf("%w: invalid encoding", ErrDecode)
)
