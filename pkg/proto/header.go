// Package proto implements the FastDFS wire protocol: a 10-byte header
// followed by a command-specific body.
package proto

import (
	"encoding/binary"

	"github.com/juju/errors"
)

// HeaderLen is the size in bytes of every frame header.
const HeaderLen = 10

// MaxBodyLen bounds the body length a decoder will trust before an
// InvalidResponse is raised; callers reading from an untrusted peer
// should set a tighter per-connection cap via NewFrameReader's maxBodyLen.
const MaxBodyLen = 1<<63 - 1

// Header is the 10-byte frame preamble: an 8-byte big-endian body
// length, a 1-byte command code and a 1-byte status.
//
// Command and status are independent name-spaces: requests carry
// Cmd=<command> and Status=0; responses echo a reply-command code plus a
// unix errno-style status (see errno.go).
type Header struct {
	Len    uint64
	Cmd    byte
	Status byte
}

// ErrInvalidHeader is returned when a header cannot be decoded.
var ErrInvalidHeader = errors.New("proto: invalid header")

// EncodeHeader writes h into a fresh HeaderLen-byte slice.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint64(buf[0:8], h.Len)
	buf[8] = h.Cmd
	buf[9] = h.Status
	return buf
}

// DecodeHeader parses exactly HeaderLen bytes of b into a Header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, errors.Trace(ErrInvalidHeader)
	}
	return Header{
		Len:    binary.BigEndian.Uint64(b[0:8]),
		Cmd:    b[8],
		Status: b[9],
	}, nil
}
