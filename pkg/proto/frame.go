package proto

import (
	"bufio"
	"io"

	"github.com/juju/errors"
)

// Frame is a fully decoded request or response: header plus body.
type Frame struct {
	Header Header
	Body   []byte
}

// FrameReader decodes frames off a stream, trusting no body length past
// maxBodyLen. It mirrors the teacher's decoder (pump/decoder.go): a
// buffered reader that validates a fixed preamble before trusting a
// length-prefixed payload.
type FrameReader struct {
	br          *bufio.Reader
	maxBodyLen  uint64
}

// NewFrameReader wraps r with the given body-length cap. A cap of 0
// means MaxBodyLen (no practical limit beyond the wire's own width).
func NewFrameReader(r io.Reader, maxBodyLen uint64) *FrameReader {
	if maxBodyLen == 0 {
		maxBodyLen = MaxBodyLen
	}
	return &FrameReader{br: bufio.NewReader(r), maxBodyLen: maxBodyLen}
}

// ReadFrame reads one header and its declared body. A body length of 0
// is legal and causes no further read. A body length exceeding the
// configured cap is an InvalidResponse — the caller must close the
// connection.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	hdrBuf := make([]byte, HeaderLen)
	if _, err := io.ReadFull(fr.br, hdrBuf); err != nil {
		if err == io.EOF {
			return Frame{}, errors.Trace(io.EOF)
		}
		return Frame{}, errors.Annotate(err, "proto: read header")
	}

	h, err := DecodeHeader(hdrBuf)
	if err != nil {
		return Frame{}, errors.Trace(err)
	}

	if h.Len > fr.maxBodyLen {
		return Frame{}, errors.Annotatef(ErrInvalidHeader, "proto: body length %d exceeds cap %d", h.Len, fr.maxBodyLen)
	}

	if h.Len == 0 {
		return Frame{Header: h}, nil
	}

	body := make([]byte, h.Len)
	if _, err := io.ReadFull(fr.br, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, errors.Annotate(io.ErrUnexpectedEOF, "proto: truncated body")
		}
		return Frame{}, errors.Annotate(err, "proto: read body")
	}

	return Frame{Header: h, Body: body}, nil
}

// WriteFrame writes header-then-body as a single buffered write.
func WriteFrame(w io.Writer, cmd, status byte, body []byte) error {
	buf := make([]byte, HeaderLen+len(body))
	h := EncodeHeader(Header{Len: uint64(len(body)), Cmd: cmd, Status: status})
	copy(buf, h)
	copy(buf[HeaderLen:], body)
	_, err := w.Write(buf)
	return errors.Trace(err)
}
