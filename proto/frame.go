package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Each frame is a 4-byte big-endian header length, the JSON header bytes,
// then (for file-bearing kinds) exactly Filesize raw payload bytes. The
// codec frames headers only; payload transfer stays a raw fixed-length
// read/write owned by the caller so large files never pass through the
// JSON layer.

const LENGTH_SIZE = 4

const DEFAULT_MAX_HEADER_BYTES = 1 << 20

var (
	ErrTruncatedFrame  = errors.New("Truncated frame.")
	ErrMalformedHeader = errors.New("Malformed header.")
	ErrHeaderTooLarge  = errors.New("Header exceeds size limit.")
	ErrEmptyHeader     = errors.New("Empty header.")
)

// ProtocolError marks a framing failure. The stream can no longer be trusted
// to be frame-aligned, so the connection must be closed.
type ProtocolError struct {
	Origin error
}

func NewProtocolError(err error) *ProtocolError {
	return &ProtocolError{Origin: err}
}

func (err *ProtocolError) Error() string {
	return "protocol error: " + err.Origin.Error()
}

func (err *ProtocolError) Unwrap() error {
	return err.Origin
}

// Codec frames headers over an ordered byte stream.
type Codec struct {
	// MaxHeaderBytes bounds the declared header length. Zero means
	// DEFAULT_MAX_HEADER_BYTES.
	MaxHeaderBytes uint32
}

func (c *Codec) maxHeaderBytes() uint32 {
	if c.MaxHeaderBytes == 0 {
		return DEFAULT_MAX_HEADER_BYTES
	}
	return c.MaxHeaderBytes
}

// Encode serializes the header prefixed with its length.
func (c *Codec) Encode(h *Header) ([]byte, error) {
	body, err := json.Marshal(h)
	if err != nil {
		return nil, NewProtocolError(err)
	}
	if uint32(len(body)) > c.maxHeaderBytes() {
		return nil, NewProtocolError(ErrHeaderTooLarge)
	}
	buf := make([]byte, LENGTH_SIZE+len(body))
	binary.BigEndian.PutUint32(buf[:LENGTH_SIZE], uint32(len(body)))
	copy(buf[LENGTH_SIZE:], body)
	return buf, nil
}

// WriteFrame writes one encoded header, then the payload bytes if any.
// The header's Filesize must already agree with len(payload) for
// file-bearing kinds; the codec does not second-guess the caller.
func (c *Codec) WriteFrame(w io.Writer, h *Header, payload []byte) error {
	buf, err := c.Encode(h)
	if err != nil {
		return err
	}
	if _, err = w.Write(buf); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err = w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadHeader reads exactly one header off the stream. A clean close on the
// frame boundary returns io.EOF; a close mid-frame or malformed header bytes
// return a ProtocolError.
func (c *Codec) ReadHeader(r io.Reader) (*Header, error) {
	lenBuf := make([]byte, LENGTH_SIZE)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, NewProtocolError(ErrTruncatedFrame)
	}

	n := binary.BigEndian.Uint32(lenBuf)
	if n == 0 {
		return nil, NewProtocolError(ErrEmptyHeader)
	}
	if n > c.maxHeaderBytes() {
		return nil, NewProtocolError(ErrHeaderTooLarge)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, NewProtocolError(ErrTruncatedFrame)
	}

	header := &Header{}
	if err := json.Unmarshal(body, header); err != nil {
		return nil, NewProtocolError(fmt.Errorf("%v: %v", ErrMalformedHeader, err))
	}
	return header, nil
}

// ReadPayload reads exactly size raw bytes following a header.
func ReadPayload(r io.Reader, size int64) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, NewProtocolError(ErrTruncatedFrame)
	}
	return buf, nil
}

// DiscardPayload drains size payload bytes without keeping them, so the
// stream stays frame-aligned when the payload is unwanted.
func DiscardPayload(r io.Reader, size int64) error {
	if size <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, size); err != nil {
		return NewProtocolError(ErrTruncatedFrame)
	}
	return nil
}
