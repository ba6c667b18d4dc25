package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/akinalpfdn/lanhub/errs"
)

const (
	// MaxFramePayload bounds a single control-channel record. Oversize
	// frames close the connection rather than being rejected in place —
	// the length prefix is the only resync point, so a frame we refuse to
	// read fully can never be skipped safely.
	MaxFramePayload = 1 << 20 // 1 MiB

	// ReadLengthTimeout bounds how long a declared length may take to
	// arrive in full once its length prefix has been read.
	ReadLengthTimeout = 10 * time.Second

	lengthPrefixSize = 4
)

// ReadFrame reads one length-prefixed record from conn. It applies
// ReadLengthTimeout to the body read (the length prefix itself is read
// under the connection's ambient deadline, set by the caller per
// iteration). A frame whose declared length exceeds MaxFramePayload is
// rejected without attempting to read the body, since doing so would
// desynchronize the stream for nothing.
func ReadFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFramePayload {
		return nil, errs.ErrOversizeFrame
	}

	if err := conn.SetReadDeadline(time.Now().Add(ReadLengthTimeout)); err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errs.ErrReadTimeout
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed record. Payloads larger than
// MaxFramePayload are a programmer error on the send side (the server never
// constructs one) and are rejected rather than silently truncated.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("%w: outbound payload %d bytes", errs.ErrOversizeFrame, len(payload))
	}
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Encode marshals a concrete message struct to its wire payload.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode peeks the type discriminator and reports it alongside the raw
// bytes so the caller can unmarshal into the matching concrete struct. This
// mirrors the project's long-standing two-pass decode: one unmarshal to
// route, one to materialize the typed payload.
func Decode(raw []byte) (string, json.RawMessage, error) {
	t, err := PeekType(raw)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errs.ErrMalformedFrame, err)
	}
	return t, json.RawMessage(raw), nil
}
