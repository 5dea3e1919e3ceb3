// Package packets defines the messages exchanged between empdb clients and the server.
//
// Every message is an 8 byte header followed by an XDR encoded payload. The header
// carries the message type and the length of the payload in network byte order.
package packets

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/rasky/go-xdr/xdr2"

	empbytes "github.com/dcrodman/empdb/internal/core/bytes"
)

// ProtoVersion is the only protocol version the server speaks.
const ProtoVersion = 100

// HeaderSize is the encoded size of Header.
const HeaderSize = 8

var (
	// ErrMalformed is returned for payloads that cannot be decoded or that carry
	// trailing bytes.
	ErrMalformed = errors.New("malformed packet")
	// ErrTooLarge is returned for frames that cannot fit in the receiver's buffer.
	ErrTooLarge = errors.New("packet too large")
)

// Header precedes every message.
type Header struct {
	Type   uint32
	Length uint32
}

// EncodeHeader writes h into the first HeaderSize bytes of b.
func EncodeHeader(b []byte, h Header) {
	empbytes.ByteOrder.PutUint32(b[0:4], h.Type)
	empbytes.ByteOrder.PutUint32(b[4:8], h.Length)
}

// DecodeHeader reads a Header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) Header {
	return Header{
		Type:   empbytes.ByteOrder.Uint32(b[0:4]),
		Length: empbytes.ByteOrder.Uint32(b[4:8]),
	}
}

// Peek inspects the start of buf for a complete frame. It returns the frame's header
// and total length once the whole frame is present, a length of 0 when more bytes are
// needed, and ErrTooLarge when the declared frame would not fit in limit bytes.
func Peek(buf []byte, limit int) (Header, int, error) {
	if len(buf) < HeaderSize {
		return Header{}, 0, nil
	}
	hdr := DecodeHeader(buf)
	frameLen := uint64(HeaderSize) + uint64(hdr.Length)
	if frameLen > uint64(limit) {
		return hdr, 0, fmt.Errorf("%d byte %s frame: %w", frameLen, Name(hdr.Type), ErrTooLarge)
	}
	if uint64(len(buf)) < frameLen {
		return hdr, 0, nil
	}
	return hdr, int(frameLen), nil
}

// Encode builds a complete frame for a message of type t. A nil payload produces a
// frame with an empty body.
func Encode(t uint32, payload interface{}) ([]byte, error) {
	var body bytes.Buffer
	if payload != nil {
		if _, err := xdr.Marshal(&body, payload); err != nil {
			return nil, fmt.Errorf("encoding %s: %w", Name(t), err)
		}
	}

	frame := make([]byte, HeaderSize+body.Len())
	EncodeHeader(frame, Header{Type: t, Length: uint32(body.Len())})
	copy(frame[HeaderSize:], body.Bytes())
	return frame, nil
}

// Decode unmarshals payload into v, which must consume every byte of it. Declared
// string and array lengths are capped at the payload size so that a short frame
// cannot request a large allocation.
func Decode(payload []byte, v interface{}) error {
	n, err := xdr.UnmarshalLimited(bytes.NewReader(payload), v, uint(len(payload)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n != len(payload) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(payload)-n)
	}
	return nil
}
