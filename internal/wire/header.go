// Package wire implements the binary-protocol codec specified in
// spec.md §3/§6 (C1 Wire Codec): header/frame parsing, frame-info
// encode/decode, and request/response builders. It follows the teacher's
// serializer split (rpc/serializer.IRPCSerializer separates "how bytes are
// shaped" from "what the message means") but, unlike dKV's pluggable
// serializer, the wire shape here *is* the protocol spec, not an
// interchangeable format, so there is a single concrete implementation
// rather than an interface with JSON/gob/binary variants.
package wire

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// HeaderSize is the fixed 24-byte header length (spec.md §6).
const HeaderSize = 24

// Magic identifies which of the six wire frame kinds a header carries
// (spec.md §6). Any other byte value is a protocol error.
type Magic byte

const (
	MagicClientRequest    Magic = 0x80
	MagicClientResponse   Magic = 0x81
	MagicAltClientRequest  Magic = 0x08
	MagicAltClientResponse Magic = 0x18
	MagicServerRequest      Magic = 0x82
	MagicServerResponse      Magic = 0x83
)

func (m Magic) Valid() bool {
	switch m {
	case MagicClientRequest, MagicClientResponse, MagicAltClientRequest,
		MagicAltClientResponse, MagicServerRequest, MagicServerResponse:
		return true
	default:
		return false
	}
}

func (m Magic) IsAlt() bool {
	return m == MagicAltClientRequest || m == MagicAltClientResponse
}

func (m Magic) IsResponse() bool {
	return m == MagicClientResponse || m == MagicAltClientResponse || m == MagicServerResponse
}

func (m Magic) IsRequest() bool {
	return !m.IsResponse()
}

// Datatype bits, per spec.md §6.
type Datatype uint8

const (
	DatatypeRaw    Datatype = 0
	DatatypeJSON   Datatype = 1 << 0
	DatatypeSnappy Datatype = 1 << 1
	DatatypeXattr  Datatype = 1 << 2
)

func (d Datatype) HasJSON() bool   { return d&DatatypeJSON != 0 }
func (d Datatype) HasSnappy() bool { return d&DatatypeSnappy != 0 }
func (d Datatype) HasXattr() bool  { return d&DatatypeXattr != 0 }

// ParseStatus is the tri-state result of a partial-read parse attempt,
// used by ParseHeader/ParseFrame (spec.md §4.1): a connection reading off
// a socket almost always has an incomplete buffer, and that is not an
// error condition (REDESIGN FLAGS, spec.md §9 — no exceptions on the hot
// path).
type ParseStatus int

const (
	ParseOK ParseStatus = iota
	ParseNeedMore
	ParseInvalid
)

// ErrInvalidHeader is the sentinel wrapped by header/frame validation
// failures, markable with errors.Is the way errcode's ErrWouldBlock is.
var ErrInvalidHeader = errors.New("wire: invalid header")

// Header is the fixed 24-byte frame header (spec.md §3/§6).
type Header struct {
	Magic Magic
	Opcode byte

	// FramingExtrasLen is only meaningful when Magic.IsAlt(); it occupies
	// the high byte of the wire keylen field on alt frames (spec.md §6).
	FramingExtrasLen uint8
	KeyLen           uint16

	ExtrasLen uint8
	Datatype  Datatype

	// VbucketOrStatus holds the vbucket id on a request header, the wire
	// status on a response header (spec.md §3).
	VbucketOrStatus uint16

	BodyLen uint32
	Opaque  uint32
	Cas     uint64
}

func (h *Header) Status() uint16  { return h.VbucketOrStatus }
func (h *Header) Vbucket() uint16 { return h.VbucketOrStatus }

// ParseHeader decodes a 24-byte header per spec.md §4.1. buf must be at
// least HeaderSize bytes for ParseOK/ParseInvalid; anything shorter is
// ParseNeedMore. maxPacketSize enforces the "body length exceeds the
// configured max packet size" invalidity rule.
func ParseHeader(buf []byte, maxPacketSize int) (Header, ParseStatus) {
	if len(buf) < HeaderSize {
		return Header{}, ParseNeedMore
	}

	magic := Magic(buf[0])
	if !magic.Valid() {
		return Header{}, ParseInvalid
	}

	h := Header{
		Magic:  magic,
		Opcode: buf[1],
	}

	if magic.IsAlt() {
		h.FramingExtrasLen = buf[2]
		h.KeyLen = uint16(buf[3])
	} else {
		h.KeyLen = binary.BigEndian.Uint16(buf[2:4])
	}

	h.ExtrasLen = buf[4]
	h.Datatype = Datatype(buf[5])
	h.VbucketOrStatus = binary.BigEndian.Uint16(buf[6:8])
	h.BodyLen = binary.BigEndian.Uint32(buf[8:12])
	h.Opaque = binary.BigEndian.Uint32(buf[12:16])
	h.Cas = binary.BigEndian.Uint64(buf[16:24])

	if maxPacketSize > 0 && int(h.BodyLen) > maxPacketSize {
		return Header{}, ParseInvalid
	}

	return h, ParseOK
}

// PutHeader encodes h into buf[:HeaderSize]. buf must have length >=
// HeaderSize.
func PutHeader(buf []byte, h Header) {
	buf[0] = byte(h.Magic)
	buf[1] = h.Opcode
	if h.Magic.IsAlt() {
		buf[2] = h.FramingExtrasLen
		buf[3] = byte(h.KeyLen)
	} else {
		binary.BigEndian.PutUint16(buf[2:4], h.KeyLen)
	}
	buf[4] = h.ExtrasLen
	buf[5] = byte(h.Datatype)
	binary.BigEndian.PutUint16(buf[6:8], h.VbucketOrStatus)
	binary.BigEndian.PutUint32(buf[8:12], h.BodyLen)
	binary.BigEndian.PutUint32(buf[12:16], h.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], h.Cas)
}

// KeyLength returns the key length regardless of alt/non-alt encoding.
func (h *Header) KeyLength() int { return int(h.KeyLen) }

// FramingExtrasLength returns the framing-extras length, 0 on non-alt frames.
func (h *Header) FramingExtrasLength() int {
	if !h.Magic.IsAlt() {
		return 0
	}
	return int(h.FramingExtrasLen)
}
