package wire

import "github.com/cockroachdb/errors"

// FrameInfoID identifies a recognized framing-extras item (spec.md §3).
type FrameInfoID int

const (
	FrameInfoReorder              FrameInfoID = 0x02
	FrameInfoDurabilityRequirement FrameInfoID = 0x03
	FrameInfoDcpStreamID           FrameInfoID = 0x04
	FrameInfoOpenTracingContext    FrameInfoID = 0x05
)

// FrameInfo is one decoded (id, payload) item.
type FrameInfo struct {
	ID      FrameInfoID
	Payload []byte
}

// ErrFrameInfoOverrun is returned by ParseFrameInfos when the encoded
// length-class fields claim more bytes than are present in the buffer —
// spec.md §4.1 calls this "fatal" (a protocol violation, not a
// would-block-style transient condition).
var ErrFrameInfoOverrun = errors.New("wire: frame-info buffer overrun")

// ErrUnknownFrameInfo is returned for an id not in the recognized set
// (spec.md §3: "Unknown id ⇒ protocol error").
var ErrUnknownFrameInfo = errors.New("wire: unknown frame-info id")

// ParseFrameInfos iterates the framing-extras byte-class encoding
// (spec.md §3):
//
//	first byte = (id-nibble<<4 | len-nibble)
//	id-nibble == 0xF   => real id = 0xF + next byte, consume 1 extra byte
//	len-nibble == 0xF  => real len = 0xF + next byte, consume 1 extra byte
//	then `len` bytes of payload
//
// callback is invoked once per decoded item, in order. It may return
// ErrUnknownFrameInfo itself (to reject unrecognized ids) or accept any id.
func ParseFrameInfos(buf []byte, callback func(FrameInfo) error) error {
	i := 0
	for i < len(buf) {
		if i+1 > len(buf) {
			return ErrFrameInfoOverrun
		}
		control := buf[i]
		i++

		idNibble := int(control >> 4)
		lenNibble := int(control & 0x0f)

		id := idNibble
		if idNibble == 0x0f {
			if i >= len(buf) {
				return ErrFrameInfoOverrun
			}
			id = 0x0f + int(buf[i])
			i++
		}

		length := lenNibble
		if lenNibble == 0x0f {
			if i >= len(buf) {
				return ErrFrameInfoOverrun
			}
			length = 0x0f + int(buf[i])
			i++
		}

		if i+length > len(buf) {
			return ErrFrameInfoOverrun
		}
		// A zero-length payload decodes as nil, so a decoded item compares
		// equal to the FrameInfo it was encoded from.
		var payload []byte
		if length > 0 {
			payload = buf[i : i+length]
		}
		i += length

		if err := callback(FrameInfo{ID: FrameInfoID(id), Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

// EncodeFrameInfo appends the byte-class encoding of fi to dst and returns
// the extended slice. It is the exact inverse of one ParseFrameInfos
// iteration, so encode(decode(x)) == x for well-formed x (spec.md §8).
func EncodeFrameInfo(dst []byte, fi FrameInfo) []byte {
	id := int(fi.ID)
	length := len(fi.Payload)

	var control byte
	if id < 0x0f {
		control = byte(id) << 4
	} else {
		control = 0x0f << 4
	}
	if length < 0x0f {
		control |= byte(length)
	} else {
		control |= 0x0f
	}
	dst = append(dst, control)

	if id >= 0x0f {
		dst = append(dst, byte(id-0x0f))
	}
	if length >= 0x0f {
		dst = append(dst, byte(length-0x0f))
	}
	dst = append(dst, fi.Payload...)
	return dst
}

// EncodeFrameInfos encodes a full sequence, used by the request/response
// builders when assembling alt-magic framing-extras.
func EncodeFrameInfos(infos []FrameInfo) []byte {
	var out []byte
	for _, fi := range infos {
		out = EncodeFrameInfo(out, fi)
	}
	return out
}

// KnownFrameInfoIDs is the recognized set from spec.md §3; any id outside
// this set makes ValidateFrameInfos fail with ErrUnknownFrameInfo.
var KnownFrameInfoIDs = map[FrameInfoID]bool{
	FrameInfoReorder:               true,
	FrameInfoDurabilityRequirement: true,
	FrameInfoDcpStreamID:           true,
	FrameInfoOpenTracingContext:    true,
}

// ValidateFrameInfos decodes framingExtras and rejects any unrecognized id
// or malformed payload length for the known ids (Reorder carries no
// payload; DurabilityRequirement is 1 or 3 bytes; DcpStreamID is 2 bytes;
// OpenTracingContext is >=1 byte), per spec.md §3.
func ValidateFrameInfos(framingExtras []byte) ([]FrameInfo, error) {
	var out []FrameInfo
	err := ParseFrameInfos(framingExtras, func(fi FrameInfo) error {
		if !KnownFrameInfoIDs[fi.ID] {
			return ErrUnknownFrameInfo
		}
		switch fi.ID {
		case FrameInfoReorder:
			if len(fi.Payload) != 0 {
				return ErrUnknownFrameInfo
			}
		case FrameInfoDurabilityRequirement:
			if len(fi.Payload) != 1 && len(fi.Payload) != 3 {
				return ErrUnknownFrameInfo
			}
		case FrameInfoDcpStreamID:
			if len(fi.Payload) != 2 {
				return ErrUnknownFrameInfo
			}
		case FrameInfoOpenTracingContext:
			if len(fi.Payload) < 1 {
				return ErrUnknownFrameInfo
			}
		}
		out = append(out, fi)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HasReorder reports whether infos contains the (payload-less) Reorder
// marker (spec.md §4.4 unordered execution rule).
func HasReorder(infos []FrameInfo) bool {
	for _, fi := range infos {
		if fi.ID == FrameInfoReorder {
			return true
		}
	}
	return false
}

// DcpStreamID extracts the 2-byte stream id, if present (spec.md §4.9).
func DcpStreamID(infos []FrameInfo) (uint16, bool) {
	for _, fi := range infos {
		if fi.ID == FrameInfoDcpStreamID && len(fi.Payload) == 2 {
			return uint16(fi.Payload[0])<<8 | uint16(fi.Payload[1]), true
		}
	}
	return 0, false
}
