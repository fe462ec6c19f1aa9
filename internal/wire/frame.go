package wire

// Frame is a fully-parsed wire record: header plus the four body sections
// in order (spec.md §3's invariant:
// bodylen == framingExtrasLen + extrasLen + keyLen + valueLen).
type Frame struct {
	Header        Header
	FramingExtras []byte
	Extras        []byte
	Key           []byte
	Value         []byte
}

// ParseFrame decodes a complete frame (header + body) from buf, per
// spec.md §4.1. It requires header+bodylen bytes to be present; a short
// buffer yields ParseNeedMore, not an error — the connection's read loop
// simply goes back to waiting for more bytes (spec.md §4.4 read_packet_body).
func ParseFrame(buf []byte, maxPacketSize int) (Frame, int, ParseStatus) {
	h, status := ParseHeader(buf, maxPacketSize)
	if status != ParseOK {
		return Frame{}, 0, status
	}

	total := HeaderSize + int(h.BodyLen)
	if len(buf) < total {
		return Frame{}, 0, ParseNeedMore
	}

	fLen := h.FramingExtrasLength()
	eLen := int(h.ExtrasLen)
	kLen := h.KeyLength()

	if fLen+eLen+kLen > int(h.BodyLen) {
		return Frame{}, 0, ParseInvalid
	}

	body := buf[HeaderSize:total]
	f := Frame{Header: h}

	off := 0
	f.FramingExtras = body[off : off+fLen]
	off += fLen
	f.Extras = body[off : off+eLen]
	off += eLen
	f.Key = body[off : off+kLen]
	off += kLen
	f.Value = body[off:]

	return f, total, ParseOK
}

// IsPacketAvailable reports whether buf contains at least one complete
// frame, per spec.md §4.3 Connection.isPacketAvailable. It returns
// (available, invalid): invalid is set when the header itself is
// malformed or the declared body exceeds maxPacketSize, at which point
// the caller must terminate the connection (and in production would also
// emit an audit event — out of scope here per spec.md §1).
func IsPacketAvailable(buf []byte, maxPacketSize int) (available bool, invalid bool) {
	if len(buf) < HeaderSize {
		return false, false
	}
	h, status := ParseHeader(buf, maxPacketSize)
	if status == ParseInvalid {
		return false, true
	}
	if status == ParseNeedMore {
		return false, false
	}
	return len(buf) >= HeaderSize+int(h.BodyLen), false
}
