package wire

// RequestBuilder assembles an outbound request frame (used by the CDC
// producer shim, C9, to build stream-request/mutation/etc. frames, and by
// the external auth manager, C10, to build server-request frames), with
// explicit setters mirroring the teacher's binarySerializerImpl's explicit
// field-by-field writes rather than a struct-tag/reflection marshaller.
type RequestBuilder struct {
	magic      Magic
	opcode     byte
	vbucket    uint16
	opaque     uint32
	cas        uint64
	datatype   Datatype
	extras     []byte
	key        []byte
	value      []byte
	frameInfos []FrameInfo
}

func NewRequestBuilder(opcode byte) *RequestBuilder {
	return &RequestBuilder{magic: MagicClientRequest, opcode: opcode}
}

func (b *RequestBuilder) Server() *RequestBuilder { b.magic = MagicServerRequest; return b }

func (b *RequestBuilder) Vbucket(v uint16) *RequestBuilder    { b.vbucket = v; return b }
func (b *RequestBuilder) Opaque(o uint32) *RequestBuilder     { b.opaque = o; return b }
func (b *RequestBuilder) Cas(c uint64) *RequestBuilder        { b.cas = c; return b }
func (b *RequestBuilder) Datatype(d Datatype) *RequestBuilder { b.datatype = d; return b }
func (b *RequestBuilder) Extras(e []byte) *RequestBuilder     { b.extras = e; return b }
func (b *RequestBuilder) Key(k []byte) *RequestBuilder        { b.key = k; return b }
func (b *RequestBuilder) Value(v []byte) *RequestBuilder      { b.value = v; return b }

// FrameInfo appends a framing-extras item and switches the builder to the
// alt-client-request magic, per spec.md §4.9 ("if a stream-id is attached,
// uses the alt-client-request magic").
func (b *RequestBuilder) FrameInfo(fi FrameInfo) *RequestBuilder {
	b.frameInfos = append(b.frameInfos, fi)
	if b.magic == MagicClientRequest {
		b.magic = MagicAltClientRequest
	} else if b.magic == MagicServerRequest {
		// server-request has no alt variant in the recognized magic set
		// (spec.md §6); frame-infos on server pushes travel in extras
		// instead when a producer needs them.
	}
	return b
}

// Build serializes the full frame.
func (b *RequestBuilder) Build() []byte {
	framingExtras := EncodeFrameInfos(b.frameInfos)
	bodyLen := len(framingExtras) + len(b.extras) + len(b.key) + len(b.value)

	h := Header{
		Magic:     b.magic,
		Opcode:    b.opcode,
		ExtrasLen: uint8(len(b.extras)),
		Datatype:  b.datatype,
		VbucketOrStatus: b.vbucket,
		BodyLen:   uint32(bodyLen),
		Opaque:    b.opaque,
		Cas:       b.cas,
	}
	if b.magic.IsAlt() {
		h.FramingExtrasLen = uint8(len(framingExtras))
		h.KeyLen = uint16(len(b.key))
	} else {
		h.KeyLen = uint16(len(b.key))
	}

	out := make([]byte, HeaderSize+bodyLen)
	PutHeader(out, h)
	off := HeaderSize
	off += copy(out[off:], framingExtras)
	off += copy(out[off:], b.extras)
	off += copy(out[off:], b.key)
	copy(out[off:], b.value)
	return out
}

// BuildSplit serializes the header/framing-extras/extras/key into head and
// returns the value separately instead of copying it into the same
// buffer, so a caller can chain the value onto a connection's output
// stream zero-copy (spec.md §4.9 point 2) instead of going through
// Build's single-copy path.
func (b *RequestBuilder) BuildSplit() (head, value []byte) {
	framingExtras := EncodeFrameInfos(b.frameInfos)
	bodyLen := len(framingExtras) + len(b.extras) + len(b.key) + len(b.value)

	h := Header{
		Magic:           b.magic,
		Opcode:          b.opcode,
		ExtrasLen:       uint8(len(b.extras)),
		Datatype:        b.datatype,
		VbucketOrStatus: b.vbucket,
		BodyLen:         uint32(bodyLen),
		Opaque:          b.opaque,
		Cas:             b.cas,
	}
	h.KeyLen = uint16(len(b.key))
	if b.magic.IsAlt() {
		h.FramingExtrasLen = uint8(len(framingExtras))
	}

	head = make([]byte, HeaderSize+bodyLen-len(b.value))
	PutHeader(head, h)
	off := HeaderSize
	off += copy(head[off:], framingExtras)
	off += copy(head[off:], b.extras)
	copy(head[off:], b.key)
	return head, b.value
}

// ResponseBuilder assembles an outbound response frame (spec.md §4.2
// Cookie.sendResponse, §4.9 CDC response producers).
type ResponseBuilder struct {
	magic      Magic
	opcode     byte
	status     uint16
	opaque     uint32
	cas        uint64
	datatype   Datatype
	extras     []byte
	key        []byte
	value      []byte
	frameInfos []FrameInfo
	server     bool
}

func NewResponseBuilder(opcode byte) *ResponseBuilder {
	return &ResponseBuilder{magic: MagicClientResponse, opcode: opcode}
}

func (b *ResponseBuilder) Server() *ResponseBuilder {
	b.magic = MagicServerResponse
	b.server = true
	return b
}

func (b *ResponseBuilder) Status(s uint16) *ResponseBuilder      { b.status = s; return b }
func (b *ResponseBuilder) Opaque(o uint32) *ResponseBuilder      { b.opaque = o; return b }
func (b *ResponseBuilder) Cas(c uint64) *ResponseBuilder         { b.cas = c; return b }
func (b *ResponseBuilder) Datatype(d Datatype) *ResponseBuilder  { b.datatype = d; return b }
func (b *ResponseBuilder) Extras(e []byte) *ResponseBuilder      { b.extras = e; return b }
func (b *ResponseBuilder) Key(k []byte) *ResponseBuilder         { b.key = k; return b }
func (b *ResponseBuilder) Value(v []byte) *ResponseBuilder       { b.value = v; return b }

func (b *ResponseBuilder) FrameInfo(fi FrameInfo) *ResponseBuilder {
	b.frameInfos = append(b.frameInfos, fi)
	if !b.server {
		b.magic = MagicAltClientResponse
	}
	return b
}

func (b *ResponseBuilder) Build() []byte {
	framingExtras := EncodeFrameInfos(b.frameInfos)
	bodyLen := len(framingExtras) + len(b.extras) + len(b.key) + len(b.value)

	h := Header{
		Magic:           b.magic,
		Opcode:          b.opcode,
		ExtrasLen:       uint8(len(b.extras)),
		Datatype:        b.datatype,
		VbucketOrStatus: b.status,
		BodyLen:         uint32(bodyLen),
		Opaque:          b.opaque,
		Cas:             b.cas,
	}
	if b.magic.IsAlt() {
		h.FramingExtrasLen = uint8(len(framingExtras))
		h.KeyLen = uint16(len(b.key))
	} else {
		h.KeyLen = uint16(len(b.key))
	}

	out := make([]byte, HeaderSize+bodyLen)
	PutHeader(out, h)
	off := HeaderSize
	off += copy(out[off:], framingExtras)
	off += copy(out[off:], b.extras)
	off += copy(out[off:], b.key)
	copy(out[off:], b.value)
	return out
}
