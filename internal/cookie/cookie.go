// Package cookie implements the per-in-flight-request state described in
// spec.md §3 "Cookie" / §4.2. A Connection owns one or more Cookies
// (more than one only when unordered execution is in effect, spec.md
// §4.4); each Cookie tracks exactly one request from read_packet_body
// through send_data.
package cookie

import (
	"github.com/google/uuid"

	"github.com/mcbpd/mcbpd/internal/errcode"
	"github.com/mcbpd/mcbpd/internal/wire"
)

// AsyncStatus is the async-io status slot spec.md §3 attaches to a
// Cookie: Idle until a command context suspends it, then Pending until
// the matching PendingIoResult arrives, then Complete.
type AsyncStatus int

const (
	AsyncIdle AsyncStatus = iota
	AsyncPending
	AsyncComplete
)

// Cookie is the state captured for one in-flight request (spec.md §3).
type Cookie struct {
	Packet wire.Frame
	Cas    uint64

	asyncStatus AsyncStatus
	blocked     bool
	reorder     bool

	dynamicBuffer []byte
	datatype      wire.Datatype

	// CommandContext is an opaque per-request slot for any value with a
	// Step() error method; cookie itself does not know its shape. (The
	// internal/cmdctx.Context interface has a different Step signature
	// and does not fit this slot.)
	CommandContext interface{ Step() error }

	errorContext    string
	eventID         string
	errorJSONExtras map[string]interface{}

	traceSpans []TraceSpan

	refcount uint8

	// EngineToken correlates a suspended cookie back to its
	// PendingIoResult (spec.md §3 "PendingIo entry").
	EngineToken interface{}
}

// TraceSpan is one named timing interval attached to a cookie (spec.md
// §3 "trace spans").
type TraceSpan struct {
	Name       string
	StartNanos int64
	EndNanos   int64
}

// New returns a zero-valued, idle Cookie ready for SetPacket.
func New() *Cookie {
	return &Cookie{asyncStatus: AsyncIdle}
}

// SetPacket installs the frame this cookie is now responsible for,
// resetting any leftover per-request state from a previous use of this
// cookie slot (spec.md §4.2: cookies are pooled per connection, not
// allocated per request).
func (c *Cookie) SetPacket(f wire.Frame) {
	c.Packet = f
	c.Cas = f.Header.Cas
	c.asyncStatus = AsyncIdle
	c.blocked = false
	c.dynamicBuffer = nil
	c.datatype = wire.DatatypeRaw
	c.CommandContext = nil
	c.errorContext = ""
	c.eventID = ""
	c.errorJSONExtras = nil
	c.traceSpans = nil
	c.reorder = wire.HasReorder(frameInfosOf(f))
}

func frameInfosOf(f wire.Frame) []wire.FrameInfo {
	if len(f.FramingExtras) == 0 {
		return nil
	}
	infos, err := wire.ValidateFrameInfos(f.FramingExtras)
	if err != nil {
		return nil
	}
	return infos
}

// Reorderable reports whether this cookie's request carried the Reorder
// frame-info, making it eligible for unordered execution (spec.md §4.4).
func (c *Cookie) Reorderable() bool { return c.reorder }

// Block marks the cookie as waiting on asynchronous engine I/O. The
// reactor must stop scheduling this connection's send path until Unblock
// is called (spec.md §4.8).
func (c *Cookie) Block() {
	c.blocked = true
	c.asyncStatus = AsyncPending
}

// Unblock clears the blocked flag once the engine delivers a
// PendingIoResult (spec.md §3).
func (c *Cookie) Unblock() {
	c.blocked = false
	c.asyncStatus = AsyncComplete
}

func (c *Cookie) Blocked() bool          { return c.blocked }
func (c *Cookie) AsyncStatus() AsyncStatus { return c.asyncStatus }

// SetDynamicBuffer installs an owned response-body buffer a command
// context built incrementally (e.g. stats, spec.md §6), distinct from a
// one-shot response value.
func (c *Cookie) SetDynamicBuffer(buf []byte) { c.dynamicBuffer = buf }
func (c *Cookie) DynamicBuffer() []byte        { return c.dynamicBuffer }

// SetDatatype records the datatype of the value an executor is about to
// return, since dispatch.Executor has no datatype out-param (spec.md
// §8 scenario 1: a GET response's datatype must mirror the stored
// item's, not always DatatypeRaw). The state machine's execute step
// reads it back through Datatype() and passes it to BuildResponse.
func (c *Cookie) SetDatatype(d wire.Datatype) { c.datatype = d }
func (c *Cookie) Datatype() wire.Datatype      { return c.datatype }

// SetErrorContext attaches a human-readable explanation for the error
// about to be sent, and mints a fresh event id if one is not already
// set (spec.md §4.2 "sendResponse ... rewrites the body to
// {error:{context,ref}}").
func (c *Cookie) SetErrorContext(context string) {
	c.errorContext = context
	if c.eventID == "" {
		c.eventID = uuid.NewString()
	}
}

// SetEventID overrides the auto-generated event id (used when the engine
// itself already minted one).
func (c *Cookie) SetEventID(id string) { c.eventID = id }

// SetErrorJSONExtras merges additional engine-supplied fields into the
// error JSON body (spec.md §4.2).
func (c *Cookie) SetErrorJSONExtras(extras map[string]interface{}) {
	c.errorJSONExtras = extras
}

func (c *Cookie) ErrorContext() string { return c.errorContext }
func (c *Cookie) EventID() string      { return c.eventID }

// IncRef/DecRef implement spec.md §3's saturating refcount: a cookie
// referenced by more than one in-flight async operation (e.g. a
// durability write awaiting majority ack plus a DCP notification) must
// not be recycled until every reference drops. It saturates at 255
// rather than wrapping, matching the original uint8 counter's clamp.
func (c *Cookie) IncRef() {
	if c.refcount < 255 {
		c.refcount++
	}
}

func (c *Cookie) DecRef() {
	if c.refcount > 0 {
		c.refcount--
	}
}

func (c *Cookie) RefCount() uint8 { return c.refcount }

// StartSpan appends a new open trace span and returns its index for a
// matching EndSpan call.
func (c *Cookie) StartSpan(name string, nowNanos int64) int {
	c.traceSpans = append(c.traceSpans, TraceSpan{Name: name, StartNanos: nowNanos})
	return len(c.traceSpans) - 1
}

func (c *Cookie) EndSpan(idx int, nowNanos int64) {
	if idx < 0 || idx >= len(c.traceSpans) {
		return
	}
	c.traceSpans[idx].EndNanos = nowNanos
}

func (c *Cookie) TraceSpans() []TraceSpan { return c.traceSpans }

// BuildResponse assembles the outbound frame for this cookie's request,
// rewriting the body to a {"error":{"context":...,"ref":...}} JSON
// object when status is an error status and extended error context has
// been set (spec.md §4.2 Cookie.sendResponse).
func (c *Cookie) BuildResponse(status errcode.Status, extras, value []byte, cas uint64, datatype wire.Datatype) []byte {
	b := wire.NewResponseBuilder(c.Packet.Header.Opcode).
		Opaque(c.Packet.Header.Opaque).
		Status(uint16(status)).
		Cas(cas).
		Extras(extras)

	if errcode.IsSuccessLike(status) || c.errorContext == "" {
		b.Value(value).Datatype(datatype)
		return b.Build()
	}

	body := buildErrorJSON(c.errorContext, c.eventID, c.errorJSONExtras)
	b.Value(body).Datatype(wire.DatatypeJSON)
	return b.Build()
}
