package conn

import (
	"net"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/mcbpd/mcbpd/internal/cookie"
	"github.com/mcbpd/mcbpd/internal/rbac"
	"github.com/mcbpd/mcbpd/internal/serverevent"
	"github.com/mcbpd/mcbpd/internal/stats"
	"github.com/mcbpd/mcbpd/pkg/config"
)

// Priority selects which configured work budget a connection's
// maybeYield draws from (spec.md §4.3 "setPriority").
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Features is the negotiated HELO capability set (spec.md §6).
type Features struct {
	MutationExtras            bool
	XError                    bool
	TCPNoDelay                bool
	UnorderedExecution        bool
	Tracing                   bool
	Collections               bool
	Duplex                    bool
	Snappy                    bool
	JSON                      bool
	ClusterMapChangeNotif     bool
}

// ErrTooBig is returned by CopyToOutputStream when the send buffer has
// no room left (spec.md §4.3).
type errTooBig struct{}

func (errTooBig) Error() string { return "conn: output stream full" }

var ErrTooBig error = errTooBig{}

// outputSegment is one entry in the vectored output queue (spec.md §9:
// "model as a vectored output queue of (bytes, releaseCallback)
// segments").
type outputSegment struct {
	data    []byte
	release func()
}

// watchdog tracks the send-buffer-stall state spec.md §4.3 describes.
type watchdog struct {
	lastSize  int
	since     time.Time
	termFlag  bool
}

// Connection is a single client session bound to exactly one reactor for
// its whole life (spec.md §5 "pinned to a worker for life").
type Connection struct {
	mu sync.Mutex

	raw      net.Conn
	System   bool
	MaxPacketSize int

	recvBuf []byte

	outMu   sync.Mutex
	outputQ []outputSegment
	outputQSize int
	maxOutputQBytes int

	Features Features
	Priv     *rbac.Context

	cookies []*cookie.Cookie

	Events *serverevent.Queue
	Stats  *stats.Connection

	budget        int
	budgetByPrio  config.WorkBudgets
	priority      Priority

	watchdog    watchdog
	grace       struct{ ready, notReady time.Duration }
	bucketReady bool

	refCount int
	closed   bool
}

// New wires a freshly-accepted net.Conn into a Connection (spec.md §4.4
// initial state is decided by the caller: tls_init vs new_cmd).
func New(raw net.Conn, maxPacketSize int, budgets config.WorkBudgets, cfg config.ServerConfig) *Connection {
	c := &Connection{
		raw:             raw,
		MaxPacketSize:   maxPacketSize,
		Events:          serverevent.NewQueue(),
		Stats:           stats.NewConnection(60_000_000_000),
		budgetByPrio:    budgets,
		priority:        PriorityMedium,
		maxOutputQBytes: maxPacketSize * 4,
	}
	c.grace.ready = cfg.SendQueueGraceReady
	c.grace.notReady = cfg.SendQueueGraceNotReady
	c.bucketReady = true
	c.SetPriority(PriorityMedium)
	return c
}

// SetPriority remaps the work budget (spec.md §4.3).
func (c *Connection) SetPriority(p Priority) {
	c.priority = p
	c.budget = c.budgetByPrio.For(priorityToConfig(p))
}

func priorityToConfig(p Priority) config.Priority {
	switch p {
	case PriorityHigh:
		return config.PriorityHigh
	case PriorityLow:
		return config.PriorityLow
	default:
		return config.PriorityMedium
	}
}

// MaybeYield decrements the per-event work budget; when exhausted it
// resets the budget and reports true so the caller returns to the event
// loop (spec.md §4.3).
func (c *Connection) MaybeYield() bool {
	c.budget--
	if c.budget <= 0 {
		c.budget = c.budgetByPrio.For(priorityToConfig(c.priority))
		return true
	}
	return false
}

// CopyToOutputStream copies data into the send queue (spec.md §4.3).
func (c *Connection) CopyToOutputStream(data []byte) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.outputQSize+len(data) > c.maxOutputQBytes {
		return ErrTooBig
	}
	cp := append([]byte(nil), data...)
	c.outputQ = append(c.outputQ, outputSegment{data: cp})
	c.outputQSize += len(cp)
	return nil
}

// ChainDataToOutputStream zero-copy-attaches a borrowed region with a
// release callback invoked once the bytes are sent or the connection is
// torn down (spec.md §4.3, §4.9 "chained zero-copy segments").
func (c *Connection) ChainDataToOutputStream(data []byte, release func()) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.outputQSize+len(data) > c.maxOutputQBytes {
		return ErrTooBig
	}
	c.outputQ = append(c.outputQ, outputSegment{data: data, release: release})
	c.outputQSize += len(data)
	return nil
}

// TransmitResult mirrors spec.md §4.4's send_data outcomes.
type TransmitResult int

const (
	TransmitComplete TransmitResult = iota
	TransmitIncomplete
	TransmitSoftError
	TransmitHardError
)

// Transmit drains as much of the output queue as the socket will accept
// right now (spec.md §4.4 "drive transmit()").
func (c *Connection) Transmit() TransmitResult {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	for len(c.outputQ) > 0 {
		seg := c.outputQ[0]
		n, err := c.raw.Write(seg.data)
		if err != nil {
			if isTemporary(err) {
				c.outputQ[0].data = seg.data[n:]
				c.updateWatchdog()
				return TransmitSoftError
			}
			return TransmitHardError
		}
		if n < len(seg.data) {
			c.outputQ[0].data = seg.data[n:]
			c.updateWatchdog()
			return TransmitIncomplete
		}
		if seg.release != nil {
			seg.release()
		}
		c.outputQSize -= len(seg.data)
		c.outputQ = c.outputQ[1:]
	}
	c.watchdog = watchdog{}
	return TransmitComplete
}

func isTemporary(err error) bool {
	type temporary interface{ Temporary() bool }
	if t, ok := err.(temporary); ok {
		return t.Temporary()
	}
	return false
}

// SetBucketReady records the bound bucket's Ready state so updateWatchdog
// can tighten the stall grace window while the bucket is Creating or
// Destroying (spec.md §3 "When not Ready, the send-queue stall timeout
// tightens from 29s to 1s"). internal/statemachine calls this once per
// Run pass, since Connection has no bucket reference of its own.
func (c *Connection) SetBucketReady(ready bool) { c.bucketReady = ready }

// updateWatchdog implements spec.md §4.3's stall-detection tuple: if the
// send buffer is non-empty, non-changing, and the grace window has
// passed, term is set. The grace window itself shrinks while the bound
// bucket is not Ready (spec.md §3).
func (c *Connection) updateWatchdog() {
	size := c.outputQSize
	now := time.Now()
	if c.watchdog.lastSize != size || c.watchdog.since.IsZero() {
		c.watchdog.lastSize = size
		c.watchdog.since = now
		return
	}
	grace := c.grace.ready
	if !c.bucketReady {
		grace = c.grace.notReady
	}
	if now.Sub(c.watchdog.since) > grace {
		c.watchdog.termFlag = true
	}
}

// WatchdogTripped reports whether the send-queue stall watchdog fired
// (spec.md §4.3, §8 scenario 6).
func (c *Connection) WatchdogTripped() bool { return c.watchdog.termFlag }

// OutputPending reports whether the send queue has unflushed bytes.
func (c *Connection) OutputPending() bool {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.outputQSize > 0
}

// CloseResult mirrors spec.md §4.3's close() outcomes.
type CloseResult int

const (
	CloseFinalized CloseResult = iota
	CloseDeferred
)

// AnyCookieBlocked reports whether a cookie on this connection is still
// waiting on engine completion.
func (c *Connection) AnyCookieBlocked() bool {
	for _, ck := range c.cookies {
		if ck.Blocked() {
			return true
		}
	}
	return false
}

// Close implements spec.md §4.3's close(): Deferred iff a cookie is
// blocked, refcount > 1, or the send buffer is non-empty without the
// watchdog's term flag set.
func (c *Connection) Close() CloseResult {
	if c.watchdog.termFlag {
		c.finalize()
		return CloseFinalized
	}
	if c.AnyCookieBlocked() || c.refCount > 1 || c.OutputPending() {
		return CloseDeferred
	}
	c.finalize()
	return CloseFinalized
}

func (c *Connection) finalize() {
	if c.closed {
		return
	}
	c.closed = true
	for _, seg := range c.outputQ {
		if seg.release != nil {
			seg.release()
		}
	}
	c.outputQ = nil
	_ = c.raw.Close()
}

// RawConn exposes the underlying net.Conn so a reactor's reader-pump
// goroutine can block on Read() without reaching into Connection
// internals otherwise (spec.md §4.5).
func (c *Connection) RawConn() net.Conn { return c.raw }

// AddCookie registers a cookie slot (spec.md §4.4: "cookies live in a
// fixed-size array within their connection", relaxed here to a growable
// slice since Go slices already give arena-like contiguous storage).
func (c *Connection) AddCookie(ck *cookie.Cookie) { c.cookies = append(c.cookies, ck) }
func (c *Connection) Cookies() []*cookie.Cookie    { return c.cookies }

// RemoveCookie drops a cookie slot once its response has been fully
// queued (spec.md §3 Cookie lifecycle: "destroyed when its response is
// fully queued (for reorder) or when the connection advances to the next
// request (for ordered mode)").
func (c *Connection) RemoveCookie(ck *cookie.Cookie) {
	for i, cand := range c.cookies {
		if cand == ck {
			c.cookies = append(c.cookies[:i], c.cookies[i+1:]...)
			return
		}
	}
}

// IncRef/DecRef track outstanding references beyond the state machine's
// own hold on the connection (e.g. a CDC stream keeping it alive).
func (c *Connection) IncRef() { c.refCount++ }
func (c *Connection) DecRef() {
	if c.refCount > 0 {
		c.refCount--
	}
}

// Enqueue implements authmgr.Provider, letting the external auth
// manager push an event onto this connection's server-event queue
// without reaching into its internals.
func (c *Connection) Enqueue(e serverevent.Event) { c.Events.Push(e) }

// SendServerRequest builds and queues a server-request frame, the
// primitive serverevent.Event implementations use to push messages
// (spec.md §4.9, §4.10).
func (c *Connection) SendServerRequest(opcode byte, extras, key, value []byte) error {
	raw := buildServerRequest(opcode, extras, key, value)
	return c.CopyToOutputStream(raw)
}

// CompressIfNegotiated snappy-compresses value when the connection
// negotiated the snappy HELO feature and compression would help, mapping
// the teacher's dependency closure's golang/snappy onto spec.md §6's
// datatype-snappy bit. Called from internal/statemachine's response path
// once per outbound value; the engine always stores canonical
// (decompressed) bytes, so recompression is decided per requesting
// connection rather than once at store time.
func (c *Connection) CompressIfNegotiated(value []byte) (out []byte, compressed bool) {
	if !c.Features.Snappy || len(value) == 0 {
		return value, false
	}
	compressedOut := snappy.Encode(nil, value)
	if len(compressedOut) >= len(value) {
		return value, false
	}
	return compressedOut, true
}
