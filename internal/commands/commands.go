// Package commands assembles the static dispatch table (spec.md §4.7
// "Command Dispatch (C7)") for the opcode set this core implements:
// Get/Set/Add/Replace/Delete/Touch/GAT/Noop/Stat/Helo, the arithmetic and
// concatenation verbs, single-path subdocument access, and (via
// RegisterSasl) the SASL family relayed through the external auth
// manager. It is grounded on the teacher's cmd/kv command surface, which
// exposes the same verbs over RPC, translated here into the wire
// protocol's opcodes.
package commands

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/golang/snappy"

	"github.com/mcbpd/mcbpd/internal/authmgr"
	"github.com/mcbpd/mcbpd/internal/cdc"
	"github.com/mcbpd/mcbpd/internal/cmdctx"
	"github.com/mcbpd/mcbpd/internal/conn"
	"github.com/mcbpd/mcbpd/internal/cookie"
	"github.com/mcbpd/mcbpd/internal/dispatch"
	"github.com/mcbpd/mcbpd/internal/engine"
	"github.com/mcbpd/mcbpd/internal/errcode"
	"github.com/mcbpd/mcbpd/internal/rbac"
	"github.com/mcbpd/mcbpd/internal/wire"
)

// Opcodes follows the memcached binary protocol's standard assignments.
const (
	OpGet           byte = 0x00
	OpSet           byte = 0x01
	OpAdd           byte = 0x02
	OpReplace       byte = 0x03
	OpDelete        byte = 0x04
	OpIncrement     byte = 0x05
	OpDecrement     byte = 0x06
	OpNoop          byte = 0x0a
	OpVersion       byte = 0x0b
	OpAppend        byte = 0x0e
	OpPrepend       byte = 0x0f
	OpStat          byte = 0x10
	OpTouch         byte = 0x1c
	OpGAT           byte = 0x1d
	OpHelo          byte = 0x1f
	OpSaslListMechs byte = 0x20
	OpSaslAuth      byte = 0x21
	OpSaslStep      byte = 0x22
	OpSubdocGet     byte = 0xc5
	OpSubdocCounter byte = 0xcf
)

// subdocMkdoc is the flags bit (spec.md §8 scenario 4) requesting a
// fresh document be allocated when the target key does not exist.
const subdocMkdoc byte = 0x01

// OpDcpOpen starts a CDC stream on the issuing connection (spec.md
// §4.9); chosen in the same server-push opcode range as internal/cdc's
// event opcodes rather than colliding with a real memcached DCP_OPEN
// value, since this module invents its own numbering (spec.md leaves
// wire-level opcode values unspecified).
const OpDcpOpen byte = 0x5f

// Feature codes recognized by the HELO handshake (spec.md §6 "Recognized
// features"). Values are this module's own numbering; spec.md does not
// mandate specific wire codes.
const (
	featureMutationExtras        uint16 = 1
	featureXError                uint16 = 2
	featureTCPNoDelay            uint16 = 3
	featureUnorderedExecution    uint16 = 4
	featureTracing               uint16 = 5
	featureCollections           uint16 = 6
	featureDuplex                uint16 = 7
	featureSnappy                uint16 = 8
	featureJSON                  uint16 = 9
	featureClusterMapChangeNotif uint16 = 10
)

// BuildTable constructs the dispatch table for the opcode set this
// daemon implements, routing anything else through UnknownCommand
// (spec.md §4.7 "Unknown opcode").
func BuildTable() *dispatch.Table {
	t := dispatch.NewTable()

	t.Register(dispatch.Entry{
		Opcode:      OpGet,
		Name:        "get",
		Privileges:  []rbac.Privilege{rbac.PrivRead},
		Executor:    executeGet,
		ReorderSafe: true,
	})
	t.Register(dispatch.Entry{
		Opcode:     OpSet,
		Name:       "set",
		Validator:  validateMutationExtras,
		Privileges: []rbac.Privilege{rbac.PrivWrite},
		Executor:   executeSet,
	})
	t.Register(dispatch.Entry{
		Opcode:     OpAdd,
		Name:       "add",
		Validator:  validateMutationExtras,
		Privileges: []rbac.Privilege{rbac.PrivWrite},
		Executor:   executeAdd,
	})
	t.Register(dispatch.Entry{
		Opcode:     OpReplace,
		Name:       "replace",
		Validator:  validateMutationExtras,
		Privileges: []rbac.Privilege{rbac.PrivWrite},
		Executor:   executeReplace,
	})
	t.Register(dispatch.Entry{
		Opcode:     OpDelete,
		Name:       "delete",
		Privileges: []rbac.Privilege{rbac.PrivWrite},
		Executor:   executeDelete,
	})
	t.Register(dispatch.Entry{
		Opcode:      OpNoop,
		Name:        "noop",
		Executor:    executeNoop,
		ReorderSafe: true,
	})
	t.Register(dispatch.Entry{
		Opcode:      OpVersion,
		Name:        "version",
		Executor:    executeVersion,
		ReorderSafe: true,
	})
	t.Register(dispatch.Entry{
		Opcode:     OpStat,
		Name:       "stat",
		Privileges: []rbac.Privilege{rbac.PrivStats},
		Executor:   executeStat,
	})
	t.Register(dispatch.Entry{
		Opcode:     OpTouch,
		Name:       "touch",
		Validator:  validateTouchExtras,
		Privileges: []rbac.Privilege{rbac.PrivWrite},
		Executor:   executeTouch,
	})
	t.Register(dispatch.Entry{
		Opcode:     OpGAT,
		Name:       "gat",
		Validator:  validateTouchExtras,
		Privileges: []rbac.Privilege{rbac.PrivRead, rbac.PrivWrite},
		Executor:   executeGAT,
	})
	t.Register(dispatch.Entry{
		Opcode:     OpAppend,
		Name:       "append",
		Privileges: []rbac.Privilege{rbac.PrivWrite},
		Executor:   executeAppend,
	})
	t.Register(dispatch.Entry{
		Opcode:     OpPrepend,
		Name:       "prepend",
		Privileges: []rbac.Privilege{rbac.PrivWrite},
		Executor:   executePrepend,
	})
	t.Register(dispatch.Entry{
		Opcode:     OpIncrement,
		Name:       "increment",
		Validator:  validateArithExtras,
		Privileges: []rbac.Privilege{rbac.PrivWrite},
		Executor:   executeIncrement,
	})
	t.Register(dispatch.Entry{
		Opcode:     OpDecrement,
		Name:       "decrement",
		Validator:  validateArithExtras,
		Privileges: []rbac.Privilege{rbac.PrivWrite},
		Executor:   executeDecrement,
	})
	t.Register(dispatch.Entry{
		Opcode:     OpSubdocGet,
		Name:       "subdoc_get",
		Validator:  validateSubdocExtras,
		Privileges: []rbac.Privilege{rbac.PrivRead},
		Executor:   executeSubdocGet,
	})
	t.Register(dispatch.Entry{
		Opcode:     OpSubdocCounter,
		Name:       "subdoc_counter",
		Validator:  validateSubdocExtras,
		Privileges: []rbac.Privilege{rbac.PrivWrite},
		Executor:   executeSubdocCounter,
	})
	t.Register(dispatch.Entry{
		Opcode:       OpHelo,
		Name:         "helo",
		ConnExecutor: executeHelo,
		ReorderSafe:  true,
	})
	t.Register(dispatch.Entry{
		Opcode:       OpDcpOpen,
		Name:         "dcp_open",
		ConnExecutor: executeDcpOpen,
	})

	t.Unknown = func(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
		respExtras, respValue, code := b.UnknownCommand(ctx, ck.Packet.Header.Opcode, ck.Packet.Key, ck.Packet.Extras, ck.Packet.Value)
		return respExtras, respValue, 0, code
	}

	return t
}

// saslMechs is the fixed mechanism list this daemon advertises; spec.md
// §4.10 leaves mechanism negotiation itself out of scope, so this build
// offers the one mechanism its loopback Provider (cmd/mcbpd/serve)
// understands.
const saslMechs = "PLAIN"

// RegisterSasl adds the SASL opcode family (spec.md §4.10 "External Auth
// Manager") to table, relaying every step through mgr rather than
// authenticating locally. Kept separate from BuildTable because mgr has
// no sensible zero value: a caller that never registers an external auth
// provider simply never calls this, and the three opcodes fall through to
// Unknown.
func RegisterSasl(t *dispatch.Table, mgr *authmgr.Manager) {
	t.Register(dispatch.Entry{
		Opcode:      OpSaslListMechs,
		Name:        "sasl_list_mechs",
		Executor:    executeSaslListMechs,
		ReorderSafe: true,
	})
	t.Register(dispatch.Entry{
		Opcode:   OpSaslAuth,
		Name:     "sasl_auth",
		Executor: saslExecutor(mgr),
	})
	t.Register(dispatch.Entry{
		Opcode:   OpSaslStep,
		Name:     "sasl_step",
		Executor: saslExecutor(mgr),
	})
}

func executeSaslListMechs(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	return nil, []byte(saslMechs), 0, errcode.Success
}

// saslExecutor relays one SASL_AUTH/SASL_STEP frame to mgr.Authenticate,
// blocking the calling reactor goroutine for the round trip (spec.md
// §4.10: "its task is suspended" — here "suspended" is the Go-native
// blocking channel receive inside Authenticate rather than an explicit
// EWouldBlock/resume cycle, since the manager's provider relay is itself
// synchronous from the worker's point of view once enqueued).
func saslExecutor(mgr *authmgr.Manager) dispatch.Executor {
	return func(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
		mechanism := string(ck.Packet.Key)
		resp, err := mgr.Authenticate(mechanism, ck.Packet.Value)
		if err != nil {
			return nil, nil, 0, errcode.EAccess
		}
		identity, ok := authmgr.PlainIdentity(mechanism, ck.Packet.Value)
		if !ok {
			identity = mechanism
		}
		mgr.MarkActiveUser(identity)
		return nil, resp, 0, errcode.Success
	}
}

func validateMutationExtras(f wire.Frame) errcode.Code {
	if len(f.Extras) != 8 {
		return errcode.EInval
	}
	if len(f.Key) == 0 {
		return errcode.EInval
	}
	return errcode.Success
}

func validateTouchExtras(f wire.Frame) errcode.Code {
	if len(f.Extras) != 4 {
		return errcode.EInval
	}
	if len(f.Key) == 0 {
		return errcode.EInval
	}
	return errcode.Success
}

// validateArithExtras checks the fixed 20-byte incr/decr extras: delta
// (u64), initial value (u64), expiration (u32).
func validateArithExtras(f wire.Frame) errcode.Code {
	if len(f.Extras) != 20 {
		return errcode.EInval
	}
	if len(f.Key) == 0 {
		return errcode.EInval
	}
	return errcode.Success
}

// validateSubdocExtras checks the subdoc extras shape: path length (u16)
// plus a one-byte flags field (spec.md §4.8 "two operation phases").
func validateSubdocExtras(f wire.Frame) errcode.Code {
	if len(f.Extras) != 3 {
		return errcode.EInval
	}
	if len(f.Key) == 0 {
		return errcode.EInval
	}
	pathLen := int(binary.BigEndian.Uint16(f.Extras[0:2]))
	if pathLen == 0 || pathLen > len(f.Value) {
		return errcode.EInval
	}
	return errcode.Success
}

func executeGet(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	info, code := b.Get(ctx, ck.Packet.Header.Vbucket(), ck.Packet.Key)
	if code != errcode.Success {
		return nil, nil, 0, code
	}
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, info.Flags)
	ck.SetDatatype(wire.Datatype(info.Datatype))
	return extras, info.Value, info.Cas, errcode.Success
}

// decompressInbound undoes a client-supplied snappy payload before the
// value ever reaches the engine, so every item a bucket holds is stored
// canonically (spec.md §6 datatype bits are tracked, but storage is
// always of the raw bytes); the JSON/xattr bits of datatype survive,
// only the snappy bit is cleared. Outbound re-compression happens later,
// per requesting connection, in internal/statemachine's response path.
func decompressInbound(value []byte, datatype byte) ([]byte, byte, errcode.Code) {
	dt := wire.Datatype(datatype)
	if !dt.HasSnappy() || len(value) == 0 {
		return value, datatype, errcode.Success
	}
	raw, err := snappy.Decode(nil, value)
	if err != nil {
		return nil, 0, errcode.EInval
	}
	return raw, byte(dt &^ wire.DatatypeSnappy), errcode.Success
}

func executeSet(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	flags := binary.BigEndian.Uint32(ck.Packet.Extras[0:4])
	expiration := binary.BigEndian.Uint32(ck.Packet.Extras[4:8])
	value, datatype, code := decompressInbound(ck.Packet.Value, byte(ck.Packet.Header.Datatype))
	if code != errcode.Success {
		return nil, nil, 0, code
	}
	newCas, code := b.Store(ctx, ck.Packet.Header.Vbucket(), ck.Packet.Key, value, flags, expiration, datatype, ck.Packet.Header.Cas)
	return nil, nil, newCas, code
}

func executeAdd(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	if _, code := b.Get(ctx, ck.Packet.Header.Vbucket(), ck.Packet.Key); code == errcode.Success {
		return nil, nil, 0, errcode.KeyExists
	}
	flags := binary.BigEndian.Uint32(ck.Packet.Extras[0:4])
	expiration := binary.BigEndian.Uint32(ck.Packet.Extras[4:8])
	value, datatype, code := decompressInbound(ck.Packet.Value, byte(ck.Packet.Header.Datatype))
	if code != errcode.Success {
		return nil, nil, 0, code
	}
	newCas, code := b.Store(ctx, ck.Packet.Header.Vbucket(), ck.Packet.Key, value, flags, expiration, datatype, 0)
	return nil, nil, newCas, code
}

func executeReplace(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	if _, code := b.Get(ctx, ck.Packet.Header.Vbucket(), ck.Packet.Key); code != errcode.Success {
		return nil, nil, 0, errcode.KeyNotFound
	}
	flags := binary.BigEndian.Uint32(ck.Packet.Extras[0:4])
	expiration := binary.BigEndian.Uint32(ck.Packet.Extras[4:8])
	value, datatype, code := decompressInbound(ck.Packet.Value, byte(ck.Packet.Header.Datatype))
	if code != errcode.Success {
		return nil, nil, 0, code
	}
	newCas, code := b.Store(ctx, ck.Packet.Header.Vbucket(), ck.Packet.Key, value, flags, expiration, datatype, ck.Packet.Header.Cas)
	return nil, nil, newCas, code
}

func executeDelete(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	code := b.Remove(ctx, ck.Packet.Header.Vbucket(), ck.Packet.Key, ck.Packet.Header.Cas)
	return nil, nil, 0, code
}

func executeNoop(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	return nil, nil, 0, errcode.Success
}

func executeVersion(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	return nil, []byte("mcbpd-0.1.0"), 0, errcode.Success
}

func executeStat(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	stats, code := b.Stats(ctx, string(ck.Packet.Key))
	if code != errcode.Success {
		return nil, nil, 0, code
	}
	for k, v := range stats {
		ck.SetDynamicBuffer(append(ck.DynamicBuffer(), []byte(k+"="+v+"\n")...))
	}
	return nil, ck.DynamicBuffer(), 0, errcode.Success
}

func executeTouch(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	expiration := binary.BigEndian.Uint32(ck.Packet.Extras[0:4])
	info, code := b.GetAndTouch(ctx, ck.Packet.Header.Vbucket(), ck.Packet.Key, expiration)
	return nil, nil, info.Cas, code
}

func executeGAT(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	expiration := binary.BigEndian.Uint32(ck.Packet.Extras[0:4])
	info, code := b.GetAndTouch(ctx, ck.Packet.Header.Vbucket(), ck.Packet.Key, expiration)
	if code != errcode.Success {
		return nil, nil, 0, code
	}
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, info.Flags)
	ck.SetDatatype(wire.Datatype(info.Datatype))
	return extras, info.Value, info.Cas, errcode.Success
}

// executeAppend and executePrepend drive a compute-from-current mutation
// through cmdctx.MutationContext (spec.md §4.8), which retries
// transparently on a concurrent CAS mismatch up to 100 times.
func executeAppend(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	return stepConcat(ctx, b, ck, false)
}

func executePrepend(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	return stepConcat(ctx, b, ck, true)
}

func stepConcat(ctx context.Context, b engine.Bucket, ck *cookie.Cookie, prepend bool) ([]byte, []byte, uint64, errcode.Code) {
	mc := &cmdctx.MutationContext{
		Bucket:  b,
		Vbucket: ck.Packet.Header.Vbucket(),
		Key:     ck.Packet.Key,
		Compute: func(current *engine.ItemInfo) ([]byte, uint32, uint32, byte, bool, errcode.Code) {
			if current == nil {
				return nil, 0, 0, 0, false, errcode.NotStored
			}
			var newVal []byte
			if prepend {
				newVal = append(append([]byte(nil), ck.Packet.Value...), current.Value...)
			} else {
				newVal = append(append([]byte(nil), current.Value...), ck.Packet.Value...)
			}
			return newVal, current.Flags, current.Expiration, current.Datatype, true, errcode.Success
		},
	}
	_, code := mc.Step(ctx)
	return nil, nil, mc.NewCas, code
}

// executeIncrement and executeDecrement implement the arithmetic verbs
// via the same MutationContext retry loop, computing the new ascii
// counter value from the currently-stored one.
func executeIncrement(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	return stepArith(ctx, b, ck, true)
}

func executeDecrement(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	return stepArith(ctx, b, ck, false)
}

func stepArith(ctx context.Context, b engine.Bucket, ck *cookie.Cookie, increment bool) ([]byte, []byte, uint64, errcode.Code) {
	delta := binary.BigEndian.Uint64(ck.Packet.Extras[0:8])
	initial := binary.BigEndian.Uint64(ck.Packet.Extras[8:16])
	expiration := binary.BigEndian.Uint32(ck.Packet.Extras[16:20])

	var result uint64
	mc := &cmdctx.MutationContext{
		Bucket:  b,
		Vbucket: ck.Packet.Header.Vbucket(),
		Key:     ck.Packet.Key,
		Compute: func(current *engine.ItemInfo) ([]byte, uint32, uint32, byte, bool, errcode.Code) {
			if current == nil {
				result = initial
			} else {
				parsed, err := strconv.ParseUint(strings.TrimSpace(string(current.Value)), 10, 64)
				if err != nil {
					return nil, 0, 0, 0, false, errcode.DeltaBadVal
				}
				if increment {
					result = parsed + delta
				} else if delta > parsed {
					result = 0
				} else {
					result = parsed - delta
				}
			}
			exp := expiration
			if current != nil {
				exp = current.Expiration
			}
			return []byte(strconv.FormatUint(result, 10)), 0, exp, 0, true, errcode.Success
		},
	}
	_, code := mc.Step(ctx)
	if code != errcode.Success {
		return nil, nil, 0, code
	}
	respValue := make([]byte, 8)
	binary.BigEndian.PutUint64(respValue, result)
	return nil, respValue, mc.NewCas, errcode.Success
}

// executeSubdocGet reads a single JSON path without mutating the
// document, using the same dotted-path navigation subdocCounterApply
// shares for mutation.
func executeSubdocGet(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	path, _, code := parseSubdocExtras(ck)
	if code != errcode.Success {
		return nil, nil, 0, code
	}
	info, code := b.Get(ctx, ck.Packet.Header.Vbucket(), ck.Packet.Key)
	if code != errcode.Success {
		return nil, nil, 0, code
	}
	val, code := subdocReadPath(info.Value, path)
	if code != errcode.Success {
		return nil, nil, 0, code
	}
	return nil, val, info.Cas, errcode.Success
}

// executeSubdocCounter implements spec.md §8 scenario 4: a subdocument
// arithmetic operation on a dotted JSON path, allocating a fresh
// document via cmdctx.SubdocContext's MkDoc path when the key is absent
// and the Mkdoc flag is set.
func executeSubdocCounter(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	path, flags, code := parseSubdocExtras(ck)
	if code != errcode.Success {
		return nil, nil, 0, code
	}
	deltaStr := string(ck.Packet.Value[int(binary.BigEndian.Uint16(ck.Packet.Extras[0:2])):])
	delta, err := strconv.ParseInt(strings.TrimSpace(deltaStr), 10, 64)
	if err != nil {
		return nil, nil, 0, errcode.EInval
	}

	var newVal int64
	sub := &cmdctx.SubdocContext{
		Bucket:   b,
		Vbucket:  ck.Packet.Header.Vbucket(),
		Key:      ck.Packet.Key,
		Cas:      ck.Packet.Header.Cas,
		MkDoc:    flags&subdocMkdoc != 0,
		EmptyDoc: []byte("{}"),
		BodyOps: []cmdctx.SubdocOperation{{
			Path:  path,
			Apply: subdocCounterApply(delta, &newVal),
		}},
	}
	_, result := sub.Step(ctx)
	if result != errcode.Success {
		return nil, nil, 0, result
	}
	return nil, []byte(strconv.FormatInt(newVal, 10)), sub.NewCas, errcode.Success
}

// executeHelo negotiates the connection's feature set (spec.md §6 "HELO
// handshake"): the client sends a list of u16 feature codes in the
// packet value, and the server flips on the subset it recognizes,
// echoing the accepted codes back. Needs the Connection itself (not just
// the Bucket/Cookie pair every other executor gets), hence ConnExecutor.
func executeHelo(ctx context.Context, c *conn.Connection, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	val := ck.Packet.Value
	if len(val)%2 != 0 {
		return nil, nil, 0, errcode.EInval
	}
	accepted := make([]byte, 0, len(val))
	for i := 0; i+2 <= len(val); i += 2 {
		code := binary.BigEndian.Uint16(val[i : i+2])
		if !applyFeature(c, code) {
			continue
		}
		accepted = binary.BigEndian.AppendUint16(accepted, code)
	}
	return nil, accepted, 0, errcode.Success
}

// applyFeature flips on the Features field code names, reporting whether
// code was recognized.
func applyFeature(c *conn.Connection, code uint16) bool {
	switch code {
	case featureMutationExtras:
		c.Features.MutationExtras = true
	case featureXError:
		c.Features.XError = true
	case featureTCPNoDelay:
		c.Features.TCPNoDelay = true
	case featureUnorderedExecution:
		c.Features.UnorderedExecution = true
	case featureTracing:
		c.Features.Tracing = true
	case featureCollections:
		c.Features.Collections = true
	case featureDuplex:
		c.Features.Duplex = true
	case featureSnappy:
		c.Features.Snappy = true
	case featureJSON:
		c.Features.JSON = true
	case featureClusterMapChangeNotif:
		c.Features.ClusterMapChangeNotif = true
	default:
		return false
	}
	return true
}

// executeDcpOpen starts a CDC stream on the issuing connection (spec.md
// §4.9): opens a stream handle on the bucket's CDC engine, binds a
// cdc.Shim to the connection's output stream as the StreamObserver, and
// replays the bucket's current contents into it as one stream on the
// request header's vbucket before returning Success — at which point internal/statemachine's
// StateShipLog takes over draining whatever the shim already queued.
// The stream name is the packet key; extras carries the u32 open flags.
func executeDcpOpen(ctx context.Context, c *conn.Connection, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
	if len(ck.Packet.Extras) != 4 {
		return nil, nil, 0, errcode.EInval
	}
	flags := binary.BigEndian.Uint32(ck.Packet.Extras[0:4])

	handle, err := b.CDC().Open(ctx, flags, string(ck.Packet.Key))
	if err != nil {
		return nil, nil, 0, errcode.TmpFail
	}

	streamID := uint16(handle)
	hasSID := false
	if infos, err := wire.ValidateFrameInfos(ck.Packet.FramingExtras); err == nil {
		if id, ok := wire.DcpStreamID(infos); ok {
			streamID, hasSID = id, true
		}
	}
	shim := cdc.New(c, streamID, hasSID)
	req := engine.StreamRequest{Vbucket: ck.Packet.Header.Vbucket(), EndSeqNo: ^uint64(0)}
	if err := b.CDC().AddStream(ctx, handle, req.Vbucket, flags); err != nil {
		return nil, nil, 0, errcode.TmpFail
	}
	if err := b.CDC().StreamReq(ctx, handle, req, shim); err != nil {
		return nil, nil, 0, errcode.TmpFail
	}

	c.Features.Duplex = true
	return nil, nil, 0, errcode.Success
}

func parseSubdocExtras(ck *cookie.Cookie) (path string, flags byte, code errcode.Code) {
	pathLen := int(binary.BigEndian.Uint16(ck.Packet.Extras[0:2]))
	flags = ck.Packet.Extras[2]
	if pathLen > len(ck.Packet.Value) {
		return "", 0, errcode.EInval
	}
	return string(ck.Packet.Value[:pathLen]), flags, errcode.Success
}

// subdocCounterApply returns a cmdctx.SubdocOperation.Apply closure that
// navigates a dotted path into doc's JSON object tree, adds delta to the
// numeric leaf (creating intermediate objects and the leaf itself when
// absent), and reports the resulting value through out. This is the
// "consumer of the framework" surface spec.md §1 scopes the real
// subdocument path engine out of — a minimal dotted-path navigator, not
// the full JSON-pointer-like grammar a production path engine supports.
func subdocCounterApply(delta int64, out *int64) func(doc []byte, path string, value []byte) ([]byte, errcode.Code) {
	return func(doc []byte, path string, _ []byte) ([]byte, errcode.Code) {
		root := map[string]interface{}{}
		if len(doc) > 0 {
			if err := json.Unmarshal(doc, &root); err != nil {
				return nil, errcode.EInval
			}
		}
		segs := strings.Split(path, ".")
		cur := root
		for i, seg := range segs {
			if seg == "" {
				return nil, errcode.EInval
			}
			if i == len(segs)-1 {
				var existing float64
				if v, ok := cur[seg]; ok {
					f, ok2 := v.(float64)
					if !ok2 {
						return nil, errcode.EInval
					}
					existing = f
				}
				*out = int64(existing) + delta
				cur[seg] = float64(*out)
				break
			}
			next, ok := cur[seg].(map[string]interface{})
			if !ok {
				if _, exists := cur[seg]; exists {
					return nil, errcode.EInval
				}
				next = map[string]interface{}{}
				cur[seg] = next
			}
			cur = next
		}
		rewritten, err := json.Marshal(root)
		if err != nil {
			return nil, errcode.EInval
		}
		return rewritten, errcode.Success
	}
}

// subdocReadPath navigates the same dotted-path grammar read-only,
// returning the leaf's JSON-encoded representation.
func subdocReadPath(doc []byte, path string) ([]byte, errcode.Code) {
	var root map[string]interface{}
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, errcode.EInval
	}
	segs := strings.Split(path, ".")
	var cur interface{} = root
	for _, seg := range segs {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, errcode.ENotSup
		}
		v, ok := m[seg]
		if !ok {
			return nil, errcode.ENotSup
		}
		cur = v
	}
	out, err := json.Marshal(cur)
	if err != nil {
		return nil, errcode.EInval
	}
	return out, errcode.Success
}
