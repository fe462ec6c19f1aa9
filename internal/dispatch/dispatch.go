// Package dispatch implements the per-opcode static table (spec.md §4.7
// "Command Dispatch (C7)"): validator, privilege chain, and executor per
// opcode, plus the validation ordering and privilege-evaluation rules.
package dispatch

import (
	"context"

	"github.com/mcbpd/mcbpd/internal/conn"
	"github.com/mcbpd/mcbpd/internal/cookie"
	"github.com/mcbpd/mcbpd/internal/engine"
	"github.com/mcbpd/mcbpd/internal/errcode"
	"github.com/mcbpd/mcbpd/internal/rbac"
	"github.com/mcbpd/mcbpd/internal/wire"
	"github.com/mcbpd/mcbpd/pkg/logging"
)

var log = logging.Get("dispatch")

// Validator checks a parsed frame before any privilege check or
// execution (spec.md §4.7: "frame-info well-formedness, extras size, key
// length bounds, datatype permissions").
type Validator func(f wire.Frame) errcode.Code

// Executor drives a cookie's command context to completion or
// suspension, returning the result code and the response payload pieces.
type Executor func(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) (extras, value []byte, cas uint64, code errcode.Code)

// ConnExecutor is Executor's connection-aware counterpart, for the small
// set of opcodes that mutate connection-level state rather than engine
// state (spec.md §4.3's HELO feature negotiation, §4.9's DCP stream
// open) and so need more than the Bucket/Cookie pair every other opcode
// is satisfied with.
type ConnExecutor func(ctx context.Context, c *conn.Connection, b engine.Bucket, ck *cookie.Cookie) (extras, value []byte, cas uint64, code errcode.Code)

// Entry is one opcode's dispatch table row. Exactly one of Executor or
// ConnExecutor should be set; the state machine checks ConnExecutor
// first.
type Entry struct {
	Opcode       byte
	Name         string
	Validator    Validator
	Privileges   []rbac.Privilege
	Executor     Executor
	ConnExecutor ConnExecutor

	// ReorderSafe marks this opcode eligible for unordered execution
	// (spec.md §4.4).
	ReorderSafe bool
}

// Table is the static [256]Entry dispatch table (spec.md §4.7).
type Table struct {
	entries [256]*Entry

	// Unknown handles any opcode without a table entry when set,
	// otherwise UnknownCommand is surfaced (spec.md §4.7).
	Unknown Executor
}

func NewTable() *Table { return &Table{} }

// Register installs one opcode's dispatch row.
func (t *Table) Register(e Entry) { t.entries[e.Opcode] = &e }

func (t *Table) Lookup(opcode byte) (*Entry, bool) {
	e := t.entries[opcode]
	return e, e != nil
}

// Validate implements spec.md §4.7's ordering: header sanity (checked
// earlier, by wire.ParseFrame) -> opcode recognized -> datatype permitted
// -> frame-info parseable -> opcode-specific validator. A datatype or
// frame-info failure closes the connection; an unrecognized opcode (with
// no Unknown handler) or an opcode-specific validator failure does not.
func (t *Table) Validate(f wire.Frame, datatypePermitted func(wire.Datatype) bool) (code errcode.Code, closeConn bool) {
	entry, ok := t.Lookup(f.Header.Opcode)
	if !ok {
		if t.Unknown != nil {
			return errcode.Success, false
		}
		return errcode.ENotSup, false
	}
	if !datatypePermitted(f.Header.Datatype) {
		return errcode.EInval, true
	}
	if len(f.FramingExtras) > 0 {
		if _, err := wire.ValidateFrameInfos(f.FramingExtras); err != nil {
			return errcode.EInval, true
		}
	}
	if entry.Validator != nil {
		if code := entry.Validator(f); code != errcode.Success {
			return code, false
		}
	}
	return errcode.Success, false
}

// PrivilegeSource is the subset of rbac.Source dispatch needs to resolve
// staleness.
type PrivilegeSource = rbac.Source

// CheckPrivileges evaluates an opcode's full privilege chain in order,
// rebuilding on Stale up to maxRebuilds times (spec.md §4.7: "Stale
// triggers up to 100 rebuild attempts"). PrivilegeDebug, when true,
// audits a Fail and returns Ok anyway (spec.md §4.7, gated off by
// default per §9).
func CheckPrivileges(entry *Entry, priv *rbac.Context, manager *rbac.Manager, source PrivilegeSource, privilegeDebug bool) errcode.Code {
privilegeChain:
	for _, p := range entry.Privileges {
		attempt := 0
		for {
			result := priv.Check(p, source)
			switch result {
			case rbac.Ok:
				continue privilegeChain
			case rbac.Fail:
				if privilegeDebug {
					log.Warnf("privilege-debug: would deny opcode=%s priv=%d, granting anyway", entry.Name, p)
					continue privilegeChain
				}
				return errcode.EAccess
			case rbac.Stale:
				attempt++
				if attempt >= manager.MaxRebuilds() {
					return errcode.AuthStale
				}
				if _, err := manager.Rebuild(priv, attempt); err != nil {
					return errcode.AuthStale
				}
			}
		}
	}
	return errcode.Success
}
