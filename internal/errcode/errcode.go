// Package errcode implements the engine error taxonomy and the wire-status
// remapping table specified in spec.md §7. It deliberately avoids
// exceptions-as-control-flow (spec.md §9 REDESIGN FLAGS): every function
// here returns a Code value, never panics on a benign or transient
// condition.
package errcode

import (
	"github.com/cockroachdb/errors"
)

// Code is the internal engine result code flowing out of the Engine
// interface and command contexts, per spec.md §6/§7.
type Code int

const (
	// Benign
	Success Code = iota
	KeyNotFound
	KeyExists
	NotStored
	DeltaBadVal
	PredicateFailed

	// Transient
	TmpFail
	E2Big
	ERange
	EWouldBlock
	EBusy
	Rollback
	LockedTmpFail

	// Structural
	EInval
	ENotSup
	UnknownCollection
	CollectionsManifestIsAhead

	// Auth / privilege
	EAccess
	AuthStale
	NoBucket

	// Durability
	DurabilityInvalidLevel
	DurabilityImpossible
	SyncWriteInProgress
	SyncWriteRecommitInProgress
	SyncWriteAmbiguous

	// Fatal
	Disconnect
	Failed
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case KeyNotFound:
		return "key_not_found"
	case KeyExists:
		return "key_exists"
	case NotStored:
		return "not_stored"
	case DeltaBadVal:
		return "delta_badval"
	case PredicateFailed:
		return "predicate_failed"
	case TmpFail:
		return "tmp_fail"
	case E2Big:
		return "e2big"
	case ERange:
		return "erange"
	case EWouldBlock:
		return "ewouldblock"
	case EBusy:
		return "ebusy"
	case Rollback:
		return "rollback"
	case LockedTmpFail:
		return "locked_tmpfail"
	case EInval:
		return "einval"
	case ENotSup:
		return "enotsup"
	case UnknownCollection:
		return "unknown_collection"
	case CollectionsManifestIsAhead:
		return "collections_manifest_is_ahead"
	case EAccess:
		return "eaccess"
	case AuthStale:
		return "auth_stale"
	case NoBucket:
		return "no_bucket"
	case DurabilityInvalidLevel:
		return "durability_invalid_level"
	case DurabilityImpossible:
		return "durability_impossible"
	case SyncWriteInProgress:
		return "sync_write_in_progress"
	case SyncWriteRecommitInProgress:
		return "sync_write_recommit_in_progress"
	case SyncWriteAmbiguous:
		return "sync_write_ambiguous"
	case Disconnect:
		return "disconnect"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the 16-bit wire status code (spec.md §3 "Frame").
type Status uint16

const (
	StatusSuccess                Status = 0x0000
	StatusKeyNotFound            Status = 0x0001
	StatusKeyExists              Status = 0x0002
	StatusE2Big                  Status = 0x0003
	StatusEInval                 Status = 0x0004
	StatusNotStored               Status = 0x0005
	StatusDeltaBadVal             Status = 0x0006
	StatusNotMyVbucket            Status = 0x0007
	StatusNoBucket                Status = 0x0008
	StatusLocked                  Status = 0x0009
	StatusAuthStale                Status = 0x001f
	StatusEAccess                  Status = 0x0020
	StatusUnknownCommand            Status = 0x0081
	StatusENotSup                   Status = 0x0083
	StatusInternal                  Status = 0x0084
	StatusEBusy                      Status = 0x0085
	StatusTmpFail                    Status = 0x0086
	StatusUnknownCollection          Status = 0x0088
	StatusCollectionsManifestIsAhead Status = 0x0089
	StatusRollback                   Status = 0x0023
	StatusDurabilityInvalidLevel     Status = 0x00a0
	StatusDurabilityImpossible       Status = 0x00a1
	StatusSyncWriteInProgress        Status = 0x00a2
	StatusSyncWriteAmbiguous         Status = 0x00a3
	StatusSyncWriteRecommitInProgress Status = 0x00a4
	StatusSubdocSuccessDeleted       Status = 0x00c9
	StatusSubdocMultiPathFailure     Status = 0x00cc
)

// IsSuccessLike reports whether status is one of the statuses spec.md §4.2
// excludes from the error-JSON-body rewrite in Cookie.sendResponse.
func IsSuccessLike(s Status) bool {
	switch s {
	case StatusSuccess, StatusSubdocSuccessDeleted, StatusSubdocMultiPathFailure,
		StatusRollback, StatusNotMyVbucket:
		return true
	default:
		return false
	}
}

// errWouldBlock is the sentinel asserted with errors.Is across package
// boundaries by command contexts signalling suspension (spec.md §4.8),
// following the teacher's use of cockroachdb/errors for markable
// sentinels instead of comparing error strings.
var errWouldBlock = errors.New("engine: operation would block")

// WouldBlock wraps errWouldBlock so callers can attach detail while still
// satisfying IsWouldBlock(err).
func WouldBlock(detail string) error {
	return errors.Mark(errors.WithDetail(errWouldBlock, detail), errWouldBlock)
}

// IsWouldBlock reports whether err (or anything it wraps) is the
// would-block sentinel.
func IsWouldBlock(err error) bool {
	return errors.Is(err, errWouldBlock)
}

// remapTable implements spec.md §7's "Propagation" rules: codes that are
// only meaningful to a connection which negotiated extended error codes
// (xerror) collapse to Disconnect otherwise.
var remapTable = map[Code]Status{
	Success:                     StatusSuccess,
	KeyNotFound:                 StatusKeyNotFound,
	KeyExists:                   StatusKeyExists,
	NotStored:                   StatusNotStored,
	DeltaBadVal:                 StatusDeltaBadVal,
	PredicateFailed:             StatusEInval,
	TmpFail:                     StatusTmpFail,
	E2Big:                       StatusE2Big,
	ERange:                      StatusEInval,
	EBusy:                       StatusEBusy,
	Rollback:                    StatusRollback,
	LockedTmpFail:               StatusLocked,
	EInval:                      StatusEInval,
	ENotSup:                     StatusENotSup,
	UnknownCollection:           StatusUnknownCollection,
	CollectionsManifestIsAhead:  StatusCollectionsManifestIsAhead,
	EAccess:                     StatusEAccess,
	AuthStale:                   StatusAuthStale,
	NoBucket:                    StatusNoBucket,
	DurabilityInvalidLevel:      StatusDurabilityInvalidLevel,
	DurabilityImpossible:        StatusDurabilityImpossible,
	SyncWriteInProgress:         StatusSyncWriteInProgress,
	SyncWriteRecommitInProgress: StatusSyncWriteRecommitInProgress,
	SyncWriteAmbiguous:          StatusSyncWriteAmbiguous,
}

// needsExtendedErrors is the set of codes spec.md §7 says must be remapped
// to Disconnect when the connection did not negotiate xerror.
var needsExtendedErrors = map[Code]bool{
	EAccess:                     true,
	AuthStale:                   true,
	NoBucket:                    true,
	CollectionsManifestIsAhead:  true,
	SyncWriteInProgress:         true,
	SyncWriteRecommitInProgress: true,
}

// collapsesWithoutCollections is spec.md §7's
// "collections-manifest-is-ahead remapped to einval when the connection
// did not negotiate collections" rule.
func collapsesWithoutCollections(c Code) bool {
	return c == CollectionsManifestIsAhead || c == UnknownCollection
}

// RemapResult is the decision Remap hands back to the state machine:
// either a wire status to send, or a hard instruction to close the
// connection without a response (Disconnect/Failed, or an un-negotiated
// auth/durability code on a non-xerror connection).
type RemapResult struct {
	Status       Status
	Disconnect   bool
}

// Remap implements spec.md §7's full propagation table.
func Remap(code Code, extendedErrors, collections bool) RemapResult {
	switch code {
	case Disconnect, Failed:
		return RemapResult{Disconnect: true}
	case SyncWriteInProgress, SyncWriteRecommitInProgress:
		if !extendedErrors {
			return RemapResult{Status: StatusTmpFail}
		}
	case EAccess, AuthStale, NoBucket:
		if !extendedErrors {
			return RemapResult{Disconnect: true}
		}
	}

	if !collections && collapsesWithoutCollections(code) {
		return RemapResult{Status: StatusEInval}
	}

	if needsExtendedErrors[code] && !extendedErrors {
		return RemapResult{Disconnect: true}
	}

	if status, ok := remapTable[code]; ok {
		return RemapResult{Status: status}
	}
	return RemapResult{Status: StatusInternal}
}
