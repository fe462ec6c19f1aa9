// Package engine defines the narrow interface this module's core depends
// on for storage (spec.md §1 "deliberately out of scope": the storage
// engine itself). It is intentionally small and synchronous-looking —
// asynchronous completion is signalled by returning errcode.EWouldBlock
// and later delivering a PendingIoResult, exactly as spec.md §4.8
// describes command-context suspension — following the shape of the
// teacher's lib/store.IStore, widened with the CDC and item-allocation
// surface spec.md §6 requires.
package engine

import (
	"context"

	"github.com/mcbpd/mcbpd/internal/errcode"
)

// ItemInfo is what the engine hands back describing a stored value
// (spec.md §6 "Item info accessor").
type ItemInfo struct {
	Value      []byte
	Flags      uint32
	Expiration uint32
	Cas        uint64
	Datatype   byte
	SeqNo      uint64
	VbUUID     uint64
	Vbucket    uint16
}

// AllocateArgs carries the parameters of Bucket.AllocateEx (spec.md §6).
type AllocateArgs struct {
	Key         []byte
	NBytes      int
	PrivNBytes  int
	Flags       uint32
	Expiration  uint32
	Datatype    byte
	Vbucket     uint16
}

// Item is an allocated-but-not-yet-stored item handle returned by
// AllocateEx, later passed to StoreItem.
type Item struct {
	Key   []byte
	Value []byte
	Info  ItemInfo
}

// Bucket is the engine/storage contract the core dispatches into (spec.md
// §3 "Bucket", §6 "Engine interface"). Every method that returns an
// errcode.Code may return errcode.EWouldBlock; the caller must then
// suspend the cookie and wait for a PendingIoResult with a matching
// correlation token.
type Bucket interface {
	Name() string
	Index() int
	State() BucketState

	Get(ctx context.Context, vbucket uint16, key []byte) (ItemInfo, errcode.Code)
	GetAndTouch(ctx context.Context, vbucket uint16, key []byte, expiration uint32) (ItemInfo, errcode.Code)
	GetLocked(ctx context.Context, vbucket uint16, key []byte, lockTimeout uint32) (ItemInfo, errcode.Code)
	Unlock(ctx context.Context, vbucket uint16, key []byte, cas uint64) errcode.Code
	GetMeta(ctx context.Context, vbucket uint16, key []byte) (ItemInfo, errcode.Code)

	// Store persists value under key. cas == 0 means "no CAS constraint"
	// (spec.md §4.1 "Numeric semantics").
	Store(ctx context.Context, vbucket uint16, key, value []byte, flags uint32, expiration uint32, datatype byte, cas uint64) (newCas uint64, code errcode.Code)
	Remove(ctx context.Context, vbucket uint16, key []byte, cas uint64) errcode.Code
	Flush(ctx context.Context, vbucket uint16) errcode.Code

	// AllocateEx reserves an item handle before the caller fills in its
	// value (used by multi-step command contexts, C8). privNBytes
	// exceeding the configured privileged-bytes ceiling must fail fast
	// with errcode.E2Big (spec.md §6).
	AllocateEx(ctx context.Context, args AllocateArgs) (*Item, errcode.Code)
	StoreItem(ctx context.Context, vbucket uint16, item *Item, cas uint64) (newCas uint64, code errcode.Code)

	Stats(ctx context.Context, key string) (map[string]string, errcode.Code)

	// UnknownCommand lets a bucket implement opcodes the core does not
	// know about natively (spec.md §4.7 "Unknown opcode").
	UnknownCommand(ctx context.Context, opcode byte, key, extras, value []byte) (respExtras, respValue []byte, code errcode.Code)

	CDC() CDCEngine
}

// BucketState mirrors spec.md §3's {Creating, Ready, Destroying}.
type BucketState int

const (
	BucketCreating BucketState = iota
	BucketReady
	BucketDestroying
)

// Registry resolves a bucket by name or index; the "no-bucket" sentinel
// (index 0, spec.md §3) always resolves successfully to a handle that
// grants no data access.
type Registry interface {
	ByName(name string) (Bucket, bool)
	ByIndex(index int) (Bucket, bool)
	NoBucket() Bucket
}

// PendingIoResult is what an engine-completion thread produces once
// asynchronous work for a suspended cookie finishes (spec.md §3 "PendingIo
// entry"); the reactor correlates it back to the cookie via Token.
type PendingIoResult struct {
	Token Token
	Code  errcode.Code
}

// Token identifies a suspended cookie without a raw pointer, per spec.md
// §9's "arena + index" guidance: (connection slot, cookie slot) rather
// than a pointer the completion thread would otherwise have to keep
// alive across a possible connection teardown.
type Token struct {
	ConnIndex   uint32
	CookieIndex uint32
	Generation  uint32
}
