// Package cdc implements the CDC producer shim (spec.md §4.9): it turns
// engine.StreamObserver callbacks into alt-framed wire pushes on a
// connection's output stream, grounded on
// other_examples/couchbase-gocbcore__dcp.go's StreamObserver callback
// shape (the nearest in-pack precedent for "engine calls back per
// mutation instead of the core polling").
package cdc

import (
	"encoding/binary"

	"github.com/mcbpd/mcbpd/internal/conn"
	"github.com/mcbpd/mcbpd/internal/engine"
	"github.com/mcbpd/mcbpd/internal/wire"
)

// Opcodes for the CDC frame family (spec.md §4.9); values chosen in the
// server-push opcode range distinct from the MCBP data-access opcodes.
const (
	OpMutation       byte = 0x60
	OpDeletion       byte = 0x61
	OpExpiration     byte = 0x62
	OpSnapshotMarker byte = 0x63
	OpPrepare        byte = 0x64
	OpCommit         byte = 0x65
	OpAbort          byte = 0x66
	OpStreamEnd      byte = 0x67
)

// Shim adapts one open CDC stream's callbacks onto a connection's output
// stream (spec.md §4.9 "producer"). One Shim per (connection, stream).
type Shim struct {
	Conn     *conn.Connection
	StreamID uint16
	HasSID   bool
}

func New(c *conn.Connection, streamID uint16, hasSID bool) *Shim {
	return &Shim{Conn: c, StreamID: streamID, HasSID: hasSID}
}

// push appends frame-infos (the DcpStreamId, if present) and pushes the
// frame through CopyToOutputStream; any failure is a hard Disconnect per
// spec.md §4.9 point 3 ("failure to queue bytes results in Disconnect").
func (s *Shim) push(b *wire.RequestBuilder) error {
	if s.HasSID {
		payload := make([]byte, 2)
		binary.BigEndian.PutUint16(payload, s.StreamID)
		b.FrameInfo(wire.FrameInfo{ID: wire.FrameInfoDcpStreamID, Payload: payload})
	}
	return s.Conn.CopyToOutputStream(b.Build())
}

// pushValue is push's counterpart for the value-carrying producers
// (Mutation, Deletion, Prepare): the header/extras/key are copied into
// the output queue as usual, but the item value is chained zero-copy via
// ChainDataToOutputStream, with release invoked once the value has been
// transmitted or the connection is torn down (spec.md §4.9 point 2).
func (s *Shim) pushValue(b *wire.RequestBuilder, release func()) error {
	if s.HasSID {
		payload := make([]byte, 2)
		binary.BigEndian.PutUint16(payload, s.StreamID)
		b.FrameInfo(wire.FrameInfo{ID: wire.FrameInfoDcpStreamID, Payload: payload})
	}
	head, value := b.BuildSplit()
	if err := s.Conn.CopyToOutputStream(head); err != nil {
		if release != nil {
			release()
		}
		return err
	}
	if len(value) == 0 {
		if release != nil {
			release()
		}
		return nil
	}
	return s.Conn.ChainDataToOutputStream(value, release)
}

// SnapshotMarker implements engine.StreamObserver.
func (s *Shim) SnapshotMarker(startSeq, endSeq uint64, vbucket uint16, flags uint32) {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], startSeq)
	binary.BigEndian.PutUint64(extras[8:16], endSeq)
	binary.BigEndian.PutUint32(extras[16:20], flags)

	b := wire.NewRequestBuilder(OpSnapshotMarker).Vbucket(vbucket).Extras(extras)
	_ = s.push(b)
}

// Mutation implements engine.StreamObserver. extras =
// (by-seqno u64, rev-seqno u64, flags u32, expiration u32, lock-time u32,
// meta-len u16, nru u8); body = key | value | meta (spec.md §4.9). value
// is chained onto the connection's output stream zero-copy; release runs
// once it has been transmitted or the connection is torn down.
func (s *Shim) Mutation(seqNo, revNo uint64, flags, expiry, lockTime uint32, cas uint64, datatype byte, vbucket uint16, key, value []byte, release func()) {
	extras := make([]byte, 31)
	binary.BigEndian.PutUint64(extras[0:8], seqNo)
	binary.BigEndian.PutUint64(extras[8:16], revNo)
	binary.BigEndian.PutUint32(extras[16:20], flags)
	binary.BigEndian.PutUint32(extras[20:24], expiry)
	binary.BigEndian.PutUint32(extras[24:28], lockTime)
	// meta-len (extras[28:30]) and nru (extras[30]) trail as zero (no
	// item metadata attached by this reference engine).

	b := wire.NewRequestBuilder(OpMutation).
		Vbucket(vbucket).Cas(cas).Datatype(wire.Datatype(datatype)).
		Extras(extras).Key(key).Value(value)
	_ = s.pushValue(b, release)
}

// Deletion implements engine.StreamObserver, emitting the v1 shape:
// extras = (by-seqno u64, rev-seqno u64, nmeta u16); body = key | value |
// meta (spec.md §4.9).
func (s *Shim) Deletion(seqNo, revNo uint64, cas uint64, vbucket uint16, key, value []byte, release func()) {
	extras := make([]byte, 18)
	binary.BigEndian.PutUint64(extras[0:8], seqNo)
	binary.BigEndian.PutUint64(extras[8:16], revNo)

	b := wire.NewRequestBuilder(OpDeletion).Vbucket(vbucket).Cas(cas).Extras(extras).Key(key).Value(value)
	_ = s.pushValue(b, release)
}

// Expiration implements engine.StreamObserver, emitting the v2 shape:
// extras = (by-seqno u64, rev-seqno u64, delete-time u32, reserved u32);
// body = key | value (spec.md §4.9 — the Deletion-v2/Expiration shape;
// opcode distinguishes them).
func (s *Shim) Expiration(seqNo, revNo uint64, cas uint64, vbucket uint16, key []byte) {
	extras := make([]byte, 24)
	binary.BigEndian.PutUint64(extras[0:8], seqNo)
	binary.BigEndian.PutUint64(extras[8:16], revNo)

	b := wire.NewRequestBuilder(OpExpiration).Vbucket(vbucket).Cas(cas).Extras(extras).Key(key)
	_ = s.push(b)
}

// Prepare implements engine.StreamObserver. extras = (by-seqno u64,
// rev-seqno u64, flags u32, expiration u32, lock-time u32, nru u8,
// deleted u8, level u8); body = key | value (spec.md §4.9).
func (s *Shim) Prepare(seqNo, revNo uint64, cas uint64, vbucket uint16, key, value []byte, release func()) {
	extras := make([]byte, 31)
	binary.BigEndian.PutUint64(extras[0:8], seqNo)
	binary.BigEndian.PutUint64(extras[8:16], revNo)
	// flags/expiration/lock-time/nru/deleted/level (extras[16:31]) are
	// zero: this reference engine's StreamObserver.Prepare callback does
	// not carry per-item durability metadata.

	b := wire.NewRequestBuilder(OpPrepare).Vbucket(vbucket).Cas(cas).Extras(extras).Key(key).Value(value)
	_ = s.pushValue(b, release)
}

// Commit implements engine.StreamObserver.
func (s *Shim) Commit(prepareSeqNo, commitSeqNo uint64, vbucket uint16, key []byte) {
	extras := make([]byte, 16)
	binary.BigEndian.PutUint64(extras[0:8], prepareSeqNo)
	binary.BigEndian.PutUint64(extras[8:16], commitSeqNo)

	b := wire.NewRequestBuilder(OpCommit).Vbucket(vbucket).Extras(extras).Key(key)
	_ = s.push(b)
}

// Abort implements engine.StreamObserver.
func (s *Shim) Abort(prepareSeqNo, abortSeqNo uint64, vbucket uint16, key []byte) {
	extras := make([]byte, 16)
	binary.BigEndian.PutUint64(extras[0:8], prepareSeqNo)
	binary.BigEndian.PutUint64(extras[8:16], abortSeqNo)

	b := wire.NewRequestBuilder(OpAbort).Vbucket(vbucket).Extras(extras).Key(key)
	_ = s.push(b)
}

// StreamEnd implements engine.StreamObserver.
func (s *Shim) StreamEnd(vbucket uint16, flags uint32) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, flags)

	b := wire.NewRequestBuilder(OpStreamEnd).Vbucket(vbucket).Extras(extras)
	_ = s.push(b)
}

var _ engine.StreamObserver = (*Shim)(nil)
