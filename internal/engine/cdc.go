package engine

import "context"

// CDCEngine is the change-data-capture producer surface a bucket exposes
// to the core (spec.md §4.9 "CDC producer interface"). It is modeled
// directly on the callback shape of other_examples/couchbase-gocbcore__dcp.go's
// StreamObserver: the engine calls back into the core once per mutation
// instead of the core polling, and the core (internal/cdc) turns each
// callback into an alt-framed wire push.
type CDCEngine interface {
	Open(ctx context.Context, flags uint32, streamName string) (StreamHandle, error)
	AddStream(ctx context.Context, stream StreamHandle, vbucket uint16, flags uint32) error
	CloseStream(ctx context.Context, stream StreamHandle, vbucket uint16) error
	StreamReq(ctx context.Context, stream StreamHandle, req StreamRequest, observer StreamObserver) error
	Step(ctx context.Context, stream StreamHandle, observer StreamObserver) error
	Control(ctx context.Context, stream StreamHandle, key, value []byte) error
	BufferAck(ctx context.Context, stream StreamHandle, ackBytes uint32) error
	Noop(ctx context.Context, stream StreamHandle, opaque uint32) error
}

// StreamHandle identifies one open CDC stream within a bucket.
type StreamHandle uint32

// StreamRequest is the vbucket range/sequence-number window a consumer
// asks a producer to replay (spec.md §4.9).
type StreamRequest struct {
	Vbucket      uint16
	Flags        uint32
	VbucketUUID  uint64
	StartSeqNo   uint64
	EndSeqNo     uint64
	SnapStartSeq uint64
	SnapEndSeq   uint64
}

// StreamObserver receives one callback per produced event; internal/cdc
// implements this to turn callbacks into outbound frames. Mirrors
// gocbcore's StreamObserver naming (SnapshotMarker/Mutation/Deletion/...)
// rather than inventing new verb names, since that shape is what the rest
// of the corpus already does for this exact protocol family.
// Mutation, Deletion, and Prepare carry a release callback alongside the
// item value: the producer calls it once the shim has finished with the
// bytes (spec.md §4.9 point 2, "zero-copy-chained and the item is
// released after transmit"), letting a pooled-buffer engine return the
// backing storage to its pool instead of waiting on GC.
type StreamObserver interface {
	SnapshotMarker(startSeq, endSeq uint64, vbucket uint16, flags uint32)
	Mutation(seqNo, revNo uint64, flags, expiry, lockTime uint32, cas uint64, datatype byte, vbucket uint16, key, value []byte, release func())
	Deletion(seqNo, revNo uint64, cas uint64, vbucket uint16, key, value []byte, release func())
	Expiration(seqNo, revNo uint64, cas uint64, vbucket uint16, key []byte)
	Prepare(seqNo, revNo uint64, cas uint64, vbucket uint16, key, value []byte, release func())
	Commit(prepareSeqNo, commitSeqNo uint64, vbucket uint16, key []byte)
	Abort(prepareSeqNo, abortSeqNo uint64, vbucket uint16, key []byte)
	StreamEnd(vbucket uint16, flags uint32)
}
