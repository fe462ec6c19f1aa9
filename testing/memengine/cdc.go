package memengine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mcbpd/mcbpd/internal/engine"
)

// cdcEngine streams a snapshot of a bucket's current items to a stream
// observer. It is a reference CDC producer: it keeps no Store/Remove
// history, so deletions are never streamed.
type cdcEngine struct {
	bucket *Bucket

	mu      sync.Mutex
	nextID  atomic.Uint32
	streams map[engine.StreamHandle][]mutationLog
}

type mutationLog struct {
	vbucket uint16
	key     []byte
	value   []byte
	cas     uint64
	deleted bool
}

func newCDCEngine(b *Bucket) *cdcEngine {
	return &cdcEngine{bucket: b, streams: map[engine.StreamHandle][]mutationLog{}}
}

func (c *cdcEngine) Open(ctx context.Context, flags uint32, streamName string) (engine.StreamHandle, error) {
	h := engine.StreamHandle(c.nextID.Add(1))
	c.mu.Lock()
	c.streams[h] = nil
	c.mu.Unlock()
	return h, nil
}

func (c *cdcEngine) AddStream(ctx context.Context, stream engine.StreamHandle, vbucket uint16, flags uint32) error {
	return nil
}

func (c *cdcEngine) CloseStream(ctx context.Context, stream engine.StreamHandle, vbucket uint16) error {
	c.mu.Lock()
	delete(c.streams, stream)
	c.mu.Unlock()
	return nil
}

// StreamReq snapshots the bucket's current contents as one mutation per
// live key, bracketed by a single snapshot marker, then calls StreamEnd.
// Real producers stream incrementally; this reference one is exercised
// by tests that just need a deterministic, bounded sequence of callbacks.
func (c *cdcEngine) StreamReq(ctx context.Context, stream engine.StreamHandle, req engine.StreamRequest, observer engine.StreamObserver) error {
	c.bucket.mu.Lock()
	type kv struct {
		key []byte
		e   *entry
	}
	var snapshot []kv
	for k, e := range c.bucket.items {
		snapshot = append(snapshot, kv{key: []byte(k), e: e})
	}
	c.bucket.mu.Unlock()

	observer.SnapshotMarker(req.StartSeqNo, req.StartSeqNo+uint64(len(snapshot)), req.Vbucket, 0)
	var seq uint64
	for _, item := range snapshot {
		seq++
		// This reference engine keeps values as plain GC-managed slices,
		// not pooled buffers, so it has nothing to return on release; a
		// real engine would decrement the item's refcount here instead.
		observer.Mutation(seq, seq, item.e.flags, item.e.expiration, 0, item.e.cas, item.e.datatype, req.Vbucket, item.key, item.e.value, func() {})
	}
	observer.StreamEnd(req.Vbucket, 0)
	return nil
}

func (c *cdcEngine) Step(ctx context.Context, stream engine.StreamHandle, observer engine.StreamObserver) error {
	return nil
}

func (c *cdcEngine) Control(ctx context.Context, stream engine.StreamHandle, key, value []byte) error {
	return nil
}

func (c *cdcEngine) BufferAck(ctx context.Context, stream engine.StreamHandle, ackBytes uint32) error {
	return nil
}

func (c *cdcEngine) Noop(ctx context.Context, stream engine.StreamHandle, opaque uint32) error {
	return nil
}
