package memengine

import (
	"context"
	"testing"

	"github.com/mcbpd/mcbpd/internal/engine"
	"github.com/mcbpd/mcbpd/internal/errcode"
	"github.com/stretchr/testify/require"
)

func engineAllocateArgs(nBytes, privNBytes int) engine.AllocateArgs {
	return engine.AllocateArgs{Key: []byte("k"), NBytes: nBytes, PrivNBytes: privNBytes}
}

func streamReq(vbucket uint16) engine.StreamRequest {
	return engine.StreamRequest{Vbucket: vbucket, StartSeqNo: 0, EndSeqNo: ^uint64(0)}
}

type captureObserver struct {
	sawSnapshot bool
	mutations   []string
	sawEnd      bool
}

func (c *captureObserver) SnapshotMarker(startSeq, endSeq uint64, vbucket uint16, flags uint32) {
	c.sawSnapshot = true
}
func (c *captureObserver) Mutation(seqNo, revNo uint64, flags, expiry, lockTime uint32, cas uint64, datatype byte, vbucket uint16, key, value []byte, release func()) {
	c.mutations = append(c.mutations, string(key))
}
func (c *captureObserver) Deletion(seqNo, revNo uint64, cas uint64, vbucket uint16, key, value []byte, release func()) {}
func (c *captureObserver) Expiration(seqNo, revNo uint64, cas uint64, vbucket uint16, key []byte)     {}
func (c *captureObserver) Prepare(seqNo, revNo uint64, cas uint64, vbucket uint16, key, value []byte, release func())  {}
func (c *captureObserver) Commit(prepareSeqNo, commitSeqNo uint64, vbucket uint16, key []byte)        {}
func (c *captureObserver) Abort(prepareSeqNo, abortSeqNo uint64, vbucket uint16, key []byte)           {}
func (c *captureObserver) StreamEnd(vbucket uint16, flags uint32)                                      { c.sawEnd = true }

func TestStoreGetRoundtrip(t *testing.T) {
	b := New("default", 1)
	ctx := context.Background()

	cas, code := b.Store(ctx, 0, []byte("k"), []byte("v"), 0, 0, 0, 0)
	require.Equal(t, errcode.Success, code)
	require.NotZero(t, cas)

	info, code := b.Get(ctx, 0, []byte("k"))
	require.Equal(t, errcode.Success, code)
	require.Equal(t, "v", string(info.Value))
	require.Equal(t, cas, info.Cas)
}

func TestStoreCasMismatch(t *testing.T) {
	b := New("default", 1)
	ctx := context.Background()

	cas, _ := b.Store(ctx, 0, []byte("k"), []byte("v"), 0, 0, 0, 0)
	_, code := b.Store(ctx, 0, []byte("k"), []byte("v2"), 0, 0, 0, cas+1)
	require.Equal(t, errcode.KeyExists, code)
}

func TestStoreWithCasRequiresExisting(t *testing.T) {
	b := New("default", 1)
	ctx := context.Background()

	_, code := b.Store(ctx, 0, []byte("missing"), []byte("v"), 0, 0, 0, 42)
	require.Equal(t, errcode.KeyNotFound, code)
}

func TestGetMissing(t *testing.T) {
	b := New("default", 1)
	_, code := b.Get(context.Background(), 0, []byte("nope"))
	require.Equal(t, errcode.KeyNotFound, code)
}

func TestGetLockedThenUnlock(t *testing.T) {
	b := New("default", 1)
	ctx := context.Background()
	b.Store(ctx, 0, []byte("k"), []byte("v"), 0, 0, 0, 0)

	info, code := b.GetLocked(ctx, 0, []byte("k"), 15)
	require.Equal(t, errcode.Success, code)

	_, code = b.GetLocked(ctx, 0, []byte("k"), 15)
	require.Equal(t, errcode.LockedTmpFail, code)

	code = b.Unlock(ctx, 0, []byte("k"), info.Cas)
	require.Equal(t, errcode.Success, code)
}

func TestRemove(t *testing.T) {
	b := New("default", 1)
	ctx := context.Background()
	b.Store(ctx, 0, []byte("k"), []byte("v"), 0, 0, 0, 0)

	require.Equal(t, errcode.Success, b.Remove(ctx, 0, []byte("k"), 0))
	_, code := b.Get(ctx, 0, []byte("k"))
	require.Equal(t, errcode.KeyNotFound, code)
}

func TestAllocateExRejectsOversizePrivBytes(t *testing.T) {
	b := New("default", 1)
	_, code := b.AllocateEx(context.Background(), engineAllocateArgs(100, 10))
	require.Equal(t, errcode.E2Big, code)
}

func TestRegistryNoBucketAlwaysResolves(t *testing.T) {
	r := NewRegistry()
	nb := r.NoBucket()
	require.Equal(t, 0, nb.Index())

	r.Create("default")
	b, ok := r.ByName("default")
	require.True(t, ok)
	require.Equal(t, "default", b.Name())
}

func TestCDCStreamReqEmitsSnapshotAndEnd(t *testing.T) {
	b := New("default", 1)
	ctx := context.Background()
	b.Store(ctx, 0, []byte("k1"), []byte("v1"), 0, 0, 0, 0)
	b.Store(ctx, 0, []byte("k2"), []byte("v2"), 0, 0, 0, 0)

	obs := &captureObserver{}
	h, err := b.CDC().Open(ctx, 0, "test-stream")
	require.NoError(t, err)

	err = b.CDC().StreamReq(ctx, h, streamReq(0), obs)
	require.NoError(t, err)
	require.True(t, obs.sawSnapshot)
	require.Len(t, obs.mutations, 2)
	require.True(t, obs.sawEnd)
}
