package cmdctx

import (
	"context"
	"testing"

	"github.com/mcbpd/mcbpd/internal/engine"
	"github.com/mcbpd/mcbpd/internal/errcode"
	"github.com/mcbpd/mcbpd/testing/memengine"
	"github.com/stretchr/testify/require"
)

func TestMutationContextStoresNewValue(t *testing.T) {
	b := memengine.New("default", 1)
	ctx := context.Background()

	mc := &MutationContext{
		Bucket: b, Key: []byte("k"),
		Compute: func(current *engine.ItemInfo) ([]byte, uint32, uint32, byte, bool, errcode.Code) {
			return []byte("v1"), 0, 0, 0, true, errcode.Success
		},
	}
	result, code := mc.Step(ctx)
	require.Equal(t, Done, result)
	require.Equal(t, errcode.Success, code)

	info, _ := b.Get(ctx, 0, []byte("k"))
	require.Equal(t, "v1", string(info.Value))
}

func TestGetContextMissingKey(t *testing.T) {
	b := memengine.New("default", 1)
	gc := &GetContext{Bucket: b, Key: []byte("missing")}
	result, code := gc.Step(context.Background())
	require.Equal(t, Done, result)
	require.Equal(t, errcode.KeyNotFound, code)
}

func TestRemoveContext(t *testing.T) {
	b := memengine.New("default", 1)
	ctx := context.Background()
	b.Store(ctx, 0, []byte("k"), []byte("v"), 0, 0, 0, 0)

	rc := &RemoveContext{Bucket: b, Key: []byte("k")}
	result, code := rc.Step(ctx)
	require.Equal(t, Done, result)
	require.Equal(t, errcode.Success, code)
}

func TestSubdocMkDocOnMissingKey(t *testing.T) {
	b := memengine.New("default", 1)
	sc := &SubdocContext{
		Bucket:   b,
		Key:      []byte("doc"),
		MkDoc:    true,
		EmptyDoc: []byte(`{}`),
		BodyOps: []SubdocOperation{{
			Path: "x.y",
			Apply: func(doc []byte, path string, value []byte) ([]byte, errcode.Code) {
				return []byte(`{"x":{"y":1}}`), errcode.Success
			},
		}},
	}
	result, code := sc.Step(context.Background())
	require.Equal(t, Done, result)
	require.Equal(t, errcode.Success, code)
	require.NotZero(t, sc.NewCas)

	info, code := b.Get(context.Background(), 0, []byte("doc"))
	require.Equal(t, errcode.Success, code)
	require.Equal(t, `{"x":{"y":1}}`, string(info.Value))
}

func TestSubdocRejectsEmptyOperationSet(t *testing.T) {
	sc := &SubdocContext{}
	result, code := sc.Step(context.Background())
	require.Equal(t, Done, result)
	require.Equal(t, errcode.EInval, code)
}
