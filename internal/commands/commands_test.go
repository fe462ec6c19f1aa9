package commands

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/golang/snappy"

	"github.com/mcbpd/mcbpd/internal/authmgr"
	"github.com/mcbpd/mcbpd/internal/conn"
	"github.com/mcbpd/mcbpd/internal/cookie"
	"github.com/mcbpd/mcbpd/internal/errcode"
	"github.com/mcbpd/mcbpd/internal/wire"
	"github.com/mcbpd/mcbpd/pkg/config"
	"github.com/mcbpd/mcbpd/testing/memengine"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) *conn.Connection {
	t.Helper()
	_, server := net.Pipe()
	cfg := config.DefaultServerConfig()
	c := conn.New(server, cfg.MaxPacketSize, cfg.Budgets, cfg)
	t.Cleanup(func() { _ = server.Close() })
	return c
}

func frame(opcode byte, extras, key, value []byte) wire.Frame {
	raw := wire.NewRequestBuilder(opcode).Extras(extras).Key(key).Value(value).Build()
	f, _, status := wire.ParseFrame(raw, 1<<20)
	if status != wire.ParseOK {
		panic("bad test frame")
	}
	return f
}

func TestTableRoutesKnownOpcodes(t *testing.T) {
	table := BuildTable()
	for _, op := range []byte{
		OpGet, OpSet, OpAdd, OpReplace, OpDelete, OpNoop, OpVersion, OpStat, OpTouch, OpGAT,
		OpAppend, OpPrepend, OpIncrement, OpDecrement, OpSubdocGet, OpSubdocCounter,
	} {
		_, ok := table.Lookup(op)
		require.True(t, ok, "opcode %x", op)
	}
	_, ok := table.Lookup(0x7f)
	require.False(t, ok)
	require.NotNil(t, table.Unknown)
}

func TestExecuteSetThenGet(t *testing.T) {
	b := memengine.New("default", 1)
	ck := cookie.New()
	ck.SetPacket(frame(OpSet, []byte{0, 0, 0, 0, 0, 0, 0, 0}, []byte("k"), []byte("v")))

	_, _, _, code := executeSet(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)

	ck.SetPacket(frame(OpGet, nil, []byte("k"), nil))
	extras, value, _, code := executeGet(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)
	require.Equal(t, "v", string(value))
	require.Len(t, extras, 4)
}

func TestExecuteGetAndGATEchoStoredDatatype(t *testing.T) {
	b := memengine.New("default", 1)
	b.Store(context.Background(), 0, []byte("doc"), []byte(`{"v":1}`), 0, 0, byte(wire.DatatypeJSON), 0)

	ck := cookie.New()
	ck.SetPacket(frame(OpGet, nil, []byte("doc"), nil))
	_, _, _, code := executeGet(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)
	require.Equal(t, wire.DatatypeJSON, ck.Datatype())

	ck2 := cookie.New()
	ck2.SetPacket(frame(OpGAT, []byte{0, 0, 0, 0}, []byte("doc"), nil))
	_, _, _, code = executeGAT(context.Background(), b, ck2)
	require.Equal(t, errcode.Success, code)
	require.Equal(t, wire.DatatypeJSON, ck2.Datatype())
}

func TestExecuteSetDecompressesSnappyTaggedValue(t *testing.T) {
	b := memengine.New("default", 1)
	ck := cookie.New()

	raw := []byte(`{"v":1}`)
	compressed := snappy.Encode(nil, raw)
	req := wire.NewRequestBuilder(OpSet).
		Extras([]byte{0, 0, 0, 0, 0, 0, 0, 0}).
		Key([]byte("doc")).
		Value(compressed).
		Datatype(wire.DatatypeJSON | wire.DatatypeSnappy).
		Build()
	f, _, status := wire.ParseFrame(req, 1<<20)
	require.Equal(t, wire.ParseOK, status)
	ck.SetPacket(f)

	_, _, _, code := executeSet(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)

	info, code := b.Get(context.Background(), 0, []byte("doc"))
	require.Equal(t, errcode.Success, code)
	require.Equal(t, raw, info.Value)
	require.Equal(t, byte(wire.DatatypeJSON), info.Datatype)
}

func TestExecuteAddFailsWhenKeyExists(t *testing.T) {
	b := memengine.New("default", 1)
	ck := cookie.New()
	ck.SetPacket(frame(OpAdd, []byte{0, 0, 0, 0, 0, 0, 0, 0}, []byte("k"), []byte("v1")))
	_, _, _, code := executeAdd(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)

	ck.SetPacket(frame(OpAdd, []byte{0, 0, 0, 0, 0, 0, 0, 0}, []byte("k"), []byte("v2")))
	_, _, _, code = executeAdd(context.Background(), b, ck)
	require.Equal(t, errcode.KeyExists, code)
}

func TestExecuteReplaceFailsWhenMissing(t *testing.T) {
	b := memengine.New("default", 1)
	ck := cookie.New()
	ck.SetPacket(frame(OpReplace, []byte{0, 0, 0, 0, 0, 0, 0, 0}, []byte("missing"), []byte("v")))
	_, _, _, code := executeReplace(context.Background(), b, ck)
	require.Equal(t, errcode.KeyNotFound, code)
}

func TestExecuteDelete(t *testing.T) {
	b := memengine.New("default", 1)
	b.Store(context.Background(), 0, []byte("k"), []byte("v"), 0, 0, 0, 0)
	ck := cookie.New()
	ck.SetPacket(frame(OpDelete, nil, []byte("k"), nil))
	_, _, _, code := executeDelete(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)

	_, code = b.Get(context.Background(), 0, []byte("k"))
	require.Equal(t, errcode.KeyNotFound, code)
}

func TestValidateMutationExtrasRejectsWrongSize(t *testing.T) {
	f := frame(OpSet, []byte{1, 2, 3}, []byte("k"), []byte("v"))
	require.Equal(t, errcode.EInval, validateMutationExtras(f))
}

func TestExecuteAppendAndPrepend(t *testing.T) {
	b := memengine.New("default", 1)
	b.Store(context.Background(), 0, []byte("k"), []byte("mid"), 0, 0, 0, 0)

	ck := cookie.New()
	ck.SetPacket(frame(OpAppend, nil, []byte("k"), []byte("-end")))
	_, _, _, code := executeAppend(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)

	ck.SetPacket(frame(OpPrepend, nil, []byte("k"), []byte("start-")))
	_, _, _, code = executePrepend(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)

	info, _ := b.Get(context.Background(), 0, []byte("k"))
	require.Equal(t, "start-mid-end", string(info.Value))
}

func TestExecuteAppendFailsWhenMissing(t *testing.T) {
	b := memengine.New("default", 1)
	ck := cookie.New()
	ck.SetPacket(frame(OpAppend, nil, []byte("missing"), []byte("x")))
	_, _, _, code := executeAppend(context.Background(), b, ck)
	require.Equal(t, errcode.NotStored, code)
}

func arithExtras(delta, initial uint64, expiration uint32) []byte {
	e := make([]byte, 20)
	binary.BigEndian.PutUint64(e[0:8], delta)
	binary.BigEndian.PutUint64(e[8:16], initial)
	binary.BigEndian.PutUint32(e[16:20], expiration)
	return e
}

func TestExecuteIncrementCreatesWithInitial(t *testing.T) {
	b := memengine.New("default", 1)
	ck := cookie.New()
	ck.SetPacket(frame(OpIncrement, arithExtras(5, 100, 0), []byte("ctr"), nil))
	_, value, _, code := executeIncrement(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)
	require.Equal(t, uint64(100), binary.BigEndian.Uint64(value))
}

func TestExecuteIncrementThenDecrement(t *testing.T) {
	b := memengine.New("default", 1)
	b.Store(context.Background(), 0, []byte("ctr"), []byte("10"), 0, 0, 0, 0)

	ck := cookie.New()
	ck.SetPacket(frame(OpIncrement, arithExtras(5, 0, 0), []byte("ctr"), nil))
	_, value, _, code := executeIncrement(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)
	require.Equal(t, uint64(15), binary.BigEndian.Uint64(value))

	ck.SetPacket(frame(OpDecrement, arithExtras(20, 0, 0), []byte("ctr"), nil))
	_, value, _, code = executeDecrement(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)
	require.Equal(t, uint64(0), binary.BigEndian.Uint64(value))
}

func subdocExtras(path string) []byte {
	e := make([]byte, 3)
	binary.BigEndian.PutUint16(e[0:2], uint16(len(path)))
	return e
}

func TestExecuteSubdocCounterCreatesDocWithMkdoc(t *testing.T) {
	b := memengine.New("default", 1)
	ck := cookie.New()
	extras := subdocExtras("x.y")
	extras[2] = subdocMkdoc
	ck.SetPacket(frame(OpSubdocCounter, extras, []byte("doc"), append([]byte("x.y"), []byte("1")...)))

	_, value, cas, code := executeSubdocCounter(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)
	require.Equal(t, "1", string(value))
	require.NotZero(t, cas)

	info, _ := b.Get(context.Background(), 0, []byte("doc"))
	require.JSONEq(t, `{"x":{"y":1}}`, string(info.Value))
}

func TestExecuteSubdocCounterMissingDocWithoutMkdoc(t *testing.T) {
	b := memengine.New("default", 1)
	ck := cookie.New()
	ck.SetPacket(frame(OpSubdocCounter, subdocExtras("x.y"), []byte("doc"), append([]byte("x.y"), []byte("1")...)))

	_, _, _, code := executeSubdocCounter(context.Background(), b, ck)
	require.Equal(t, errcode.KeyNotFound, code)
}

func TestExecuteSubdocGet(t *testing.T) {
	b := memengine.New("default", 1)
	b.Store(context.Background(), 0, []byte("doc"), []byte(`{"x":{"y":42}}`), 0, 0, 0, 0)

	ck := cookie.New()
	ck.SetPacket(frame(OpSubdocGet, subdocExtras("x.y"), []byte("doc"), []byte("x.y")))
	_, value, _, code := executeSubdocGet(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)
	require.Equal(t, "42", string(value))
}

func TestRegisterSaslRoutesThroughAuthManager(t *testing.T) {
	b := memengine.New("default", 1)
	mgr := authmgr.New(0)
	authmgr.NewLoopbackProvider(mgr, map[string]bool{"alice": true})

	table := BuildTable()
	RegisterSasl(table, mgr)
	for _, op := range []byte{OpSaslListMechs, OpSaslAuth, OpSaslStep} {
		_, ok := table.Lookup(op)
		require.True(t, ok, "opcode %x", op)
	}

	entry, _ := table.Lookup(OpSaslListMechs)
	_, value, _, code := entry.Executor(context.Background(), b, cookie.New())
	require.Equal(t, errcode.Success, code)
	require.Equal(t, "PLAIN", string(value))

	authEntry, _ := table.Lookup(OpSaslAuth)
	ck := cookie.New()
	ck.SetPacket(frame(OpSaslAuth, nil, []byte("PLAIN"), []byte("\x00alice\x00secret")))
	_, resp, _, code := authEntry.Executor(context.Background(), b, ck)
	require.Equal(t, errcode.Success, code)
	require.Equal(t, "alice", string(resp))

	ck.SetPacket(frame(OpSaslAuth, nil, []byte("PLAIN"), []byte("\x00mallory\x00secret")))
	_, _, _, code = authEntry.Executor(context.Background(), b, ck)
	require.Equal(t, errcode.EAccess, code)
}

func TestExecuteHeloNegotiatesKnownFeatures(t *testing.T) {
	b := memengine.New("default", 1)
	c := newTestConn(t)

	val := make([]byte, 0, 8)
	val = binary.BigEndian.AppendUint16(val, featureJSON)
	val = binary.BigEndian.AppendUint16(val, featureXError)
	val = binary.BigEndian.AppendUint16(val, 0xffff) // unknown, dropped

	ck := cookie.New()
	ck.SetPacket(frame(OpHelo, nil, []byte("test-client"), val))

	_, resp, _, code := executeHelo(context.Background(), c, b, ck)
	require.Equal(t, errcode.Success, code)
	require.True(t, c.Features.JSON)
	require.True(t, c.Features.XError)

	require.Len(t, resp, 4)
	require.Equal(t, featureJSON, binary.BigEndian.Uint16(resp[0:2]))
	require.Equal(t, featureXError, binary.BigEndian.Uint16(resp[2:4]))
}

func TestExecuteHeloRejectsOddLengthValue(t *testing.T) {
	b := memengine.New("default", 1)
	c := newTestConn(t)

	ck := cookie.New()
	ck.SetPacket(frame(OpHelo, nil, nil, []byte{0x00, 0x01, 0x02}))

	_, _, _, code := executeHelo(context.Background(), c, b, ck)
	require.Equal(t, errcode.EInval, code)
}

func TestBuildTableRoutesHeloThroughConnExecutor(t *testing.T) {
	table := BuildTable()
	entry, ok := table.Lookup(OpHelo)
	require.True(t, ok)
	require.NotNil(t, entry.ConnExecutor)
	require.Nil(t, entry.Executor)
}

func TestExecuteDcpOpenStartsStreamAndSetsDuplex(t *testing.T) {
	b := memengine.New("default", 1)
	b.Store(context.Background(), 0, []byte("doc"), []byte("payload"), 0, 0, 0, 0)
	c := newTestConn(t)

	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, 0)

	ck := cookie.New()
	ck.SetPacket(frame(OpDcpOpen, extras, []byte("my-stream"), nil))

	_, _, _, code := executeDcpOpen(context.Background(), c, b, ck)
	require.Equal(t, errcode.Success, code)
	require.True(t, c.Features.Duplex)
}

// drainAll reads everything Transmit queues, one net.Pipe Read per
// queued segment, stopping once nothing more arrives within the
// deadline (net.Pipe pairs each Write 1:1 with a Read, so a multi-
// segment push needs a matching number of Read calls).
func drainAll(t *testing.T, c *conn.Connection, client net.Conn) []byte {
	t.Helper()
	var received []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			buf := make([]byte, 4096)
			n, err := client.Read(buf)
			if n > 0 {
				received = append(received, buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()
	require.Equal(t, conn.TransmitComplete, c.Transmit())
	_ = client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	<-done
	return received
}

func TestExecuteDcpOpenEchoesRequestedStreamID(t *testing.T) {
	b := memengine.New("default", 1)
	b.Store(context.Background(), 0, []byte("doc"), nil, 0, 0, 0, 0)

	client, server := net.Pipe()
	defer client.Close()
	cfg := config.DefaultServerConfig()
	c := conn.New(server, cfg.MaxPacketSize, cfg.Budgets, cfg)

	sidPayload := make([]byte, 2)
	binary.BigEndian.PutUint16(sidPayload, 9)
	req := wire.NewRequestBuilder(OpDcpOpen).
		Extras(make([]byte, 4)).
		Key([]byte("my-stream")).
		FrameInfo(wire.FrameInfo{ID: wire.FrameInfoDcpStreamID, Payload: sidPayload}).
		Build()
	f, _, status := wire.ParseFrame(req, 1<<20)
	require.Equal(t, wire.ParseOK, status)

	ck := cookie.New()
	ck.SetPacket(f)
	_, _, _, code := executeDcpOpen(context.Background(), c, b, ck)
	require.Equal(t, errcode.Success, code)

	raw := drainAll(t, c, client)
	var sawStreamID bool
	for len(raw) > 0 {
		fr, n, status := wire.ParseFrame(raw, 1<<20)
		require.Equal(t, wire.ParseOK, status)
		if fr.Header.Magic.IsAlt() {
			infos, err := wire.ValidateFrameInfos(fr.FramingExtras)
			require.NoError(t, err)
			if id, ok := wire.DcpStreamID(infos); ok {
				require.Equal(t, uint16(9), id)
				sawStreamID = true
			}
		}
		raw = raw[n:]
	}
	require.True(t, sawStreamID, "expected at least one frame to carry the requested DcpStreamId")
}

func TestExecuteDcpOpenRejectsMalformedExtras(t *testing.T) {
	b := memengine.New("default", 1)
	c := newTestConn(t)

	ck := cookie.New()
	ck.SetPacket(frame(OpDcpOpen, []byte{0x00}, []byte("my-stream"), nil))

	_, _, _, code := executeDcpOpen(context.Background(), c, b, ck)
	require.Equal(t, errcode.EInval, code)
}
