package reactor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mcbpd/mcbpd/internal/conn"
	"github.com/mcbpd/mcbpd/internal/cookie"
	"github.com/mcbpd/mcbpd/internal/dispatch"
	"github.com/mcbpd/mcbpd/internal/engine"
	"github.com/mcbpd/mcbpd/internal/errcode"
	"github.com/mcbpd/mcbpd/internal/rbac"
	"github.com/mcbpd/mcbpd/internal/statemachine"
	"github.com/mcbpd/mcbpd/internal/wire"
	"github.com/mcbpd/mcbpd/pkg/config"
	"github.com/mcbpd/mcbpd/testing/memengine"
	"github.com/stretchr/testify/require"
)

const opGet byte = 0x00

type allowAllSource struct{ gen uint64 }

func (s *allowAllSource) CurrentGeneration() uint64 { return s.gen }
func (s *allowAllSource) Resolve(identity, bucket string) ([rbac.PrivCount]bool, error) {
	var granted [rbac.PrivCount]bool
	for i := range granted {
		granted[i] = true
	}
	return granted, nil
}

func buildTestMachine(t *testing.T) func(raw net.Conn) (*conn.Connection, *statemachine.Machine) {
	src := &allowAllSource{gen: 1}
	bucket := memengine.New("default", 1)
	bucket.Store(context.Background(), 0, []byte("foo"), []byte("bar"), 0, 0, 0, 0)

	table := dispatch.NewTable()
	table.Register(dispatch.Entry{
		Opcode: opGet,
		Name:   "get",
		Executor: func(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
			info, code := b.Get(ctx, 0, ck.Packet.Key)
			return nil, info.Value, info.Cas, code
		},
	})

	return func(raw net.Conn) (*conn.Connection, *statemachine.Machine) {
		cfg := config.DefaultServerConfig()
		c := conn.New(raw, cfg.MaxPacketSize, cfg.Budgets, cfg)
		priv, err := rbac.New("alice", "default", src)
		require.NoError(t, err)
		c.Priv = priv
		mgr, err := rbac.NewManager(src, 10, 100)
		require.NoError(t, err)
		m := statemachine.New(c, bucket, table, mgr, src, false)
		return c, m
	}
}

func TestReactorThreadRunsAdoptedConnectionToResponse(t *testing.T) {
	r := NewReactorThread(0)
	build := buildTestMachine(t)
	go r.Run(build)
	defer r.Stop()

	client, server := net.Pipe()
	defer client.Close()

	r.Adopt(server, nil)

	req := wire.NewRequestBuilder(opGet).Opaque(0x1).Key([]byte("foo")).Build()
	go func() {
		_, _ = client.Write(req)
	}()

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := client.Read(buf)
		received <- buf[:n]
	}()

	select {
	case resp := <-received:
		f, _, status := wire.ParseFrame(resp, 1<<20)
		require.Equal(t, wire.ParseOK, status)
		require.Equal(t, "bar", string(f.Value))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestReactorThreadDeliversPendingIOCompletion(t *testing.T) {
	src := &allowAllSource{gen: 1}
	bucket := memengine.New("default", 1)

	const opBlock byte = 0x01
	table := dispatch.NewTable()
	table.Register(dispatch.Entry{
		Opcode: opBlock,
		Name:   "block",
		Executor: func(ctx context.Context, b engine.Bucket, ck *cookie.Cookie) ([]byte, []byte, uint64, errcode.Code) {
			return nil, nil, 0, errcode.EWouldBlock
		},
	})
	build := func(raw net.Conn) (*conn.Connection, *statemachine.Machine) {
		cfg := config.DefaultServerConfig()
		c := conn.New(raw, cfg.MaxPacketSize, cfg.Budgets, cfg)
		priv, err := rbac.New("alice", "default", src)
		require.NoError(t, err)
		c.Priv = priv
		mgr, err := rbac.NewManager(src, 10, 100)
		require.NoError(t, err)
		return c, statemachine.New(c, bucket, table, mgr, src, false)
	}

	r := NewReactorThread(0)
	go r.Run(build)
	defer r.Stop()

	client, server := net.Pipe()
	defer client.Close()
	r.Adopt(server, nil)

	req := wire.NewRequestBuilder(opBlock).Opaque(0x42).Build()
	go func() { _, _ = client.Write(req) }()

	require.Eventually(t, func() bool {
		_, ok := r.pendingIO.Load(0)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "connection never registered as blocked")

	r.CompletePendingIO(0, errcode.Success)

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := client.Read(buf)
		received <- buf[:n]
	}()

	select {
	case resp := <-received:
		f, _, status := wire.ParseFrame(resp, 1<<20)
		require.Equal(t, wire.ParseOK, status)
		require.Equal(t, uint32(0x42), f.Header.Opaque)
		require.Equal(t, uint16(errcode.StatusSuccess), f.Header.VbucketOrStatus)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resumed response")
	}
}

func TestDispatcherPlacementIsDeterministicPerAddress(t *testing.T) {
	reactors := []*ReactorThread{NewReactorThread(0), NewReactorThread(1), NewReactorThread(2)}
	d := NewDispatcher(reactors, 4, 4)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	first := d.placementFor(b)
	second := d.placementFor(b)
	require.Equal(t, first.ID(), second.ID())
}

// noAddrConn wraps a net.Conn and reports no remote address, exercising
// the Dispatcher's round-robin fallback path.
type noAddrConn struct{ net.Conn }

func (noAddrConn) RemoteAddr() net.Addr { return nil }

func TestDispatcherFallsBackToRoundRobinWithoutAddress(t *testing.T) {
	reactors := []*ReactorThread{NewReactorThread(0), NewReactorThread(1)}
	d := NewDispatcher(reactors, 4, 4)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	conn := noAddrConn{b}
	first := d.placementFor(conn)
	second := d.placementFor(conn)
	require.NotEqual(t, first.ID(), second.ID())
}

// aliveOnDial reports whether a connection to addr is accepted and left
// open by the server (read times out) rather than rejected (read
// returns EOF/closed because the server hung up).
func aliveOnDial(t *testing.T, addr string) bool {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return false
	}
	defer c.Close()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = c.Read(make([]byte, 1))
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

func TestDispatcherRejectsPastUserQuotaAndReleasesOnTeardown(t *testing.T) {
	r := NewReactorThread(0)
	go r.Run(buildTestMachine(t))
	defer r.Stop()

	d := NewDispatcher([]*ReactorThread{r}, 4, 1)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go d.Serve(ln, false)

	first, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !aliveOnDial(t, ln.Addr().String())
	}, time.Second, 10*time.Millisecond, "connection past the user quota must be rejected")

	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		return aliveOnDial(t, ln.Addr().String())
	}, 2*time.Second, 10*time.Millisecond, "quota must be released once the first connection tears down")
}
