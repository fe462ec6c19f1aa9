package conn

import (
	"net"
	"testing"
	"time"

	"github.com/mcbpd/mcbpd/pkg/config"
	"github.com/stretchr/testify/require"
)

func newTestConnection() (*Connection, net.Conn) {
	client, server := net.Pipe()
	cfg := config.DefaultServerConfig()
	c := New(server, cfg.MaxPacketSize, cfg.Budgets, cfg)
	return c, client
}

func TestCopyToOutputStreamRejectsOversize(t *testing.T) {
	c, client := newTestConnection()
	defer client.Close()
	c.maxOutputQBytes = 4

	err := c.CopyToOutputStream([]byte("too big"))
	require.ErrorIs(t, err, ErrTooBig)
}

func TestMaybeYieldResetsAfterBudget(t *testing.T) {
	c, client := newTestConnection()
	defer client.Close()
	c.budget = 2

	require.False(t, c.MaybeYield())
	require.True(t, c.MaybeYield())
	require.Greater(t, c.budget, 0)
}

func TestSetPriorityChangesBudget(t *testing.T) {
	c, client := newTestConnection()
	defer client.Close()

	c.SetPriority(PriorityHigh)
	require.Equal(t, c.budgetByPrio.High, c.budget)

	c.SetPriority(PriorityLow)
	require.Equal(t, c.budgetByPrio.Low, c.budget)
}

func TestCloseDeferredWhileOutputPending(t *testing.T) {
	c, client := newTestConnection()
	defer client.Close()

	c.outputQ = append(c.outputQ, outputSegment{data: []byte("pending")})
	c.outputQSize = len(c.outputQ[0].data)

	require.Equal(t, CloseDeferred, c.Close())
}

func TestCloseFinalizedWhenIdle(t *testing.T) {
	c, client := newTestConnection()
	defer client.Close()

	require.Equal(t, CloseFinalized, c.Close())
}

func TestUpdateWatchdogUsesTighterGraceWhenBucketNotReady(t *testing.T) {
	c, client := newTestConnection()
	defer client.Close()
	c.grace.ready = time.Hour
	c.grace.notReady = -time.Second
	c.SetBucketReady(false)

	c.watchdog.lastSize = 1
	c.watchdog.since = time.Now().Add(-time.Millisecond)
	c.outputQSize = 1
	c.updateWatchdog()

	require.True(t, c.WatchdogTripped())
}

func TestUpdateWatchdogKeepsReadyGraceWhenBucketReady(t *testing.T) {
	c, client := newTestConnection()
	defer client.Close()
	c.grace.ready = time.Hour
	c.grace.notReady = -time.Second
	c.SetBucketReady(true)

	c.watchdog.lastSize = 1
	c.watchdog.since = time.Now().Add(-time.Millisecond)
	c.outputQSize = 1
	c.updateWatchdog()

	require.False(t, c.WatchdogTripped())
}

func TestCloseFinalizedWhenWatchdogTripped(t *testing.T) {
	c, client := newTestConnection()
	defer client.Close()

	c.outputQSize = 10
	c.watchdog.termFlag = true

	require.Equal(t, CloseFinalized, c.Close())
}
