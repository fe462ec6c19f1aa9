package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddCPUTimeTracksMax(t *testing.T) {
	c := NewConnection(60_000_000_000)
	c.AddCPUTime(100)
	c.AddCPUTime(50)
	c.AddCPUTime(200)
	require.InDelta(t, 200, c.MaxCPUTime(), 5)
}

func TestAddCPUTimeIgnoresNonPositive(t *testing.T) {
	c := NewConnection(60_000_000_000)
	c.AddCPUTime(0)
	c.AddCPUTime(-5)
	require.Equal(t, int64(0), c.MaxCPUTime())
}

func TestConnectionCounters(t *testing.T) {
	c := NewConnection(60_000_000_000)
	c.BytesRead.Inc(10)
	c.Requests.Inc(1)
	require.Equal(t, int64(10), c.BytesRead.Count())
	require.Equal(t, int64(1), c.Requests.Count())
}

func TestReactorTick(t *testing.T) {
	r := NewReactor()
	r.Tick(5)
	r.ConnectionsHandled.Inc(1)
	require.Equal(t, int64(1), r.ConnectionsHandled.Count())
}
