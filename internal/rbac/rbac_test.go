package rbac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	generation uint64
	granted    [PrivCount]bool
}

func (f *fakeSource) CurrentGeneration() uint64 { return f.generation }
func (f *fakeSource) Resolve(identity, bucket string) ([PrivCount]bool, error) {
	return f.granted, nil
}

func TestCheckOkAndFail(t *testing.T) {
	src := &fakeSource{generation: 1}
	src.granted[PrivRead] = true

	c, err := New("alice", "default", src)
	require.NoError(t, err)

	require.Equal(t, Ok, c.Check(PrivRead, src))
	require.Equal(t, Fail, c.Check(PrivWrite, src))
}

func TestCheckStaleOnGenerationBump(t *testing.T) {
	src := &fakeSource{generation: 1}
	src.granted[PrivRead] = true
	c, _ := New("alice", "default", src)

	src.generation = 2
	require.Equal(t, Stale, c.Check(PrivRead, src))
}

func TestDrop(t *testing.T) {
	src := &fakeSource{generation: 1}
	src.granted[PrivRead] = true
	c, _ := New("alice", "default", src)

	c.Drop()
	require.Equal(t, Fail, c.Check(PrivRead, src))
}

func TestManagerBuildServesFromCache(t *testing.T) {
	src := &fakeSource{generation: 1}
	src.granted[PrivRead] = true
	m, err := NewManager(src, 10, 100)
	require.NoError(t, err)

	c1, err := m.Build("alice", "default")
	require.NoError(t, err)
	require.Equal(t, Ok, c1.Check(PrivRead, src))

	c2, err := m.Build("alice", "default")
	require.NoError(t, err)
	require.Equal(t, Ok, c2.Check(PrivRead, src))
}

func TestManagerRebuildRespectsMaxAttempts(t *testing.T) {
	src := &fakeSource{generation: 1}
	m, err := NewManager(src, 10, 2)
	require.NoError(t, err)

	c, err := m.Build("bob", "default")
	require.NoError(t, err)

	src.generation = 2
	require.Equal(t, Stale, c.Check(PrivRead, src))

	result, err := m.Rebuild(c, 0)
	require.NoError(t, err)
	require.Equal(t, Ok, result)

	result, err = m.Rebuild(c, m.MaxRebuilds())
	require.NoError(t, err)
	require.Equal(t, Fail, result)
}
