package authmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoopbackProviderGrantsKnownIdentity(t *testing.T) {
	m := New(0)
	NewLoopbackProvider(m, map[string]bool{"alice": true})

	resp, err := m.Authenticate("PLAIN", []byte("\x00alice\x00secret"))
	require.NoError(t, err)
	require.Equal(t, "alice", string(resp))
}

func TestLoopbackProviderRejectsUnknownIdentity(t *testing.T) {
	m := New(0)
	NewLoopbackProvider(m, map[string]bool{"alice": true})

	_, err := m.Authenticate("PLAIN", []byte("\x00mallory\x00secret"))
	require.ErrorIs(t, err, ErrAuthRejected)
}

func TestLoopbackProviderRejectsUnknownMechanism(t *testing.T) {
	m := New(0)
	NewLoopbackProvider(m, map[string]bool{"alice": true})

	_, err := m.Authenticate("GSSAPI", []byte("blob"))
	require.ErrorIs(t, err, ErrAuthRejected)
}

func TestPlainIdentityExtractsAuthcid(t *testing.T) {
	id, ok := PlainIdentity("PLAIN", []byte("\x00bob\x00pw"))
	require.True(t, ok)
	require.Equal(t, "bob", id)

	_, ok = PlainIdentity("PLAIN", []byte("nouls"))
	require.False(t, ok)

	_, ok = PlainIdentity("OTHER", []byte("\x00bob\x00pw"))
	require.False(t, ok)
}
