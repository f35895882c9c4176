package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReplMeta() *ReplMeta {
	return newReplMeta(make([]byte, 4096))
}

func TestReplMeta_FreshIsEmpty(t *testing.T) {
	m := newTestReplMeta()
	assert.True(t, m.IsEmpty())
}

func TestReplMeta_ServerAndReplKeyRoundTrip(t *testing.T) {
	m := newTestReplMeta()
	m.SetServerKey("abc123")
	m.SetReplKey("abc123")
	m.SetReplKeySelfGenerated(true)

	assert.False(t, m.IsEmpty())
	assert.Equal(t, "abc123", m.ServerKey())
	assert.Equal(t, "abc123", m.ReplKey())
	assert.True(t, m.ReplKeySelfGenerated())
}

func TestReplMeta_SetReplKeyZeroPadsOverShorterSubsequentKey(t *testing.T) {
	m := newTestReplMeta()
	m.SetReplKey("a-very-long-previous-replication-key-value")
	m.SetReplKey("short")
	m.SetReplKeySelfGenerated(false)

	require.Equal(t, "short", m.ReplKey())
	assert.False(t, m.ReplKeySelfGenerated())
	// No trailing bytes from the previous, longer key survive.
	raw := m.buf[offReplKey : offReplKey+ServerKeySize]
	for i := len("short"); i < len(raw); i++ {
		assert.Equalf(t, byte(0), raw[i], "byte %d should be zero-padded", i)
	}
}

func TestReplMeta_NamespaceRoundTrip(t *testing.T) {
	m := newTestReplMeta()
	_, ok := m.SelectNamespace()
	assert.False(t, ok)

	m.SetSelectNamespace("tenant-1")
	ns, ok := m.SelectNamespace()
	require.True(t, ok)
	assert.Equal(t, "tenant-1", ns)

	m.ClearSelectNamespace()
	_, ok = m.SelectNamespace()
	assert.False(t, ok)
}
