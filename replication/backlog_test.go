package replication

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBacklog(t *testing.T, dir string, isMaster bool) *Backlog {
	t.Helper()
	b, err := InitBacklog(BacklogOptions{
		DataDir:      dir,
		BacklogSize:  4096,
		SegmentCount: 4,
		IsMaster:     isMaster,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestInitBacklog_Disabled(t *testing.T) {
	_, err := InitBacklog(BacklogOptions{DataDir: t.TempDir(), BacklogSize: 0})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestInitBacklog_AssignsFreshIdentityOnColdInit(t *testing.T) {
	b := openTestBacklog(t, t.TempDir(), true)

	assert.NotEmpty(t, b.ServerKey())
	assert.Equal(t, b.ServerKey(), b.ReplKey())
	assert.True(t, b.IsReplKeySelfGenerated())
}

func TestInitBacklog_PreservesIdentityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	b1 := openTestBacklog(t, dir, true)
	key := b1.ServerKey()
	require.NoError(t, b1.Close())

	b2, err := InitBacklog(BacklogOptions{DataDir: dir, BacklogSize: 4096, SegmentCount: 4, IsMaster: true})
	require.NoError(t, err)
	defer b2.Close()

	assert.Equal(t, key, b2.ServerKey())
}

func TestSetReplKey_OverridesAndClearsSelfGenerated(t *testing.T) {
	b := openTestBacklog(t, t.TempDir(), false)
	require.True(t, b.IsReplKeySelfGenerated())

	b.SetReplKey("upstream-master-key")
	assert.Equal(t, "upstream-master-key", b.ReplKey())
	assert.False(t, b.IsReplKeySelfGenerated())
}

func TestWrite_MasterSynthesizesSelectOnNamespaceChange(t *testing.T) {
	b := openTestBacklog(t, t.TempDir(), true)

	got, err := captureReplay(b, func() {
		_, err := b.Write("tenant-a", []byte("SET k v"))
		require.NoError(t, err)
	})
	require.NoError(t, err)

	// The ring carries no record framing: the SELECT preamble and the
	// command it precedes land back to back in the raw byte stream.
	assert.Equal(t, "SELECT tenant-aSET k v", string(got))

	ns, ok := b.CurrentNamespace()
	require.True(t, ok)
	assert.Equal(t, "tenant-a", ns)
}

func TestWrite_MasterDoesNotRepeatSelectForSameNamespace(t *testing.T) {
	b := openTestBacklog(t, t.TempDir(), true)

	_, err := b.Write("tenant-a", []byte("SET k v1"))
	require.NoError(t, err)

	got, err := captureReplay(b, func() {
		_, err := b.Write("tenant-a", []byte("SET k v2"))
		require.NoError(t, err)
	})
	require.NoError(t, err)
	assert.Equal(t, "SET k v2", string(got))
}

func TestWriteDirect_FollowerNeverSynthesizesSelect(t *testing.T) {
	b := openTestBacklog(t, t.TempDir(), false)

	got, err := captureReplay(b, func() {
		_, err := b.WriteDirect([]byte("SELECT tenant-a"))
		require.NoError(t, err)
		_, err = b.WriteDirect([]byte("SET k v"))
		require.NoError(t, err)
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT tenant-aSET k v", string(got))

	// WriteDirect never updates ReplMeta's namespace on its own; the
	// follower's receive loop is responsible for calling
	// SetCurrentNamespace when it observes a mirrored SELECT.
	_, ok := b.CurrentNamespace()
	assert.False(t, ok)
}

// captureReplay snapshots EndOffset before running fn, then replays every
// raw byte fn appended. The ring hands back contiguous chunks split only at
// segment boundaries, never at logical command boundaries, so callers get
// the concatenation of everything appended rather than discrete records.
func captureReplay(b *Backlog, fn func()) ([]byte, error) {
	before := b.EndOffset()
	fn()
	after := b.EndOffset()
	var buf []byte
	err := b.wal.Replay(context.Background(), before, after, func(data []byte) error {
		buf = append(buf, data...)
		return nil
	})
	return buf, err
}

func TestIsValidOffsetCksm_ZeroOffsetAlwaysInvalid(t *testing.T) {
	b := openTestBacklog(t, t.TempDir(), true)
	assert.False(t, b.IsValidOffsetCksm(context.Background(), 0, 0))
}

func TestIsValidOffsetCksm_ValidAtCurrentHead(t *testing.T) {
	b := openTestBacklog(t, t.TempDir(), true)
	_, err := b.Write("ns", []byte("cmd"))
	require.NoError(t, err)

	assert.True(t, b.IsValidOffsetCksm(context.Background(), b.EndOffset(), b.Cksm()))
}

func TestResetOffsetCksm_RestartsRingAtGivenBaseline(t *testing.T) {
	b := openTestBacklog(t, t.TempDir(), true)
	_, err := b.Write("ns", []byte("cmd"))
	require.NoError(t, err)

	require.NoError(t, b.ResetOffsetCksm(500, 42))
	assert.Equal(t, uint64(500), b.StartOffset())
	assert.Equal(t, uint64(500), b.EndOffset())
	assert.Equal(t, uint64(42), b.Cksm())
}

func TestWrite_ConcurrentProducersDoNotInterleaveSelectPreambles(t *testing.T) {
	b := openTestBacklog(t, t.TempDir(), true)

	got, err := captureReplay(b, func() {
		var wg sync.WaitGroup
		namespaces := []string{"ns-a", "ns-b", "ns-c"}
		for i := 0; i < 30; i++ {
			ns := namespaces[i%len(namespaces)]
			wg.Add(1)
			go func(ns string) {
				defer wg.Done()
				_, err := b.Write(ns, []byte("cmd"))
				assert.NoError(t, err)
			}(ns)
		}
		wg.Wait()
	})
	require.NoError(t, err)

	// At most 30*len("SELECT ns-xcmd") = 420 bytes land in a 4096-byte ring,
	// so nothing rotates out. Every SELECT must be followed directly by its
	// namespace and at least one "cmd", never by another producer's SELECT.
	stream := string(got)
	assert.Equal(t, 30, strings.Count(stream, "cmd"))
	parts := strings.Split(stream, "SELECT ")
	assert.Empty(t, parts[0])
	for _, p := range parts[1:] {
		assert.Regexp(t, `^ns-[abc](cmd)+$`, p)
	}
	assert.LessOrEqual(t, b.StartOffset(), b.EndOffset())
}

func TestRoutine_SyncsOnlyAfterSyncPeriodElapses(t *testing.T) {
	dir := t.TempDir()
	b, err := InitBacklog(BacklogOptions{
		DataDir:      dir,
		BacklogSize:  4096,
		SegmentCount: 4,
		IsMaster:     true,
		SyncPeriod:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer b.Close()

	b.Routine() // primes lastSyncedAt
	require.False(t, b.lastSyncedAt.IsZero())

	b.lastSyncedAt = time.Now()
	notDue := b.lastSyncedAt
	b.Routine() // SyncPeriod has not elapsed: no sync, lastSyncedAt unchanged
	assert.Equal(t, notDue, b.lastSyncedAt)

	time.Sleep(15 * time.Millisecond)
	b.Routine() // SyncPeriod has elapsed: runs FlushSyncWAL
	assert.True(t, b.lastSyncedAt.After(notDue))
}
