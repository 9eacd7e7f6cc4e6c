package loopback

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.repliset.dev/core/gcs"
)

func TestBootstrapConfDelivery(t *testing.T) {
	var l = New("node-a")
	require.NoError(t, l.Connect("cluster", "loopback://"))

	var act, err = l.Recv()
	require.NoError(t, err)
	require.Equal(t, gcs.ActConf, act.Type)
	require.True(t, act.Conf.Primary())
	require.Equal(t, int64(1), act.Conf.ConfID)
	require.Equal(t, 0, act.Conf.MyIdx)
	require.Equal(t, gcs.MemberSynced, act.Conf.MyState)
}

func TestReplAssignsSeqnosAndRetainsHistory(t *testing.T) {
	var l = New("node-a")
	require.NoError(t, l.Connect("cluster", "loopback://"))

	var handle, err = l.Schedule()
	require.NoError(t, err)

	var payload = []byte("a write-set payload which compresses compresses compresses")
	localSeqno, globalSeqno, err := l.Repl(payload, handle)
	require.NoError(t, err)
	require.True(t, localSeqno > 0)
	require.Equal(t, int64(1), globalSeqno)

	// Own broadcasts return through Repl, not the receive queue: only the
	// bootstrap conf, not yet received, is queued.
	require.Equal(t, int64(1), l.QueueLen())

	// The payload round-trips through the compressed broadcast history.
	var got, ok = l.HistoryPayload(globalSeqno)
	require.True(t, ok)
	require.Equal(t, payload, got)

	_, ok = l.HistoryPayload(99)
	require.False(t, ok)
}

func TestInterruptedRepl(t *testing.T) {
	var l = New("node-a")
	require.NoError(t, l.Connect("cluster", "loopback://"))

	var handle, _ = l.Schedule()
	require.NoError(t, l.Interrupt(handle))

	var _, _, err = l.Repl([]byte("payload"), handle)
	require.ErrorIs(t, err, gcs.ErrInterrupted)

	// The interrupt was consumed: a rescheduled broadcast proceeds.
	handle, _ = l.Schedule()
	_, _, err = l.Repl([]byte("payload"), handle)
	require.NoError(t, err)
}

func TestInjectedActionsAreOrdered(t *testing.T) {
	var l = New("node-a")
	require.NoError(t, l.Connect("cluster", "loopback://"))

	var _, g1 = l.InjectTordered([]byte("one"))
	var cutLocal = l.InjectCommitCut(g1)

	var act, err = l.Recv() // Bootstrap conf.
	require.NoError(t, err)
	require.Equal(t, gcs.ActConf, act.Type)

	act, err = l.Recv()
	require.NoError(t, err)
	require.Equal(t, gcs.ActTordered, act.Type)
	require.Equal(t, []byte("one"), act.Payload)
	require.Equal(t, g1, act.GlobalSeqno)

	act, err = l.Recv()
	require.NoError(t, err)
	require.Equal(t, gcs.ActCommitCut, act.Type)
	require.Equal(t, cutLocal, act.LocalSeqno)
	require.Len(t, act.Payload, 8)
}

func TestCloseDrainsThenFails(t *testing.T) {
	var l = New("node-a")
	require.NoError(t, l.Connect("cluster", "loopback://"))
	l.InjectTordered([]byte("pending"))
	require.NoError(t, l.Close())

	var act, err = l.Recv() // Conf.
	require.NoError(t, err)
	act, err = l.Recv() // Pending broadcast.
	require.NoError(t, err)
	require.Equal(t, gcs.ActTordered, act.Type)

	_, err = l.Recv()
	require.ErrorIs(t, err, gcs.ErrClosed)
}
