package liveness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"lecca.io/ksm-watcher/internal/chain"
	"lecca.io/ksm-watcher/internal/metrics"
)

var newSessionEvent = []chain.Event{
	{Section: "System", Method: "ExtrinsicSuccess"},
	{Section: "Session", Method: "NewSession"},
}

func newTestMonitor(t *testing.T, src *fakeChain, validators ...string) (*Monitor, *metrics.Exporter) {
	t.Helper()
	sink := metrics.NewExporter("kusama")
	m := NewMonitor(validators, src, sink, 4)
	require.NoError(t, m.Start(context.Background()))
	return m, sink
}

func head(n uint64) chain.Header {
	return chain.Header{Number: n}
}

func TestMonitor_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	src := newFakeChain(10, 5, "A", "B", "C")
	src.threshold = 100

	// startup
	m, sink := newTestMonitor(t, src, "A", "B")
	require.Equal(t, 3, sink.ActiveSetSize())
	for _, v := range []string{"A", "B"} {
		require.False(t, sink.IsOffline(v))
		require.False(t, sink.IsOfflineOnce(v))
	}
	st, ok := m.Snapshot()
	require.True(t, ok)
	require.Equal(t, SessionState{SessionIndex: 10, EraIndex: 5, ActiveSet: []string{"A", "B", "C"}}, st)

	// head below threshold changes nothing
	require.NoError(t, m.OnNewHead(ctx, head(50)))
	require.False(t, sink.IsOffline("A"))
	require.False(t, sink.IsOffline("B"))
	authored, _ := src.calls()
	require.Empty(t, authored)

	// head above threshold, A silent, B authored
	src.authoredBlock(10, "B")
	require.NoError(t, m.OnNewHead(ctx, head(150)))
	require.True(t, sink.IsOffline("A"))
	require.True(t, sink.IsOfflineOnce("A"))
	require.False(t, sink.IsOffline("B"))
	require.False(t, sink.IsOfflineOnce("B"))

	// new era with a different active set
	src.newSession(11, 6, "A", "B", "D")
	require.NoError(t, m.OnEventBatch(ctx, newSessionEvent))
	require.Equal(t, 3, sink.ActiveSetSize())
	require.False(t, sink.IsOfflineOnce("A"))
	require.False(t, sink.IsOfflineOnce("B"))
	require.True(t, sink.IsOffline("A"))

	st, _ = m.Snapshot()
	require.Equal(t, uint32(11), st.SessionIndex)
	require.Equal(t, uint32(6), st.EraIndex)
	require.Equal(t, []string{"A", "B", "D"}, st.ActiveSet)

	// pre-threshold head, A sends a heartbeat and recovers early
	src.threshold = 400
	src.heartbeat(11, 0)
	require.NoError(t, m.OnNewHead(ctx, head(300)))
	require.False(t, sink.IsOffline("A"))
	require.False(t, sink.IsOfflineOnce("A"))
}

func TestMonitor_HeadAtThresholdIsNotExpected(t *testing.T) {
	src := newFakeChain(1, 1, "A")
	src.threshold = 100
	m, sink := newTestMonitor(t, src, "A")

	require.NoError(t, m.OnNewHead(context.Background(), head(100)))
	require.False(t, sink.IsOffline("A"))

	require.NoError(t, m.OnNewHead(context.Background(), head(101)))
	require.True(t, sink.IsOffline("A"))
}

func TestMonitor_ThresholdRequeriedEveryHead(t *testing.T) {
	src := newFakeChain(1, 1, "A")
	src.threshold = 100
	m, sink := newTestMonitor(t, src, "A")

	require.NoError(t, m.OnNewHead(context.Background(), head(150)))
	require.True(t, sink.IsOffline("A"))

	// threshold moved past the head: no longer expected, still no proof
	src.threshold = 200
	sink.ClearOffline("A")
	require.NoError(t, m.OnNewHead(context.Background(), head(151)))
	require.False(t, sink.IsOffline("A"))
}

func TestMonitor_SessionChangeWithoutEra(t *testing.T) {
	src := newFakeChain(10, 5, "A", "B")
	m, sink := newTestMonitor(t, src, "A")
	sink.MarkOffline("A")
	sink.MarkOfflineOnce("A")

	src.newSession(11, 5, "B", "A")
	require.NoError(t, m.OnEventBatch(context.Background(), newSessionEvent))

	st, _ := m.Snapshot()
	require.Equal(t, uint32(11), st.SessionIndex)
	require.Equal(t, uint32(5), st.EraIndex)
	// active set is only refreshed on an era change
	require.Equal(t, []string{"A", "B"}, st.ActiveSet)
	require.True(t, sink.IsOffline("A"))
	require.True(t, sink.IsOfflineOnce("A"))
}

func TestMonitor_SessionIndexNeverDecreases(t *testing.T) {
	src := newFakeChain(10, 5, "A")
	m, _ := newTestMonitor(t, src, "A")

	src.newSession(9, 5)
	require.NoError(t, m.SessionTransition(context.Background()))

	st, _ := m.Snapshot()
	require.Equal(t, uint32(10), st.SessionIndex)
}

func TestMonitor_IgnoresUnrelatedEvents(t *testing.T) {
	src := newFakeChain(10, 5, "A")
	m, _ := newTestMonitor(t, src, "A")

	src.newSession(11, 6)
	require.NoError(t, m.OnEventBatch(context.Background(), []chain.Event{{Section: "Balances", Method: "Transfer"}}))

	st, _ := m.Snapshot()
	require.Equal(t, uint32(10), st.SessionIndex)
	require.Equal(t, uint32(5), st.EraIndex)
}

func TestMonitor_ValidatorOutsideActiveSetIsFrozen(t *testing.T) {
	src := newFakeChain(1, 1, "A", "B")
	src.threshold = 10
	m, sink := newTestMonitor(t, src, "A", "C")

	sink.MarkOffline("C")
	require.NoError(t, m.OnNewHead(context.Background(), head(20)))

	require.True(t, sink.IsOffline("A"))
	require.True(t, sink.IsOffline("C"))
	require.False(t, sink.IsOfflineOnce("C"))

	authored, _ := src.calls()
	require.Equal(t, []string{"1/A"}, authored)

	s := m.Status()
	require.Len(t, s.Validators, 2)
	require.Equal(t, 0, s.Validators[0].ActiveIndex)
	require.Equal(t, -1, s.Validators[1].ActiveIndex)
}

func TestMonitor_HeartbeatUsesActiveSetPosition(t *testing.T) {
	src := newFakeChain(7, 1, "X", "Y", "A")
	src.threshold = 10
	src.heartbeat(7, 2)
	m, sink := newTestMonitor(t, src, "A")

	require.NoError(t, m.OnNewHead(context.Background(), head(20)))
	require.False(t, sink.IsOffline("A"))

	_, hb := src.calls()
	require.Equal(t, []string{"7/2"}, hb)
}

func TestMonitor_TransientErrorSkipsOnlyThatValidator(t *testing.T) {
	src := newFakeChain(1, 1, "A", "B")
	src.threshold = 10
	src.setErr("AuthoredBlocks/A", errors.New("connection reset"))
	m, sink := newTestMonitor(t, src, "A", "B")

	require.NoError(t, m.OnNewHead(context.Background(), head(20)))
	require.False(t, sink.IsOffline("A"))
	require.False(t, sink.IsOfflineOnce("A"))
	require.True(t, sink.IsOffline("B"))
}

func TestMonitor_ThresholdErrorChangesNothing(t *testing.T) {
	src := newFakeChain(1, 1, "A")
	src.setErr("HeartbeatThreshold", errors.New("timeout"))
	m, sink := newTestMonitor(t, src, "A")

	require.Error(t, m.OnNewHead(context.Background(), head(20)))
	require.False(t, sink.IsOffline("A"))
	authored, _ := src.calls()
	require.Empty(t, authored)
}

func TestMonitor_EraChangeQueryErrorKeepsSnapshot(t *testing.T) {
	src := newFakeChain(10, 5, "A", "B")
	m, sink := newTestMonitor(t, src, "A")
	sink.MarkOfflineOnce("A")

	src.newSession(11, 6, "A")
	src.setErr("ActiveSet", errors.New("timeout"))
	require.Error(t, m.OnEventBatch(context.Background(), newSessionEvent))

	st, _ := m.Snapshot()
	require.Equal(t, SessionState{SessionIndex: 10, EraIndex: 5, ActiveSet: []string{"A", "B"}}, st)
	require.Equal(t, 2, sink.ActiveSetSize())
	require.True(t, sink.IsOfflineOnce("A"))

	// next event retries and succeeds
	src.setErr("ActiveSet", nil)
	require.NoError(t, m.OnEventBatch(context.Background(), newSessionEvent))
	st, _ = m.Snapshot()
	require.Equal(t, uint32(6), st.EraIndex)
	require.Equal(t, 1, sink.ActiveSetSize())
	require.False(t, sink.IsOfflineOnce("A"))
}

func TestMonitor_ResetOfflineIsIdempotent(t *testing.T) {
	src := newFakeChain(1, 1, "A")
	m, sink := newTestMonitor(t, src, "A")
	sink.MarkOffline("A")
	sink.MarkOfflineOnce("A")

	m.ResetOffline()
	m.ResetOffline()
	require.False(t, sink.IsOffline("A"))
	require.False(t, sink.IsOfflineOnce("A"))
}

func TestMonitor_NotStarted(t *testing.T) {
	m := NewMonitor([]string{"A"}, newFakeChain(1, 1, "A"), metrics.NewExporter("kusama"), 1)
	_, ok := m.Snapshot()
	require.False(t, ok)
	require.ErrorIs(t, m.OnNewHead(context.Background(), head(1)), ErrNotStarted)
	require.ErrorIs(t, m.SessionTransition(context.Background()), ErrNotStarted)
}

func TestMonitor_StartFailure(t *testing.T) {
	src := newFakeChain(1, 1, "A")
	src.setErr("ActiveSet", errors.New("boom"))
	m := NewMonitor([]string{"A"}, src, metrics.NewExporter("kusama"), 1)
	require.Error(t, m.Start(context.Background()))
	_, ok := m.Snapshot()
	require.False(t, ok)
}

func TestMonitor_RunAppliesNotificationsInOrder(t *testing.T) {
	src := newFakeChain(10, 5, "A")
	src.threshold = 0
	m, _ := newTestMonitor(t, src, "A")
	b := &countingBroadcaster{}
	m.SetBroadcaster(b)

	// the chain has already moved on; the transition is read when handled
	src.newSession(11, 5)

	ch := make(chan chain.Notification, 3)
	ch <- chain.Notification{Kind: chain.KindHead, Header: head(100)}
	ch <- chain.Notification{Kind: chain.KindEvents, Events: newSessionEvent}
	ch <- chain.Notification{Kind: chain.KindHead, Header: head(101)}
	close(ch)

	require.NoError(t, m.Run(context.Background(), ch))

	authored, _ := src.calls()
	require.Equal(t, []string{"10/A", "11/A"}, authored)
	require.Equal(t, 3, b.count())
}

func TestMonitor_RunStopsOnFatal(t *testing.T) {
	src := newFakeChain(1, 1, "A")
	m, _ := newTestMonitor(t, src, "A")
	src.setErr("HeartbeatThreshold", chain.Fatal(errors.New("socket closed")))

	ch := make(chan chain.Notification, 2)
	ch <- chain.Notification{Kind: chain.KindHead, Header: head(1)}
	ch <- chain.Notification{Kind: chain.KindHead, Header: head(2)}

	err := m.Run(context.Background(), ch)
	require.Error(t, err)
	require.True(t, chain.IsFatal(err))
	require.Len(t, ch, 1)
}

func TestMonitor_RunContinuesAfterTransientError(t *testing.T) {
	src := newFakeChain(1, 1, "A")
	src.threshold = 10
	m, sink := newTestMonitor(t, src, "A")
	src.setErr("SessionIndex", errors.New("timeout"))

	ch := make(chan chain.Notification, 2)
	ch <- chain.Notification{Kind: chain.KindEvents, Events: newSessionEvent}
	ch <- chain.Notification{Kind: chain.KindHead, Header: head(20)}
	close(ch)

	require.NoError(t, m.Run(context.Background(), ch))
	require.True(t, sink.IsOffline("A"))
}

func TestMonitor_RunReturnsOnCancel(t *testing.T) {
	src := newFakeChain(1, 1, "A")
	m, _ := newTestMonitor(t, src, "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Run(ctx, make(chan chain.Notification)))
}
