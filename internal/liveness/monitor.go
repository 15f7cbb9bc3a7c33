package liveness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"lecca.io/ksm-watcher/internal/chain"
	"lecca.io/ksm-watcher/internal/logger"
)

var ErrNotStarted = errors.New("monitor not started")

// ChainReader is the query side of the chain data source.
type ChainReader interface {
	ProofSource
	SessionIndex(ctx context.Context) (uint32, error)
	ActiveEraIndex(ctx context.Context) (uint32, error)
	ActiveSet(ctx context.Context) ([]string, error)
	HeartbeatThreshold(ctx context.Context) (uint64, error)
}

// Sink is the metrics sink as seen by the monitor.
type Sink interface {
	StatusSink
	SetActiveSetSize(n int)
}

type StateBroadcaster interface {
	BroadcastUpdate()
}

// Monitor owns the session/era snapshot and drives per-head evaluation of
// the configured validators.
type Monitor struct {
	validators  []string
	source      ChainReader
	sink        Sink
	detector    *Detector
	workers     int
	broadcaster StateBroadcaster

	state        atomic.Pointer[SessionState]
	transitionMu sync.Mutex
}

func NewMonitor(validators []string, source ChainReader, sink Sink, workers int) *Monitor {
	if workers < 1 {
		workers = 1
	}
	return &Monitor{
		validators: validators,
		source:     source,
		sink:       sink,
		detector:   NewDetector(source, sink),
		workers:    workers,
	}
}

// SetBroadcaster registers a listener notified after every state change.
// Must be called before Run.
func (m *Monitor) SetBroadcaster(b StateBroadcaster) {
	m.broadcaster = b
}

// Start loads the session snapshot from the chain, publishes the active-set
// size and resets the offline flags of every configured validator.
func (m *Monitor) Start(ctx context.Context) error {
	session, err := m.source.SessionIndex(ctx)
	if err != nil {
		return fmt.Errorf("failed to load session index: %w", err)
	}
	era, err := m.source.ActiveEraIndex(ctx)
	if err != nil {
		return fmt.Errorf("failed to load era index: %w", err)
	}
	set, err := m.source.ActiveSet(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active set: %w", err)
	}

	m.state.Store(&SessionState{SessionIndex: session, EraIndex: era, ActiveSet: set})
	logger.Info("MON", "sessionIndex -> %d currentEraIndex -> %d countOfValidators %d", session, era, len(set))

	m.sink.SetActiveSetSize(len(set))
	m.ResetOffline()

	for _, v := range m.validators {
		if !slices.Contains(set, v) {
			logger.Warn("MON", "Target %s is not in the active set", v)
		}
	}
	return nil
}

// ResetOffline clears both offline flags of every configured validator.
func (m *Monitor) ResetOffline() {
	for _, v := range m.validators {
		m.sink.ClearOffline(v)
		m.sink.ClearOfflineOnce(v)
	}
}

// Snapshot returns a copy of the current session state.
func (m *Monitor) Snapshot() (SessionState, bool) {
	st := m.state.Load()
	if st == nil {
		return SessionState{}, false
	}
	return st.clone(), true
}

// Run consumes the merged notification stream until ctx is done or the
// channel closes. Notifications are handled one at a time in arrival order,
// so a session transition completes before the next head is evaluated.
// Only fatal chain errors end the loop with an error.
func (m *Monitor) Run(ctx context.Context, notifications <-chan chain.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notifications:
			if !ok {
				return nil
			}

			var err error
			switch n.Kind {
			case chain.KindHead:
				err = m.OnNewHead(ctx, n.Header)
			case chain.KindEvents:
				err = m.OnEventBatch(ctx, n.Events)
			}
			if err == nil {
				continue
			}
			if chain.IsFatal(err) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("MON", "%v", err)
		}
	}
}

// OnNewHead evaluates every configured validator present in the active set
// against the head. Validators outside the active set keep their flags.
func (m *Monitor) OnNewHead(ctx context.Context, header chain.Header) error {
	st := m.state.Load()
	if st == nil {
		return ErrNotStarted
	}

	// Re-queried on every head, never cached across heads.
	threshold, err := m.source.HeartbeatThreshold(ctx)
	if err != nil {
		return fmt.Errorf("block %d: failed to load heartbeat threshold: %w", header.Number, err)
	}
	expected := header.Number > threshold

	logger.Debug("MON", "Current EraIndex: %d\tCurrent SessionIndex: %d", st.EraIndex, st.SessionIndex)
	logger.Debug("MON", "Current Block: %d\tHeartbeatBlock Threshold: %d", header.Number, threshold)

	var g errgroup.Group
	g.SetLimit(m.workers)
	for _, v := range m.validators {
		idx := st.IndexOf(v)
		if idx < 0 {
			continue
		}
		params := Params{
			SessionIndex:        st.SessionIndex,
			EraIndex:            st.EraIndex,
			IsHeartbeatExpected: expected,
			ValidatorIndex:      idx,
		}
		g.Go(func() error {
			err := m.detector.Evaluate(ctx, v, params)
			if err == nil {
				return nil
			}
			if chain.IsFatal(err) {
				return err
			}
			logger.Warn("DET", "Block %d: evaluation of %s abandoned: %v", header.Number, v, err)
			return nil
		})
	}
	err = g.Wait()

	m.broadcast()
	return err
}

// OnEventBatch runs a session transition if the batch holds a new-session
// event. Other events are ignored.
func (m *Monitor) OnEventBatch(ctx context.Context, events []chain.Event) error {
	for _, ev := range events {
		if ev.IsNewSession() {
			return m.SessionTransition(ctx)
		}
	}
	return nil
}

// SessionTransition re-reads the session and era indices. On an era increase
// it also refreshes the active set and clears every offline-once flag. The
// new snapshot is stored only if all queries succeed.
func (m *Monitor) SessionTransition(ctx context.Context) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	cur := m.state.Load()
	if cur == nil {
		return ErrNotStarted
	}

	session, err := m.source.SessionIndex(ctx)
	if err != nil {
		return fmt.Errorf("session transition: failed to load session index: %w", err)
	}
	era, err := m.source.ActiveEraIndex(ctx)
	if err != nil {
		return fmt.Errorf("session transition: failed to load era index: %w", err)
	}

	next := &SessionState{
		SessionIndex: cur.SessionIndex,
		EraIndex:     cur.EraIndex,
		ActiveSet:    cur.ActiveSet,
	}
	if session >= cur.SessionIndex {
		next.SessionIndex = session
	} else {
		logger.Warn("MON", "Ignoring session index %d lower than current %d", session, cur.SessionIndex)
	}

	if era <= cur.EraIndex {
		m.state.Store(next)
		logger.Info("MON", "New session %d (era %d)", next.SessionIndex, next.EraIndex)
		m.broadcast()
		return nil
	}

	set, err := m.source.ActiveSet(ctx)
	if err != nil {
		return fmt.Errorf("era transition: failed to load active set: %w", err)
	}
	next.EraIndex = era
	next.ActiveSet = set
	m.state.Store(next)

	m.sink.SetActiveSetSize(len(set))
	for _, v := range m.validators {
		m.sink.ClearOfflineOnce(v)
	}
	logger.Info("MON", "New era %d at session %d, active set has %d validators", era, next.SessionIndex, len(set))

	m.broadcast()
	return nil
}

// Status reports the snapshot together with the flags of every configured
// validator.
func (m *Monitor) Status() Status {
	st := m.state.Load()
	if st == nil {
		st = &SessionState{}
	}
	out := Status{
		SessionIndex:  st.SessionIndex,
		EraIndex:      st.EraIndex,
		ActiveSetSize: len(st.ActiveSet),
		Validators:    make([]ValidatorStatus, 0, len(m.validators)),
	}
	for _, v := range m.validators {
		out.Validators = append(out.Validators, ValidatorStatus{
			Name:        v,
			ActiveIndex: st.IndexOf(v),
			Offline:     m.sink.IsOffline(v),
			OfflineOnce: m.sink.IsOfflineOnce(v),
		})
	}
	return out
}

func (m *Monitor) broadcast() {
	if m.broadcaster != nil {
		m.broadcaster.BroadcastUpdate()
	}
}
