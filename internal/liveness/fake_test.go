package liveness

import (
	"context"
	"fmt"
	"sync"
)

// fakeChain is an in-memory ChainReader. Errors are keyed by method name.
type fakeChain struct {
	mu         sync.Mutex
	session    uint32
	era        uint32
	activeSet  []string
	threshold  uint64
	authored   map[string]uint32
	heartbeats map[string]bool
	errs       map[string]error

	authoredCalls  []string
	heartbeatCalls []string
}

func newFakeChain(session, era uint32, set ...string) *fakeChain {
	return &fakeChain{
		session:    session,
		era:        era,
		activeSet:  set,
		authored:   make(map[string]uint32),
		heartbeats: make(map[string]bool),
		errs:       make(map[string]error),
	}
}

func (f *fakeChain) setErr(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

func (f *fakeChain) authoredBlock(session uint32, v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authored[fmt.Sprintf("%d/%s", session, v)]++
}

func (f *fakeChain) heartbeat(session uint32, index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[fmt.Sprintf("%d/%d", session, index)] = true
}

func (f *fakeChain) newSession(session, era uint32, set ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = session
	f.era = era
	if set != nil {
		f.activeSet = set
	}
}

func (f *fakeChain) SessionIndex(context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.errs["SessionIndex"]
}

func (f *fakeChain) ActiveEraIndex(context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.era, f.errs["ActiveEraIndex"]
}

func (f *fakeChain) ActiveSet(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["ActiveSet"]; err != nil {
		return nil, err
	}
	return append([]string(nil), f.activeSet...), nil
}

func (f *fakeChain) HeartbeatThreshold(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threshold, f.errs["HeartbeatThreshold"]
}

func (f *fakeChain) AuthoredBlocks(_ context.Context, session uint32, v string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d/%s", session, v)
	f.authoredCalls = append(f.authoredCalls, key)
	if err := f.errs["AuthoredBlocks/"+v]; err != nil {
		return 0, err
	}
	return f.authored[key], nil
}

func (f *fakeChain) ReceivedHeartbeat(_ context.Context, session uint32, index uint32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d/%d", session, index)
	f.heartbeatCalls = append(f.heartbeatCalls, key)
	if err := f.errs["ReceivedHeartbeat"]; err != nil {
		return false, err
	}
	return f.heartbeats[key], nil
}

func (f *fakeChain) calls() (authored, heartbeats []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authoredCalls...), append([]string(nil), f.heartbeatCalls...)
}

type countingBroadcaster struct {
	mu sync.Mutex
	n  int
}

func (c *countingBroadcaster) BroadcastUpdate() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingBroadcaster) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
