package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/retriever"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/state"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/vedhavyas/go-subkey/v2"

	"lecca.io/ksm-watcher/internal/config"
	"lecca.io/ksm-watcher/internal/logger"
)

// activeEraInfo mirrors pallet_staking::ActiveEraInfo.
type activeEraInfo struct {
	Index types.U32
	Start types.OptionU64
}

// SubstrateSource implements Source against a Substrate node over websocket.
type SubstrateSource struct {
	api        *gsrpc.SubstrateAPI
	events     retriever.EventRetriever
	ss58Format uint16
	timeout    time.Duration

	// fetchMetadata loads the latest runtime metadata.
	fetchMetadata func() (*types.Metadata, error)

	// Guarded by metaMu; replaced when the runtime spec version changes.
	metaMu      sync.RWMutex
	meta        *types.Metadata
	specVersion uint32
}

var _ Source = (*SubstrateSource)(nil)

// Dial connects to the node, loads the runtime metadata and logs the node
// identity. Connection failures are returned as fatal errors.
func Dial(ctx context.Context, cfg config.ChainConfig, advanced config.AdvancedConfig) (*SubstrateSource, error) {
	timeout := advanced.QueryTimeoutDuration()

	api, err := callWithTimeout(ctx, timeout, func() (*gsrpc.SubstrateAPI, error) {
		return gsrpc.NewSubstrateAPI(cfg.Endpoint)
	})
	if err != nil {
		return nil, Fatal(fmt.Errorf("failed to connect to %s: %w", cfg.Endpoint, err))
	}

	s := &SubstrateSource{
		api:           api,
		ss58Format:    cfg.SS58Format,
		timeout:       timeout,
		fetchMetadata: api.RPC.State.GetMetadataLatest,
	}

	if err := s.refreshMetadata(ctx); err != nil {
		s.Close()
		return nil, Fatal(err)
	}

	events, err := retriever.NewDefaultEventRetriever(state.NewEventProvider(api.RPC.State), api.RPC.State)
	if err != nil {
		s.Close()
		return nil, Fatal(fmt.Errorf("failed to create event retriever: %w", err))
	}
	s.events = events

	chainName, _ := callWithTimeout(ctx, timeout, func() (types.Text, error) { return api.RPC.System.Chain() })
	nodeName, _ := callWithTimeout(ctx, timeout, func() (types.Text, error) { return api.RPC.System.Name() })
	nodeVersion, _ := callWithTimeout(ctx, timeout, func() (types.Text, error) { return api.RPC.System.Version() })
	logger.Info("CHAIN", "Connected to %s via %s (%s v%s)", chainName, cfg.Endpoint, nodeName, nodeVersion)

	return s, nil
}

func (s *SubstrateSource) Close() {
	if s.api == nil || s.api.Client == nil {
		return
	}
	s.api.Client.Close()
}

func (s *SubstrateSource) refreshMetadata(ctx context.Context) error {
	meta, err := callWithTimeout(ctx, s.timeout, func() (*types.Metadata, error) {
		return s.fetchMetadata()
	})
	if err != nil {
		return fmt.Errorf("failed to fetch metadata: %w", err)
	}
	s.metaMu.Lock()
	s.meta = meta
	s.metaMu.Unlock()
	return nil
}

func (s *SubstrateSource) metadata() *types.Metadata {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.meta
}

// onRuntimeVersion reloads the metadata when the runtime was upgraded. The
// first version seen only records the spec version.
func (s *SubstrateSource) onRuntimeVersion(ctx context.Context, v types.RuntimeVersion) error {
	spec := uint32(v.SpecVersion)
	s.metaMu.RLock()
	prev := s.specVersion
	s.metaMu.RUnlock()
	if prev == spec {
		return nil
	}
	if prev != 0 {
		logger.Info("CHAIN", "Runtime upgraded %s v%d -> v%d, reloading metadata", v.SpecName, prev, spec)
		if err := s.refreshMetadata(ctx); err != nil {
			return err
		}
	}
	s.metaMu.Lock()
	s.specVersion = spec
	s.metaMu.Unlock()
	return nil
}

func (s *SubstrateSource) storageKey(pallet, item string, args ...[]byte) (types.StorageKey, error) {
	meta := s.metadata()
	if meta == nil {
		return nil, errors.New("metadata not loaded")
	}
	key, err := types.CreateStorageKey(meta, pallet, item, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build storage key %s.%s: %w", pallet, item, err)
	}
	return key, nil
}

// getStorage decodes the latest value at key into target. ok is false when
// the key holds no value.
func (s *SubstrateSource) getStorage(ctx context.Context, key types.StorageKey, target interface{}) (bool, error) {
	return callWithTimeout(ctx, s.timeout, func() (bool, error) {
		return s.api.RPC.State.GetStorageLatest(key, target)
	})
}

func (s *SubstrateSource) SessionIndex(ctx context.Context) (uint32, error) {
	key, err := s.storageKey("Session", "CurrentIndex")
	if err != nil {
		return 0, err
	}
	var idx types.U32
	if _, err := s.getStorage(ctx, key, &idx); err != nil {
		return 0, fmt.Errorf("failed to query session index: %w", err)
	}
	return uint32(idx), nil
}

func (s *SubstrateSource) ActiveEraIndex(ctx context.Context) (uint32, error) {
	key, err := s.storageKey("Staking", "ActiveEra")
	if err != nil {
		return 0, err
	}
	var era activeEraInfo
	ok, err := s.getStorage(ctx, key, &era)
	if err != nil {
		return 0, fmt.Errorf("failed to query active era: %w", err)
	}
	if !ok {
		return 0, errors.New("active era is not set")
	}
	return uint32(era.Index), nil
}

func (s *SubstrateSource) ActiveSet(ctx context.Context) ([]string, error) {
	key, err := s.storageKey("Session", "Validators")
	if err != nil {
		return nil, err
	}
	var ids [][32]byte
	if _, err := s.getStorage(ctx, key, &ids); err != nil {
		return nil, fmt.Errorf("failed to query session validators: %w", err)
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = subkey.SS58Encode(id[:], s.ss58Format)
	}
	return out, nil
}

func (s *SubstrateSource) HeartbeatThreshold(ctx context.Context) (uint64, error) {
	key, err := s.storageKey("ImOnline", "HeartbeatAfter")
	if err != nil {
		return 0, err
	}
	var after types.U32
	if _, err := s.getStorage(ctx, key, &after); err != nil {
		return 0, fmt.Errorf("failed to query heartbeat threshold: %w", err)
	}
	return uint64(after), nil
}

func (s *SubstrateSource) AuthoredBlocks(ctx context.Context, session uint32, validator string) (uint32, error) {
	_, pub, err := subkey.SS58Decode(validator)
	if err != nil {
		return 0, fmt.Errorf("invalid validator address %s: %w", validator, err)
	}
	sessionArg, err := codec.Encode(types.NewU32(session))
	if err != nil {
		return 0, err
	}
	key, err := s.storageKey("ImOnline", "AuthoredBlocks", sessionArg, pub)
	if err != nil {
		return 0, err
	}
	var count types.U32
	if _, err := s.getStorage(ctx, key, &count); err != nil {
		return 0, fmt.Errorf("failed to query authored blocks of %s: %w", validator, err)
	}
	return uint32(count), nil
}

func (s *SubstrateSource) ReceivedHeartbeat(ctx context.Context, session uint32, index uint32) (bool, error) {
	sessionArg, err := codec.Encode(types.NewU32(session))
	if err != nil {
		return false, err
	}
	indexArg, err := codec.Encode(types.NewU32(index))
	if err != nil {
		return false, err
	}
	key, err := s.storageKey("ImOnline", "ReceivedHeartbeats", sessionArg, indexArg)
	if err != nil {
		return false, err
	}
	raw, err := callWithTimeout(ctx, s.timeout, func() (*types.StorageDataRaw, error) {
		return s.api.RPC.State.GetStorageRawLatest(key)
	})
	if err != nil {
		return false, fmt.Errorf("failed to query heartbeat #%d: %w", index, err)
	}
	return heartbeatPresent(raw), nil
}

// heartbeatPresent interprets a ReceivedHeartbeats value. Older runtimes store
// the opaque heartbeat, newer ones a bool; a missing key or false means none.
func heartbeatPresent(raw *types.StorageDataRaw) bool {
	if raw == nil || len(*raw) == 0 {
		return false
	}
	if len(*raw) == 1 && (*raw)[0] == 0 {
		return false
	}
	return true
}

func (s *SubstrateSource) Subscribe(ctx context.Context, stream *Stream) error {
	heads, err := s.api.RPC.Chain.SubscribeNewHeads()
	if err != nil {
		return Fatal(fmt.Errorf("failed to subscribe to new heads: %w", err))
	}
	defer heads.Unsubscribe()

	eventsKey, err := s.storageKey("System", "Events")
	if err != nil {
		return Fatal(err)
	}
	changes, err := s.api.RPC.State.SubscribeStorageRaw([]types.StorageKey{eventsKey})
	if err != nil {
		return Fatal(fmt.Errorf("failed to subscribe to events: %w", err))
	}
	defer changes.Unsubscribe()

	versions, err := s.api.RPC.State.SubscribeRuntimeVersion()
	if err != nil {
		return Fatal(fmt.Errorf("failed to subscribe to runtime version: %w", err))
	}
	defer versions.Unsubscribe()

	logger.Info("CHAIN", "Subscribed to new heads, system events and runtime version")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-heads.Err():
			return Fatal(fmt.Errorf("new heads subscription ended: %w", err))
		case err := <-changes.Err():
			return Fatal(fmt.Errorf("events subscription ended: %w", err))
		case err := <-versions.Err():
			return Fatal(fmt.Errorf("runtime version subscription ended: %w", err))
		case v := <-versions.Chan():
			// A failed reload keeps the old spec version so the next notification retries.
			if err := s.onRuntimeVersion(ctx, v); err != nil {
				logger.Warn("CHAIN", "%v", err)
			}
		case header := <-heads.Chan():
			if !stream.PushHead(ctx, Header{Number: uint64(header.Number)}) {
				return nil
			}
		case set := <-changes.Chan():
			events, err := s.decodeEvents(ctx, set.Block)
			if err != nil {
				logger.Warn("CHAIN", "Failed to decode events of block %s: %v", set.Block.Hex(), err)
				continue
			}
			if !stream.PushEvents(ctx, events) {
				return nil
			}
		}
	}
}

func (s *SubstrateSource) decodeEvents(ctx context.Context, block types.Hash) ([]Event, error) {
	parsed, err := callWithTimeout(ctx, s.timeout, func() ([]Event, error) {
		records, err := s.events.GetEvents(block)
		if err != nil {
			return nil, err
		}
		out := make([]Event, 0, len(records))
		for _, r := range records {
			out = append(out, parseEventName(r.Name))
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return parsed, nil
}

// parseEventName splits "Pallet.Method" into an Event.
func parseEventName(name string) Event {
	section, method, found := strings.Cut(name, ".")
	if !found {
		return Event{Method: name}
	}
	return Event{Section: section, Method: method}
}
