package chain

import "context"

// Header is the part of a block header the watcher cares about.
type Header struct {
	Number uint64
}

// Event identifies a runtime event by pallet section and method,
// e.g. Section "Session", Method "NewSession".
type Event struct {
	Section string
	Method  string
}

func (e Event) String() string {
	return e.Section + "." + e.Method
}

// IsNewSession reports whether e marks the start of a new session.
func (e Event) IsNewSession() bool {
	return e.Section == "Session" && e.Method == "NewSession"
}

type NotificationKind int

const (
	KindHead NotificationKind = iota
	KindEvents
)

// Notification is one item of the merged head/event stream.
type Notification struct {
	Kind   NotificationKind
	Header Header
	Events []Event
}

// Source is the chain data source: point-in-time queries plus the
// subscriptions feeding a Stream.
type Source interface {
	SessionIndex(ctx context.Context) (uint32, error)
	ActiveEraIndex(ctx context.Context) (uint32, error)
	// ActiveSet returns the session validators in on-chain order.
	ActiveSet(ctx context.Context) ([]string, error)
	HeartbeatThreshold(ctx context.Context) (uint64, error)
	AuthoredBlocks(ctx context.Context, session uint32, validator string) (uint32, error)
	ReceivedHeartbeat(ctx context.Context, session uint32, index uint32) (bool, error)

	// Subscribe forwards new heads and event batches into stream until ctx is
	// done (returns nil) or a subscription fails (returns a fatal error).
	Subscribe(ctx context.Context, stream *Stream) error
	Close()
}
