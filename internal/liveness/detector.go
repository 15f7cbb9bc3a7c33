package liveness

import (
	"context"
	"fmt"

	"lecca.io/ksm-watcher/internal/logger"
)

// StatusSink holds the two offline flags of every validator.
type StatusSink interface {
	MarkOffline(name string)
	ClearOffline(name string)
	IsOffline(name string) bool
	MarkOfflineOnce(name string)
	ClearOfflineOnce(name string)
	IsOfflineOnce(name string) bool
}

// ProofSource answers whether a validator did something during a session
// that proves it was online.
type ProofSource interface {
	AuthoredBlocks(ctx context.Context, session uint32, validator string) (uint32, error)
	ReceivedHeartbeat(ctx context.Context, session uint32, index uint32) (bool, error)
}

// Params is the per-head input to a single validator evaluation.
type Params struct {
	SessionIndex        uint32
	EraIndex            uint32
	IsHeartbeatExpected bool
	ValidatorIndex      int
}

// Detector decides offline transitions. It keeps no state of its own; every
// change goes through the sink.
type Detector struct {
	proofs ProofSource
	sink   StatusSink
}

func NewDetector(proofs ProofSource, sink StatusSink) *Detector {
	return &Detector{proofs: proofs, sink: sink}
}

// Evaluate applies the per-head transition for one validator. On error the
// flags are left as they were.
func (d *Detector) Evaluate(ctx context.Context, validator string, p Params) error {
	if p.IsHeartbeatExpected {
		online, err := d.ProvedOnline(ctx, validator, p.SessionIndex, p.ValidatorIndex)
		if err != nil {
			return err
		}
		if online {
			d.sink.ClearOffline(validator)
			return nil
		}
		logger.Warn("DET", "Target %s has either not authored any block or sent any heartbeat yet in session:%d/era:%d",
			validator, p.SessionIndex, p.EraIndex)
		d.sink.MarkOffline(validator)
		d.sink.MarkOfflineOnce(validator)
		return nil
	}

	// Before the deadline only a validator already flagged is rechecked.
	if !d.sink.IsOffline(validator) {
		return nil
	}
	online, err := d.ProvedOnline(ctx, validator, p.SessionIndex, p.ValidatorIndex)
	if err != nil {
		return err
	}
	if online {
		logger.Info("DET", "Target %s proved online in session:%d/era:%d", validator, p.SessionIndex, p.EraIndex)
		d.sink.ClearOffline(validator)
	}
	return nil
}

// ProvedOnline reports whether validator authored a block in session or its
// heartbeat bit at index is set. A negative index skips the heartbeat check.
func (d *Detector) ProvedOnline(ctx context.Context, validator string, session uint32, index int) (bool, error) {
	authored, err := d.proofs.AuthoredBlocks(ctx, session, validator)
	if err != nil {
		return false, fmt.Errorf("authored blocks of %s in session %d: %w", validator, session, err)
	}
	if authored > 0 {
		return true, nil
	}
	if index < 0 {
		return false, nil
	}
	received, err := d.proofs.ReceivedHeartbeat(ctx, session, uint32(index))
	if err != nil {
		return false, fmt.Errorf("heartbeat of %s in session %d: %w", validator, session, err)
	}
	return received, nil
}
