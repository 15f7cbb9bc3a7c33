package liveness

import "slices"

// SessionState is an immutable snapshot of the session/era view. A session
// transition builds a new value and swaps it in; nothing mutates a stored one.
type SessionState struct {
	SessionIndex uint32
	EraIndex     uint32
	// ActiveSet is in on-chain order. The position of a validator is its
	// index in the received-heartbeats record.
	ActiveSet []string
}

// IndexOf returns the position of validator in the active set, or -1.
func (s *SessionState) IndexOf(validator string) int {
	return slices.Index(s.ActiveSet, validator)
}

func (s *SessionState) clone() SessionState {
	return SessionState{
		SessionIndex: s.SessionIndex,
		EraIndex:     s.EraIndex,
		ActiveSet:    slices.Clone(s.ActiveSet),
	}
}

// ValidatorStatus is the reported state of one configured validator.
type ValidatorStatus struct {
	Name        string `json:"name"`
	ActiveIndex int    `json:"active_index"`
	Offline     bool   `json:"offline"`
	OfflineOnce bool   `json:"offline_once"`
}

// Status is the read-only view served by the status endpoints.
type Status struct {
	SessionIndex  uint32            `json:"session_index"`
	EraIndex      uint32            `json:"era_index"`
	ActiveSetSize int               `json:"active_set_size"`
	Validators    []ValidatorStatus `json:"validators"`
}
