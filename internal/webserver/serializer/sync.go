package serializer

import (
	"time"

	"github.com/mdouchement/sensing/internal/synchronizer"
)

// Synchronization returns the serialized form of the synchronizer status.
func Synchronization(running bool, last synchronizer.State, at time.Time) map[string]interface{} {
	payload := map[string]interface{}{
		"running": running,
		"last":    State(last),
	}
	if !at.IsZero() {
		payload["last_updated"] = at
	}
	return payload
}

// States returns the serialized form of the given states.
func States(states []synchronizer.State) []map[string]interface{} {
	sl := make([]map[string]interface{}, 0, len(states))

	for _, state := range states {
		sl = append(sl, State(state))
	}

	return sl
}

// State returns the serialized form of the given state.
func State(state synchronizer.State) map[string]interface{} {
	payload := map[string]interface{}{
		"type":      state.Type.String(),
		"total":     state.Total,
		"completed": state.Completed,
	}

	switch state.Type {
	case synchronizer.StateInProgress:
		payload["item_total_bytes"] = state.ItemTotalBytes
		payload["item_transferred_bytes"] = state.ItemTransferredBytes
	case synchronizer.StateFailed:
		payload["resource_id"] = state.ResourceID
		if state.Err != nil {
			payload["error"] = state.Err.Error()
		}
	}

	return payload
}
