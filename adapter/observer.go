package adapter

import "github.com/tailored-agentic-units/relay/observability"

// Adapter event types emitted during a prompt turn.
const (
	EventTurnStart    observability.EventType = "adapter.turn.start"
	EventTurnRetry    observability.EventType = "adapter.turn.retry"
	EventTurnComplete observability.EventType = "adapter.turn.complete"
	EventSpawnError   observability.EventType = "adapter.spawn.error"
	EventStoreError   observability.EventType = "adapter.store.error"
	EventFrameNoise   observability.EventType = "adapter.frames.discarded"
	EventControlError observability.EventType = "adapter.control.error"
)
