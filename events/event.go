// Package events defines the adapter's outward event stream and its
// broadcaster. Events are push-only: a listener that subscribes late misses
// everything before it joined and recovers via the store's query surface.
package events

// Type enumerates the event kinds pushed to listeners.
type Type string

const (
	SessionUpdated     Type = "session.updated"
	SessionDeleted     Type = "session.deleted"
	MessageUpdated     Type = "message.updated"
	MessagePartUpdated Type = "message.part.updated"
	SessionStatus      Type = "session.status"
	QuestionAsked      Type = "question.asked"
	QuestionReplied    Type = "question.replied"
	QuestionRejected   Type = "question.rejected"
)

// Event is one pushed unit. Properties is the event-kind-specific payload
// and marshals into the wire form {"type": ..., "properties": ...}.
type Event struct {
	Type       Type `json:"type"`
	Properties any  `json:"properties"`
}

// StatusPayload is the payload of session.status events.
type StatusPayload struct {
	SessionID string `json:"sessionID"`
	Status    string `json:"status"`
}

// PartPayload is the payload of message.part.updated events. Text carries
// the full accumulated text so far, not a delta, keyed by a part id that is
// stable for the whole turn so listeners can replace in place.
type PartPayload struct {
	SessionID string `json:"sessionID"`
	PartID    string `json:"partID"`
	Text      string `json:"text"`
}

const (
	StatusBusy = "busy"
	StatusIdle = "idle"
)
