// Package protocol defines the typed frames of the agent subprocess stream.
//
// The agent process emits one JSON object per stdout line and accepts one
// JSON object per stdin line. Frame is the decoded form of an output line;
// the Encode functions produce input lines.
package protocol

import (
	"encoding/json"
	"strings"
)

// FrameType discriminates the frames of the stream protocol.
type FrameType string

const (
	// Output frames (subprocess stdout).
	FrameAssistant      FrameType = "assistant"
	FrameResult         FrameType = "result"
	FrameControlRequest FrameType = "control_request"

	// Input frames (subprocess stdin).
	FrameUser            FrameType = "user"
	FrameControlResponse FrameType = "control_response"
)

// Frame is one parsed JSON value from the subprocess output stream.
// Only the fields matching the frame's Type are populated; Raw always holds
// the original line for fields this adapter does not model.
type Frame struct {
	Type FrameType `json:"type"`

	// Assistant frames carry incremental content blocks.
	Message *AssistantMessage `json:"message,omitempty"`

	// Result frames optionally carry the subprocess's own resumable
	// conversation identifier.
	SessionID string `json:"session_id,omitempty"`

	// Control request frames carry a correlation id and the request body.
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// AssistantMessage is the message body of an assistant frame.
type AssistantMessage struct {
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one element of an assistant message's content array.
// Non-text blocks (tool use, thinking) are carried but contribute no text.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text concatenates the text of all text content blocks in order.
func (m *AssistantMessage) Text() string {
	var b strings.Builder
	for _, block := range m.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ControlRequest is the body of a control_request frame: a blocking,
// mid-turn question the subprocess raises before using a tool.
type ControlRequest struct {
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}
