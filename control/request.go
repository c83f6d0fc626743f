// Package control correlates blocking questions raised by the agent
// subprocess with the eventual external answers. The subprocess pauses
// mid-turn on a control_request frame and stays paused until a
// control_response frame is written back to its stdin.
package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Kind distinguishes the two pending-request variants.
type Kind string

const (
	// KindToolPermission is a request to use a tool, answered Yes or No.
	KindToolPermission Kind = "tool-permission"

	// KindMultiQuestion is the agent's own multiple-choice question set,
	// relayed verbatim and answered per question.
	KindMultiQuestion Kind = "multi-question"
)

// QuestionToolName is the tool whose control requests carry user-facing
// question sets rather than a permission check.
const QuestionToolName = "AskUserQuestion"

// inputPreviewLimit bounds the human-readable preview of a tool's input in
// synthesized permission questions.
const inputPreviewLimit = 200

// Option is one selectable answer of a question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// UnmarshalJSON accepts both the object form and a bare string label.
func (o *Option) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var label string
		if err := json.Unmarshal(data, &label); err != nil {
			return err
		}
		o.Label = label
		return nil
	}

	type plain Option
	return json.Unmarshal(data, (*plain)(o))
}

// Question is one question presented to the external answerer.
type Question struct {
	Header      string   `json:"header,omitempty"`
	Question    string   `json:"question"`
	Options     []Option `json:"options"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// Request is a pending control request. Exactly one of the two kinds of
// payload applies: ToolName/Input for both kinds, Questions populated from
// the input for KindMultiQuestion and synthesized for KindToolPermission.
type Request struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	Kind      Kind            `json:"kind"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
	Questions []Question      `json:"questions"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewRequest classifies a control_request frame's body into a pending
// Request. The question tool's question set is relayed verbatim; every other
// tool gets a synthesized two-option Yes/No question.
func NewRequest(id, sessionID, toolName string, input json.RawMessage) Request {
	req := Request{
		ID:        id,
		SessionID: sessionID,
		ToolName:  toolName,
		Input:     input,
		CreatedAt: time.Now().UTC(),
	}

	if toolName == QuestionToolName {
		req.Kind = KindMultiQuestion
		req.Questions = parseQuestions(input)
		return req
	}

	req.Kind = KindToolPermission
	req.Questions = []Question{{
		Header:   toolName,
		Question: fmt.Sprintf("Allow %s? %s", toolName, inputPreview(toolName, input)),
		Options: []Option{
			{Label: answerYes, Description: "Allow this tool call"},
			{Label: answerNo, Description: "Deny this tool call"},
		},
	}}
	return req
}

const (
	answerYes = "Yes"
	answerNo  = "No"
)

func parseQuestions(input json.RawMessage) []Question {
	var body struct {
		Questions []Question `json:"questions"`
	}
	if err := json.Unmarshal(input, &body); err != nil {
		return nil
	}
	return body.Questions
}

// inputPreview renders a bounded, human-readable summary of a tool's input.
// Shell-style tools show their command directly; everything else shows the
// raw input object.
func inputPreview(toolName string, input json.RawMessage) string {
	if command := gjson.GetBytes(input, "command"); command.Exists() {
		return truncate(command.String(), inputPreviewLimit)
	}
	return truncate(string(input), inputPreviewLimit)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
