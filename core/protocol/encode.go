package protocol

import (
	"encoding/json"
	"fmt"
)

// Behavior is the verdict carried by a permission response.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// PermissionResponse is the response body written back for a control request.
// UpdatedInput replaces the tool input when allowing; Message explains a
// denial to the agent.
type PermissionResponse struct {
	Behavior     Behavior        `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// EncodeUser encodes a user prompt as a newline-terminated stdin frame.
func EncodeUser(text string) ([]byte, error) {
	frame := struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}{Type: string(FrameUser)}
	frame.Message.Role = "user"
	frame.Message.Content = text

	return encodeLine(frame)
}

// EncodeControlResponse encodes a control_response stdin frame answering the
// control request identified by requestID.
func EncodeControlResponse(requestID string, response PermissionResponse) ([]byte, error) {
	frame := struct {
		Type     string `json:"type"`
		Response struct {
			RequestID string             `json:"request_id"`
			Subtype   string             `json:"subtype"`
			Response  PermissionResponse `json:"response"`
		} `json:"response"`
	}{Type: string(FrameControlResponse)}
	frame.Response.RequestID = requestID
	frame.Response.Subtype = "success"
	frame.Response.Response = response

	return encodeLine(frame)
}

func encodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding stdin frame: %w", err)
	}
	return append(data, '\n'), nil
}
