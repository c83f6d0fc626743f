package control

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/tidwall/sjson"

	"github.com/tailored-agentic-units/relay/core/protocol"
)

// FrameWriter writes one encoded frame to a subprocess's stdin. The process
// runner's handle satisfies this.
type FrameWriter interface {
	WriteFrame(line []byte) error
}

type pending struct {
	request Request
	writer  FrameWriter
}

// Registry holds the in-flight control requests of one adapter instance.
// The translator inserts, the external answer path resolves, and the
// orchestrator purges on process exit; all three go through the registry's
// own lock.
type Registry struct {
	mu      sync.Mutex
	pending map[string]pending
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]pending)}
}

// Register records a pending request and the stdin it must be answered on.
// At most one live entry may exist per correlation id.
func (r *Registry) Register(req Request, writer FrameWriter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[req.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	r.pending[req.ID] = pending{request: req, writer: writer}
	return nil
}

// List returns the pending requests for a session in no particular order.
func (r *Registry) List(sessionID string) []Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	var requests []Request
	for _, p := range r.pending {
		if p.request.SessionID == sessionID {
			requests = append(requests, p.request)
		}
	}
	return requests
}

// Reply answers the pending request with the externally chosen labels, one
// per question, and writes the resulting control_response frame to the
// owning subprocess. A permission request answered "No" denies; everything
// else allows. The behavior that was sent is returned so callers can
// distinguish the two outcomes. Returns ErrRequestNotFound for ids with no
// live entry, including entries already purged by process exit.
func (r *Registry) Reply(id string, answers []string) (Request, protocol.Behavior, error) {
	p, err := r.take(id)
	if err != nil {
		return Request{}, "", err
	}

	response, err := buildResponse(p.request, answers)
	if err != nil {
		return Request{}, "", err
	}
	return p.request, response.Behavior, r.write(p, response)
}

// Reject denies the pending request outright.
func (r *Registry) Reject(id string) (Request, error) {
	p, err := r.take(id)
	if err != nil {
		return Request{}, err
	}

	return p.request, r.write(p, protocol.PermissionResponse{
		Behavior: protocol.BehaviorDeny,
		Message:  "denied by user",
	})
}

// Purge removes every pending entry owned by the session and returns them.
// Called when the owning subprocess exits; answers delivered afterward for
// these ids report not-found.
func (r *Registry) Purge(sessionID string) []Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged []Request
	for id, p := range r.pending {
		if p.request.SessionID == sessionID {
			purged = append(purged, p.request)
			delete(r.pending, id)
		}
	}
	return purged
}

// Len returns the total number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) take(id string) (pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.pending[id]
	if !exists {
		return pending{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	delete(r.pending, id)
	return p, nil
}

func (r *Registry) write(p pending, response protocol.PermissionResponse) error {
	line, err := protocol.EncodeControlResponse(p.request.ID, response)
	if err != nil {
		return err
	}
	if err := p.writer.WriteFrame(line); err != nil {
		return fmt.Errorf("writing control response: %w", err)
	}
	return nil
}

// buildResponse shapes the response payload for the request's kind.
func buildResponse(req Request, answers []string) (protocol.PermissionResponse, error) {
	switch req.Kind {
	case KindMultiQuestion:
		updated, err := mergeAnswers(req.Input, answers)
		if err != nil {
			return protocol.PermissionResponse{}, err
		}
		return protocol.PermissionResponse{
			Behavior:     protocol.BehaviorAllow,
			UpdatedInput: updated,
		}, nil

	default:
		if len(answers) > 0 && answers[0] == answerNo {
			return protocol.PermissionResponse{
				Behavior: protocol.BehaviorDeny,
				Message:  "denied by user",
			}, nil
		}
		return protocol.PermissionResponse{
			Behavior:     protocol.BehaviorAllow,
			UpdatedInput: req.Input,
		}, nil
	}
}

// mergeAnswers writes each chosen label into the original tool input at
// questions.N.answer, preserving everything else the agent sent.
func mergeAnswers(input json.RawMessage, answers []string) (json.RawMessage, error) {
	merged := string(input)
	if merged == "" {
		merged = "{}"
	}

	var err error
	for i, answer := range answers {
		merged, err = sjson.Set(merged, "questions."+strconv.Itoa(i)+".answer", answer)
		if err != nil {
			return nil, fmt.Errorf("merging answer %d: %w", i, err)
		}
	}
	return json.RawMessage(merged), nil
}
