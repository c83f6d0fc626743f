package adapter

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/relay/control"
	"github.com/tailored-agentic-units/relay/core/protocol"
	"github.com/tailored-agentic-units/relay/core/stream"
	"github.com/tailored-agentic-units/relay/events"
	"github.com/tailored-agentic-units/relay/observability"
	"github.com/tailored-agentic-units/relay/runner"
	"github.com/tailored-agentic-units/relay/session"
)

// titleLimit bounds inferred session titles in runes.
const titleLimit = 48

// Prompt starts one turn: it persists the user message, marks the session
// busy, and spawns the agent in the background. The user message is returned
// immediately; the assistant's reply arrives through the event stream.
//
// A session runs at most one turn at a time; a second prompt while one is in
// flight returns ErrSessionBusy.
func (a *Adapter) Prompt(ctx context.Context, sessionID, text string) (session.Message, error) {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return session.Message{}, err
	}

	a.mu.Lock()
	if _, busy := a.live[sessionID]; busy {
		a.mu.Unlock()
		return session.Message{}, ErrSessionBusy
	}
	a.live[sessionID] = struct{}{}
	a.mu.Unlock()

	msg, err := a.store.AppendMessage(ctx, sessionID, session.RoleUser, text)
	if err != nil {
		a.clearLive(sessionID)
		return session.Message{}, err
	}

	a.broadcaster.Publish(events.Event{Type: events.MessageUpdated, Properties: msg})
	a.broadcaster.Publish(events.Event{
		Type:       events.SessionStatus,
		Properties: events.StatusPayload{SessionID: sessionID, Status: events.StatusBusy},
	})
	a.observer.OnEvent(ctx, observability.Event{
		Type:      EventTurnStart,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "adapter",
		Data:      map[string]any{"session_id": sessionID, "resume": sess.ExternalID != ""},
	})

	a.wg.Add(1)
	go a.runTurn(sess, text)
	return msg, nil
}

// attemptResult is the record of one subprocess run within a turn.
type attemptResult struct {
	text        string
	externalID  string
	exitCode    int
	spawnFailed bool
	stderr      string
}

// runTurn drives one turn to completion. The turn spawns with the session's
// resumption token when one exists; if that run exits non-zero without
// producing any text, the token is presumed stale, cleared, and the turn
// retried exactly once from a fresh conversation.
func (a *Adapter) runTurn(sess session.Session, prompt string) {
	defer a.wg.Done()

	partID := uuid.Must(uuid.NewV7()).String()
	res := a.runAttempt(sess, sess.ExternalID, prompt, partID)

	if sess.ExternalID != "" && !res.spawnFailed && res.exitCode != 0 && res.text == "" {
		a.observer.OnEvent(a.ctx, observability.Event{
			Type:      EventTurnRetry,
			Level:     observability.LevelWarning,
			Timestamp: time.Now(),
			Source:    "adapter",
			Data: map[string]any{
				"session_id": sess.ID,
				"exit_code":  res.exitCode,
				"stderr":     res.stderr,
			},
		})
		a.clearExternalID(sess.ID)
		res = a.runAttempt(sess, "", prompt, partID)
	}

	a.finishTurn(sess.ID, prompt, res)
}

// runAttempt spawns the agent once and consumes its output stream until the
// process exits. Pending control requests left behind by the exit are purged
// so late answers become no-ops.
func (a *Adapter) runAttempt(sess session.Session, resume, prompt, partID string) attemptResult {
	initial, err := protocol.EncodeUser(prompt)
	if err != nil {
		return attemptResult{spawnFailed: true, exitCode: -1}
	}

	handle, err := a.spawn(a.ctx, &a.agent, runner.Spec{
		Dir:          sess.Directory,
		Resume:       resume,
		InitialFrame: initial,
	})
	if err != nil {
		a.observer.OnEvent(a.ctx, observability.Event{
			Type:      EventSpawnError,
			Level:     observability.LevelError,
			Timestamp: time.Now(),
			Source:    "adapter",
			Data:      map[string]any{"session_id": sess.ID, "error": err.Error()},
		})
		return attemptResult{spawnFailed: true, exitCode: -1}
	}

	at := &attempt{adapter: a, sessionID: sess.ID, partID: partID, handle: handle}
	decoder := stream.NewDecoder()
	buf := make([]byte, 4096)
	stdout := handle.Stdout()
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			for _, frame := range decoder.Feed(buf[:n]) {
				at.dispatch(frame)
			}
		}
		if readErr != nil {
			break
		}
	}
	for _, frame := range decoder.Flush() {
		at.dispatch(frame)
	}

	<-handle.Done()
	outcome := handle.Outcome()

	if purged := a.registry.Purge(sess.ID); len(purged) > 0 {
		for _, req := range purged {
			a.broadcaster.Publish(events.Event{Type: events.QuestionRejected, Properties: req})
		}
	}
	if discarded := decoder.Discarded(); discarded > 0 {
		a.observer.OnEvent(a.ctx, observability.Event{
			Type:      EventFrameNoise,
			Level:     observability.LevelVerbose,
			Timestamp: time.Now(),
			Source:    "adapter",
			Data:      map[string]any{"session_id": sess.ID, "discarded": discarded},
		})
	}

	return attemptResult{
		text:       at.text.String(),
		externalID: at.externalID,
		exitCode:   outcome.ExitCode,
		stderr:     outcome.Stderr,
	}
}

// attempt accumulates the streaming state of one subprocess run.
type attempt struct {
	adapter    *Adapter
	sessionID  string
	partID     string
	handle     RunHandle
	text       strings.Builder
	externalID string
}

// dispatch routes one decoded frame. Unknown frame types are ignored; the
// subprocess emits many frame kinds this adapter does not model.
func (at *attempt) dispatch(frame protocol.Frame) {
	a := at.adapter

	switch frame.Type {
	case protocol.FrameAssistant:
		if frame.Message == nil {
			return
		}
		delta := frame.Message.Text()
		if delta == "" {
			return
		}
		at.text.WriteString(delta)
		a.broadcaster.Publish(events.Event{
			Type: events.MessagePartUpdated,
			Properties: events.PartPayload{
				SessionID: at.sessionID,
				PartID:    at.partID,
				Text:      at.text.String(),
			},
		})

	case protocol.FrameResult:
		if frame.SessionID != "" {
			at.externalID = frame.SessionID
		}

	case protocol.FrameControlRequest:
		if frame.RequestID == "" || frame.Request == nil {
			return
		}
		req := control.NewRequest(frame.RequestID, at.sessionID, frame.Request.ToolName, frame.Request.Input)
		if err := a.registry.Register(req, at.handle); err != nil {
			a.observer.OnEvent(a.ctx, observability.Event{
				Type:      EventControlError,
				Level:     observability.LevelWarning,
				Timestamp: time.Now(),
				Source:    "adapter",
				Data:      map[string]any{"request_id": req.ID, "error": err.Error()},
			})
			return
		}
		a.broadcaster.Publish(events.Event{Type: events.QuestionAsked, Properties: req})
	}
}

// finishTurn persists the final attempt's output and returns the session to
// idle. The idle status is emitted unconditionally, on every exit path.
func (a *Adapter) finishTurn(sessionID, prompt string, res attemptResult) {
	ctx := context.Background()

	if res.text != "" {
		msg, err := a.store.AppendMessage(ctx, sessionID, session.RoleAssistant, res.text)
		if err != nil {
			a.logStoreError(ctx, "append assistant message", err)
		} else {
			a.broadcaster.Publish(events.Event{Type: events.MessageUpdated, Properties: msg})
		}
	}

	a.clearLive(sessionID)
	a.broadcaster.Publish(events.Event{
		Type:       events.SessionStatus,
		Properties: events.StatusPayload{SessionID: sessionID, Status: events.StatusIdle},
	})

	sess, err := a.store.GetSession(ctx, sessionID)
	if err == nil {
		if res.externalID != "" {
			sess.ExternalID = res.externalID
		}
		if sess.Title == "" {
			sess.Title = inferTitle(prompt)
		}
		updated, err := a.store.UpdateSession(ctx, sess)
		if err != nil {
			a.logStoreError(ctx, "update session", err)
		} else {
			a.broadcaster.Publish(events.Event{Type: events.SessionUpdated, Properties: updated})
		}
	}

	a.observer.OnEvent(ctx, observability.Event{
		Type:      EventTurnComplete,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "adapter",
		Data: map[string]any{
			"session_id": sessionID,
			"exit_code":  res.exitCode,
			"text_len":   len(res.text),
		},
	})
}

func (a *Adapter) clearLive(sessionID string) {
	a.mu.Lock()
	delete(a.live, sessionID)
	a.mu.Unlock()
}

// clearExternalID drops a session's resumption token after a failed resume.
func (a *Adapter) clearExternalID(sessionID string) {
	sess, err := a.store.GetSession(context.Background(), sessionID)
	if err != nil {
		return
	}
	sess.ExternalID = ""
	if _, err := a.store.UpdateSession(context.Background(), sess); err != nil {
		a.logStoreError(context.Background(), "clear external id", err)
	}
}

// inferTitle derives a session title from the first user message: the first
// line, trimmed and bounded.
func inferTitle(prompt string) string {
	title := strings.TrimSpace(prompt)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	runes := []rune(title)
	if len(runes) > titleLimit {
		title = string(runes[:titleLimit]) + "…"
	}
	return title
}
