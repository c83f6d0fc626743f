package adapter_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tailored-agentic-units/relay/adapter"
	"github.com/tailored-agentic-units/relay/control"
	"github.com/tailored-agentic-units/relay/events"
	"github.com/tailored-agentic-units/relay/runner"
	"github.com/tailored-agentic-units/relay/session"
)

// fakeHandle is a scripted agent process: its output is a fixed reader and
// its completion is controlled by the test.
type fakeHandle struct {
	stdout  io.Reader
	done    chan struct{}
	outcome runner.Outcome

	mu     sync.Mutex
	writes []string
}

func (h *fakeHandle) WriteFrame(line []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, string(line))
	return nil
}

func (h *fakeHandle) Stdout() io.Reader       { return h.stdout }
func (h *fakeHandle) Done() <-chan struct{}   { return h.done }
func (h *fakeHandle) Outcome() runner.Outcome { return h.outcome }

func (h *fakeHandle) frames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.writes...)
}

// scriptedHandle returns a handle whose process has already exited after
// emitting the given output lines.
func scriptedHandle(exitCode int, stderr string, lines ...string) *fakeHandle {
	done := make(chan struct{})
	close(done)
	return &fakeHandle{
		stdout:  strings.NewReader(strings.Join(lines, "")),
		done:    done,
		outcome: runner.Outcome{ExitCode: exitCode, Stderr: stderr},
	}
}

// fakeSpawner hands out one scripted handle (or error) per spawn, recording
// the spec of every call.
type fakeSpawner struct {
	mu      sync.Mutex
	specs   []runner.Spec
	handles []adapter.RunHandle
	errs    []error
}

func (f *fakeSpawner) spawn(ctx context.Context, cfg *runner.Config, spec runner.Spec) (adapter.RunHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := len(f.specs)
	f.specs = append(f.specs, spec)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.handles) {
		return f.handles[i], nil
	}
	return nil, fmt.Errorf("unexpected spawn %d", i)
}

func (f *fakeSpawner) callSpecs() []runner.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Spec(nil), f.specs...)
}

func newTestAdapter(t *testing.T, spawner *fakeSpawner) *adapter.Adapter {
	t.Helper()

	cfg := adapter.DefaultConfig()
	cfg.Observer = "noop"
	a, err := adapter.New(&cfg, adapter.WithSpawnFunc(spawner.spawn))
	if err != nil {
		t.Fatalf("creating adapter: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func nextEvent(t *testing.T, sub *events.Subscriber) events.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func expectEvent(t *testing.T, sub *events.Subscriber, want events.Type) events.Event {
	t.Helper()
	ev := nextEvent(t, sub)
	if ev.Type != want {
		t.Fatalf("got event %q, want %q", ev.Type, want)
	}
	return ev
}

// drainTurn collects events until the session.updated that closes a turn.
func drainTurn(t *testing.T, sub *events.Subscriber) []events.Event {
	t.Helper()
	var seen []events.Event
	for {
		ev := nextEvent(t, sub)
		seen = append(seen, ev)
		if ev.Type == events.SessionUpdated {
			return seen
		}
	}
}

func hasEvent(seen []events.Event, want events.Type) bool {
	for _, ev := range seen {
		if ev.Type == want {
			return true
		}
	}
	return false
}

func assistantLine(text string) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"content":[{"type":"text","text":%q}]}}`+"\n", text)
}

func resultLine(sessionID string) string {
	return fmt.Sprintf(`{"type":"result","session_id":%q}`+"\n", sessionID)
}

func controlRequestLine(id, tool, input string) string {
	return fmt.Sprintf(`{"type":"control_request","request_id":%q,"request":{"tool_name":%q,"input":%s}}`+"\n", id, tool, input)
}

func TestPrompt_StreamsAndPersistsAssistantReply(t *testing.T) {
	spawner := &fakeSpawner{handles: []adapter.RunHandle{scriptedHandle(0, "",
		assistantLine("Hello"),
		assistantLine(", world"),
		resultLine("ext-1"),
	)}}
	a := newTestAdapter(t, spawner)

	sess, err := a.CreateSession(context.Background(), "", "/tmp/project")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	sub := a.Subscribe()
	defer a.Unsubscribe(sub)

	msg, err := a.Prompt(context.Background(), sess.ID, "Say hello")
	if err != nil {
		t.Fatalf("prompt failed: %v", err)
	}
	if msg.Role != session.RoleUser || msg.Text != "Say hello" {
		t.Errorf("got %s %q, want user message back immediately", msg.Role, msg.Text)
	}

	userEv := expectEvent(t, sub, events.MessageUpdated)
	if got := userEv.Properties.(session.Message); got.ID != msg.ID {
		t.Errorf("got message %s, want the persisted user message %s", got.ID, msg.ID)
	}
	busy := expectEvent(t, sub, events.SessionStatus)
	if got := busy.Properties.(events.StatusPayload).Status; got != events.StatusBusy {
		t.Errorf("got status %q, want %q", got, events.StatusBusy)
	}

	first := expectEvent(t, sub, events.MessagePartUpdated).Properties.(events.PartPayload)
	if first.Text != "Hello" {
		t.Errorf("got part text %q, want %q", first.Text, "Hello")
	}
	second := expectEvent(t, sub, events.MessagePartUpdated).Properties.(events.PartPayload)
	if second.Text != "Hello, world" {
		t.Errorf("got part text %q, want accumulated %q", second.Text, "Hello, world")
	}
	if first.PartID != second.PartID {
		t.Errorf("part ids %q and %q differ within one turn", first.PartID, second.PartID)
	}

	final := expectEvent(t, sub, events.MessageUpdated).Properties.(session.Message)
	if final.Role != session.RoleAssistant || final.Text != "Hello, world" {
		t.Errorf("got %s %q, want assistant %q", final.Role, final.Text, "Hello, world")
	}

	idle := expectEvent(t, sub, events.SessionStatus)
	if got := idle.Properties.(events.StatusPayload).Status; got != events.StatusIdle {
		t.Errorf("got status %q, want %q", got, events.StatusIdle)
	}

	updated := expectEvent(t, sub, events.SessionUpdated).Properties.(session.Session)
	if updated.ExternalID != "ext-1" {
		t.Errorf("got external id %q, want %q", updated.ExternalID, "ext-1")
	}
	if updated.Title != "Say hello" {
		t.Errorf("got title %q, want inferred %q", updated.Title, "Say hello")
	}
	if updated.MessageCount != 2 {
		t.Errorf("got message count %d, want 2", updated.MessageCount)
	}

	msgs, err := a.ListMessages(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("listing messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != session.RoleUser || msgs[1].Role != session.RoleAssistant {
		t.Fatalf("got %d messages, want user then assistant", len(msgs))
	}
}

func TestPrompt_RejectsConcurrentTurn(t *testing.T) {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	h := &fakeHandle{stdout: pr, done: done}
	spawner := &fakeSpawner{handles: []adapter.RunHandle{h}}
	a := newTestAdapter(t, spawner)

	sess, err := a.CreateSession(context.Background(), "", "")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	sub := a.Subscribe()
	defer a.Unsubscribe(sub)

	if _, err := a.Prompt(context.Background(), sess.ID, "first"); err != nil {
		t.Fatalf("first prompt failed: %v", err)
	}
	if _, err := a.Prompt(context.Background(), sess.ID, "second"); !errors.Is(err, adapter.ErrSessionBusy) {
		t.Errorf("got %v, want ErrSessionBusy", err)
	}
	if got := a.HealthSnapshot().ActiveTurns; got != 1 {
		t.Errorf("got %d active turns, want 1", got)
	}

	pw.Close()
	close(done)
	drainTurn(t, sub)

	if got := a.HealthSnapshot().ActiveTurns; got != 0 {
		t.Errorf("got %d active turns after completion, want 0", got)
	}
}

func TestPrompt_ResumeFallbackRetriesOnce(t *testing.T) {
	spawner := &fakeSpawner{handles: []adapter.RunHandle{
		scriptedHandle(0, "", resultLine("ext-1")),
		scriptedHandle(1, "no conversation found"),
		scriptedHandle(0, "", assistantLine("recovered"), resultLine("ext-2")),
	}}
	a := newTestAdapter(t, spawner)

	sess, err := a.CreateSession(context.Background(), "", "")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	sub := a.Subscribe()
	defer a.Unsubscribe(sub)

	if _, err := a.Prompt(context.Background(), sess.ID, "first"); err != nil {
		t.Fatalf("first prompt failed: %v", err)
	}
	drainTurn(t, sub)

	if _, err := a.Prompt(context.Background(), sess.ID, "second"); err != nil {
		t.Fatalf("second prompt failed: %v", err)
	}
	seen := drainTurn(t, sub)
	if !hasEvent(seen, events.MessageUpdated) {
		t.Error("retry's assistant reply should be announced")
	}

	specs := spawner.callSpecs()
	if len(specs) != 3 {
		t.Fatalf("got %d spawns, want 3", len(specs))
	}
	if specs[1].Resume != "ext-1" {
		t.Errorf("second turn got resume %q, want %q", specs[1].Resume, "ext-1")
	}
	if specs[2].Resume != "" {
		t.Errorf("retry got resume %q, want fresh conversation", specs[2].Resume)
	}

	got, err := a.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("getting session: %v", err)
	}
	if got.ExternalID != "ext-2" {
		t.Errorf("got external id %q, want the retry's %q", got.ExternalID, "ext-2")
	}

	msgs, _ := a.ListMessages(context.Background(), sess.ID)
	if len(msgs) != 3 || msgs[2].Text != "recovered" {
		t.Fatalf("got %d messages, want the retry's reply persisted once", len(msgs))
	}
}

func TestPrompt_ResumeFallbackGivesUpAfterOneRetry(t *testing.T) {
	spawner := &fakeSpawner{handles: []adapter.RunHandle{
		scriptedHandle(0, "", resultLine("ext-1")),
		scriptedHandle(1, "stale"),
		scriptedHandle(1, "still failing"),
	}}
	a := newTestAdapter(t, spawner)

	sess, _ := a.CreateSession(context.Background(), "", "")
	sub := a.Subscribe()
	defer a.Unsubscribe(sub)

	a.Prompt(context.Background(), sess.ID, "first")
	drainTurn(t, sub)

	a.Prompt(context.Background(), sess.ID, "second")
	seen := drainTurn(t, sub)
	if !hasEvent(seen, events.SessionStatus) {
		t.Error("failed turn should still return the session to idle")
	}

	if got := len(spawner.callSpecs()); got != 3 {
		t.Fatalf("got %d spawns, want exactly one retry", got)
	}

	got, _ := a.GetSession(context.Background(), sess.ID)
	if got.ExternalID != "" {
		t.Errorf("got external id %q, want cleared after failed resume", got.ExternalID)
	}
	msgs, _ := a.ListMessages(context.Background(), sess.ID)
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want no assistant message from failed turns", len(msgs))
	}
}

func TestPrompt_NoRetryWithoutResumeToken(t *testing.T) {
	spawner := &fakeSpawner{handles: []adapter.RunHandle{
		scriptedHandle(1, "crash on startup"),
	}}
	a := newTestAdapter(t, spawner)

	sess, _ := a.CreateSession(context.Background(), "", "")
	sub := a.Subscribe()
	defer a.Unsubscribe(sub)

	a.Prompt(context.Background(), sess.ID, "hello")
	seen := drainTurn(t, sub)

	if got := len(spawner.callSpecs()); got != 1 {
		t.Errorf("got %d spawns, want no retry for a fresh conversation", got)
	}
	if !hasEvent(seen, events.SessionStatus) {
		t.Error("failed turn should still return the session to idle")
	}
}

func TestPrompt_SpawnFailureStillReturnsIdle(t *testing.T) {
	spawner := &fakeSpawner{errs: []error{errors.New("exec: agent binary not found")}}
	a := newTestAdapter(t, spawner)

	sess, _ := a.CreateSession(context.Background(), "", "")
	sub := a.Subscribe()
	defer a.Unsubscribe(sub)

	if _, err := a.Prompt(context.Background(), sess.ID, "hello"); err != nil {
		t.Fatalf("prompt should accept the message before spawning: %v", err)
	}
	seen := drainTurn(t, sub)

	idleSeen := false
	for _, ev := range seen {
		if ev.Type == events.SessionStatus {
			if p := ev.Properties.(events.StatusPayload); p.Status == events.StatusIdle {
				idleSeen = true
			}
		}
	}
	if !idleSeen {
		t.Error("spawn failure should still emit idle")
	}
	msgs, _ := a.ListMessages(context.Background(), sess.ID)
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want only the user message", len(msgs))
	}
}

func TestPrompt_PermissionRequestRoundTrip(t *testing.T) {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	h := &fakeHandle{stdout: pr, done: done}
	spawner := &fakeSpawner{handles: []adapter.RunHandle{h}}
	a := newTestAdapter(t, spawner)

	sess, _ := a.CreateSession(context.Background(), "", "")
	sub := a.Subscribe()
	defer a.Unsubscribe(sub)

	a.Prompt(context.Background(), sess.ID, "clear the cache")
	expectEvent(t, sub, events.MessageUpdated)
	expectEvent(t, sub, events.SessionStatus)

	pw.Write([]byte(controlRequestLine("req-1", "Bash", `{"command":"rm -rf ./cache"}`)))

	asked := expectEvent(t, sub, events.QuestionAsked).Properties.(control.Request)
	if asked.ID != "req-1" || asked.Kind != control.KindToolPermission {
		t.Fatalf("got %s request %q, want a tool permission for req-1", asked.Kind, asked.ID)
	}
	if pending := a.Questions(sess.ID); len(pending) != 1 {
		t.Errorf("got %d pending questions, want 1", len(pending))
	}

	if err := a.Reply(asked.ID, []string{"Yes"}); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	expectEvent(t, sub, events.QuestionReplied)

	writes := h.frames()
	if len(writes) != 1 {
		t.Fatalf("got %d stdin frames, want 1 control response", len(writes))
	}
	if !strings.Contains(writes[0], `"request_id":"req-1"`) || !strings.Contains(writes[0], `"behavior":"allow"`) {
		t.Errorf("control response %q should allow req-1", writes[0])
	}

	pw.Write([]byte(assistantLine("cache cleared")))
	pw.Close()
	close(done)

	seen := drainTurn(t, sub)
	if !hasEvent(seen, events.MessagePartUpdated) {
		t.Error("post-permission output should still stream")
	}
	msgs, _ := a.ListMessages(context.Background(), sess.ID)
	if len(msgs) != 2 || msgs[1].Text != "cache cleared" {
		t.Fatalf("got %d messages, want the post-permission reply persisted", len(msgs))
	}
}

func TestPrompt_PermissionDeniedBroadcastsRejection(t *testing.T) {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	h := &fakeHandle{stdout: pr, done: done}
	spawner := &fakeSpawner{handles: []adapter.RunHandle{h}}
	a := newTestAdapter(t, spawner)

	sess, _ := a.CreateSession(context.Background(), "", "")
	sub := a.Subscribe()
	defer a.Unsubscribe(sub)

	a.Prompt(context.Background(), sess.ID, "wipe the disk")
	expectEvent(t, sub, events.MessageUpdated)
	expectEvent(t, sub, events.SessionStatus)

	pw.Write([]byte(controlRequestLine("req-2", "Bash", `{"command":"rm -rf /"}`)))
	asked := expectEvent(t, sub, events.QuestionAsked).Properties.(control.Request)

	if err := a.Reply(asked.ID, []string{"No"}); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	rejected := expectEvent(t, sub, events.QuestionRejected).Properties.(control.Request)
	if rejected.ID != "req-2" {
		t.Errorf("got rejection for %q, want req-2", rejected.ID)
	}

	writes := h.frames()
	if len(writes) != 1 || !strings.Contains(writes[0], `"behavior":"deny"`) {
		t.Fatalf("got stdin frames %v, want one deny control response", writes)
	}

	pw.Close()
	close(done)
	drainTurn(t, sub)
}

func TestPrompt_ExitPurgesPendingQuestions(t *testing.T) {
	spawner := &fakeSpawner{handles: []adapter.RunHandle{
		scriptedHandle(1, "killed", controlRequestLine("req-9", "Bash", `{"command":"ls"}`)),
	}}
	a := newTestAdapter(t, spawner)

	sess, _ := a.CreateSession(context.Background(), "", "")
	sub := a.Subscribe()
	defer a.Unsubscribe(sub)

	a.Prompt(context.Background(), sess.ID, "list files")
	seen := drainTurn(t, sub)

	if !hasEvent(seen, events.QuestionAsked) || !hasEvent(seen, events.QuestionRejected) {
		t.Error("pending question should be announced and then rejected by the exit")
	}
	if pending := a.Questions(sess.ID); len(pending) != 0 {
		t.Errorf("got %d pending questions after exit, want 0", len(pending))
	}
	if err := a.Reply("req-9", []string{"Yes"}); !errors.Is(err, control.ErrRequestNotFound) {
		t.Errorf("got %v, want ErrRequestNotFound for a purged request", err)
	}
}

func TestPrompt_ResultWithoutIDPreservesToken(t *testing.T) {
	spawner := &fakeSpawner{handles: []adapter.RunHandle{
		scriptedHandle(0, "", resultLine("ext-1")),
		scriptedHandle(0, "", assistantLine("ok"), `{"type":"result"}`+"\n"),
	}}
	a := newTestAdapter(t, spawner)

	sess, _ := a.CreateSession(context.Background(), "", "")
	sub := a.Subscribe()
	defer a.Unsubscribe(sub)

	a.Prompt(context.Background(), sess.ID, "first")
	drainTurn(t, sub)
	a.Prompt(context.Background(), sess.ID, "second")
	drainTurn(t, sub)

	got, _ := a.GetSession(context.Background(), sess.ID)
	if got.ExternalID != "ext-1" {
		t.Errorf("got external id %q, want %q preserved", got.ExternalID, "ext-1")
	}
}

func TestSessionLifecycleEvents(t *testing.T) {
	a := newTestAdapter(t, &fakeSpawner{})
	sub := a.Subscribe()
	defer a.Unsubscribe(sub)

	sess, err := a.CreateSession(context.Background(), "Docs cleanup", "")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	created := expectEvent(t, sub, events.SessionUpdated).Properties.(session.Session)
	if created.ID != sess.ID || created.Title != "Docs cleanup" {
		t.Errorf("got %q/%q, want the created session announced", created.ID, created.Title)
	}

	if err := a.DeleteSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("deleting session: %v", err)
	}
	expectEvent(t, sub, events.SessionDeleted)

	if _, err := a.GetSession(context.Background(), sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound after delete", err)
	}
	if err := a.DeleteSession(context.Background(), "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound for unknown session", err)
	}
}

func TestPrompt_UnknownSession(t *testing.T) {
	a := newTestAdapter(t, &fakeSpawner{})
	if _, err := a.Prompt(context.Background(), "missing", "hello"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
