// Package adapter bridges an interactive command-line agent process to a
// multi-client, event-streamed session API.
//
// The adapter spawns one agent subprocess per prompt turn, reconstructs
// protocol frames from its output stream, relays blocking control requests
// (permission prompts, multiple-choice questions) to external answerers, and
// broadcasts resulting events to all connected listeners. Sessions resume
// the agent's own prior conversation when it has reported a resumption
// token, falling back to a fresh conversation when the resume fails.
//
//	a, err := adapter.New(&cfg)
//	sess, err := a.CreateSession(ctx, "", "")
//	msg, err := a.Prompt(ctx, sess.ID, "Hello")
package adapter

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tailored-agentic-units/relay/control"
	"github.com/tailored-agentic-units/relay/core/protocol"
	"github.com/tailored-agentic-units/relay/events"
	"github.com/tailored-agentic-units/relay/observability"
	"github.com/tailored-agentic-units/relay/runner"
	"github.com/tailored-agentic-units/relay/session"
)

// SpawnFunc starts one agent process run. The default implementation
// delegates to the runner package; tests substitute scripted processes.
type SpawnFunc func(ctx context.Context, cfg *runner.Config, spec runner.Spec) (RunHandle, error)

// RunHandle is the part of a live process run the orchestrator drives.
// *runner.Handle satisfies it.
type RunHandle interface {
	control.FrameWriter
	Stdout() io.Reader
	Done() <-chan struct{}
	Outcome() runner.Outcome
}

func defaultSpawn(ctx context.Context, cfg *runner.Config, spec runner.Spec) (RunHandle, error) {
	return runner.Run(ctx, cfg, spec)
}

// Option configures an Adapter after config-driven initialization.
// Applied by New after cold start; overrides replace config-created defaults.
type Option func(*Adapter)

// WithObserver overrides the config-selected observer.
func WithObserver(o observability.Observer) Option {
	return func(a *Adapter) { a.observer = o }
}

// WithStore overrides the config-created session store.
func WithStore(s *session.Store) Option {
	return func(a *Adapter) { a.store = s }
}

// WithSpawnFunc overrides how agent processes are started.
func WithSpawnFunc(spawn SpawnFunc) Option {
	return func(a *Adapter) { a.spawn = spawn }
}

// Adapter owns the session store, the outward broadcaster, and the control
// request registry of one deployment. Multiple independent adapters can
// coexist; nothing here is process-global.
type Adapter struct {
	store       *session.Store
	broadcaster *events.Broadcaster
	registry    *control.Registry
	observer    observability.Observer
	agent       runner.Config
	spawn       SpawnFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	live map[string]struct{}
}

// New creates an Adapter from configuration. Subsystems are initialized from
// their respective config sections; functional options applied afterwards
// can override any subsystem for testing.
func New(cfg *Config, opts ...Option) (*Adapter, error) {
	store, err := session.New(&cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	observer, err := observability.GetObserver(cfg.Observer)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to resolve observer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		store:       store,
		broadcaster: events.NewBroadcaster(cfg.EventBuffer),
		registry:    control.NewRegistry(),
		observer:    observer,
		agent:       cfg.Agent,
		spawn:       defaultSpawn,
		ctx:         ctx,
		cancel:      cancel,
		live:        make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Close kills in-flight turns, waits for them to finish, and releases the
// store and broadcaster.
func (a *Adapter) Close() error {
	a.cancel()
	a.wg.Wait()
	a.broadcaster.Close()
	return a.store.Close()
}

// CreateSession creates a session and announces it to listeners.
func (a *Adapter) CreateSession(ctx context.Context, title, directory string) (session.Session, error) {
	sess, err := a.store.CreateSession(ctx, title, directory)
	if err != nil {
		return session.Session{}, err
	}
	a.broadcaster.Publish(events.Event{Type: events.SessionUpdated, Properties: sess})
	return sess, nil
}

// GetSession returns one session by id.
func (a *Adapter) GetSession(ctx context.Context, id string) (session.Session, error) {
	return a.store.GetSession(ctx, id)
}

// ListSessions returns all sessions, most recently updated first.
func (a *Adapter) ListSessions(ctx context.Context) ([]session.Session, error) {
	return a.store.ListSessions(ctx)
}

// DeleteSession removes a session and its messages, discards its pending
// control requests, and announces the deletion.
func (a *Adapter) DeleteSession(ctx context.Context, id string) error {
	if err := a.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	a.registry.Purge(id)
	a.broadcaster.Publish(events.Event{
		Type:       events.SessionDeleted,
		Properties: map[string]string{"sessionID": id},
	})
	return nil
}

// ListMessages returns a session's message history in append order.
func (a *Adapter) ListMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	return a.store.ListMessages(ctx, sessionID)
}

// Questions returns the session's pending control requests.
func (a *Adapter) Questions(sessionID string) []control.Request {
	return a.registry.List(sessionID)
}

// Reply answers a pending control request with the chosen labels and
// announces the resolution. An answer that denies the request (a permission
// question answered "No") is announced as a rejection. Unknown ids report
// control.ErrRequestNotFound.
func (a *Adapter) Reply(id string, answers []string) error {
	req, behavior, err := a.registry.Reply(id, answers)
	if err != nil {
		return err
	}

	kind := events.QuestionReplied
	if behavior == protocol.BehaviorDeny {
		kind = events.QuestionRejected
	}
	a.broadcaster.Publish(events.Event{Type: kind, Properties: req})
	return nil
}

// Reject denies a pending control request and announces the rejection.
func (a *Adapter) Reject(id string) error {
	req, err := a.registry.Reject(id)
	if err != nil {
		return err
	}
	a.broadcaster.Publish(events.Event{Type: events.QuestionRejected, Properties: req})
	return nil
}

// Subscribe attaches a new listener to the outward event stream.
func (a *Adapter) Subscribe() *events.Subscriber {
	return a.broadcaster.Subscribe()
}

// Unsubscribe detaches a listener.
func (a *Adapter) Unsubscribe(sub *events.Subscriber) {
	a.broadcaster.Unsubscribe(sub)
}

// Health is a point-in-time snapshot for the health endpoint.
type Health struct {
	Subscribers int `json:"subscribers"`
	ActiveTurns int `json:"activeTurns"`
	Pending     int `json:"pendingQuestions"`
}

// HealthSnapshot reports the adapter's live counters.
func (a *Adapter) HealthSnapshot() Health {
	a.mu.Lock()
	active := len(a.live)
	a.mu.Unlock()

	return Health{
		Subscribers: a.broadcaster.Count(),
		ActiveTurns: active,
		Pending:     a.registry.Len(),
	}
}

func (a *Adapter) logStoreError(ctx context.Context, op string, err error) {
	a.observer.OnEvent(ctx, observability.Event{
		Type:      EventStoreError,
		Level:     observability.LevelError,
		Timestamp: time.Now(),
		Source:    "adapter",
		Data:      map[string]any{"op": op, "error": err.Error()},
	})
}
