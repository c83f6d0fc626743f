package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// backend is the durable side of a Store. Implementations only see whole
// records; ordering is imposed by the store's write queue.
type backend interface {
	PutSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, id string) error
	PutMessage(ctx context.Context, m Message) error
	Load(ctx context.Context) ([]Session, []Message, error)
	Close() error
}

// Store holds sessions and their message history. The in-memory view is the
// source of truth for the running process; durable writes flow through a
// single ordered queue so concurrent turns never interleave partial writes
// to the same backing record. A failed durable write is logged and does not
// roll back in-memory state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session
	messages map[string][]Message

	backend backend
	queue   chan func()
	done    chan struct{}
	closed  bool
	logger  *slog.Logger
}

// New creates a Store from configuration. An empty Path yields a purely
// in-memory store; otherwise records are mirrored to a SQLite database at
// Path and reloaded on startup.
func New(cfg *Config) (*Store, error) {
	store := &Store{
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
		queue:    make(chan func(), cfg.queueSize()),
		done:     make(chan struct{}),
		logger:   cfg.logger(),
	}

	if cfg.Path != "" {
		db, err := openSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening session database: %w", err)
		}
		store.backend = db

		sessions, messages, err := db.Load(context.Background())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("loading session database: %w", err)
		}
		for _, s := range sessions {
			store.sessions[s.ID] = s
		}
		for _, m := range messages {
			store.messages[m.SessionID] = append(store.messages[m.SessionID], m)
		}
	}

	go store.writeLoop()
	return store, nil
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for write := range s.queue {
		write()
	}
}

// enqueue schedules one durable write; the queue preserves submission order.
// The send happens under the store lock so a concurrent Close cannot close
// the queue out from under it; a write arriving after Close is dropped.
func (s *Store) enqueue(describe string, write func(ctx context.Context) error) {
	if s.backend == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue <- func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := write(ctx); err != nil {
			s.logger.Error("session store write failed",
				slog.String("op", describe),
				slog.String("error", err.Error()))
		}
	}
}

// Close drains the write queue and closes the durable backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	<-s.done

	if s.backend != nil {
		return s.backend.Close()
	}
	return nil
}

// CreateSession creates a session with a fresh identifier. Title may be
// empty; the orchestrator infers one from the first user message.
func (s *Store) CreateSession(ctx context.Context, title, directory string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Title:     title,
		Directory: directory,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Session{}, ErrClosed
	}
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.enqueue("create session", func(ctx context.Context) error {
		return s.backend.PutSession(ctx, sess)
	})
	return sess, nil
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// ListSessions returns all sessions ordered by most recently updated.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	s.mu.RLock()
	sessions := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b Session) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return sessions, nil
}

// UpdateSession replaces the stored record for the session, refreshing its
// UpdatedAt timestamp. The message count is owned by AppendMessage and is
// preserved regardless of the value passed in.
func (s *Store) UpdateSession(ctx context.Context, sess Session) (Session, error) {
	s.mu.Lock()
	current, ok := s.sessions[sess.ID]
	if !ok {
		s.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, sess.ID)
	}
	sess.CreatedAt = current.CreatedAt
	sess.MessageCount = current.MessageCount
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.enqueue("update session", func(ctx context.Context) error {
		return s.backend.PutSession(ctx, sess)
	})
	return sess, nil
}

// DeleteSession removes the session and its message history as one logical
// operation.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	s.mu.Unlock()

	s.enqueue("delete session", func(ctx context.Context) error {
		return s.backend.DeleteSession(ctx, id)
	})
	return nil
}

// AppendMessage appends a message to the session's history and bumps the
// session's message count and timestamp. Messages are append-only; there is
// no update or delete path for individual messages.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role Role, text string) (Message, error) {
	msg := Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	sess.MessageCount++
	sess.UpdatedAt = msg.CreatedAt
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	s.enqueue("append message", func(ctx context.Context) error {
		if err := s.backend.PutMessage(ctx, msg); err != nil {
			return err
		}
		return s.backend.PutSession(ctx, sess)
	})
	return msg, nil
}

// ListMessages returns the session's messages in append order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return slices.Clone(s.messages[sessionID]), nil
}
