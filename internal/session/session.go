// Package session keeps conversations: sessions, their messages and their
// completion settings, mirrored in memory and persisted to the record store.
//
// Every mutation runs under one mutex and writes its records in a single
// store transaction. A failed write is logged and returned; the in-memory
// change is not rolled back.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThatCatDev/tanrenai/pocket/internal/events"
	"github.com/ThatCatDev/tanrenai/pocket/internal/logging"
	"github.com/ThatCatDev/tanrenai/pocket/internal/settings"
	"github.com/ThatCatDev/tanrenai/pocket/internal/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotEditing      = errors.New("not in edit mode")
)

// NewSessionTitle is the placeholder title of a lazily created session.
const NewSessionTitle = "New Session"

// PrefNewChatSettings is the preference key of the global new-chat settings.
const PrefNewChatSettings = "new_chat_settings"

// Message authors.
const (
	AuthorUser      = "user"
	AuthorAssistant = "assistant"
)

// TypeText is the type tag of plain text messages.
const TypeText = "text"

// Message is one chat message.
type Message struct {
	ID        string         `json:"id"`
	Author    string         `json:"author"`
	Text      string         `json:"text"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Position  int            `json:"position"`
	CreatedAt time.Time      `json:"created_at"`
}

// IsSystem reports whether the message is a synthetic system notice.
func (m Message) IsSystem() bool {
	v, _ := m.Metadata["system"].(bool)
	return v
}

func (m Message) clone() Message {
	if m.Metadata != nil {
		md := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}

// Session is a conversation. Messages are ordered newest first.
type Session struct {
	ID        string
	Title     string
	CreatedAt time.Time
	PalID     string
	Messages  []Message
	Settings  settings.CompletionSettings
}

func (s *Session) clone() Session {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.clone()
	}
	out.Settings = s.Settings.Clone()
	return out
}

func (s *Session) record() store.SessionRecord {
	return store.SessionRecord{ID: s.ID, Title: s.Title, CreatedAt: s.CreatedAt, PalID: s.PalID}
}

func (s *Session) indexOf(messageID string) int {
	for i, m := range s.Messages {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}

func (s *Session) nextPosition() int {
	if len(s.Messages) == 0 {
		return 1
	}
	return s.Messages[0].Position + 1
}

// Store is the session store.
type Store struct {
	db     *store.DB
	bus    events.Publisher
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	mu        sync.RWMutex
	sessions  map[string]*Session
	activeID  string
	editFrom  string
	activePal string
	newChat   settings.CompletionSettings
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs sets the id generator.
func WithIDs(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// New loads every session from db.
func New(ctx context.Context, db *store.DB, bus events.Publisher, logger *zap.Logger, opts ...Option) (*Store, error) {
	if bus == nil {
		bus = events.Nop{}
	}
	s := &Store{
		db:       db,
		bus:      bus,
		logger:   logging.OrNop(logger),
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	s.newChat = settings.Default()
	blob, err := s.db.Preference(ctx, PrefNewChatSettings)
	switch {
	case err == nil:
		s.newChat = s.parseSettings([]byte(blob), "new chat")
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load new chat settings: %w", err)
	}

	recs, err := s.db.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	for _, rec := range recs {
		sess := &Session{ID: rec.ID, Title: rec.Title, CreatedAt: rec.CreatedAt, PalID: rec.PalID}

		msgs, err := s.db.Messages(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("load messages of %s: %w", rec.ID, err)
		}
		for _, m := range msgs {
			sess.Messages = append(sess.Messages, fromRecord(m, s.logger))
		}

		blob, err := s.db.SessionSettings(ctx, rec.ID)
		switch {
		case err == nil:
			sess.Settings = s.parseSettings(blob, rec.ID)
		case errors.Is(err, store.ErrNotFound):
			sess.Settings = settings.Default()
		default:
			return fmt.Errorf("load settings of %s: %w", rec.ID, err)
		}
		s.sessions[sess.ID] = sess
	}
	return nil
}

// parseSettings migrates a stored blob; unreadable blobs fall back to the
// defaults.
func (s *Store) parseSettings(blob []byte, owner string) settings.CompletionSettings {
	cs, err := settings.Parse(blob)
	if err != nil {
		s.logger.Warn("settings record unreadable, using defaults", zap.String("owner", owner), zap.Error(err))
	}
	return cs
}

func fromRecord(r store.MessageRecord, logger *zap.Logger) Message {
	m := Message{
		ID:        r.ID,
		Author:    r.Author,
		Text:      r.Text,
		Type:      r.Type,
		Position:  r.Position,
		CreatedAt: r.CreatedAt,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &m.Metadata); err != nil {
			logger.Warn("message metadata unreadable", zap.String("message", r.ID), zap.Error(err))
		}
	}
	return m
}

func toRecord(sessionID string, m Message) (store.MessageRecord, error) {
	md := "{}"
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return store.MessageRecord{}, fmt.Errorf("marshal metadata of %s: %w", m.ID, err)
		}
		md = string(b)
	}
	return store.MessageRecord{
		ID:        m.ID,
		SessionID: sessionID,
		Author:    m.Author,
		Text:      m.Text,
		Type:      m.Type,
		Metadata:  md,
		Position:  m.Position,
		CreatedAt: m.CreatedAt,
	}, nil
}

// Sessions returns all sessions, newest first.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.clone())
	}
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(list []Session) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

// Session returns one session.
func (s *Store) Session(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.clone(), nil
}

// ActiveSession returns the active session, if any.
func (s *Store) ActiveSession() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[s.activeID]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// SetActiveSession makes id the active session and leaves edit mode.
func (s *Store) SetActiveSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.activeID = id
	s.editFrom = ""
	s.publish("activated", id)
	return nil
}

// ResetActiveSession clears the active session; the next message starts a
// new one.
func (s *Store) ResetActiveSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = ""
	s.editFrom = ""
	s.publish("activated", "")
}

func (s *Store) publish(kind, id string) {
	s.bus.Publish(events.Event{Topic: events.TopicSessions, Kind: kind, ID: id})
}

func (s *Store) persistFailed(op, id string, err error) error {
	s.logger.Error("session store write failed", zap.String("op", op), zap.String("id", id), zap.Error(err))
	return err
}
