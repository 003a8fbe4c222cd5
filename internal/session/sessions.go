package session

import (
	"context"
	"fmt"

	"github.com/ThatCatDev/tanrenai/pocket/internal/settings"
	"github.com/ThatCatDev/tanrenai/pocket/internal/store"
)

// CreateSession writes a session, its settings and its initial messages
// (oldest first) in one transaction. Nothing is kept in memory when the
// write fails.
func (s *Store) CreateSession(ctx context.Context, title string, initial []Message, cs settings.CompletionSettings, palID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx, title, initial, cs, palID)
}

func (s *Store) createLocked(ctx context.Context, title string, initial []Message, cs settings.CompletionSettings, palID string) (Session, error) {
	now := s.now()
	sess := &Session{
		ID:        s.newID(),
		Title:     title,
		CreatedAt: now,
		PalID:     palID,
		Settings:  settings.Normalize(cs),
	}
	blob, err := settings.Marshal(sess.Settings)
	if err != nil {
		return Session{}, fmt.Errorf("marshal settings: %w", err)
	}

	recs := make([]store.MessageRecord, 0, len(initial))
	for i, m := range initial {
		if m.ID == "" {
			m.ID = s.newID()
		}
		if m.Type == "" {
			m.Type = TypeText
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.Position = i + 1
		rec, err := toRecord(sess.ID, m)
		if err != nil {
			return Session{}, err
		}
		recs = append(recs, rec)
		sess.Messages = append([]Message{m.clone()}, sess.Messages...)
	}

	err = s.db.Write(ctx, func(tx *store.Tx) error {
		if err := tx.CreateSession(ctx, sess.record()); err != nil {
			return err
		}
		if err := tx.PutSessionSettings(ctx, sess.ID, blob); err != nil {
			return err
		}
		for _, rec := range recs {
			if err := tx.CreateMessage(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Session{}, s.persistFailed("create session", sess.ID, err)
	}

	s.sessions[sess.ID] = sess
	s.publish("created", sess.ID)
	return sess.clone(), nil
}

// DeleteSession removes a session with its messages and settings.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := s.db.Write(ctx, func(tx *store.Tx) error {
		return tx.DestroySession(ctx, id)
	}); err != nil {
		return s.persistFailed("delete session", id, err)
	}
	delete(s.sessions, id)
	if s.activeID == id {
		s.activeID = ""
		s.editFrom = ""
	}
	s.publish("deleted", id)
	return nil
}

// UpdateSessionTitle renames a session.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	return s.updateSession(ctx, id, func(sess *Session) { sess.Title = title })
}

// SetSessionPal associates a pal with a session; an empty id clears it.
func (s *Store) SetSessionPal(ctx context.Context, id, palID string) error {
	return s.updateSession(ctx, id, func(sess *Session) { sess.PalID = palID })
}

func (s *Store) updateSession(ctx context.Context, id string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	fn(sess)
	if err := s.db.Write(ctx, func(tx *store.Tx) error {
		return tx.UpdateSession(ctx, sess.record())
	}); err != nil {
		return s.persistFailed("update session", id, err)
	}
	s.publish("updated", id)
	return nil
}

// DuplicateSession copies a session with fresh ids.
func (s *Store) DuplicateSession(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	initial := make([]Message, 0, len(src.Messages))
	for i := len(src.Messages) - 1; i >= 0; i-- {
		m := src.Messages[i].clone()
		m.ID = ""
		initial = append(initial, m)
	}
	return s.createLocked(ctx, src.Title+" (copy)", initial, src.Settings, src.PalID)
}

// SetActivePal sets the pal that new sessions are created with.
func (s *Store) SetActivePal(palID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activePal = palID
}

// ActivePal returns the pal new sessions are created with.
func (s *Store) ActivePal() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activePal
}

// SessionCompletionSettings returns a session's settings at the current
// schema version.
func (s *Store) SessionCompletionSettings(id string) (settings.CompletionSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return settings.CompletionSettings{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return settings.Normalize(sess.Settings), nil
}

// UpdateSessionCompletionSettings migrates cs and stores it for the session.
func (s *Store) UpdateSessionCompletionSettings(ctx context.Context, id string, cs settings.CompletionSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putSessionSettingsLocked(ctx, id, cs)
}

func (s *Store) putSessionSettingsLocked(ctx context.Context, id string, cs settings.CompletionSettings) error {
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	cs = settings.Normalize(cs)
	blob, err := settings.Marshal(cs)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	sess.Settings = cs
	if err := s.db.Write(ctx, func(tx *store.Tx) error {
		return tx.PutSessionSettings(ctx, id, blob)
	}); err != nil {
		return s.persistFailed("update session settings", id, err)
	}
	s.publish("settings", id)
	return nil
}

// NewChatSettings returns the global settings new sessions start with.
func (s *Store) NewChatSettings() settings.CompletionSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newChat.Clone()
}

// UpdateNewChatSettings migrates cs and stores it as the global settings.
func (s *Store) UpdateNewChatSettings(ctx context.Context, cs settings.CompletionSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putNewChatLocked(ctx, cs)
}

func (s *Store) putNewChatLocked(ctx context.Context, cs settings.CompletionSettings) error {
	cs = settings.Normalize(cs)
	blob, err := settings.Marshal(cs)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	s.newChat = cs
	if err := s.db.Write(ctx, func(tx *store.Tx) error {
		return tx.SetPreference(ctx, PrefNewChatSettings, string(blob))
	}); err != nil {
		return s.persistFailed("update new chat settings", PrefNewChatSettings, err)
	}
	s.publish("settings", "")
	return nil
}

// ApplySessionSettingsToGlobal copies a session's settings into the
// new-chat settings. The session is not modified.
func (s *Store) ApplySessionSettingsToGlobal(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.putNewChatLocked(ctx, sess.Settings.Clone())
}

// ResetSessionSettingsToGlobal replaces a session's settings with a copy of
// the new-chat settings. The global settings are not modified.
func (s *Store) ResetSessionSettingsToGlobal(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putSessionSettingsLocked(ctx, id, s.newChat.Clone())
}
