package session

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ThatCatDev/tanrenai/pocket/internal/settings"
	"github.com/ThatCatDev/tanrenai/pocket/internal/store"
)

const titleLimit = 40

// deriveTitle turns the first message into a title of at most 40
// characters, ellipsis included.
func deriveTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= titleLimit {
		return text
	}
	runes := []rune(text)
	prefix := strings.TrimRightFunc(string(runes[:titleLimit-3]), unicode.IsSpace)
	return prefix + "..."
}

// AddMessageToCurrentSession appends msg to the active session. With no
// active session a new one is created with the global new-chat settings
// and becomes active. While the title is still the placeholder, the first
// textual message rewrites it.
func (s *Store) AddMessageToCurrentSession(ctx context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = s.newID()
	}
	if msg.Type == "" {
		msg.Type = TypeText
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	sess, ok := s.sessions[s.activeID]
	if !ok {
		msg.Position = 1
		title := NewSessionTitle
		if strings.TrimSpace(msg.Text) != "" {
			title = deriveTitle(msg.Text)
		}
		created, err := s.createLocked(ctx, title, []Message{msg}, s.newChat, s.activePal)
		if err != nil {
			return Message{}, err
		}
		s.activeID = created.ID
		s.editFrom = ""
		s.publish("activated", created.ID)
		return created.Messages[0].clone(), nil
	}

	msg.Position = sess.nextPosition()
	rec, err := toRecord(sess.ID, msg)
	if err != nil {
		return Message{}, err
	}
	retitle := sess.Title == NewSessionTitle && strings.TrimSpace(msg.Text) != ""
	title := sess.Title
	if retitle {
		title = deriveTitle(msg.Text)
	}

	err = s.db.Write(ctx, func(tx *store.Tx) error {
		if err := tx.CreateMessage(ctx, rec); err != nil {
			return err
		}
		if retitle {
			r := sess.record()
			r.Title = title
			return tx.UpdateSession(ctx, r)
		}
		return nil
	})
	if err != nil {
		return Message{}, s.persistFailed("add message", sess.ID, err)
	}

	sess.Messages = append([]Message{msg.clone()}, sess.Messages...)
	sess.Title = title
	s.publish("message", sess.ID)
	return msg, nil
}

// UpdateMessageToken appends token to a message, creating the message as
// an assistant text message when it does not exist yet. The record is
// created before the message becomes visible in memory.
func (s *Store) UpdateMessageToken(ctx context.Context, sessionID, messageID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if i := sess.indexOf(messageID); i >= 0 {
		sess.Messages[i].Text += token
		err := s.db.Write(ctx, func(tx *store.Tx) error {
			return tx.AppendMessageText(ctx, messageID, token)
		})
		if err != nil {
			return s.persistFailed("append token", messageID, err)
		}
		s.publish("message", sessionID)
		return nil
	}

	msg := Message{
		ID:        messageID,
		Author:    AuthorAssistant,
		Text:      token,
		Type:      TypeText,
		Position:  sess.nextPosition(),
		CreatedAt: s.now(),
	}
	rec, err := toRecord(sessionID, msg)
	if err != nil {
		return err
	}
	if err := s.db.Write(ctx, func(tx *store.Tx) error {
		return tx.CreateMessage(ctx, rec)
	}); err != nil {
		return s.persistFailed("create streamed message", messageID, err)
	}
	sess.Messages = append([]Message{msg}, sess.Messages...)
	s.publish("message", sessionID)
	return nil
}

// MessagePatch describes a partial message update. Metadata keys are
// merged into the existing metadata.
type MessagePatch struct {
	Text     *string
	Type     string
	Metadata map[string]any
}

// UpdateMessage applies patch to a message.
func (s *Store) UpdateMessage(ctx context.Context, sessionID, messageID string, patch MessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	i := sess.indexOf(messageID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	msg := sess.Messages[i].clone()
	if patch.Text != nil {
		msg.Text = *patch.Text
	}
	if patch.Type != "" {
		msg.Type = patch.Type
	}
	if len(patch.Metadata) > 0 {
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			msg.Metadata[k] = v
		}
	}
	sess.Messages[i] = msg

	rec, err := toRecord(sessionID, msg)
	if err != nil {
		return err
	}
	if err := s.db.Write(ctx, func(tx *store.Tx) error {
		return tx.UpdateMessage(ctx, rec)
	}); err != nil {
		return s.persistFailed("update message", messageID, err)
	}
	s.publish("message", sessionID)
	return nil
}

// EnterEditMode hides messageID and every newer message of the active
// session. Nothing is deleted until CommitEdit.
func (s *Store) EnterEditMode(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[s.activeID]
	if !ok || sess.indexOf(messageID) < 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	s.editFrom = messageID
	s.publish("edit", sess.ID)
	return nil
}

// ExitEditMode restores full visibility without deleting anything.
func (s *Store) ExitEditMode() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editFrom == "" {
		return
	}
	s.editFrom = ""
	s.publish("edit", s.activeID)
}

// IsEditMode reports whether an edit is pending.
func (s *Store) IsEditMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.editFrom != ""
}

// EditTarget returns the message being edited.
func (s *Store) EditTarget() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[s.activeID]
	if !ok || s.editFrom == "" {
		return Message{}, false
	}
	i := sess.indexOf(s.editFrom)
	if i < 0 {
		return Message{}, false
	}
	return sess.Messages[i].clone(), true
}

// CommitEdit deletes the edited message and every newer one, from the
// record store first and then from memory, and leaves edit mode. On a
// failed write edit mode stays on.
func (s *Store) CommitEdit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[s.activeID]
	if !ok || s.editFrom == "" {
		return ErrNotEditing
	}
	i := sess.indexOf(s.editFrom)
	if i < 0 {
		missing := s.editFrom
		s.editFrom = ""
		return fmt.Errorf("%w: %s", ErrMessageNotFound, missing)
	}

	// Newest first: indexes 0..i are at or after the edited message.
	ids := make([]string, 0, i+1)
	for _, m := range sess.Messages[:i+1] {
		ids = append(ids, m.ID)
	}
	if err := s.db.Write(ctx, func(tx *store.Tx) error {
		return tx.DestroyMessages(ctx, ids)
	}); err != nil {
		return s.persistFailed("commit edit", sess.ID, err)
	}

	sess.Messages = append([]Message(nil), sess.Messages[i+1:]...)
	s.editFrom = ""
	s.publish("edit", sess.ID)
	return nil
}

// CurrentMessages returns the visible messages of the active session,
// newest first. In edit mode the edited message and newer ones are hidden.
func (s *Store) CurrentMessages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[s.activeID]
	if !ok {
		return nil
	}
	msgs := sess.Messages
	if s.editFrom != "" {
		if i := sess.indexOf(s.editFrom); i >= 0 {
			msgs = msgs[i+1:]
		}
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.clone()
	}
	return out
}

// CurrentSettings returns the completion settings that apply to the next
// generation: the active session's, or the new-chat settings.
func (s *Store) CurrentSettings() settings.CompletionSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[s.activeID]; ok {
		return sess.Settings.Clone()
	}
	return s.newChat.Clone()
}
