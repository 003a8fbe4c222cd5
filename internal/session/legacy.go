package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ThatCatDev/tanrenai/pocket/internal/settings"
	"github.com/ThatCatDev/tanrenai/pocket/internal/store"
)

// MigratedMarker is created in the legacy directory once every legacy
// session has been imported.
const MigratedMarker = ".migrated"

// legacySession is the flat-file session format: one JSON file per
// session, messages newest first.
type legacySession struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Date               time.Time       `json:"date"`
	Messages           []legacyMessage `json:"messages"`
	CompletionSettings json.RawMessage `json:"completionSettings"`
	ActivePalID        string          `json:"activePalId"`
}

type legacyMessage struct {
	ID        string         `json:"id"`
	Author    string         `json:"author"`
	Text      string         `json:"text"`
	Type      string         `json:"type"`
	CreatedAt int64          `json:"createdAt"`
	Metadata  map[string]any `json:"metadata"`
}

// ImportLegacy imports every *.json session file in dir, one transaction
// per session. It does nothing when the marker file exists or dir is
// missing. Sessions already present are skipped, so a partially failed
// import can be retried; the marker is only written when every file
// imported cleanly.
func (s *Store) ImportLegacy(ctx context.Context, dir string) (int, error) {
	marker := filepath.Join(dir, MigratedMarker)
	if _, err := os.Stat(marker); err == nil {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read legacy sessions: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var (
		imported int
		errs     error
	)
	for _, name := range names {
		ok, err := s.importLegacyFile(ctx, filepath.Join(dir, name))
		if err != nil {
			s.logger.Error("legacy session import failed", zap.String("file", name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if ok {
			imported++
		}
	}
	if errs != nil {
		return imported, errs
	}

	if err := os.WriteFile(marker, []byte(s.now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return imported, fmt.Errorf("write migration marker: %w", err)
	}
	s.logger.Info("legacy sessions imported", zap.Int("count", imported), zap.String("dir", dir))
	return imported, nil
}

func (s *Store) importLegacyFile(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var ls legacySession
	if err := json.Unmarshal(data, &ls); err != nil {
		return false, fmt.Errorf("decode: %w", err)
	}
	if ls.ID == "" {
		return false, errors.New("session has no id")
	}

	cs, err := settings.Parse(ls.CompletionSettings)
	if err != nil {
		s.logger.Warn("legacy settings unreadable, using defaults", zap.String("session", ls.ID), zap.Error(err))
	}
	blob, err := settings.Marshal(cs)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[ls.ID]; exists {
		return false, nil
	}

	created := ls.Date
	if created.IsZero() {
		created = s.now()
	}
	sess := &Session{ID: ls.ID, Title: ls.Title, CreatedAt: created, PalID: ls.ActivePalID, Settings: cs}
	if sess.Title == "" {
		sess.Title = NewSessionTitle
	}

	n := len(ls.Messages)
	recs := make([]store.MessageRecord, 0, n)
	for i, lm := range ls.Messages {
		m := Message{
			ID:        lm.ID,
			Author:    lm.Author,
			Text:      lm.Text,
			Type:      lm.Type,
			Metadata:  lm.Metadata,
			Position:  n - i,
			CreatedAt: time.UnixMilli(lm.CreatedAt),
		}
		if m.ID == "" {
			m.ID = s.newID()
		}
		if m.Type == "" {
			m.Type = TypeText
		}
		if lm.CreatedAt == 0 {
			m.CreatedAt = created
		}
		rec, err := toRecord(sess.ID, m)
		if err != nil {
			return false, err
		}
		recs = append(recs, rec)
		sess.Messages = append(sess.Messages, m)
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
		return false, err
	}
	s.sessions[sess.ID] = sess
	s.publish("created", sess.ID)
	return true, nil
}
