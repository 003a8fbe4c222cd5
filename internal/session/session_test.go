package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThatCatDev/tanrenai/pocket/internal/settings"
	"github.com/ThatCatDev/tanrenai/pocket/internal/store"
)

var epoch = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type fixture struct {
	db    *store.DB
	path  string
	clock time.Time
	seq   int
}

func (f *fixture) now() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fixture) id() string {
	f.seq++
	return fmt.Sprintf("id-%03d", f.seq)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pocket.db")
	db, err := store.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &fixture{db: db, path: path, clock: epoch}
}

func (f *fixture) open(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), f.db, nil, nil, WithClock(f.now), WithIDs(f.id))
	require.NoError(t, err)
	return s
}

func texts(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func userMsg(text string) Message {
	return Message{Author: AuthorUser, Text: text}
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello, can you help me plan a trip to Japan for two weeks?", "Hello, can you help me plan a trip to..."},
		{"short question", "short question"},
		{"  spaced \n\t out  ", "spaced out"},
		{"exactly forty characters long, no cut!!!", "exactly forty characters long, no cut!!!"},
		{"日本語のタイトルはとても長くなることがありますが、四十文字を超えると省略されるべきです。はい", "日本語のタイトルはとても長くなることがありますが、四十文字を超えると省略さ..."},
	}
	for _, tt := range tests {
		got := deriveTitle(tt.in)
		assert.Equal(t, tt.want, got)
		assert.LessOrEqual(t, len([]rune(got)), titleLimit)
	}
}

func TestFirstMessageCreatesSessionLazily(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	global := settings.Default()
	global.Temperature = 0.2
	require.NoError(t, s.UpdateNewChatSettings(ctx, global))
	s.SetActivePal("pal-1")

	_, ok := s.ActiveSession()
	require.False(t, ok)

	msg, err := s.AddMessageToCurrentSession(ctx, userMsg("Hello, can you help me plan a trip to Japan for two weeks?"))
	require.NoError(t, err)
	assert.Equal(t, 1, msg.Position)

	sess, ok := s.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, "Hello, can you help me plan a trip to...", sess.Title)
	assert.Equal(t, "pal-1", sess.PalID)
	assert.Equal(t, 0.2, sess.Settings.Temperature)
	assert.Equal(t, settings.CurrentVersion, sess.Settings.Version)

	// A second message leaves the title alone.
	_, err = s.AddMessageToCurrentSession(ctx, userMsg("Something else entirely"))
	require.NoError(t, err)
	sess, _ = s.ActiveSession()
	assert.Equal(t, "Hello, can you help me plan a trip to...", sess.Title)

	// Changing the global settings afterwards does not touch the session.
	global.Temperature = 0.9
	require.NoError(t, s.UpdateNewChatSettings(ctx, global))
	cs, err := s.SessionCompletionSettings(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.2, cs.Temperature)
}

func TestPlaceholderTitleRewrittenByFirstTextMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	sess, err := s.CreateSession(ctx, NewSessionTitle, nil, settings.Default(), "")
	require.NoError(t, err)
	require.NoError(t, s.SetActiveSession(sess.ID))

	_, err = s.AddMessageToCurrentSession(ctx, userMsg("   "))
	require.NoError(t, err)
	got, _ := s.Session(sess.ID)
	assert.Equal(t, NewSessionTitle, got.Title)

	_, err = s.AddMessageToCurrentSession(ctx, userMsg("Tell me about otters"))
	require.NoError(t, err)
	got, _ = s.Session(sess.ID)
	assert.Equal(t, "Tell me about otters", got.Title)

	recs, err := f.db.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Tell me about otters", recs[0].Title)
}

func TestEditModeIsReversible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	var ids []string
	for _, text := range []string{"m1", "m2", "m3", "m4"} {
		m, err := s.AddMessageToCurrentSession(ctx, userMsg(text))
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m4", "m3", "m2", "m1"}, texts(s.CurrentMessages()))

	require.NoError(t, s.EnterEditMode(ids[1]))
	assert.True(t, s.IsEditMode())
	assert.Equal(t, []string{"m1"}, texts(s.CurrentMessages()))
	target, ok := s.EditTarget()
	require.True(t, ok)
	assert.Equal(t, "m2", target.Text)

	s.ExitEditMode()
	assert.False(t, s.IsEditMode())
	assert.Equal(t, []string{"m4", "m3", "m2", "m1"}, texts(s.CurrentMessages()))

	sess, _ := s.ActiveSession()
	recs, err := f.db.Messages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestCommitEditTruncates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	var ids []string
	for _, text := range []string{"m1", "m2", "m3", "m4"} {
		m, err := s.AddMessageToCurrentSession(ctx, userMsg(text))
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	require.ErrorIs(t, s.CommitEdit(ctx), ErrNotEditing)

	require.NoError(t, s.EnterEditMode(ids[1]))
	require.NoError(t, s.CommitEdit(ctx))
	assert.False(t, s.IsEditMode())
	assert.Equal(t, []string{"m1"}, texts(s.CurrentMessages()))

	sess, _ := s.ActiveSession()
	recs, err := f.db.Messages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "m1", recs[0].Text)

	// Positions keep growing after a truncation.
	m, err := s.AddMessageToCurrentSession(ctx, userMsg("m2 again"))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Position)
}

func TestEnterEditModeUnknownMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)
	require.ErrorIs(t, s.EnterEditMode("nope"), ErrMessageNotFound)

	_, err := s.AddMessageToCurrentSession(ctx, userMsg("hi"))
	require.NoError(t, err)
	require.ErrorIs(t, s.EnterEditMode("nope"), ErrMessageNotFound)
	assert.False(t, s.IsEditMode())
}

func TestSwitchingSessionLeavesEditMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	m, err := s.AddMessageToCurrentSession(ctx, userMsg("hi"))
	require.NoError(t, err)
	other, err := s.CreateSession(ctx, "other", nil, settings.Default(), "")
	require.NoError(t, err)

	require.NoError(t, s.EnterEditMode(m.ID))
	require.NoError(t, s.SetActiveSession(other.ID))
	assert.False(t, s.IsEditMode())

	require.ErrorIs(t, s.SetActiveSession("missing"), ErrSessionNotFound)
}

func TestUpdateMessageTokenCreatesThenAppends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	_, err := s.AddMessageToCurrentSession(ctx, userMsg("question"))
	require.NoError(t, err)
	sess, _ := s.ActiveSession()

	require.NoError(t, s.UpdateMessageToken(ctx, sess.ID, "reply-1", "Hel"))
	require.NoError(t, s.UpdateMessageToken(ctx, sess.ID, "reply-1", "lo"))

	msgs := s.CurrentMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "reply-1", msgs[0].ID)
	assert.Equal(t, AuthorAssistant, msgs[0].Author)
	assert.Equal(t, "Hello", msgs[0].Text)
	assert.Equal(t, 2, msgs[0].Position)

	rec, err := f.db.Message(ctx, "reply-1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", rec.Text)
	assert.Equal(t, TypeText, rec.Type)

	require.ErrorIs(t, s.UpdateMessageToken(ctx, "missing", "x", "y"), ErrSessionNotFound)
}

func TestUpdateMessageMergesMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	m, err := s.AddMessageToCurrentSession(ctx, Message{Author: AuthorAssistant, Text: "x", Metadata: map[string]any{"a": 1.0}})
	require.NoError(t, err)
	sess, _ := s.ActiveSession()

	text := "final"
	require.NoError(t, s.UpdateMessage(ctx, sess.ID, m.ID, MessagePatch{
		Text:     &text,
		Metadata: map[string]any{"timings": map[string]any{"predicted_n": 3.0}},
	}))

	reloaded := f.open(t)
	got, err := reloaded.Session(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "final", got.Messages[0].Text)
	want := map[string]any{"a": 1.0, "timings": map[string]any{"predicted_n": 3.0}}
	if diff := cmp.Diff(want, got.Messages[0].Metadata); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	require.ErrorIs(t, s.UpdateMessage(ctx, sess.ID, "missing", MessagePatch{}), ErrMessageNotFound)
}

func TestCreateSessionIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	dup := []Message{
		{ID: "same", Author: AuthorUser, Text: "a"},
		{ID: "same", Author: AuthorAssistant, Text: "b"},
	}
	_, err := s.CreateSession(ctx, "broken", dup, settings.Default(), "")
	require.ErrorIs(t, err, store.ErrPersistenceFailed)

	assert.Empty(t, s.Sessions())
	recs, err := f.db.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs, "no orphan session row")
	_, err = f.db.Message(ctx, "same")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateSessionWithInitialMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	sess, err := s.CreateSession(ctx, "seeded", []Message{userMsg("first"), {Author: AuthorAssistant, Text: "second"}}, settings.Default(), "pal")
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first"}, texts(sess.Messages))
	assert.Equal(t, 2, sess.Messages[0].Position)

	recs, err := f.db.Messages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "second", recs[0].Text)
}

func TestSettingsApplyAndReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	sess, err := s.CreateSession(ctx, "s", nil, settings.Default(), "")
	require.NoError(t, err)

	cs := settings.Default()
	cs.TopK = 7
	cs.Stop = []string{"END"}
	require.NoError(t, s.UpdateSessionCompletionSettings(ctx, sess.ID, cs))

	require.NoError(t, s.ApplySessionSettingsToGlobal(ctx, sess.ID))
	global := s.NewChatSettings()
	assert.Equal(t, 7, global.TopK)
	assert.Equal(t, []string{"END"}, global.Stop)

	// Mutating the returned copy does not leak into either side.
	global.Stop[0] = "MUTATED"
	got, err := s.SessionCompletionSettings(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"END"}, got.Stop)
	assert.Equal(t, []string{"END"}, s.NewChatSettings().Stop)

	fresh := settings.Default()
	fresh.TopK = 99
	require.NoError(t, s.UpdateNewChatSettings(ctx, fresh))
	require.NoError(t, s.ResetSessionSettingsToGlobal(ctx, sess.ID))
	got, err = s.SessionCompletionSettings(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 99, got.TopK)

	got.TopK = 1
	require.NoError(t, s.UpdateSessionCompletionSettings(ctx, sess.ID, got))
	assert.Equal(t, 99, s.NewChatSettings().TopK)

	blob, err := f.db.SessionSettings(ctx, sess.ID)
	require.NoError(t, err)
	persisted, err := settings.Parse(blob)
	require.NoError(t, err)
	assert.Equal(t, 1, persisted.TopK)

	require.ErrorIs(t, s.ApplySessionSettingsToGlobal(ctx, "missing"), ErrSessionNotFound)
}

func TestOldSettingsMigratedOnRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.db.Write(ctx, func(tx *store.Tx) error {
		if err := tx.CreateSession(ctx, store.SessionRecord{ID: "old", Title: "old", CreatedAt: epoch}); err != nil {
			return err
		}
		return tx.PutSessionSettings(ctx, "old", []byte(`{"version":1,"temperature":0.3,"stop":["###"]}`))
	})
	require.NoError(t, err)
	require.NoError(t, f.db.SetPreference(ctx, PrefNewChatSettings, `not json`))

	s := f.open(t)
	cs, err := s.SessionCompletionSettings("old")
	require.NoError(t, err)
	assert.Equal(t, settings.CurrentVersion, cs.Version)
	assert.Equal(t, 0.3, cs.Temperature)
	assert.Equal(t, []string{"###"}, cs.Stop)
	assert.True(t, cs.IncludeThinkingInContext)
	assert.True(t, cs.Jinja)

	// An unreadable global blob falls back to the defaults.
	assert.Equal(t, settings.Default(), s.NewChatSettings())
}

func TestDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	m, err := s.AddMessageToCurrentSession(ctx, userMsg("bye"))
	require.NoError(t, err)
	sess, _ := s.ActiveSession()

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, ok := s.ActiveSession()
	assert.False(t, ok)
	assert.Empty(t, s.Sessions())

	_, err = f.db.Message(ctx, m.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.db.SessionSettings(ctx, sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.ErrorIs(t, s.DeleteSession(ctx, sess.ID), ErrSessionNotFound)
}

func TestDuplicateSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	for _, text := range []string{"one", "two"} {
		_, err := s.AddMessageToCurrentSession(ctx, userMsg(text))
		require.NoError(t, err)
	}
	src, _ := s.ActiveSession()

	dup, err := s.DuplicateSession(ctx, src.ID)
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, dup.ID)
	assert.Equal(t, "one (copy)", dup.Title)
	assert.Equal(t, texts(src.Messages), texts(dup.Messages))
	for i := range dup.Messages {
		assert.NotEqual(t, src.Messages[i].ID, dup.Messages[i].ID)
	}
	assert.Len(t, s.Sessions(), 2)
}

func TestRenameAndPal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	sess, err := s.CreateSession(ctx, "a", nil, settings.Default(), "")
	require.NoError(t, err)
	require.NoError(t, s.UpdateSessionTitle(ctx, sess.ID, "renamed"))
	require.NoError(t, s.SetSessionPal(ctx, sess.ID, "pal-9"))
	require.ErrorIs(t, s.UpdateSessionTitle(ctx, "missing", "x"), ErrSessionNotFound)

	reloaded := f.open(t)
	got, err := reloaded.Session(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, "pal-9", got.PalID)
}

func TestReloadFromDatabase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)

	for _, text := range []string{"q1", "q2"} {
		_, err := s.AddMessageToCurrentSession(ctx, userMsg(text))
		require.NoError(t, err)
	}
	s.ResetActiveSession()
	_, err := s.AddMessageToCurrentSession(ctx, userMsg("other chat"))
	require.NoError(t, err)

	reloaded := f.open(t)
	list := reloaded.Sessions()
	require.Len(t, list, 2)
	assert.Equal(t, "other chat", list[0].Title, "newest first")
	assert.Equal(t, []string{"q2", "q1"}, texts(list[1].Messages))
	_, ok := reloaded.ActiveSession()
	assert.False(t, ok)
}

func TestGroupLabels(t *testing.T) {
	now := time.Date(2025, 3, 31, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		created time.Time
		want    string
	}{
		{now.Add(time.Hour), GroupToday},
		{time.Date(2025, 3, 31, 0, 1, 0, 0, time.UTC), GroupToday},
		{time.Date(2025, 3, 30, 23, 59, 0, 0, time.UTC), GroupYesterday},
		{now.AddDate(0, 0, -6), GroupThisWeek},
		{now.AddDate(0, 0, -7), GroupLastWeek},
		{now.AddDate(0, 0, -14), GroupTwoWeeks},
		{now.AddDate(0, 0, -21), GroupThreeWeeks},
		{now.AddDate(0, 0, -34), GroupFourWeeks},
		{now.AddDate(0, 0, -35), GroupLastMonth},
		{now.AddDate(0, 0, -61), GroupOlder},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, groupLabel(daysBetween(tt.created, now)), tt.created.String())
	}
}

func TestGroupSessions(t *testing.T) {
	now := time.Date(2025, 3, 31, 8, 0, 0, 0, time.UTC)
	list := []Session{
		{ID: "old", CreatedAt: now.AddDate(-1, 0, 0)},
		{ID: "today-early", CreatedAt: now.Add(-7 * time.Hour)},
		{ID: "today-late", CreatedAt: now.Add(-time.Hour)},
		{ID: "yesterday", CreatedAt: now.AddDate(0, 0, -1)},
	}
	groups := groupSessions(list, now)

	var got [][]string
	var labels []string
	for _, g := range groups {
		labels = append(labels, g.Label)
		var ids []string
		for _, s := range g.Sessions {
			ids = append(ids, s.ID)
		}
		got = append(got, ids)
	}
	assert.Equal(t, []string{GroupToday, GroupYesterday, GroupOlder}, labels)
	assert.Equal(t, [][]string{{"today-late", "today-early"}, {"yesterday"}, {"old"}}, got)
}

func TestImportLegacy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t)
	dir := t.TempDir()

	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("a.json", `{
		"id": "legacy-a",
		"title": "Trip planning",
		"date": "2024-11-02T10:00:00Z",
		"activePalId": "pal-x",
		"completionSettings": {"version": 0, "temperature": 0.4},
		"messages": [
			{"id": "a2", "author": "assistant", "text": "Sure", "type": "text", "createdAt": 1730541601000},
			{"id": "a1", "author": "user", "text": "Plan a trip", "type": "text", "createdAt": 1730541600000}
		]
	}`)
	write("b.json", `{"id": "legacy-b", "title": "", "date": "2024-11-03T10:00:00Z", "messages": []}`)
	write("broken.json", `{`)
	write("notes.txt", `ignored`)

	n, err := s.ImportLegacy(ctx, dir)
	require.Error(t, err)
	assert.Equal(t, 2, n)
	_, statErr := os.Stat(filepath.Join(dir, MigratedMarker))
	assert.ErrorIs(t, statErr, os.ErrNotExist, "marker only written after a clean import")

	a, err := s.Session("legacy-a")
	require.NoError(t, err)
	assert.Equal(t, "Trip planning", a.Title)
	assert.Equal(t, "pal-x", a.PalID)
	assert.Equal(t, []string{"Sure", "Plan a trip"}, texts(a.Messages))
	assert.Equal(t, 2, a.Messages[0].Position)
	assert.Equal(t, 0.4, a.Settings.Temperature)
	assert.Equal(t, settings.CurrentVersion, a.Settings.Version)

	b, err := s.Session("legacy-b")
	require.NoError(t, err)
	assert.Equal(t, NewSessionTitle, b.Title)

	// Retry after fixing the broken file: existing sessions are skipped.
	write("broken.json", `{"id": "legacy-c", "title": "Fixed", "date": "2024-11-04T10:00:00Z"}`)
	n, err = s.ImportLegacy(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, filepath.Join(dir, MigratedMarker))

	n, err = s.ImportLegacy(ctx, dir)
	require.NoError(t, err)
	assert.Zero(t, n)

	reloaded := f.open(t)
	assert.Len(t, reloaded.Sessions(), 3)
	recs, err := f.db.Messages(ctx, "legacy-a")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestImportLegacyMissingDir(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	n, err := s.ImportLegacy(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Zero(t, n)
}
