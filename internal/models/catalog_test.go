package models

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThatCatDev/tanrenai/pocket/internal/events"
	"github.com/ThatCatDev/tanrenai/pocket/internal/settings"
	"github.com/ThatCatDev/tanrenai/pocket/internal/store"
)

func newTestCatalog(t *testing.T) (*Catalog, *store.DB, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "pocket.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	modelsDir := filepath.Join(dir, "models")
	c, err := NewCatalog(context.Background(), db, NewResolver(modelsDir), nil, nil)
	require.NoError(t, err)
	return c, db, modelsDir
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("gguf"), 0o644))
}

func TestNewCatalogContainsPresets(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	list := c.List()
	require.Len(t, list, len(DefaultCatalog()))
	for i, d := range DefaultCatalog() {
		assert.Equal(t, d.ID, list[i].ID)
		assert.False(t, list[i].IsDownloaded)
	}
}

func TestMergePersistedWins(t *testing.T) {
	defaults := DefaultCatalog()
	p := defaults[1]
	p.IsDownloaded = true
	p.Progress = 100
	extra := Model{ID: "hf/zeta", Origin: OriginHuggingFace}
	extra2 := Model{ID: "hf/alpha", Origin: OriginHuggingFace}

	out := Merge(map[string]Model{p.ID: p, extra.ID: extra, extra2.ID: extra2}, defaults)
	require.Len(t, out, len(defaults)+2)
	assert.True(t, out[1].IsDownloaded)
	assert.Equal(t, "hf/alpha", out[len(out)-2].ID)
	assert.Equal(t, "hf/zeta", out[len(out)-1].ID)
}

func TestCatalogReconcilesDownloadState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "pocket.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	r := NewResolver(filepath.Join(dir, "models"))
	preset := DefaultCatalog()[0]
	// Legacy flat layout still counts as downloaded.
	writeFile(t, filepath.Join(r.Dir(), preset.Filename))

	c, err := NewCatalog(ctx, db, r, nil, nil)
	require.NoError(t, err)
	m, err := c.Get(preset.ID)
	require.NoError(t, err)
	assert.True(t, m.IsDownloaded)
	assert.Equal(t, float64(100), m.Progress)
}

func TestUpdatePersistsAndPublishes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "pocket.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	bus := events.New()
	ch, unsub := bus.Subscribe(events.TopicModels)
	defer unsub()

	r := NewResolver(filepath.Join(dir, "models"))
	c, err := NewCatalog(ctx, db, r, bus, nil)
	require.NoError(t, err)

	id := DefaultCatalog()[0].ID
	_, err = c.Update(ctx, id, func(m *Model) {
		m.CompletionSettings.Temperature = 0.2
	})
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, "updated", ev.Kind)

	blobs, err := db.Models(ctx)
	require.NoError(t, err)
	var stored Model
	require.NoError(t, json.Unmarshal(blobs[id], &stored))
	assert.Equal(t, 0.2, stored.CompletionSettings.Temperature)

	// A fresh catalog sees the persisted value.
	c2, err := NewCatalog(ctx, db, r, nil, nil)
	require.NoError(t, err)
	m, err := c2.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 0.2, m.CompletionSettings.Temperature)
}

func TestUpdateTransientDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	c, db, _ := newTestCatalog(t)
	id := DefaultCatalog()[0].ID

	m, err := c.UpdateTransient(id, func(m *Model) { m.Progress = 42 })
	require.NoError(t, err)
	assert.Equal(t, float64(42), m.Progress)

	blobs, err := db.Models(ctx)
	require.NoError(t, err)
	assert.NotContains(t, blobs, id)
}

func TestGetUnknownModel(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	_, err := c.Get("nope")
	require.ErrorIs(t, err, ErrModelNotFound)
	_, err = c.UpdateTransient("nope", func(*Model) {})
	require.ErrorIs(t, err, ErrModelNotFound)
}

func TestAddLocalAndDelete(t *testing.T) {
	ctx := context.Background()
	c, db, _ := newTestCatalog(t)

	path := filepath.Join(t.TempDir(), "tiny.gguf")
	writeFile(t, path)

	m, err := c.AddLocal(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, OriginLocal, m.Origin)
	assert.True(t, m.IsDownloaded)
	assert.Equal(t, path, m.FullPath)

	_, err = c.AddLocal(ctx, path)
	require.ErrorIs(t, err, ErrModelExists)

	require.NoError(t, c.Delete(ctx, m.ID))
	_, err = c.Get(m.ID)
	require.ErrorIs(t, err, ErrModelNotFound)
	assert.FileExists(t, path, "local files are not removed")

	blobs, err := db.Models(ctx)
	require.NoError(t, err)
	assert.NotContains(t, blobs, m.ID)
}

func TestAddLocalRejectsNonGGUF(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	writeFile(t, path)
	_, err := c.AddLocal(context.Background(), path)
	require.Error(t, err)
}

func TestDeleteRemovesDownloadedFiles(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCatalog(t)
	m := DefaultCatalog()[0]

	paths := c.Resolver().Candidates(m)
	for _, p := range paths {
		writeFile(t, p)
	}
	_, err := c.Update(ctx, m.ID, func(m *Model) {
		m.IsDownloaded = true
		m.Progress = 100
	})
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, m.ID))
	for _, p := range paths {
		assert.NoFileExists(t, p)
	}
	got, err := c.Get(m.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDownloaded)
	assert.Zero(t, got.Progress)
}

func TestResetSettings(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCatalog(t)
	id := DefaultCatalog()[0].ID

	_, err := c.Update(ctx, id, func(m *Model) {
		m.CompletionSettings.TopK = 1
		m.ChatTemplate.SystemPrompt = "be terse"
	})
	require.NoError(t, err)

	m, err := c.ResetSettings(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, settings.Default().TopK, m.CompletionSettings.TopK)
	assert.Equal(t, m.DefaultChatTemplate, m.ChatTemplate)
}

func TestResolverCandidates(t *testing.T) {
	r := NewResolver("/models")
	m := Model{ID: "x", Origin: OriginHuggingFace, Filename: "f.gguf"}
	assert.Equal(t, []string{
		filepath.Join("/models", "huggingface", "unknown", "f.gguf"),
		filepath.Join("/models", "f.gguf"),
	}, r.Candidates(m))

	local := Model{ID: "l", Origin: OriginLocal, FullPath: "/tmp/a.gguf"}
	assert.Equal(t, []string{"/tmp/a.gguf"}, r.Candidates(local))
	assert.Equal(t, "/tmp/a.gguf", r.Destination(local))

	assert.Empty(t, r.Candidates(Model{Origin: OriginLocal}))
}

func TestResolverLocatePrefersCurrentLayout(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir)
	m := Model{ID: "x", Origin: OriginPreset, Author: "a", Filename: "f.gguf"}

	_, err := r.Locate(m)
	require.Error(t, err)

	writeFile(t, filepath.Join(dir, "f.gguf"))
	p, err := r.Locate(m)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "f.gguf"), p)

	writeFile(t, filepath.Join(dir, "preset", "a", "f.gguf"))
	p, err = r.Locate(m)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "preset", "a", "f.gguf"), p)
}
