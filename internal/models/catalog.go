// Package models owns the model catalog: the merged list of built-in presets
// and persisted user models, their download state and on-disk layout.
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ThatCatDev/tanrenai/pocket/internal/events"
	"github.com/ThatCatDev/tanrenai/pocket/internal/logging"
	"github.com/ThatCatDev/tanrenai/pocket/internal/settings"
	"github.com/ThatCatDev/tanrenai/pocket/internal/store"
)

// Catalog is the in-memory model list backed by the record store.
// All mutations go through Update/UpdateTransient so observers get one
// notification per change.
type Catalog struct {
	mu       sync.RWMutex
	models   map[string]*Model
	order    []string
	db       *store.DB
	resolver *Resolver
	bus      events.Publisher
	logger   *zap.Logger
}

// NewCatalog loads persisted models and merges them with DefaultCatalog by
// id. Persisted entries win; presets missing from the store are added.
// Download state of file-backed models is reconciled with the disk.
func NewCatalog(ctx context.Context, db *store.DB, resolver *Resolver, bus events.Publisher, logger *zap.Logger) (*Catalog, error) {
	if bus == nil {
		bus = events.Nop{}
	}
	c := &Catalog{
		models:   make(map[string]*Model),
		db:       db,
		resolver: resolver,
		bus:      bus,
		logger:   logging.OrNop(logger),
	}

	blobs, err := db.Models(ctx)
	if err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	persisted := make(map[string]Model, len(blobs))
	for id, blob := range blobs {
		var m Model
		if err := json.Unmarshal(blob, &m); err != nil {
			c.logger.Warn("skipping unreadable model record", zap.String("model", id), zap.Error(err))
			continue
		}
		persisted[id] = m
	}

	for _, m := range Merge(persisted, DefaultCatalog()) {
		m := m
		m.CompletionSettings = settings.Normalize(m.CompletionSettings)
		m.DefaultCompletionSettings = settings.Normalize(m.DefaultCompletionSettings)
		if m.Origin != OriginLocal {
			_, locErr := resolver.Locate(m)
			m.IsDownloaded = locErr == nil
			if m.IsDownloaded {
				m.Progress = 100
			} else {
				m.Progress = 0
			}
		}
		c.models[m.ID] = &m
		c.order = append(c.order, m.ID)
	}
	return c, nil
}

// Merge returns the union of persisted and defaults by id: defaults first in
// their order (replaced by the persisted entry when present), then the
// remaining persisted models sorted by id.
func Merge(persisted map[string]Model, defaults []Model) []Model {
	out := make([]Model, 0, len(persisted)+len(defaults))
	seen := make(map[string]bool, len(defaults))
	for _, d := range defaults {
		seen[d.ID] = true
		if p, ok := persisted[d.ID]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, d)
	}
	var extra []string
	for id := range persisted {
		if !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		out = append(out, persisted[id])
	}
	return out
}

// Resolver returns the path resolver used by the catalog.
func (c *Catalog) Resolver() *Resolver {
	return c.resolver
}

// List returns copies of all models in catalog order.
func (c *Catalog) List() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id].Clone())
	}
	return out
}

// Get returns a copy of the model with the given id.
func (c *Catalog) Get(id string) (Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return m.Clone(), nil
}

// Update applies fn to the model and persists the result. A failed write
// keeps the in-memory change and returns an error wrapping
// store.ErrPersistenceFailed.
func (c *Catalog) Update(ctx context.Context, id string, fn func(m *Model)) (Model, error) {
	m, err := c.UpdateTransient(id, fn)
	if err != nil {
		return Model{}, err
	}
	if err := c.persist(ctx, m); err != nil {
		return m, err
	}
	return m, nil
}

// UpdateTransient applies fn without persisting. Used for live download
// progress, which is rewritten many times per second.
func (c *Catalog) UpdateTransient(id string, fn func(m *Model)) (Model, error) {
	c.mu.Lock()
	m, ok := c.models[id]
	if !ok {
		c.mu.Unlock()
		return Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	fn(m)
	out := m.Clone()
	c.mu.Unlock()

	c.bus.Publish(events.Event{Topic: events.TopicModels, Kind: "updated", ID: id, Payload: out})
	return out, nil
}

// Add inserts a new model (typically a HuggingFace or local entry).
func (c *Catalog) Add(ctx context.Context, m Model) (Model, error) {
	if m.ID == "" {
		return Model{}, errors.New("model id is required")
	}
	m.DefaultCompletionSettings = settings.Normalize(m.DefaultCompletionSettings)
	m.CompletionSettings = settings.Normalize(m.CompletionSettings)

	c.mu.Lock()
	if _, ok := c.models[m.ID]; ok {
		c.mu.Unlock()
		return Model{}, fmt.Errorf("%w: %s", ErrModelExists, m.ID)
	}
	stored := m.Clone()
	c.models[m.ID] = &stored
	c.order = append(c.order, m.ID)
	c.mu.Unlock()

	c.bus.Publish(events.Event{Topic: events.TopicModels, Kind: "added", ID: m.ID, Payload: m.Clone()})
	if err := c.persist(ctx, m); err != nil {
		return m, err
	}
	return m, nil
}

// AddLocal registers a GGUF file already on disk.
func (c *Catalog) AddLocal(ctx context.Context, path string) (Model, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Model{}, fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Model{}, fmt.Errorf("stat %s: %w", abs, err)
	}
	if !strings.HasSuffix(strings.ToLower(info.Name()), ".gguf") {
		return Model{}, fmt.Errorf("%s is not a .gguf file", info.Name())
	}

	s := settings.Default()
	return c.Add(ctx, Model{
		ID:                        "local/" + info.Name(),
		Name:                      strings.TrimSuffix(info.Name(), filepath.Ext(info.Name())),
		Origin:                    OriginLocal,
		Filename:                  info.Name(),
		FullPath:                  abs,
		Size:                      info.Size(),
		Progress:                  100,
		IsDownloaded:              true,
		DefaultChatTemplate:       chatMLTemplate,
		ChatTemplate:              chatMLTemplate,
		DefaultCompletionSettings: s,
		CompletionSettings:        s.Clone(),
	})
}

// Delete removes a model. Downloaded files of non-local models are removed
// from every candidate path and the entry is kept (it can be fetched again);
// local models are removed from the catalog and their file is left alone.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	m, err := c.Get(id)
	if err != nil {
		return err
	}

	if m.Origin == OriginLocal {
		c.mu.Lock()
		delete(c.models, id)
		for i, oid := range c.order {
			if oid == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		c.bus.Publish(events.Event{Topic: events.TopicModels, Kind: "deleted", ID: id})
		return c.db.Write(ctx, func(tx *store.Tx) error {
			return tx.DeleteModel(ctx, id)
		})
	}

	for _, p := range c.resolver.Candidates(m) {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	_, err = c.Update(ctx, id, func(m *Model) {
		m.IsDownloaded = false
		m.Progress = 0
		m.DownloadSpeed = ""
	})
	return err
}

// ResetSettings restores the model's template and completion settings to
// its defaults.
func (c *Catalog) ResetSettings(ctx context.Context, id string) (Model, error) {
	return c.Update(ctx, id, func(m *Model) {
		m.ChatTemplate = m.DefaultChatTemplate
		m.CompletionSettings = m.DefaultCompletionSettings.Clone()
	})
}

func (c *Catalog) persist(ctx context.Context, m Model) error {
	blob, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal model %s: %w", m.ID, err)
	}
	err = c.db.Write(ctx, func(tx *store.Tx) error {
		return tx.PutModel(ctx, m.ID, blob)
	})
	if err != nil {
		c.logger.Error("failed to persist model", zap.String("model", m.ID), zap.Error(err))
	}
	return err
}
