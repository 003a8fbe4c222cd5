// Package inference owns the single active execution context: loading a
// model into the engine, generating from it and releasing it.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/ThatCatDev/tanrenai/pocket/internal/engine"
	"github.com/ThatCatDev/tanrenai/pocket/internal/events"
	"github.com/ThatCatDev/tanrenai/pocket/internal/logging"
	"github.com/ThatCatDev/tanrenai/pocket/internal/models"
	"github.com/ThatCatDev/tanrenai/pocket/internal/store"
)

var (
	ErrContextLoadFailed = errors.New("inference: context load failed")
	ErrNoContext         = errors.New("inference: no model loaded")
	ErrGenerationFailed  = errors.New("inference: generation failed")
	ErrBusy              = errors.New("inference: generation in progress")
)

// Preference keys.
const (
	PrefLastUsedModel = "last_used_model"
	PrefAutoRelease   = "auto_release"
)

// State of the manager.
type State int

const (
	Idle State = iota
	Loading
	Ready
	Generating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Generating:
		return "generating"
	default:
		return "unknown"
	}
}

// AppState is the visibility of the host application.
type AppState int

const (
	Foreground AppState = iota
	Background
)

// Preferences is the key/value store for user preferences.
type Preferences interface {
	Preference(ctx context.Context, key string) (string, error)
	SetPreference(ctx context.Context, key, value string) error
}

// EditModeExiter is notified when the context goes away; message edits
// need a loaded model to regenerate.
type EditModeExiter interface {
	ExitEditMode()
}

// Options are the fixed load parameters.
type Options struct {
	ContextSize int
	// GPULayers is already gated by the GPU toggle: 0 when GPU use is off.
	GPULayers int
	// AutoRelease is the default when no auto_release preference is stored.
	AutoRelease bool
}

// Manager holds at most one engine context at a time.
type Manager struct {
	eng     engine.Engine
	catalog *models.Catalog
	prefs   Preferences
	editor  EditModeExiter
	bus     events.Publisher
	logger  *zap.Logger
	opts    Options

	// loadMu serializes Load, Release and background transitions so a new
	// context is never requested before the previous one is gone.
	loadMu sync.Mutex

	mu         sync.Mutex
	state      State
	ec         engine.Context
	active     string
	remembered string
}

// NewManager creates a Manager. editor and bus may be nil.
func NewManager(eng engine.Engine, catalog *models.Catalog, prefs Preferences, editor EditModeExiter, bus events.Publisher, logger *zap.Logger, opts Options) *Manager {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Manager{
		eng:     eng,
		catalog: catalog,
		prefs:   prefs,
		editor:  editor,
		bus:     bus,
		logger:  logging.OrNop(logger),
		opts:    opts,
	}
}

// SetEditModeExiter wires the session store after construction.
func (m *Manager) SetEditModeExiter(e EditModeExiter) {
	m.mu.Lock()
	m.editor = e
	m.mu.Unlock()
}

// Load releases any held context, then loads modelID. On success the model
// becomes active and is recorded as last used.
func (m *Manager) Load(ctx context.Context, modelID string) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	return m.loadLocked(ctx, modelID)
}

func (m *Manager) loadLocked(ctx context.Context, modelID string) error {
	m.releaseLocked()

	model, err := m.catalog.Get(modelID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrContextLoadFailed, err)
	}
	m.setState(Loading)

	path, err := m.catalog.Resolver().Locate(model)
	if err != nil {
		m.setState(Idle)
		return fmt.Errorf("%w: %w", ErrContextLoadFailed, err)
	}

	ec, err := m.eng.Load(ctx, path, engine.LoadOptions{
		ContextSize: m.opts.ContextSize,
		GPULayers:   m.opts.GPULayers,
	})
	if err != nil {
		m.setState(Idle)
		m.logger.Error("context load failed", zap.String("model", modelID), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrContextLoadFailed, err)
	}

	words, err := stopWords(ctx, ec, model)
	if err != nil {
		m.logger.Warn("failed to derive stop words", zap.String("model", modelID), zap.Error(err))
	}
	if len(words) > 0 {
		if _, err := m.catalog.Update(ctx, modelID, func(mm *models.Model) {
			mm.DefaultCompletionSettings = mm.DefaultCompletionSettings.MergeStop(words...)
			mm.CompletionSettings = mm.CompletionSettings.MergeStop(words...)
		}); err != nil {
			m.logger.Error("failed to persist stop words", zap.String("model", modelID), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.ec = ec
	m.active = modelID
	m.state = Ready
	m.mu.Unlock()

	if err := m.prefs.SetPreference(ctx, PrefLastUsedModel, modelID); err != nil {
		m.logger.Error("failed to record last used model", zap.String("model", modelID), zap.Error(err))
	}

	m.logger.Info("model loaded", zap.String("model", modelID), zap.String("path", path))
	m.bus.Publish(events.Event{Topic: events.TopicContext, Kind: "loaded", ID: modelID})
	return nil
}

// Release drops the held context. Releasing with nothing loaded succeeds.
func (m *Manager) Release(ctx context.Context) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	m.releaseLocked()
	return nil
}

// releaseLocked exits edit mode, stops any generation and releases the
// context. Engine release errors are logged; the reference is dropped
// either way.
func (m *Manager) releaseLocked() {
	m.mu.Lock()
	ec, id, editor := m.ec, m.active, m.editor
	m.ec = nil
	m.active = ""
	m.state = Idle
	m.mu.Unlock()

	if ec == nil {
		return
	}
	if editor != nil {
		editor.ExitEditMode()
	}
	ec.Stop()
	if err := ec.Release(); err != nil {
		m.logger.Warn("context release failed", zap.String("model", id), zap.Error(err))
	}
	m.logger.Info("model released", zap.String("model", id))
	m.bus.Publish(events.Event{Topic: events.TopicContext, Kind: "released", ID: id})
}

// Generate runs one generation on the held context.
func (m *Manager) Generate(ctx context.Context, req engine.Request, onToken func(string)) (*engine.Result, error) {
	m.mu.Lock()
	switch {
	case m.ec == nil:
		m.mu.Unlock()
		return nil, ErrNoContext
	case m.state == Generating:
		m.mu.Unlock()
		return nil, ErrBusy
	}
	ec, id := m.ec, m.active
	m.state = Generating
	m.mu.Unlock()
	m.bus.Publish(events.Event{Topic: events.TopicContext, Kind: "generating", ID: id})

	defer func() {
		m.mu.Lock()
		if m.ec == ec && m.state == Generating {
			m.state = Ready
		}
		m.mu.Unlock()
		m.bus.Publish(events.Event{Topic: events.TopicContext, Kind: "ready", ID: id})
	}()

	res, err := ec.Generate(ctx, req, onToken)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return res, nil
}

// Stop asks the held context to halt its generation.
func (m *Manager) Stop() {
	m.mu.Lock()
	ec := m.ec
	m.mu.Unlock()
	if ec != nil {
		ec.Stop()
	}
}

// Tokenize counts tokens with the loaded model's tokenizer.
func (m *Manager) Tokenize(ctx context.Context, text string) ([]int, error) {
	m.mu.Lock()
	ec := m.ec
	m.mu.Unlock()
	if ec == nil {
		return nil, ErrNoContext
	}
	return ec.Tokenize(ctx, text)
}

// HandleAppState releases the context when the app goes to background (if
// auto-release is enabled) and reloads the same model on foreground.
func (m *Manager) HandleAppState(ctx context.Context, s AppState) error {
	switch s {
	case Background:
		if !m.autoRelease(ctx) {
			return nil
		}
		m.loadMu.Lock()
		defer m.loadMu.Unlock()
		m.mu.Lock()
		if m.active != "" {
			m.remembered = m.active
		}
		m.mu.Unlock()
		m.releaseLocked()
		return nil

	case Foreground:
		m.loadMu.Lock()
		defer m.loadMu.Unlock()
		m.mu.Lock()
		id := m.remembered
		m.remembered = ""
		loaded := m.ec != nil
		m.mu.Unlock()
		if id == "" || loaded {
			return nil
		}
		return m.loadLocked(ctx, id)
	}
	return fmt.Errorf("unknown app state %d", s)
}

func (m *Manager) autoRelease(ctx context.Context) bool {
	v, err := m.prefs.Preference(ctx, PrefAutoRelease)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failed to read auto release preference", zap.Error(err))
		}
		return m.opts.AutoRelease
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return m.opts.AutoRelease
	}
	return b
}

// LastUsedModel returns the id recorded by the last successful load.
func (m *Manager) LastUsedModel(ctx context.Context) (string, error) {
	return m.prefs.Preference(ctx, PrefLastUsedModel)
}

// ActiveModel returns the loaded model.
func (m *Manager) ActiveModel() (models.Model, bool) {
	m.mu.Lock()
	id := m.active
	m.mu.Unlock()
	if id == "" {
		return models.Model{}, false
	}
	model, err := m.catalog.Get(id)
	if err != nil {
		return models.Model{}, false
	}
	return model, true
}

// IsLoading reports whether a load is in progress.
func (m *Manager) IsLoading() bool {
	return m.State() == Loading
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.bus.Publish(events.Event{Topic: events.TopicContext, Kind: s.String()})
}
