// Package runner implements the inference engine on top of a llama-server
// subprocess speaking HTTP on a loopback port.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ThatCatDev/tanrenai/pocket/internal/engine"
	"github.com/ThatCatDev/tanrenai/pocket/internal/logging"
)

var errReleased = errors.New("context released")

// Config configures how llama-server is launched.
type Config struct {
	// BinDir is the directory containing the llama-server binary.
	BinDir string
	// Threads is the number of CPU threads (0 = auto).
	Threads        int
	FlashAttention bool
	Quiet          bool
	HealthTimeout  time.Duration
	Logger         *zap.Logger
}

// Engine starts one llama-server per loaded context.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// New returns an Engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, logger: logging.OrNop(cfg.Logger)}
}

// Load starts llama-server for the model at path and waits until it serves.
func (e *Engine) Load(ctx context.Context, path string, opts engine.LoadOptions) (engine.Context, error) {
	srv, err := startServer(ctx, e.cfg, e.buildArgs(path, opts), e.logger)
	if err != nil {
		return nil, err
	}

	client := NewClient(srv.url)
	meta, err := loadMetadata(ctx, client)
	if err != nil {
		_ = srv.stop()
		return nil, err
	}

	e.logger.Info("model loaded",
		zap.String("model", filepath.Base(path)),
		zap.Int("ctx_size", opts.ContextSize),
		zap.Int("gpu_layers", opts.GPULayers),
		zap.String("url", srv.url))
	return newContext(srv, client, meta), nil
}

func (e *Engine) buildArgs(path string, opts engine.LoadOptions) []string {
	args := []string{
		"--model", path,
		"--ctx-size", strconv.Itoa(opts.ContextSize),
		"--host", "127.0.0.1",
		"--n-gpu-layers", strconv.Itoa(opts.GPULayers),
	}
	if e.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(e.cfg.Threads))
	}
	if e.cfg.FlashAttention {
		args = append(args, "--flash-attn", "on")
	}
	return append(args, "--jinja")
}

// loadMetadata reads the chat template and resolves the EOS token id. A
// model whose EOS text does not map to exactly one token reports -1.
func loadMetadata(ctx context.Context, client *Client) (engine.Metadata, error) {
	props, err := client.Props(ctx)
	if err != nil {
		return engine.Metadata{}, fmt.Errorf("read model props: %w", err)
	}
	meta := engine.Metadata{EOSTokenID: -1, ChatTemplate: props.ChatTemplate}
	if props.EOSToken == "" {
		return meta, nil
	}
	ids, err := client.Tokenize(ctx, props.EOSToken)
	if err != nil {
		return engine.Metadata{}, fmt.Errorf("tokenize eos: %w", err)
	}
	if len(ids) == 1 {
		meta.EOSTokenID = ids[0]
	}
	return meta, nil
}

// llamaContext is one loaded model. It owns its llama-server process:
// releasing the context stops the process, and a process that dies on its
// own makes every later call fail.
type llamaContext struct {
	srv    *server
	client *Client
	meta   engine.Metadata

	gen sync.Mutex // one generation at a time

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopped  bool
	released bool
}

func newContext(srv *server, client *Client, meta engine.Metadata) *llamaContext {
	return &llamaContext{srv: srv, client: client, meta: meta}
}

// usable reports why the context cannot serve requests, if it cannot.
// Callers hold c.mu.
func (c *llamaContext) usable() error {
	if c.released {
		return errReleased
	}
	if c.srv != nil && !c.srv.alive() {
		return fmt.Errorf("%w (exit code %d)", errServerExited, c.srv.exitCode())
	}
	return nil
}

func (c *llamaContext) Generate(ctx context.Context, req engine.Request, onToken func(string)) (*engine.Result, error) {
	c.gen.Lock()
	defer c.gen.Unlock()

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if err := c.usable(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.cancel = cancel
	c.stopped = false
	c.mu.Unlock()

	res, err := c.client.ChatStream(genCtx, req, onToken)

	c.mu.Lock()
	stopped := c.stopped
	c.cancel = nil
	c.mu.Unlock()

	if stopped {
		if res == nil {
			res = &engine.Result{}
		}
		res.Stopped = true
		return res, nil
	}
	return res, err
}

func (c *llamaContext) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.stopped = true
		c.cancel()
	}
}

func (c *llamaContext) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if c.srv == nil {
		return nil
	}
	return c.srv.stop()
}

func (c *llamaContext) Tokenize(ctx context.Context, text string) ([]int, error) {
	c.mu.Lock()
	err := c.usable()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.client.Tokenize(ctx, text)
}

func (c *llamaContext) Detokenize(ctx context.Context, tokens []int) (string, error) {
	c.mu.Lock()
	err := c.usable()
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	return c.client.Detokenize(ctx, tokens)
}

func (c *llamaContext) Metadata() engine.Metadata {
	return c.meta
}
