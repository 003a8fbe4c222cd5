// Package chat drives one conversation turn: it records the user message,
// windows the history, generates through the loaded context and streams
// the reply into the session store.
package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThatCatDev/tanrenai/pocket/internal/chatctx"
	"github.com/ThatCatDev/tanrenai/pocket/internal/engine"
	"github.com/ThatCatDev/tanrenai/pocket/internal/inference"
	"github.com/ThatCatDev/tanrenai/pocket/internal/logging"
	"github.com/ThatCatDev/tanrenai/pocket/internal/models"
	"github.com/ThatCatDev/tanrenai/pocket/internal/session"
	"github.com/ThatCatDev/tanrenai/pocket/internal/stream"
)

// Generator is the part of the execution context manager the controller
// needs.
type Generator interface {
	Generate(ctx context.Context, req engine.Request, onToken func(string)) (*engine.Result, error)
	Stop()
	ActiveModel() (models.Model, bool)
	Tokenize(ctx context.Context, text string) ([]int, error)
}

// Config configures a Controller.
type Config struct {
	CtxSize        int
	ResponseBudget int
	FlushInterval  time.Duration
	SystemPrompt   string
}

// Reply describes a finished assistant turn.
type Reply struct {
	SessionID string
	MessageID string
	Text      string
	Timings   engine.Timings
	Stopped   bool
	// Failed is set when the engine failed mid-turn. The failure is stored
	// in the session as a system notice; Notice holds its text.
	Failed bool
	Notice string
}

// Controller runs chat turns against the active session.
type Controller struct {
	sessions  *session.Store
	gen       Generator
	cfg       Config
	estimator *chatctx.TokenEstimator
	logger    *zap.Logger
	newID     func() string

	mu      sync.Mutex
	running bool
}

// NewController creates a Controller.
func NewController(sessions *session.Store, gen Generator, cfg Config, logger *zap.Logger) *Controller {
	return &Controller{
		sessions:  sessions,
		gen:       gen,
		cfg:       cfg,
		estimator: chatctx.NewTokenEstimator(),
		logger:    logging.OrNop(logger),
		newID:     uuid.NewString,
	}
}

// SetSystemPrompt sets the system prompt sent with every turn.
func (c *Controller) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	c.cfg.SystemPrompt = prompt
	c.mu.Unlock()
}

// Calibrate tunes the history estimator against the loaded model's
// tokenizer. Failure keeps the default ratio.
func (c *Controller) Calibrate(ctx context.Context) {
	err := c.estimator.Calibrate(func(s string) (int, error) {
		ids, err := c.gen.Tokenize(ctx, s)
		return len(ids), err
	})
	if err != nil {
		c.logger.Debug("token estimator calibration failed", zap.Error(err))
	}
}

// Send runs one turn. A pending edit is committed first. onToken, when not
// nil, sees every token as it arrives. When the engine fails, the failure
// is recorded in the session as a system notice and reported through
// Reply.Failed with a nil error.
func (c *Controller) Send(ctx context.Context, text string, onToken func(string)) (Reply, error) {
	model, ok := c.gen.ActiveModel()
	if !ok {
		return Reply{}, inference.ErrNoContext
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return Reply{}, inference.ErrBusy
	}
	c.running = true
	system := c.cfg.SystemPrompt
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if c.sessions.IsEditMode() {
		if err := c.sessions.CommitEdit(ctx); err != nil {
			return Reply{}, fmt.Errorf("commit edit: %w", err)
		}
	}
	if _, err := c.sessions.AddMessageToCurrentSession(ctx, session.Message{
		Author: session.AuthorUser,
		Text:   text,
	}); err != nil {
		return Reply{}, fmt.Errorf("add user message: %w", err)
	}
	sess, ok := c.sessions.ActiveSession()
	if !ok {
		return Reply{}, session.ErrSessionNotFound
	}

	cs := c.sessions.CurrentSettings().MergeStop(model.CompletionSettings.Stop...)
	req := engine.Request{
		Messages:     c.window(c.sessions.CurrentMessages(), system, cs.IncludeThinkingInContext),
		Settings:     cs,
		SystemPrompt: system,
	}

	reply := Reply{SessionID: sess.ID, MessageID: c.newID()}
	agg := stream.New(ctx, c.sessions, sess.ID, reply.MessageID, c.cfg.FlushInterval, c.logger)
	push := agg.Push
	if onToken != nil {
		push = func(tok string) {
			agg.Push(tok)
			onToken(tok)
		}
	}
	res, genErr := c.gen.Generate(ctx, req, push)
	if err := agg.Finish(); err != nil {
		c.logger.Warn("final flush failed", zap.String("message", reply.MessageID), zap.Error(err))
	}

	if genErr != nil {
		if !errors.Is(genErr, inference.ErrGenerationFailed) {
			return reply, genErr
		}
		reply.Failed = true
		reply.Notice = c.recordFailure(ctx, genErr)
		return reply, nil
	}

	reply.Text = res.Text
	reply.Timings = res.Timings
	reply.Stopped = res.Stopped
	err := c.sessions.UpdateMessage(ctx, sess.ID, reply.MessageID, session.MessagePatch{
		Metadata: map[string]any{"timings": timingsMetadata(res.Timings), "stopped": res.Stopped},
	})
	if err != nil && !errors.Is(err, session.ErrMessageNotFound) {
		c.logger.Warn("persist timings failed", zap.String("message", reply.MessageID), zap.Error(err))
	}
	return reply, nil
}

// Stop halts the running generation. Tokens received so far are still
// persisted by the final flush.
func (c *Controller) Stop() {
	c.gen.Stop()
}

func (c *Controller) recordFailure(ctx context.Context, err error) string {
	notice := fmt.Sprintf("Generation failed: %v", err)
	c.logger.Warn("generation failed", zap.Error(err))
	_, addErr := c.sessions.AddMessageToCurrentSession(ctx, session.Message{
		Author:   session.AuthorAssistant,
		Text:     notice,
		Metadata: map[string]any{"system": true},
	})
	if addErr != nil {
		c.logger.Error("record generation failure", zap.Error(addErr))
	}
	return notice
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)

// window converts the visible messages (newest first) into engine
// messages that fit the context budget left after the system prompt. The
// system prompt itself travels separately in the request.
func (c *Controller) window(msgs []session.Message, system string, includeThinking bool) []engine.Message {
	w := chatctx.NewWindow(chatctx.Config{CtxSize: c.cfg.CtxSize, ResponseBudget: c.cfg.ResponseBudget}, c.estimator)
	w.SetSystemPrompt(system)
	for _, m := range slices.Backward(msgs) {
		if m.IsSystem() {
			continue
		}
		role, content := "user", m.Text
		if m.Author != session.AuthorUser {
			role = "assistant"
			if !includeThinking {
				content = thinkBlock.ReplaceAllString(content, "")
			}
		}
		w.Append(engine.Message{Role: role, Content: content})
	}
	out := w.Messages()
	if system != "" {
		out = out[1:]
	}
	return out
}

func timingsMetadata(t engine.Timings) map[string]any {
	return map[string]any{
		"prompt_n":             float64(t.PromptTokens),
		"prompt_ms":            t.PromptMS,
		"prompt_per_second":    t.PromptPerSecond,
		"predicted_n":          float64(t.PredictedTokens),
		"predicted_ms":         t.PredictedMS,
		"predicted_per_second": t.PredictedPerSecond,
	}
}
