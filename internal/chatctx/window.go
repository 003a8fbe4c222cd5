// Package chatctx fits a conversation into the context window of the
// loaded model.
package chatctx

import "github.com/ThatCatDev/tanrenai/pocket/internal/engine"

// Defaults used when Config leaves a field unset.
const (
	DefaultCtxSize        = 4096
	DefaultResponseBudget = 512
)

// Config configures a Window.
type Config struct {
	CtxSize        int // total context window in tokens
	ResponseBudget int // tokens reserved for the reply
}

// BudgetInfo is the token breakdown of the last windowing.
type BudgetInfo struct {
	Total        int
	System       int
	History      int
	Available    int
	HistoryCount int
	TotalHistory int
}

// Window holds a pinned system prompt and a history that is trimmed from
// the oldest end when it does not fit.
type Window struct {
	cfg          Config
	estimator    *TokenEstimator
	systemPrompt string
	history      []engine.Message
}

// NewWindow returns an empty window.
func NewWindow(cfg Config, estimator *TokenEstimator) *Window {
	if cfg.CtxSize <= 0 {
		cfg.CtxSize = DefaultCtxSize
	}
	if cfg.ResponseBudget <= 0 {
		cfg.ResponseBudget = DefaultResponseBudget
	}
	if estimator == nil {
		estimator = NewTokenEstimator()
	}
	return &Window{cfg: cfg, estimator: estimator}
}

// SetSystemPrompt sets the pinned system prompt.
func (w *Window) SetSystemPrompt(prompt string) {
	w.systemPrompt = prompt
}

// Append adds messages to the history, oldest first.
func (w *Window) Append(msgs ...engine.Message) {
	w.history = append(w.history, msgs...)
}

func (w *Window) systemMessages() []engine.Message {
	if w.systemPrompt == "" {
		return nil
	}
	return []engine.Message{{Role: "system", Content: w.systemPrompt}}
}

func (w *Window) available(systemTokens int) int {
	return max(w.cfg.CtxSize-systemTokens-w.cfg.ResponseBudget, 0)
}

// cutoff walks the history backwards and returns the index of the oldest
// message that still fits. The newest message is always kept.
func (w *Window) cutoff(available int) int {
	cut := len(w.history)
	used := 0
	for i := len(w.history) - 1; i >= 0; i-- {
		n := w.estimator.EstimateMessages(w.history[i : i+1])
		if used+n > available && i < len(w.history)-1 {
			break
		}
		used += n
		cut = i
	}
	return cut
}

// Messages returns the system prompt followed by the newest history
// messages that fit into CtxSize - system - ResponseBudget.
func (w *Window) Messages() []engine.Message {
	sys := w.systemMessages()
	cut := w.cutoff(w.available(w.estimator.EstimateMessages(sys)))

	out := make([]engine.Message, 0, len(sys)+len(w.history)-cut)
	out = append(out, sys...)
	return append(out, w.history[cut:]...)
}

// Budget reports how the window is spent.
func (w *Window) Budget() BudgetInfo {
	sys := w.systemMessages()
	sysTokens := w.estimator.EstimateMessages(sys)
	available := w.available(sysTokens)
	kept := w.history[w.cutoff(available):]
	historyTokens := w.estimator.EstimateMessages(kept)
	return BudgetInfo{
		Total:        w.cfg.CtxSize,
		System:       sysTokens,
		History:      historyTokens,
		Available:    max(available-historyTokens, 0),
		HistoryCount: len(kept),
		TotalHistory: len(w.history),
	}
}

// History returns a copy of the full history, including trimmed messages.
func (w *Window) History() []engine.Message {
	return append([]engine.Message(nil), w.history...)
}

// Clear drops the history and keeps the system prompt.
func (w *Window) Clear() {
	w.history = nil
}
