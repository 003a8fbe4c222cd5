package chatctx

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ThatCatDev/tanrenai/pocket/internal/engine"
)

func newTestWindow(ctxSize int) *Window {
	return NewWindow(Config{CtxSize: ctxSize, ResponseBudget: 100}, NewTokenEstimator())
}

func TestMessagesUnderBudget(t *testing.T) {
	w := newTestWindow(10000)
	w.SetSystemPrompt("You are helpful.")
	w.Append(engine.Message{Role: "user", Content: "Hello"}, engine.Message{Role: "assistant", Content: "Hi there!"})

	msgs := w.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Errorf("first message should be system, got %s", msgs[0].Role)
	}
	if msgs[1].Content != "Hello" {
		t.Errorf("expected 'Hello', got %q", msgs[1].Content)
	}
}

func TestMessagesOverBudget(t *testing.T) {
	w := newTestWindow(200)
	w.SetSystemPrompt("sys")
	for i := 0; i < 20; i++ {
		w.Append(
			engine.Message{Role: "user", Content: fmt.Sprintf("Message number %d with some extra text padding", i)},
			engine.Message{Role: "assistant", Content: fmt.Sprintf("Response number %d with some extra text padding", i)},
		)
	}

	msgs := w.Messages()
	if len(msgs) >= 41 {
		t.Errorf("expected windowing to drop messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Errorf("first message should be system, got %s", msgs[0].Role)
	}
	if last := msgs[len(msgs)-1]; last.Content != "Response number 19 with some extra text padding" {
		t.Errorf("last message should be the newest, got %q", last.Content)
	}
	if got := len(w.History()); got != 40 {
		t.Errorf("history should keep trimmed messages, got %d", got)
	}
}

func TestNewestMessageAlwaysKept(t *testing.T) {
	w := newTestWindow(150)
	w.Append(engine.Message{Role: "user", Content: "old"})
	w.Append(engine.Message{Role: "user", Content: strings.Repeat("x", 1000)})

	msgs := w.Messages()
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0].Content, "xxx") {
		t.Fatalf("expected only the oversized newest message, got %d messages", len(msgs))
	}
}

func TestBudget(t *testing.T) {
	w := newTestWindow(200)
	w.SetSystemPrompt("sys")
	for i := 0; i < 30; i++ {
		w.Append(engine.Message{Role: "user", Content: strings.Repeat("y", 35)})
	}

	b := w.Budget()
	if b.Total != 200 {
		t.Errorf("Total = %d, want 200", b.Total)
	}
	// sys: 4 + ceil(3/3.5) = 5; each message: 4 + 10 = 14.
	if b.System != 5 {
		t.Errorf("System = %d, want 5", b.System)
	}
	if b.HistoryCount != 6 || b.History != 84 {
		t.Errorf("HistoryCount/History = %d/%d, want 6/84", b.HistoryCount, b.History)
	}
	if b.Available != 11 {
		t.Errorf("Available = %d, want 11", b.Available)
	}
	if b.TotalHistory != 30 {
		t.Errorf("TotalHistory = %d, want 30", b.TotalHistory)
	}
}

func TestClear(t *testing.T) {
	w := newTestWindow(4096)
	w.SetSystemPrompt("sys")
	w.Append(engine.Message{Role: "user", Content: "hello"})
	w.Clear()

	msgs := w.Messages()
	if len(msgs) != 1 || msgs[0].Content != "sys" {
		t.Errorf("expected only the system prompt after Clear, got %v", msgs)
	}
}

func TestDefaults(t *testing.T) {
	w := NewWindow(Config{}, nil)
	if w.cfg.CtxSize != DefaultCtxSize || w.cfg.ResponseBudget != DefaultResponseBudget {
		t.Errorf("unexpected defaults: %+v", w.cfg)
	}
}

func TestEstimate(t *testing.T) {
	e := NewTokenEstimator()
	if got := e.Estimate(""); got != 0 {
		t.Errorf("Estimate(\"\") = %d, want 0", got)
	}
	if got := e.Estimate("hello"); got != 2 {
		t.Errorf("Estimate(\"hello\") = %d, want 2", got)
	}
	msgs := []engine.Message{{Role: "user", Content: "hello"}, {Role: "assistant", Content: ""}}
	if got := e.EstimateMessages(msgs); got != 10 {
		t.Errorf("EstimateMessages = %d, want 10", got)
	}
}

func TestCalibrate(t *testing.T) {
	e := NewTokenEstimator()
	err := e.Calibrate(func(s string) (int, error) { return len(s) / 5, nil })
	if err != nil {
		t.Fatal(err)
	}
	if !e.Calibrated() {
		t.Fatal("expected calibrated")
	}
	if got := e.Estimate(strings.Repeat("a", 50)); got < 10 || got > 11 {
		t.Errorf("Estimate after calibration = %d, want about 10", got)
	}

	failing := NewTokenEstimator()
	if err := failing.Calibrate(func(string) (int, error) { return 0, errors.New("no model") }); err == nil {
		t.Fatal("expected error")
	}
	if failing.Calibrated() || failing.Estimate("hello") != 2 {
		t.Error("failed calibration must keep the default ratio")
	}
}
