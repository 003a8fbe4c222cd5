// Package stream batches generated tokens and persists them to the target
// message on a fixed period instead of once per token.
package stream

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/ThatCatDev/tanrenai/pocket/internal/logging"
)

// DefaultInterval is the flush period while tokens are arriving.
const DefaultInterval = 150 * time.Millisecond

// Sink receives flushed text. UpdateMessageToken appends text to the
// message, creating it on first write.
type Sink interface {
	UpdateMessageToken(ctx context.Context, sessionID, messageID, text string) error
}

type state int

const (
	stateIdle state = iota // no token yet, no ticker
	stateStreaming
	stateFinished
)

// Aggregator buffers tokens of one generation. Push only appends; writes
// happen on the ticker and in Finish, never concurrently with each other.
type Aggregator struct {
	sink      Sink
	sessionID string
	messageID string
	interval  time.Duration
	ctx       context.Context
	logger    *zap.Logger

	mu      sync.Mutex
	state   state
	buf     strings.Builder
	pending bool
	stop    chan struct{}
	done    chan struct{}

	// flushMu orders flushes; trimmed is only touched while holding it.
	flushMu   sync.Mutex
	trimmed   bool
	lastFlush time.Time
}

// New returns an Aggregator writing into messageID of sessionID. Writes
// use a context detached from ctx's cancellation so a stopped generation
// still persists what it produced.
func New(ctx context.Context, sink Sink, sessionID, messageID string, interval time.Duration, logger *zap.Logger) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Aggregator{
		sink:      sink,
		sessionID: sessionID,
		messageID: messageID,
		interval:  interval,
		ctx:       context.WithoutCancel(ctx),
		logger:    logging.OrNop(logger),
	}
}

// MessageID returns the target message id.
func (a *Aggregator) MessageID() string {
	return a.messageID
}

// Push appends a token. The first token starts the flush ticker.
func (a *Aggregator) Push(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case stateFinished:
		a.logger.Debug("token after finish dropped", zap.String("message", a.messageID))
		return
	case stateIdle:
		a.state = stateStreaming
		a.stop = make(chan struct{})
		a.done = make(chan struct{})
		go a.loop(a.stop, a.done)
	}
	a.buf.WriteString(token)
	a.pending = true
}

func (a *Aggregator) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			a.tryFlush()
		}
	}
}

// tryFlush is the scheduled flush: skipped when nothing is pending or a
// flush is already running. The next tick picks the buffer up.
func (a *Aggregator) tryFlush() {
	a.mu.Lock()
	pending := a.pending
	a.mu.Unlock()
	if !pending {
		return
	}
	if !a.flushMu.TryLock() {
		return
	}
	defer a.flushMu.Unlock()
	_ = a.flushLocked()
}

// Flush writes the buffer now, waiting for any running flush first.
func (a *Aggregator) Flush() error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	return a.flushLocked()
}

func (a *Aggregator) flushLocked() error {
	a.mu.Lock()
	text := a.buf.String()
	a.buf.Reset()
	a.pending = false
	a.mu.Unlock()

	if !a.trimmed {
		// Tokenizers often emit a leading space on the first token.
		text = strings.TrimLeftFunc(text, unicode.IsSpace)
	}
	if text == "" {
		return nil
	}
	// Only the start of the reply is trimmed, whether or not this write lands.
	a.trimmed = true
	a.lastFlush = time.Now()

	if err := a.sink.UpdateMessageToken(a.ctx, a.sessionID, a.messageID, text); err != nil {
		a.logger.Error("failed to persist streamed tokens",
			zap.String("session", a.sessionID),
			zap.String("message", a.messageID),
			zap.Int("bytes", len(text)),
			zap.Error(err))
		return err
	}
	return nil
}

// Finish stops the ticker and performs the final flush. It must be called
// once the engine reports completion or stop; later calls are no-ops.
func (a *Aggregator) Finish() error {
	a.mu.Lock()
	prev := a.state
	a.state = stateFinished
	stop, done := a.stop, a.done
	a.mu.Unlock()

	switch prev {
	case stateFinished:
		return nil
	case stateStreaming:
		close(stop)
		<-done
	}
	return a.Flush()
}

// LastFlush returns when text was last handed to the sink.
func (a *Aggregator) LastFlush() time.Time {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	return a.lastFlush
}
