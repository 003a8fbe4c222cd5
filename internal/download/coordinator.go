// Package download fetches catalog models over HTTP with live progress,
// cancellation and at most one transfer per model.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ThatCatDev/tanrenai/pocket/internal/events"
	"github.com/ThatCatDev/tanrenai/pocket/internal/logging"
	"github.com/ThatCatDev/tanrenai/pocket/internal/models"
)

var (
	ErrInsufficientStorage = errors.New("download: insufficient storage")
	ErrNotDownloadable     = errors.New("download: model has no download url")
	ErrTransferFailed      = errors.New("download: transfer failed")
	ErrTransferCancelled   = errors.New("download: transfer cancelled")
)

const partialSuffix = ".partial"

// Config carries the optional collaborators of a Coordinator.
type Config struct {
	HTTPClient *http.Client
	// Token is sent as a bearer token, for gated HuggingFace repos.
	Token  string
	Bus    events.Publisher
	Logger *zap.Logger
	// SampleInterval overrides how often progress is published.
	SampleInterval time.Duration
}

// Job is one in-flight transfer.
type Job struct {
	ModelID string
	Dest    string

	cancel context.CancelFunc
	done   chan struct{}
	err    error

	mu       sync.Mutex
	progress Progress
}

// Done is closed when the transfer ends.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the transfer ends or ctx is done. It returns nil on
// success, ErrTransferCancelled or ErrTransferFailed otherwise.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress returns the latest progress sample.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

func (j *Job) setProgress(p Progress) {
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
}

// Coordinator owns the set of active download jobs.
type Coordinator struct {
	catalog  *models.Catalog
	resolver *models.Resolver
	space    SpaceChecker
	client   *http.Client
	token    string
	bus      events.Publisher
	logger   *zap.Logger
	interval time.Duration

	base     context.Context
	shutdown context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// New creates a Coordinator writing into the catalog's models directory.
func New(catalog *models.Catalog, space SpaceChecker, cfg Config) *Coordinator {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.Nop{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		catalog:  catalog,
		resolver: catalog.Resolver(),
		space:    space,
		client:   client,
		token:    cfg.Token,
		bus:      bus,
		logger:   logging.OrNop(cfg.Logger),
		interval: cfg.SampleInterval,
		base:     base,
		shutdown: cancel,
		jobs:     make(map[string]*Job),
	}
}

// CheckSpaceAndStart verifies free space and starts the transfer of a
// model. A model that is already downloading returns its existing job.
func (c *Coordinator) CheckSpaceAndStart(ctx context.Context, modelID string) (*Job, error) {
	m, err := c.catalog.Get(modelID)
	if err != nil {
		return nil, err
	}
	if !m.Downloadable() {
		return nil, fmt.Errorf("%w: %s", ErrNotDownloadable, modelID)
	}

	c.mu.Lock()
	if j, ok := c.jobs[modelID]; ok {
		c.mu.Unlock()
		return j, nil
	}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := c.space.HasEnoughSpace(m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s needs %d bytes", ErrInsufficientStorage, modelID, m.Size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another caller may have started it while the space check ran.
	if j, ok := c.jobs[modelID]; ok {
		return j, nil
	}
	if c.base.Err() != nil {
		return nil, fmt.Errorf("%w: coordinator shut down", ErrTransferFailed)
	}

	jobCtx, cancel := context.WithCancel(c.base)
	j := &Job{
		ModelID: modelID,
		Dest:    c.resolver.Destination(m),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.jobs[modelID] = j
	c.wg.Add(1)
	go c.run(jobCtx, j, m)

	c.logger.Info("download started", zap.String("model", modelID), zap.String("dest", j.Dest))
	c.bus.Publish(events.Event{Topic: events.TopicDownloads, Kind: "started", ID: modelID})
	return j, nil
}

// Cancel stops the transfer of a model and waits for its cleanup. It is a
// no-op when the model has no active job; a partial file left by a failed
// transfer is kept for resuming.
func (c *Coordinator) Cancel(modelID string) {
	c.mu.Lock()
	j, ok := c.jobs[modelID]
	c.mu.Unlock()
	if !ok {
		return
	}
	j.cancel()
	<-j.done
}

// Progress returns the latest progress of an active transfer.
func (c *Coordinator) Progress(modelID string) (Progress, bool) {
	c.mu.Lock()
	j, ok := c.jobs[modelID]
	c.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return j.Progress(), true
}

// IsDownloading reports whether a transfer for modelID is active.
func (c *Coordinator) IsDownloading(modelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.jobs[modelID]
	return ok
}

// Active returns the ids of all active transfers, sorted.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every transfer and waits for all of them to finish.
func (c *Coordinator) Shutdown() {
	c.shutdown()
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context, j *Job, m models.Model) {
	defer c.wg.Done()
	err := c.transfer(ctx, j, m)
	j.err = c.finish(ctx, j, m, err)

	c.mu.Lock()
	delete(c.jobs, j.ModelID)
	c.mu.Unlock()
	j.cancel()
	close(j.done)
}

// finish records the outcome on the catalog and maps it to a package error.
func (c *Coordinator) finish(ctx context.Context, j *Job, m models.Model, err error) error {
	// The job context may already be cancelled; persistence must still run.
	bg := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		if _, uerr := c.catalog.Update(bg, m.ID, func(m *models.Model) {
			m.IsDownloaded = true
			m.Progress = 100
			m.DownloadSpeed = ""
		}); uerr != nil {
			c.logger.Error("failed to record completed download", zap.String("model", m.ID), zap.Error(uerr))
		}
		c.logger.Info("download completed", zap.String("model", m.ID), zap.String("path", j.Dest))
		c.bus.Publish(events.Event{Topic: events.TopicDownloads, Kind: "completed", ID: m.ID})
		return nil

	case ctx.Err() != nil:
		removePartial(j.Dest, c.logger)
		c.reset(m.ID)
		c.logger.Info("download cancelled", zap.String("model", m.ID))
		c.bus.Publish(events.Event{Topic: events.TopicDownloads, Kind: "cancelled", ID: m.ID})
		return fmt.Errorf("%w: %s", ErrTransferCancelled, m.ID)

	default:
		c.reset(m.ID)
		c.logger.Error("download failed", zap.String("model", m.ID), zap.Error(err))
		c.bus.Publish(events.Event{Topic: events.TopicDownloads, Kind: "failed", ID: m.ID, Payload: err.Error()})
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
}

func (c *Coordinator) reset(id string) {
	_, _ = c.catalog.UpdateTransient(id, func(m *models.Model) {
		m.IsDownloaded = false
		m.Progress = 0
		m.DownloadSpeed = ""
	})
}

// transfer streams the body into <dest>.partial and renames it on success.
// An existing partial file is resumed with a Range request.
func (c *Coordinator) transfer(ctx context.Context, j *Job, m models.Model) error {
	if err := os.MkdirAll(filepath.Dir(j.Dest), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	partialPath := j.Dest + partialSuffix

	var startByte int64
	if info, err := os.Stat(partialPath); err == nil {
		startByte = info.Size()
	}

	resp, err := c.get(ctx, m.DownloadURL, startByte)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		resp.Body.Close()
		if size := remoteSize(resp.Header.Get("Content-Range"), m.Size); size > 0 && startByte >= size {
			// The partial already holds the whole file; only the rename was lost.
			j.setProgress(Progress{Written: startByte, Total: startByte, Percent: 100})
			if err := os.Rename(partialPath, j.Dest); err != nil {
				return fmt.Errorf("rename file: %w", err)
			}
			return nil
		}
		c.logger.Warn("partial download unusable, restarting", zap.String("model", m.ID), zap.Int64("bytes", startByte))
		startByte = 0
		if resp, err = c.get(ctx, m.DownloadURL, 0); err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// Server ignored the range; start over.
		startByte = 0
		flags |= os.O_TRUNC
	default:
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	total := m.Size
	if resp.ContentLength > 0 {
		total = resp.ContentLength + startByte
	}

	f, err := os.OpenFile(partialPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	t := newTracker(startByte, time.Now(), c.interval)
	buf := make([]byte, 32*1024)
	written := startByte

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("write file: %w", writeErr)
			}
			written += int64(n)
			if p, sampled := t.observe(written, total, time.Now()); sampled {
				c.report(j, p)
			} else {
				j.setProgress(p)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("read body: %w", readErr)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(partialPath, j.Dest); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

// get requests url, resuming from startByte when it is positive.
func (c *Coordinator) get(ctx context.Context, url string, startByte int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if startByte > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startByte))
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request: %w", err)
	}
	return resp, nil
}

// remoteSize reads the complete length from a "bytes */<size>" Content-Range
// header, falling back to the catalog size.
func remoteSize(contentRange string, fallback int64) int64 {
	if rest, ok := strings.CutPrefix(contentRange, "bytes */"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func (c *Coordinator) report(j *Job, p Progress) {
	j.setProgress(p)
	_, _ = c.catalog.UpdateTransient(j.ModelID, func(m *models.Model) {
		m.Progress = p.Percent
		m.DownloadSpeed = p.SpeedLabel()
	})
}

func removePartial(dest string, logger *zap.Logger) {
	if dest == "" {
		return
	}
	if err := os.Remove(dest + partialSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove partial download", zap.String("path", dest+partialSuffix), zap.Error(err))
	}
}
