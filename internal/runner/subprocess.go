package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

const (
	defaultHealthTimeout = 120 * time.Second
	healthPoll           = 500 * time.Millisecond
	stopGrace            = 5 * time.Second
)

var errServerExited = errors.New("llama-server exited")

// server is one llama-server child process bound to a loopback port. It
// lives exactly as long as the llamaContext that owns it.
type server struct {
	cmd    *exec.Cmd
	url    string
	exited chan struct{}
	logger *zap.Logger

	stopOnce sync.Once
	stopErr  error
}

// binaryPath returns the llama-server executable inside binDir.
func binaryPath(binDir string) (string, error) {
	name := "llama-server"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	p := filepath.Join(binDir, name)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("llama-server not found at %s: %w", p, err)
	}
	return p, nil
}

// freePort asks the kernel for an unused loopback port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// startServer launches llama-server with args and blocks until /health
// answers. ctx bounds only the wait; the process outlives it.
func startServer(ctx context.Context, cfg Config, args []string, logger *zap.Logger) (*server, error) {
	bin, err := binaryPath(cfg.BinDir)
	if err != nil {
		return nil, err
	}
	port, err := freePort()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(bin, append(args, "--port", strconv.Itoa(port))...)
	cmd.Env = append(os.Environ(), "LD_LIBRARY_PATH="+cfg.BinDir)

	logger = logger.Named("llama-server").With(zap.Int("port", port))
	var out io.WriteCloser = nopWriteCloser{io.Discard}
	if !cfg.Quiet {
		out = &zapio.Writer{Log: logger, Level: zapcore.DebugLevel}
	}
	cmd.Stdout = out
	cmd.Stderr = out

	logger.Info("starting", zap.String("bin", bin))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}

	s := &server{
		cmd:    cmd,
		url:    fmt.Sprintf("http://127.0.0.1:%d", port),
		exited: make(chan struct{}),
		logger: logger,
	}
	go func() {
		err := cmd.Wait()
		_ = out.Close()
		logger.Debug("exited", zap.Error(err))
		close(s.exited)
	}()

	timeout := cfg.HealthTimeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	if err := s.waitReady(ctx, NewClient(s.url), timeout); err != nil {
		_ = s.stop()
		return nil, fmt.Errorf("llama-server failed to become healthy: %w", err)
	}
	logger.Info("ready")
	return s, nil
}

// waitReady polls /health until it answers 200, the process dies or the
// timeout passes.
func (s *server) waitReady(ctx context.Context, client *Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poll := time.NewTicker(healthPoll)
	defer poll.Stop()
	start := time.Now()
	lastNote := start

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("timeout after %s", timeout)
			}
			return ctx.Err()
		case <-s.exited:
			return fmt.Errorf("%w during startup (exit code %d)", errServerExited, s.exitCode())
		case <-poll.C:
			if client.Health(ctx) == nil {
				return nil
			}
			if time.Since(lastNote) >= 5*time.Second {
				lastNote = time.Now()
				s.logger.Info("still loading model", zap.Duration("elapsed", time.Since(start).Round(time.Second)))
			}
		}
	}
}

// alive reports whether the process is still running.
func (s *server) alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *server) exitCode() int {
	if s.cmd.ProcessState == nil {
		return -1
	}
	return s.cmd.ProcessState.ExitCode()
}

// stop asks the process to exit and kills it after stopGrace. Only the
// first call signals; later calls return the same result.
func (s *server) stop() error {
	s.stopOnce.Do(func() { s.stopErr = s.terminate(stopGrace) })
	return s.stopErr
}

func (s *server) terminate(grace time.Duration) error {
	if !s.alive() {
		return nil
	}
	sig := os.Signal(syscall.SIGTERM)
	if runtime.GOOS == "windows" {
		sig = os.Interrupt
	}
	if err := s.cmd.Process.Signal(sig); err != nil {
		// Exited between the check and the signal.
		<-s.exited
		return nil
	}

	select {
	case <-s.exited:
		return nil
	case <-time.After(grace):
		s.logger.Warn("no exit after interrupt, killing", zap.Duration("grace", grace))
		if err := s.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill llama-server: %w", err)
		}
		<-s.exited
		return nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
