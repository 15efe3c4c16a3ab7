package stagecmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/services"
)

// ConfigEnv carries the JSON model options to a worker process.
const ConfigEnv = "REEL_MODEL_CONFIG"

const (
	defaultStartTimeout = 2 * time.Minute
	maxLineBytes        = 64 << 20
)

// Spec describes how to launch a worker.
type Spec struct {
	Command      string
	Args         []string
	Kind         string
	Config       map[string]any
	StartTimeout time.Duration
	CallTimeout  time.Duration
	Logger       *slog.Logger
}

type hello struct {
	Ready     bool   `json:"ready"`
	SizeBytes int64  `json:"size_bytes"`
	Error     string `json:"error"`
}

type request struct {
	ID      int64                 `json:"id"`
	Request inference.UnitRequest `json:"request"`
}

type response struct {
	ID        int64           `json:"id"`
	Output    json.RawMessage `json:"output"`
	Error     string          `json:"error"`
	Retryable bool            `json:"retryable"`
}

type line struct {
	data []byte
	err  error
}

type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan line
	done  chan struct{}
}

// Worker is a running model process. It implements modelcache.Instance and
// modelcache.Sizer.
type Worker struct {
	spec   Spec
	env    []string
	logger *slog.Logger

	mu     sync.Mutex
	proc   *process
	nextID int64
	size   int64
	closed bool
}

// Start launches a worker and waits for its hello line.
func Start(ctx context.Context, spec Spec) (*Worker, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "runner", "start worker", "runner command is not configured", nil)
	}
	if spec.StartTimeout <= 0 {
		spec.StartTimeout = defaultStartTimeout
	}
	encoded, err := json.Marshal(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("encode model config: %w", err)
	}
	w := &Worker{
		spec:   spec,
		env:    append(os.Environ(), ConfigEnv+"="+string(encoded)),
		logger: logging.NewComponentLogger(spec.Logger, "stagecmd").With(logging.String("model_kind", spec.Kind)),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.startLocked(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Worker) startLocked(ctx context.Context) error {
	args := append(append([]string(nil), w.spec.Args...), "--kind", w.spec.Kind)
	cmd := exec.Command(w.spec.Command, args...) //nolint:gosec
	cmd.Env = w.env
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return services.Wrap(services.ErrExternalTool, "runner", "start worker", fmt.Sprintf("start %s", w.spec.Command), err)
	}

	proc := &process{cmd: cmd, stdin: stdin, lines: make(chan line, 1), done: make(chan struct{})}
	go readLines(stdout, proc.lines)
	go w.forwardStderr(stderr)
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()

	var h hello
	raw, err := w.readLine(ctx, proc, w.spec.StartTimeout)
	if err == nil {
		if decodeErr := json.Unmarshal(raw, &h); decodeErr != nil {
			err = fmt.Errorf("decode hello: %w", decodeErr)
		} else if !h.Ready {
			err = fmt.Errorf("worker not ready: %s", h.Error)
		}
	}
	if err != nil {
		kill(proc)
		return services.Wrap(services.ErrExternalTool, "runner", "start worker", fmt.Sprintf("%s worker failed to start", w.spec.Kind), err)
	}
	w.proc = proc
	w.size = h.SizeBytes
	w.logger.Debug("worker started", logging.Int("pid", cmd.Process.Pid), logging.Int64("size_bytes", h.SizeBytes))
	return nil
}

// Call sends one unit request and waits for its reply.
func (w *Worker) Call(ctx context.Context, req inference.UnitRequest) (json.RawMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, services.Wrap(services.ErrExternalTool, req.Stage, "call worker", "worker is closed", nil)
	}
	if w.proc == nil || exited(w.proc) {
		w.logger.Info("restarting worker")
		if err := w.startLocked(ctx); err != nil {
			return nil, err
		}
	}

	w.nextID++
	id := w.nextID
	payload, err := json.Marshal(request{ID: id, Request: req})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := w.proc.stdin.Write(append(payload, '\n')); err != nil {
		w.resetLocked()
		return nil, services.Wrap(services.ErrExternalTool, req.Stage, "call worker", "write request", err)
	}

	raw, err := w.readLine(ctx, w.proc, w.spec.CallTimeout)
	if err != nil {
		w.resetLocked()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrTimeout, req.Stage, "call worker", fmt.Sprintf("unit %d timed out", req.Unit), err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, services.Wrap(services.ErrExternalTool, req.Stage, "call worker", "read reply", err)
	}
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		w.resetLocked()
		return nil, services.Wrap(services.ErrExternalTool, req.Stage, "call worker", "malformed reply", err)
	}
	if resp.ID != id {
		w.resetLocked()
		return nil, services.Wrap(services.ErrExternalTool, req.Stage, "call worker", fmt.Sprintf("reply id %d does not match request %d", resp.ID, id), nil)
	}
	if resp.Error != "" {
		marker := services.ErrValidation
		if resp.Retryable {
			marker = services.ErrTransient
		}
		return nil, services.Wrap(marker, req.Stage, "run unit", resp.Error, nil)
	}
	return resp.Output, nil
}

// SizeBytes reports the resident size announced by the worker.
func (w *Worker) SizeBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close stops the worker process.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.proc == nil {
		return nil
	}
	_ = w.proc.stdin.Close()
	select {
	case <-w.proc.done:
	case <-time.After(5 * time.Second):
	}
	kill(w.proc)
	w.proc = nil
	w.logger.Debug("worker stopped")
	return nil
}

func (w *Worker) resetLocked() {
	if w.proc != nil {
		kill(w.proc)
		w.proc = nil
	}
}

func (w *Worker) readLine(ctx context.Context, proc *process, timeout time.Duration) ([]byte, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case l, ok := <-proc.lines:
		if !ok {
			return nil, errors.New("worker exited")
		}
		return l.data, l.err
	case <-deadline:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if text := strings.TrimSpace(scanner.Text()); text != "" {
			w.logger.Debug("worker stderr", logging.String("line", text))
		}
	}
}

func readLines(r io.Reader, out chan<- line) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		data := append([]byte(nil), scanner.Bytes()...)
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		out <- line{data: data}
	}
	if err := scanner.Err(); err != nil {
		out <- line{err: err}
	}
}

func exited(proc *process) bool {
	select {
	case <-proc.done:
		return true
	default:
		return false
	}
}

func kill(proc *process) {
	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
	}
	_ = proc.stdin.Close()
	go func() {
		// Drain so the reader goroutine can exit.
		for range proc.lines {
		}
	}()
}
