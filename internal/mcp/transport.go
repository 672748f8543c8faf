package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentos-dev/agentos/internal/observability"
)

const defaultCallTimeout = 30 * time.Second

// Transport sends JSON-RPC calls to one server.
type Transport interface {
	Connect(ctx context.Context) error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Connected() bool
	Close() error
}

// stdioTransport runs the server as a subprocess and frames JSON-RPC
// messages one per line on its stdin/stdout.
type stdioTransport struct {
	config ServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *rpcResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

func newStdioTransport(config ServerConfig) *stdioTransport {
	return &stdioTransport{
		config:  config,
		logger:  observability.Component("mcp").With("server", config.ID),
		pending: make(map[int64]chan *rpcResponse),
		stop:    make(chan struct{}),
	}
}

func (t *stdioTransport) Connect(ctx context.Context) error {
	t.process = exec.CommandContext(ctx, t.config.Command, t.config.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, k+"="+v)
	}
	if t.config.WorkDir != "" {
		t.process.Dir = t.config.WorkDir
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrConnection, err)
	}
	t.stdin = stdin

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrConnection, err)
	}
	stderr, _ := t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrConnection, t.config.Command, err)
	}
	t.connected.Store(true)
	t.logger.Info("mcp server started", "command", t.config.Command, "pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop(stdout)
	if stderr != nil {
		t.wg.Add(1)
		go t.drainStderr(stderr)
	}
	return nil
}

func (t *stdioTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stop)
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		_ = t.process.Process.Kill()
		_ = t.process.Wait()
	}
	t.wg.Wait()
	return nil
}

func (t *stdioTransport) Connected() bool { return t.connected.Load() }

func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("%w: server %s is not connected", ErrConnection, t.config.ID)
	}

	id := t.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal params: %v", ErrProtocol, err)
		}
		req.Params = raw
	}

	respCh := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeLine(req); err != nil {
		return nil, err
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}
	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrProtocol, method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, method, ctx.Err())
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: %s timed out after %s", ErrConnection, method, timeout)
	case <-t.stop:
		return nil, fmt.Errorf("%w: transport closed", ErrConnection)
	}
}

func (t *stdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("%w: server %s is not connected", ErrConnection, t.config.ID)
	}
	notif := rpcNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%w: marshal params: %v", ErrProtocol, err)
		}
		notif.Params = raw
	}
	return t.writeLine(notif)
}

func (t *stdioTransport) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal message: %v", ErrProtocol, err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write: %v", ErrConnection, err)
	}
	return nil
}

func (t *stdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		select {
		case <-t.stop:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
			// Notifications and garbage both land here; neither has a
			// caller waiting.
			continue
		}
		t.pendingMu.Lock()
		if ch, ok := t.pending[*resp.ID]; ok {
			ch <- &resp
			delete(t.pending, *resp.ID)
		}
		t.pendingMu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error("mcp stdout read failed", "error", err)
	}
}

func (t *stdioTransport) drainStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-t.stop:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("mcp server stderr", "message", line)
		}
	}
}
