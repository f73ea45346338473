package mcpwire

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
	"runtime"
	"sync"
)

// StdioTransport owns a child process and speaks the protocol over its
// standard streams: newline-delimited JSON envelopes written to the child's
// stdin and parsed from its stdout. Partial lines are buffered until a full
// frame is available; a malformed frame is dropped with a logged warning
// since one corrupt line must not kill the channel.
//
// Instances must be created with NewStdioTransport and released with Close,
// which terminates the child process.
type StdioTransport struct {
	transportCore

	command string
	args    []string
	env     []string

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMessages chan stdioWriteReq
}

// StdioTransportOption configures a StdioTransport.
type StdioTransportOption func(*StdioTransport)

type stdioWriteReq struct {
	payload []byte
	errs    chan error
}

// NewStdioTransport creates a transport that will spawn the given command with
// the given arguments when started. The child inherits the parent environment
// plus any entries supplied via WithStdioEnv.
func NewStdioTransport(command string, args []string, options ...StdioTransportOption) *StdioTransport {
	t := &StdioTransport{
		transportCore: newTransportCore(nil),
		command:       command,
		args:          args,
		writeMessages: make(chan stdioWriteReq),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// WithStdioEnv appends environment entries, in KEY=VALUE form, to the child
// process environment.
func WithStdioEnv(env []string) StdioTransportOption {
	return func(t *StdioTransport) {
		t.env = append(t.env, env...)
	}
}

// WithStdioLogger sets the logger for the transport.
func WithStdioLogger(logger *slog.Logger) StdioTransportOption {
	return func(t *StdioTransport) {
		t.logger = logger
	}
}

// Start spawns the child process and begins reading frames from its stdout.
// It is idempotent; repeated calls return the result of the first attempt.
func (t *StdioTransport) Start(_ context.Context) error {
	t.startOnce.Do(func() {
		t.startErr = t.start()
	})
	return t.startErr
}

func (t *StdioTransport) start() error {
	cmd := buildCommand(t.command, t.args)
	cmd.Env = append(os.Environ(), t.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &TransportStartError{Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &TransportStartError{Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &TransportStartError{Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &TransportStartError{Err: fmt.Errorf("failed to spawn %s: %w", t.command, err)}
	}

	t.cmd = cmd
	t.stdin = stdin

	go t.processWriteMessages()
	go t.drainStderr(stderr)
	go t.readLoop(stdout)

	return nil
}

// buildCommand falls back to shell-wrapped execution on platforms where
// direct execution of the command is not supported without an intermediary.
func buildCommand(command string, args []string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", append([]string{"/c", command}, args...)...)
	}
	return exec.Command(command, args...)
}

// Send queues one newline-terminated frame for writing to the child's stdin.
// Frames from concurrent callers never interleave; the write loop drains the
// queue one message at a time.
func (t *StdioTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	if t.cmd == nil {
		return &TransportSendError{Err: errors.New("transport not started")}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return &TransportSendError{Err: fmt.Errorf("failed to marshal message: %w", err)}
	}
	payload = append(payload, '\n')

	req := stdioWriteReq{
		payload: payload,
		errs:    make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrTransportClosed
	case t.writeMessages <- req:
	}

	select {
	case err := <-req.errs:
		if err != nil {
			return &TransportSendError{Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrTransportClosed
	}
}

// Close terminates the child process and releases the streams. Safe to call
// multiple times; the close handler fires exactly once.
func (t *StdioTransport) Close() error {
	t.stopOnce.Do(func() {
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.cmd != nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		t.markClosed()
	})
	return nil
}

func (t *StdioTransport) processWriteMessages() {
	for {
		var req stdioWriteReq
		select {
		case <-t.done:
			return
		case req = <-t.writeMessages:
		}

		_, err := t.stdin.Write(req.payload)
		req.errs <- err
	}
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	// bufio.Reader instead of bufio.Scanner to avoid max token size errors
	// on large frames.
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.reportExit(err)
			return
		}

		if len(line) > 0 && line[len(line)-1] == '\n' {
			line = line[:len(line)-1]
		}
		if line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.logger.Warn("dropping malformed frame", "err", err, "line", line)
			continue
		}

		t.deliver(msg)
	}
}

// reportExit waits for the child and distinguishes clean termination from
// failure. Stream closure with a zero exit status is a normal close.
func (t *StdioTransport) reportExit(readErr error) {
	var waitErr error
	if t.cmd != nil {
		waitErr = t.cmd.Wait()
	}

	if t.closed() {
		// Close already tore the process down.
		return
	}

	if waitErr != nil {
		t.fail(fmt.Errorf("process exited: %w", waitErr))
		return
	}
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		t.fail(fmt.Errorf("failed to read from process: %w", readErr))
		return
	}
	t.markClosed()
}

func (t *StdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug("child stderr", "command", t.command, "line", scanner.Text())
	}
}
