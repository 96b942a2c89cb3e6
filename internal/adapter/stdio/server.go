package stdio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/tapwire/tapwire/internal/port/transport"
	"github.com/tapwire/tapwire/pkg/mcp"
)

// ServerConfig describes the MCP server subprocess to spawn.
type ServerConfig struct {
	// Command is the executable to run.
	Command string
	// Args are passed to the executable.
	Args []string
	// Env is the subprocess environment. Nil inherits the proxy's.
	Env []string
	// Dir is the working directory. Empty inherits the proxy's.
	Dir string
}

// ServerAdapter is the server-facing stdio adapter: it owns a spawned
// MCP server subprocess and bridges its stdout/stdin through the
// newline-framed codec to the adapter contract. The child inherits no
// extra file descriptors; its stderr is forwarded to the proxy's
// stderr (the MCP spec allows server logging there).
type ServerAdapter struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	bridge *bridge
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewServerAdapter spawns the server subprocess and starts the bridge
// loops. The returned adapter must be closed to release the process.
func NewServerAdapter(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*ServerAdapter, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Dir = cfg.Dir
	cmd.Stderr = os.Stderr

	// Explicit pipes rather than StdinPipe/StdoutPipe: the os.File
	// halves can be closed independently to unblock the bridge loops.
	stdinRead, stdinWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		_ = stdinRead.Close()
		_ = stdinWrite.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stdin = stdinRead
	cmd.Stdout = stdoutWrite

	if err := cmd.Start(); err != nil {
		_ = stdinRead.Close()
		_ = stdinWrite.Close()
		_ = stdoutRead.Close()
		_ = stdoutWrite.Close()
		return nil, fmt.Errorf("start server %q: %w", cfg.Command, err)
	}
	// Parent copies are handed to the child; close ours.
	_ = stdinRead.Close()
	_ = stdoutWrite.Close()

	a := &ServerAdapter{
		cmd:    cmd,
		stdin:  stdinWrite,
		stdout: stdoutRead,
		bridge: newBridge(logger),
		logger: logger,
	}
	a.bridge.start(stdoutRead, stdinWrite)
	return a, nil
}

// Read returns the next message from the server, in arrival order.
func (a *ServerAdapter) Read(ctx context.Context) (*mcp.Message, error) {
	return a.bridge.read(ctx)
}

// Write enqueues a message for the server.
func (a *ServerAdapter) Write(ctx context.Context, msg *mcp.Message) error {
	return a.bridge.write(ctx, msg)
}

// Close shuts the adapter down: signals EOF to the server by closing
// its stdin, kills the process if still running, closes the stdout
// stream so the bridge read loop unblocks, and reaps the child.
// Idempotent; subsequent Read/Write fail with transport.ErrClosed.
func (a *ServerAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.bridge.shutdown()

		var errs []error
		if err := a.stdin.Close(); err != nil && !isClosedStream(err) {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
		if a.cmd.Process != nil {
			if err := a.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, fmt.Errorf("kill server: %w", err))
			}
		}
		if err := a.stdout.Close(); err != nil && !isClosedStream(err) {
			errs = append(errs, fmt.Errorf("close stdout: %w", err))
		}

		a.bridge.wg.Wait()

		if err := a.cmd.Wait(); err != nil {
			// Expected after Kill; log for visibility only.
			a.logger.Debug("server process exited", "error", err)
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// Compile-time check that ServerAdapter implements the adapter contract.
var _ transport.Adapter = (*ServerAdapter)(nil)
