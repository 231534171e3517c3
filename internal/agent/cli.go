package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	stderrTailLines = 20
	// maxTailLineBytes caps each stderr line kept for error messages.
	maxTailLineBytes = 4096
	maxLineBytes     = 16 * 1024 * 1024
)

var errMalformedLine = errors.New("malformed stream line")

// CLIConfig controls how the Claude Code CLI is invoked.
type CLIConfig struct {
	Command            string
	Model              string
	MaxTurns           int
	PermissionMode     string
	WorkDir            string
	AppendSystemPrompt string
	AllowedTools       []string
	DisallowedTools    []string
	// StreamPartial asks the CLI for incremental text deltas.
	StreamPartial bool
	// Env is appended to the process environment (KEY=VALUE).
	Env    []string
	Logger *slog.Logger
}

// ClaudeCLI runs one `claude -p` process per query and streams its
// stream-json output.
type ClaudeCLI struct {
	cfg    CLIConfig
	logger *slog.Logger
}

func NewClaudeCLI(cfg CLIConfig) *ClaudeCLI {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeCLI{cfg: cfg, logger: logger.With("component", "claude_cli")}
}

// Args builds the CLI arguments for req. The prompt itself goes on stdin.
func (c *ClaudeCLI) Args(req QueryRequest) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if c.cfg.StreamPartial {
		args = append(args, "--include-partial-messages")
	}
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	if c.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(c.cfg.MaxTurns))
	}
	if c.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", c.cfg.PermissionMode)
	}
	if c.cfg.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", c.cfg.AppendSystemPrompt)
	}
	if len(c.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.cfg.AllowedTools, ","))
	}
	if len(c.cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(c.cfg.DisallowedTools, ","))
	}
	if req.ResumeID != "" {
		args = append(args, "--resume", req.ResumeID)
	}
	return args
}

// Query starts the CLI. The process lives as long as ctx; abandoning the
// returned stream does not stop it.
func (c *ClaudeCLI) Query(ctx context.Context, req QueryRequest) (Stream, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt cannot be empty")
	}
	if c.cfg.WorkDir != "" {
		if err := os.MkdirAll(c.cfg.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.Args(req)...)
	cmd.Dir = c.cfg.WorkDir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.WaitDelay = 5 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.cfg.Command, err)
	}
	c.logger.Debug("backend query started", "pid", cmd.Process.Pid, "resume", req.ResumeID != "")

	s := &cliStream{
		events:  make(chan Event, 64),
		abandon: make(chan struct{}),
	}
	go s.run(ctx, cmd, stdout, stderr, req.Stderr, &decoder{partial: c.cfg.StreamPartial}, c.logger)
	return s, nil
}

type cliStream struct {
	events    chan Event
	abandon   chan struct{}
	closeOnce sync.Once
	err       error // written before events is closed
}

func (s *cliStream) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, s.err
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close stops delivery. Remaining output is drained and discarded so the
// process can run to completion.
func (s *cliStream) Close() error {
	s.closeOnce.Do(func() { close(s.abandon) })
	return nil
}

func (s *cliStream) send(ev Event) {
	select {
	case s.events <- ev:
	case <-s.abandon:
	}
}

func (s *cliStream) run(ctx context.Context, cmd *exec.Cmd, stdout, stderr io.Reader, sink func(string), dec *decoder, logger *slog.Logger) {
	var (
		wg    sync.WaitGroup
		tail  []string
		stale bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := sc.Text()
			if IsStaleSessionText(line) {
				stale = true
			}
			if len(line) > maxTailLineBytes {
				tail = append(tail, strings.ToValidUTF8(line[:maxTailLineBytes], ""))
			} else {
				tail = append(tail, line)
			}
			if len(tail) > stderrTailLines {
				tail = tail[1:]
			}
			if sink != nil {
				sink(line)
			}
		}
		if err := sc.Err(); err != nil {
			logger.Warn("backend stderr unreadable; discarding the rest", "error", err)
		}
		// Keep the pipe empty so the process never blocks on a full stderr.
		_, _ = io.Copy(io.Discard, stderr)
	}()

	var (
		streamErr error
		completed bool
	)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		events, err := dec.decode(sc.Bytes())
		for _, ev := range events {
			if ev.Kind == EventCompletion {
				completed = true
			}
			s.send(ev)
		}
		if err != nil {
			if errors.Is(err, errMalformedLine) {
				logger.Debug("skipping stream line", "error", err)
				continue
			}
			if streamErr == nil {
				streamErr = err
			}
		}
	}
	scanErr := sc.Err()
	if scanErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}
	// Pipes must be fully read before Wait.
	wg.Wait()
	waitErr := cmd.Wait()
	stderrTail := strings.Join(tail, "\n")

	var final error
	switch {
	case streamErr != nil:
		final = streamErr
	case stale && !completed:
		final = fmt.Errorf("%w: %s", ErrSessionNotFound, stderrTail)
	case waitErr != nil && isAuthenticationText(stderrTail):
		final = &AuthenticationError{Message: stderrTail}
	case waitErr != nil && ctx.Err() != nil:
		final = fmt.Errorf("backend canceled: %w", ctx.Err())
	case waitErr != nil:
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		final = &ExitError{Code: code, Stderr: stderrTail}
	case scanErr != nil:
		final = fmt.Errorf("read backend output: %w", scanErr)
	case !completed:
		final = fmt.Errorf("backend output ended without a result: %w", io.ErrUnexpectedEOF)
	default:
		final = io.EOF
	}
	logger.Debug("backend query finished", "completed", completed, "error", final)
	s.err = final
	close(s.events)
}
