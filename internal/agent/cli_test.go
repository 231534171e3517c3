package agent

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeCLI writes an executable shell script standing in for the claude
// binary. It records its arguments and stdin next to itself.
func fakeCLI(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	script := "#!/bin/sh\n" +
		"echo \"$@\" > \"" + dir + "/args\"\n" +
		"cat > \"" + dir + "/stdin\"\n" +
		body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}
	return path, dir
}

func collect(t *testing.T, s Stream) ([]Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var evs []Event
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return evs, err
		}
		evs = append(evs, ev)
	}
}

func TestClaudeCLI_StreamsEvents(t *testing.T) {
	cmd, dir := fakeCLI(t, `cat <<'EOF'
{"type":"system","subtype":"init","session_id":"S1"}
{"type":"assistant","session_id":"S1","message":{"content":[{"type":"text","text":"Hi there"}]}}
{"type":"result","subtype":"success","num_turns":1,"total_cost_usd":0.01,"result":"Hi there","session_id":"S1"}
EOF`)
	cli := NewClaudeCLI(CLIConfig{Command: cmd, MaxTurns: 10, PermissionMode: "bypassPermissions", DisallowedTools: []string{"Bash", "Write"}})

	s, err := cli.Query(context.Background(), QueryRequest{Prompt: "hello", ResumeID: "S0"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer s.Close()

	evs, err := collect(t, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("stream end = %v, want io.EOF", err)
	}
	if len(evs) != 3 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Kind != EventSession || evs[1].Text != "Hi there" || evs[2].Kind != EventCompletion {
		t.Fatalf("unexpected events: %+v", evs)
	}

	args, _ := os.ReadFile(filepath.Join(dir, "args"))
	for _, want := range []string{"--output-format stream-json", "--verbose", "--resume S0", "--max-turns 10", "--disallowedTools Bash,Write"} {
		if !strings.Contains(string(args), want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	stdin, _ := os.ReadFile(filepath.Join(dir, "stdin"))
	if string(stdin) != "hello" {
		t.Fatalf("stdin = %q, want prompt", stdin)
	}
}

func TestClaudeCLI_StaleResume(t *testing.T) {
	cmd, _ := fakeCLI(t, `echo "No conversation found with session ID: S0" >&2
exit 1`)
	var mu sync.Mutex
	var lines []string
	cli := NewClaudeCLI(CLIConfig{Command: cmd})
	s, err := cli.Query(context.Background(), QueryRequest{
		Prompt:   "again",
		ResumeID: "S0",
		Stderr: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	_, err = collect(t, s)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 || !strings.Contains(lines[0], "No conversation found") {
		t.Fatalf("stderr sink lines = %q", lines)
	}
}

func TestClaudeCLI_NonZeroExit(t *testing.T) {
	cmd, _ := fakeCLI(t, `echo "boom" >&2
exit 3`)
	s, err := NewClaudeCLI(CLIConfig{Command: cmd}).Query(context.Background(), QueryRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	_, err = collect(t, s)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if !errors.Is(err, ErrBackendExit) {
		t.Fatalf("err = %v, want to match ErrBackendExit", err)
	}
	if exitErr.Code != 3 || exitErr.Stderr != "boom" {
		t.Fatalf("exit error = %+v", exitErr)
	}
}

func TestClaudeCLI_OversizedStderrLine(t *testing.T) {
	cmd, _ := fakeCLI(t, `head -c 200000 /dev/zero | tr '\0' 'x' >&2
echo >&2
echo "still going" >&2
cat <<'EOF'
{"type":"system","subtype":"init","session_id":"S1"}
{"type":"result","subtype":"success","num_turns":1,"result":"ok","session_id":"S1"}
EOF`)
	var mu sync.Mutex
	var longest int
	s, err := NewClaudeCLI(CLIConfig{Command: cmd}).Query(context.Background(), QueryRequest{
		Prompt: "x",
		Stderr: func(line string) {
			mu.Lock()
			if len(line) > longest {
				longest = len(line)
			}
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	evs, err := collect(t, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("stream end = %v, want io.EOF", err)
	}
	if len(evs) != 2 || evs[1].Kind != EventCompletion {
		t.Fatalf("events = %+v", evs)
	}
	mu.Lock()
	defer mu.Unlock()
	if longest != 200000 {
		t.Fatalf("longest stderr line = %d, want 200000", longest)
	}
}

func TestClaudeCLI_OversizedStderrLineInExitError(t *testing.T) {
	cmd, _ := fakeCLI(t, `head -c 200000 /dev/zero | tr '\0' 'x' >&2
echo >&2
echo "boom" >&2
exit 4`)
	s, err := NewClaudeCLI(CLIConfig{Command: cmd}).Query(context.Background(), QueryRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	_, err = collect(t, s)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if exitErr.Code != 4 || !strings.HasSuffix(exitErr.Stderr, "\nboom") {
		t.Fatalf("exit code = %d, stderr suffix = %q", exitErr.Code, exitErr.Stderr[max(0, len(exitErr.Stderr)-20):])
	}
	if len(exitErr.Stderr) > 2*maxTailLineBytes {
		t.Fatalf("stderr tail length = %d, want long lines capped", len(exitErr.Stderr))
	}
}

func TestClaudeCLI_MissingResult(t *testing.T) {
	cmd, _ := fakeCLI(t, `echo '{"type":"system","subtype":"init","session_id":"S1"}'`)
	s, err := NewClaudeCLI(CLIConfig{Command: cmd}).Query(context.Background(), QueryRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	_, err = collect(t, s)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestClaudeCLI_NextHonoursContext(t *testing.T) {
	cmd, _ := fakeCLI(t, `sleep 2
echo '{"type":"result","subtype":"success","result":"late","session_id":"S1"}'`)
	s, err := NewClaudeCLI(CLIConfig{Command: cmd}).Query(context.Background(), QueryRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	// Abandoning must not block even though the process is still running.
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestClaudeCLI_EmptyPrompt(t *testing.T) {
	if _, err := NewClaudeCLI(CLIConfig{}).Query(context.Background(), QueryRequest{Prompt: "  "}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestEnsureCLISettings(t *testing.T) {
	home := t.TempDir()
	if err := os.MkdirAll(filepath.Join(home, ".claude"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, ".claude", "settings.json"), []byte(`{"theme":"dark"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	path, err := EnsureCLISettings(home)
	if err != nil {
		t.Fatalf("ensure settings: %v", err)
	}
	raw, _ := os.ReadFile(path)
	for _, want := range []string{`"theme": "dark"`, `"forceLoginMethod": "console"`, `"hasCompletedOnboarding": true`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("settings %s missing %s", raw, want)
		}
	}
}
