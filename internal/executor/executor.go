// Package executor performs the actual effect of an action after the policy
// engine has allowed it. It never re-checks policy; it only enforces the
// byte and wall-clock ceilings the allowed action's policy carries.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fenwick-labs/warden/internal/action"
	"github.com/fenwick-labs/warden/internal/policy"
	"github.com/fenwick-labs/warden/internal/shared"
)

const (
	defaultMaxBytes = 1 << 20
	defaultTimeout  = 60 * time.Second
)

// Result of one tool execution. Failures are data: an exec with a non-zero
// exit code is a completed execution, not an error.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

func failure(msg string) Result {
	return Result{Success: false, Error: shared.Redact(msg)}
}

// Executor dispatches allowed actions to the filesystem, a command runner,
// or the HTTP client.
type Executor struct {
	runner Runner
	http   *http.Client
}

func New(runner Runner) *Executor {
	if runner == nil {
		runner = HostRunner{}
	}
	return &Executor{runner: runner, http: &http.Client{}}
}

// Execute performs a sanitized action under its policy's ceilings. Timeouts
// surface as a failed result with reason "timed out"; the underlying
// process or connection is killed by the context deadline.
func (e *Executor) Execute(ctx context.Context, act action.Action, pol policy.ToolPolicy) Result {
	maxBytes := pol.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	timeout := time.Duration(pol.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch a := act.(type) {
	case action.ReadFile:
		return readFile(a.Path, maxBytes)
	case action.ListDir:
		return listDir(a.Path, maxBytes)
	case action.WriteFile:
		return writeFile(a.Path, a.Content)
	case action.EditFile:
		return editFile(a.Path, a.OldText, a.NewText)
	case action.DeletePath:
		return deletePath(a.Path)
	case action.Exec:
		return e.runCommand(ctx, a.Cmd, a.Cwd, maxBytes)
	case action.RunTests:
		return e.runCommand(ctx, a.Cmd, a.Cwd, maxBytes)
	case action.HTTPRequest:
		return e.httpRequest(ctx, a, maxBytes)
	default:
		return failure(fmt.Sprintf("no executor for action %q", act.Name()))
	}
}

func readFile(path string, maxBytes int64) Result {
	f, err := os.Open(path)
	if err != nil {
		return failure(err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return failure(err.Error())
	}
	return Result{Success: true, Output: string(data)}
}

func listDir(path string, maxBytes int64) Result {
	entries, err := os.ReadDir(path)
	if err != nil {
		return failure(err.Error())
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return Result{Success: true, Output: truncate(strings.Join(names, "\n"), maxBytes)}
}

func writeFile(path, content string) Result {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failure(err.Error())
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return failure(err.Error())
	}
	return Result{Success: true, Output: fmt.Sprintf("wrote %d bytes", len(content))}
}

func editFile(path, oldText, newText string) Result {
	if oldText == "" {
		return failure("old_text must not be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return failure(err.Error())
	}
	content := string(data)
	switch strings.Count(content, oldText) {
	case 0:
		return failure("old_text not found in file")
	case 1:
	default:
		return failure("old_text matches more than once")
	}
	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return failure(err.Error())
	}
	return Result{Success: true, Output: "edited"}
}

func deletePath(path string) Result {
	if _, err := os.Lstat(path); err != nil {
		return failure(err.Error())
	}
	if err := os.RemoveAll(path); err != nil {
		return failure(err.Error())
	}
	return Result{Success: true, Output: "deleted"}
}

func (e *Executor) runCommand(ctx context.Context, cmd, cwd string, maxBytes int64) Result {
	res, err := e.runner.Run(ctx, cmd, cwd)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failure("timed out")
		}
		return failure(err.Error())
	}
	output := res.Stdout
	if res.Stderr != "" {
		output += "\n" + res.Stderr
	}
	output = truncate(shared.Redact(output), maxBytes)
	if res.ExitCode != 0 {
		// A command killed by the deadline reports through the exit
		// code on some runners.
		if ctx.Err() != nil {
			return failure("timed out")
		}
		return Result{Success: false, Output: output, Error: fmt.Sprintf("exit code %d", res.ExitCode)}
	}
	return Result{Success: true, Output: output}
}

func (e *Executor) httpRequest(ctx context.Context, a action.HTTPRequest, maxBytes int64) Result {
	method := a.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if a.Body != "" {
		body = strings.NewReader(a.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.URL, body)
	if err != nil {
		return failure(err.Error())
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failure("timed out")
		}
		return failure(err.Error())
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return failure(err.Error())
	}
	out := fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, shared.Redact(string(data)))
	return Result{Success: resp.StatusCode < 400, Output: out}
}

func truncate(s string, maxBytes int64) string {
	if int64(len(s)) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n[truncated]"
}
