package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fenwick-labs/warden/internal/action"
	"github.com/fenwick-labs/warden/internal/policy"
)

func filePolicy() policy.ToolPolicy {
	return policy.ToolPolicy{Tier: policy.TierModerate, MaxBytes: 1 << 16, TimeoutSeconds: 10}
}

func TestWriteReadEditDelete(t *testing.T) {
	dir := t.TempDir()
	exe := New(nil)
	ctx := context.Background()
	path := filepath.Join(dir, "sub", "note.txt")

	res := exe.Execute(ctx, action.WriteFile{Path: path, Content: "hello world"}, filePolicy())
	if !res.Success {
		t.Fatalf("write failed: %s", res.Error)
	}

	res = exe.Execute(ctx, action.ReadFile{Path: path}, filePolicy())
	if !res.Success || res.Output != "hello world" {
		t.Fatalf("read: success=%v output=%q", res.Success, res.Output)
	}

	res = exe.Execute(ctx, action.EditFile{Path: path, OldText: "world", NewText: "there"}, filePolicy())
	if !res.Success {
		t.Fatalf("edit failed: %s", res.Error)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello there" {
		t.Fatalf("content = %q", data)
	}

	res = exe.Execute(ctx, action.DeletePath{Path: path}, filePolicy())
	if !res.Success {
		t.Fatalf("delete failed: %s", res.Error)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}
}

func TestEditRequiresUniqueMatch(t *testing.T) {
	dir := t.TempDir()
	exe := New(nil)
	ctx := context.Background()
	path := filepath.Join(dir, "dup.txt")
	if err := os.WriteFile(path, []byte("aaa bbb aaa"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res := exe.Execute(ctx, action.EditFile{Path: path, OldText: "aaa", NewText: "ccc"}, filePolicy())
	if res.Success {
		t.Fatal("ambiguous edit must fail")
	}
	if !strings.Contains(res.Error, "more than once") {
		t.Fatalf("error = %q", res.Error)
	}

	res = exe.Execute(ctx, action.EditFile{Path: path, OldText: "zzz", NewText: "ccc"}, filePolicy())
	if res.Success || !strings.Contains(res.Error, "not found") {
		t.Fatalf("missing old_text: success=%v error=%q", res.Success, res.Error)
	}
}

func TestListDirSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "child"), 0o755); err != nil {
		t.Fatalf("seed dir: %v", err)
	}

	res := New(nil).Execute(context.Background(), action.ListDir{Path: dir}, filePolicy())
	if !res.Success {
		t.Fatalf("list failed: %s", res.Error)
	}
	want := "a.txt\nb.txt\nchild/"
	if res.Output != want {
		t.Fatalf("output = %q, want %q", res.Output, want)
	}
}

func TestExecCapturesExitCode(t *testing.T) {
	exe := New(nil)
	ctx := context.Background()
	pol := policy.ToolPolicy{Tier: policy.TierDangerous, TimeoutSeconds: 10, MaxBytes: 1 << 16}

	res := exe.Execute(ctx, action.Exec{Cmd: "echo ok"}, pol)
	if !res.Success || !strings.Contains(res.Output, "ok") {
		t.Fatalf("echo: success=%v output=%q error=%q", res.Success, res.Output, res.Error)
	}

	res = exe.Execute(ctx, action.Exec{Cmd: "exit 3"}, pol)
	if res.Success {
		t.Fatal("non-zero exit must not succeed")
	}
	if !strings.Contains(res.Error, "exit code 3") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestExecTimesOut(t *testing.T) {
	exe := New(nil)
	pol := policy.ToolPolicy{Tier: policy.TierDangerous, TimeoutSeconds: 1, MaxBytes: 1 << 16}

	res := exe.Execute(context.Background(), action.Exec{Cmd: "sleep 10"}, pol)
	if res.Success {
		t.Fatal("timed-out command must not succeed")
	}
	if res.Error != "timed out" {
		t.Fatalf("error = %q, want timed out", res.Error)
	}
}

func TestHTTPRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	res := New(nil).Execute(context.Background(), action.HTTPRequest{
		URL:    srv.URL,
		Method: "POST",
		Body:   `{"q":1}`,
	}, policy.ToolPolicy{Tier: policy.TierModerate, TimeoutSeconds: 10, MaxBytes: 1 << 16})
	if !res.Success {
		t.Fatalf("http failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "HTTP 200") || !strings.Contains(res.Output, `"ok":true`) {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestOutputSecretRedaction(t *testing.T) {
	exe := New(nil)
	pol := policy.ToolPolicy{Tier: policy.TierDangerous, TimeoutSeconds: 10, MaxBytes: 1 << 16}

	res := exe.Execute(context.Background(), action.Exec{Cmd: "echo api_key=abcdefghijklmnop1234"}, pol)
	if !res.Success {
		t.Fatalf("echo failed: %s", res.Error)
	}
	if strings.Contains(res.Output, "abcdefghijklmnop1234") {
		t.Fatalf("secret leaked in output: %q", res.Output)
	}
}
