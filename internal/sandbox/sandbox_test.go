package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePath_InsideRoot(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root, false)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	got, err := ws.ResolvePath("sub/file.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := filepath.Join(ws.Root(), "sub", "file.txt")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestResolvePath_TraversalDenied(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), false)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	if _, err := ws.ResolvePath("../outside"); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if _, err := ws.ResolvePath("sub/../../outside"); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for nested traversal, got %v", err)
	}
}

func TestResolvePath_SymlinkEscapeDenied(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	ws, err := NewWorkspace(root, false)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	link := filepath.Join(ws.Root(), "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := ws.ResolvePath("escape/file.txt"); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for symlink escape, got %v", err)
	}
}

func TestResolvePath_AbsoluteOutsideDenied(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), false)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	if _, err := ws.ResolvePath("/etc/passwd"); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func TestResolvePath_ReadOnlyRequiresExistence(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "present.txt")
	if err := os.WriteFile(existing, []byte("x"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	ws, err := NewWorkspace(root, true)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	if _, err := ws.ResolvePath("present.txt"); err != nil {
		t.Fatalf("existing path should resolve: %v", err)
	}
	if _, err := ws.ResolvePath("absent.txt"); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for missing path, got %v", err)
	}
}

func TestDomainList_DenyByDefault(t *testing.T) {
	var d DomainList
	if err := d.Check("https://example.com/x", nil); !errors.Is(err, ErrDenied) {
		t.Fatalf("empty allowlist must deny, got %v", err)
	}
}

func TestDomainList_SuffixMatch(t *testing.T) {
	d := DomainList{Domains: []string{"good.com"}}
	if err := d.Check("https://api.good.com/x", nil); err != nil {
		t.Fatalf("subdomain of allowed domain should pass: %v", err)
	}
	if err := d.Check("https://evil.example.com/x", nil); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected denial, got %v", err)
	}
	// "notgood.com" must not match "good.com" by bare suffix.
	if err := d.Check("https://notgood.com/x", nil); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected denial for lookalike domain, got %v", err)
	}
}

func TestDomainList_Override(t *testing.T) {
	d := DomainList{Domains: []string{"good.com"}}
	if err := d.Check("https://other.org/x", []string{"other.org"}); err != nil {
		t.Fatalf("override list should allow: %v", err)
	}
	if err := d.Check("https://good.com/x", []string{"other.org"}); !errors.Is(err, ErrDenied) {
		t.Fatalf("override replaces the configured list, got %v", err)
	}
}

func TestDomainList_BlockedHosts(t *testing.T) {
	d := DomainList{Domains: []string{"localhost", "10.0.0.8"}}
	for _, raw := range []string{
		"http://localhost/x",
		"http://127.0.0.1/x",
		"http://10.0.0.8/x",
		"http://169.254.1.1/x",
		"ftp://good.com/x",
	} {
		if err := d.Check(raw, nil); !errors.Is(err, ErrDenied) {
			t.Fatalf("expected %q blocked, got %v", raw, err)
		}
	}
	loop := DomainList{Domains: []string{"localhost"}, AllowLoopback: true}
	if err := loop.Check("http://localhost/x", nil); err != nil {
		t.Fatalf("loopback should pass when enabled: %v", err)
	}
}

func TestLiveDomains_Reload(t *testing.T) {
	ld := NewLiveDomains(DomainList{Domains: []string{"good.com"}})
	if err := ld.Check("https://good.com/", nil); err != nil {
		t.Fatalf("initial allowlist: %v", err)
	}
	ld.Reload(DomainList{Domains: []string{"better.org"}})
	if err := ld.Check("https://good.com/", nil); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected denial after reload, got %v", err)
	}
	if err := ld.Check("https://better.org/", nil); err != nil {
		t.Fatalf("reloaded allowlist: %v", err)
	}
}
