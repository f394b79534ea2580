package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/mobo/internal/config"
)

// clearUmask sets the process umask to 0 so permission checks are
// deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit(): %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "data"))
	if err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}

	for name, want := range map[string]os.FileMode{"config.yaml": 0o600, "persona.md": 0o644} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
		if got := info.Mode().Perm(); got != want {
			t.Errorf("%s permissions = %o, want %o", name, got, want)
		}
		if !strings.Contains(buf.String(), name) {
			t.Errorf("output missing %s", name)
		}
	}
}

func TestRunInit_ConfigLoads(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit(): %v", err)
	}

	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if cfg.PersonaFile != "persona.md" {
		t.Errorf("PersonaFile = %q, want persona.md", cfg.PersonaFile)
	}
	if err := cfg.Validate(false); err != nil {
		t.Errorf("Validate(false): %v", err)
	}
}

func TestRunInit_SkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("first runInit(): %v", err)
	}

	sentinel := []byte("# keep me\n")
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, sentinel, 0o600); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	buf.Reset()
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("second runInit(): %v", err)
	}
	if !strings.Contains(buf.String(), "exists, skipping") {
		t.Errorf("output = %q, want skip marker", buf.String())
	}
	got, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	if !bytes.Equal(got, sentinel) {
		t.Errorf("config.yaml was overwritten: %q", got)
	}
}

func TestWriteIfMissing(t *testing.T) {
	clearUmask(t)
	tests := []struct {
		name       string
		preExist   bool
		mode       os.FileMode
		wantMarker string
	}{
		{name: "creates 0600", mode: 0o600, wantMarker: "✓"},
		{name: "creates 0644", mode: 0o644, wantMarker: "✓"},
		{name: "skips existing", preExist: true, mode: 0o644, wantMarker: "exists, skipping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "testfile")
			if tt.preExist {
				if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
					t.Fatalf("setup: %v", err)
				}
			}

			var buf bytes.Buffer
			if err := writeIfMissing(&buf, path, []byte("hello"), tt.mode); err != nil {
				t.Fatalf("writeIfMissing(): %v", err)
			}
			if !strings.Contains(buf.String(), tt.wantMarker) {
				t.Errorf("output = %q, want marker %q", buf.String(), tt.wantMarker)
			}

			got, _ := os.ReadFile(path)
			want := "hello"
			if tt.preExist {
				want = "original"
			}
			if string(got) != want {
				t.Errorf("content = %q, want %q", got, want)
			}
			if !tt.preExist {
				info, err := os.Stat(path)
				if err != nil {
					t.Fatalf("stat: %v", err)
				}
				if perm := info.Mode().Perm(); perm != tt.mode {
					t.Errorf("permissions = %o, want %o", perm, tt.mode)
				}
			}
		})
	}
}

func TestWriteIfMissing_CreateError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("file"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	var buf bytes.Buffer
	err := writeIfMissing(&buf, filepath.Join(blocker, "file.txt"), []byte("data"), 0o644)
	if err == nil {
		t.Fatal("writeIfMissing() = nil, want error")
	}
	if !strings.Contains(err.Error(), "create") {
		t.Errorf("error = %q, want it to mention create", err)
	}
}
