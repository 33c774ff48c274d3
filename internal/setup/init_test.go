package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msageha/cogno/internal/config"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	dir := t.TempDir()

	base, err := Run(dir, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if base != filepath.Join(dir, ".cogno") {
		t.Errorf("base: got %q", base)
	}
	for _, d := range []string{"inbox", "processed", "quarantine", "locks", "logs", "state"} {
		info, err := os.Stat(filepath.Join(base, d))
		if err != nil {
			t.Errorf("missing directory %s: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
	if _, err := os.Stat(filepath.Join(base, ".env.example")); err != nil {
		t.Errorf("missing .env.example: %v", err)
	}
}

func TestRun_WritesLoadableConfig(t *testing.T) {
	base, err := Run(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg, err := config.Load(base)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("store.driver: got %q", cfg.Store.Driver)
	}
	if cfg.Schedule.Timezone != "Asia/Tokyo" {
		t.Errorf("schedule.timezone: got %q", cfg.Schedule.Timezone)
	}
	if cfg.Memory.MaxChars != 4000 {
		t.Errorf("memory.max_chars: got %d", cfg.Memory.MaxChars)
	}
	data, _ := os.ReadFile(filepath.Join(base, config.FileName))
	if !strings.Contains(string(data), "# e.g. 127.0.0.1:9464") {
		t.Error("template comments should be kept")
	}
}

func TestRun_DriverOverride(t *testing.T) {
	base, err := Run(t.TempDir(), Options{Driver: "postgres"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg, err := config.Load(base)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("store.driver: got %q", cfg.Store.Driver)
	}
	data, _ := os.ReadFile(filepath.Join(base, config.FileName))
	if !strings.Contains(string(data), "empty disables the listener") {
		t.Error("comments lost by the override")
	}
}

func TestRun_RejectsUnknownDriver(t *testing.T) {
	if _, err := Run(t.TempDir(), Options{Driver: "mongo"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestRun_RejectsExistingDir(t *testing.T) {
	dir := t.TempDir()
	if _, err := Run(dir, Options{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	_, err := Run(dir, Options{})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already exists error, got %v", err)
	}
}

func TestRun_ForceKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	base, err := Run(dir, Options{})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	cfgPath := filepath.Join(base, config.FileName)
	custom := "store:\n  driver: memory\n"
	if err := os.WriteFile(cfgPath, []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "inbox", "keep.yaml"), []byte("x: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Run(dir, Options{Force: true}); err != nil {
		t.Fatalf("forced Run: %v", err)
	}
	bak, err := os.ReadFile(cfgPath + ".bak")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(bak) != custom {
		t.Errorf("backup: got %q", bak)
	}
	if _, err := os.Stat(filepath.Join(base, "inbox", "keep.yaml")); err != nil {
		t.Errorf("inbox content must survive --force: %v", err)
	}
}
