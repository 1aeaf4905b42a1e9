package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHome_EnvOverride(t *testing.T) {
	t.Setenv("NANOOS_HOME", "/tmp/nanoos-test-home")
	if got := Home(); got != "/tmp/nanoos-test-home" {
		t.Errorf("Home() = %q, want %q", got, "/tmp/nanoos-test-home")
	}
	if got := Path(); got != "/tmp/nanoos-test-home/config.toml" {
		t.Errorf("Path() = %q, want %q", got, "/tmp/nanoos-test-home/config.toml")
	}
}

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	t.Setenv("NANOOS_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.NumProcesses != DefaultNumProcesses {
		t.Errorf("NumProcesses = %d, want %d", cfg.NumProcesses, DefaultNumProcesses)
	}
	if cfg.NumMessages != DefaultNumMessages {
		t.Errorf("NumMessages = %d, want %d", cfg.NumMessages, DefaultNumMessages)
	}
	if cfg.MemorySize != DefaultMemorySize {
		t.Errorf("MemorySize = %d, want %d", cfg.MemorySize, DefaultMemorySize)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Setenv("NANOOS_HOME", t.TempDir())

	cfg := &Config{
		NumProcesses: 12,
		NumMessages:  32,
		MemorySize:   64 * 1024,
		Users: []User{
			{ID: 0, Username: "root", Checksum: 12345},
		},
	}
	if err := Save(cfg); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.NumProcesses != 12 || loaded.NumMessages != 32 {
		t.Errorf("loaded = %+v", loaded)
	}
	if len(loaded.Users) != 1 || loaded.Users[0].Username != "root" {
		t.Errorf("Users = %+v", loaded.Users)
	}
}

func TestGetSet(t *testing.T) {
	t.Setenv("NANOOS_HOME", t.TempDir())

	if err := Set("num_processes", "10"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	got, err := Get("num_processes")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != "10" {
		t.Errorf("Get(num_processes) = %q, want %q", got, "10")
	}

	if err := Set("bogus_key", "1"); err == nil {
		t.Error("Set of an unknown key should fail")
	}
	if _, err := Get("bogus_key"); err == nil {
		t.Error("Get of an unknown key should fail")
	}
	if err := Set("num_messages", "zero"); err == nil {
		t.Error("Set of a non-numeric count should fail")
	}
}

func TestHostname(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NANOOS_HOME", home)

	cfg := &Config{}
	if got := cfg.Hostname(); got != "nanoos" {
		t.Errorf("Hostname() = %q, want fallback %q", got, "nanoos")
	}

	etcDir := filepath.Join(home, "etc")
	if err := os.MkdirAll(etcDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(etcDir, "hostname"), []byte("devboard\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := cfg.Hostname(); got != "devboard" {
		t.Errorf("Hostname() = %q, want %q", got, "devboard")
	}
}

func TestNewPaths(t *testing.T) {
	paths := NewPaths("/home/user/.nanoos")

	if paths.FsRoot != "/home/user/.nanoos/fs" {
		t.Errorf("FsRoot = %q, want %q", paths.FsRoot, "/home/user/.nanoos/fs")
	}
	if paths.EtcDir != "/home/user/.nanoos/etc" {
		t.Errorf("EtcDir = %q, want %q", paths.EtcDir, "/home/user/.nanoos/etc")
	}
	if paths.HostnameFile() != "/home/user/.nanoos/etc/hostname" {
		t.Errorf("HostnameFile() = %q", paths.HostnameFile())
	}
}
