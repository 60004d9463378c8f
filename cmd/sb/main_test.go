package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchboard/internal/config"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeSQLiteConfig writes a config pointing at a fresh sqlite file.
func writeSQLiteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "switchboard.yaml")
	body := "database:\n  driver: sqlite\n  path: " + filepath.Join(dir, "sb.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "sb dev") {
		t.Errorf("expected output to contain 'sb dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "sb 1.0.0") || !strings.Contains(out, "commit: abc123") || !strings.Contains(out, "built: 2026-01-01") {
		t.Errorf("unexpected version output: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := runCmd(t, "--help")
	if err != nil {
		t.Fatalf("--help failed: %v", err)
	}
	for _, sub := range []string{"serve", "db", "instance", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help to list %q, got: %s", sub, out)
		}
	}
}

func TestServeCmd_Help(t *testing.T) {
	out, err := runCmd(t, "serve", "--help")
	if err != nil {
		t.Fatalf("serve --help failed: %v", err)
	}
	for _, flag := range []string{"--config", "--dev", "--port", "switchboard.yaml"} {
		if !strings.Contains(out, flag) {
			t.Errorf("expected help to mention %q, got: %s", flag, out)
		}
	}
}

func TestServeCmd_MissingConfig(t *testing.T) {
	_, err := runCmd(t, "serve", "--config", "/nonexistent/switchboard.yaml", "--env-file", "")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestServeCmd_BadReconnectSchedule(t *testing.T) {
	cfgPath := writeSQLiteConfig(t)
	data, _ := os.ReadFile(cfgPath)
	data = append(data, []byte("orchestrator:\n  reconnect_cron: \"every minute\"\n")...)
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := runCmd(t, "serve", "--config", cfgPath, "--env-file", "")
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if !strings.Contains(err.Error(), "reconnect schedule") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "reconnect schedule")
	}
}

func TestNewDialers(t *testing.T) {
	cfg, err := config.Parse([]byte("database:\n  driver: sqlite\n"))
	if err != nil {
		t.Fatal(err)
	}

	reg := newDialers(cfg, zerolog.Nop(), false)
	if reg.Has("mock") {
		t.Error("mock platform should require --dev")
	}
	if !reg.Has("discord") || !reg.Has("slack") {
		t.Errorf("platforms = %v, want discord and slack", reg.Platforms())
	}

	reg = newDialers(cfg, zerolog.Nop(), true)
	if !reg.Has("mock") {
		t.Error("mock platform missing in dev mode")
	}
}
