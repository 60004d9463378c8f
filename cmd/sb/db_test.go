package main

import (
	"strings"
	"testing"
)

func TestDBCmd_Help(t *testing.T) {
	out, err := runCmd(t, "db", "--help")
	if err != nil {
		t.Fatalf("db --help failed: %v", err)
	}
	if !strings.Contains(out, "Database management") {
		t.Errorf("expected help to mention 'Database management', got: %s", out)
	}
	for _, sub := range []string{"init", "migrate", "reset"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help to list %q, got: %s", sub, out)
		}
	}
}

func TestDBInitCmd_MissingConfig(t *testing.T) {
	_, err := runCmd(t, "db", "init", "--config", "/nonexistent/switchboard.yaml", "--env-file", "")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestDBInitCmd_SQLite(t *testing.T) {
	cfgPath := writeSQLiteConfig(t)
	out, err := runCmd(t, "db", "init", "--config", cfgPath, "--env-file", "")
	if err != nil {
		t.Fatalf("db init failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Migrated 3 tables") {
		t.Errorf("expected migration summary, got: %s", out)
	}

	out, err = runCmd(t, "db", "migrate", "--config", cfgPath, "--env-file", "")
	if err != nil {
		t.Fatalf("db migrate failed: %v\n%s", err, out)
	}
}

func TestDBResetCmd_RejectsSQLite(t *testing.T) {
	cfgPath := writeSQLiteConfig(t)
	_, err := runCmd(t, "db", "reset", "--config", cfgPath, "--env-file", "", "--yes")
	if err == nil {
		t.Fatal("expected reset to refuse sqlite")
	}
	if !strings.Contains(err.Error(), "only supported for mysql") {
		t.Errorf("error = %q", err.Error())
	}
}
