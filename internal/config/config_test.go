package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	dbcPath := filepath.Join(dir, "test.dbc")
	if err := os.WriteFile(dbcPath, []byte("BO_ 1 X: 8 Vector__XXX\n"), 0o644); err != nil {
		t.Fatalf("write dbc: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	dbcPath := filepath.Join(dir, "test.dbc")
	os.WriteFile(dbcPath, []byte("BO_ 1 X: 8 Vector__XXX\n"), 0o644)
	body := `
dbc_file: ` + dbcPath + `
channels:
  - name: can0
    bus_name: PCM
    can_filter: ["ENGINE_DATA"]
`
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(body), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DecodeInterval != 0.1 {
		t.Fatalf("expected default decode_interval 0.1, got %v", cfg.DecodeInterval)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].Name != "can0" {
		t.Fatalf("got channels %+v", cfg.Channels)
	}
}

func TestValidateRejectsEmptyFilter(t *testing.T) {
	dir := t.TempDir()
	dbcPath := filepath.Join(dir, "test.dbc")
	os.WriteFile(dbcPath, []byte("BO_ 1 X: 8 Vector__XXX\n"), 0o644)
	body := `
dbc_file: ` + dbcPath + `
channels:
  - name: can0
    bus_name: PCM
    can_filter: []
`
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(body), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for empty can_filter")
	}
}

func TestValidateRejectsMissingDBC(t *testing.T) {
	path := writeYAML(t, `
dbc_file: /nonexistent/path.dbc
channels:
  - name: can0
    bus_name: PCM
    can_filter: ["X"]
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing dbc_file")
	}
}
