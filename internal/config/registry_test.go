package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp-servers.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRegistry_Basic(t *testing.T) {
	path := writeConfig(t, `{
		"mcpServers": {
			"excel": {"command": "python3", "args": ["-m", "excel_mcp"]},
			"chat": {"command": "node", "args": ["chat.js"], "mode": "stateful", "idle_timeout": 60}
		}
	}`)

	r, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	excel, ok := r.Lookup("excel")
	if !ok {
		t.Fatalf("excel not found")
	}
	if excel.Mode != ModeEphemeral {
		t.Errorf("Mode = %q, want ephemeral default", excel.Mode)
	}
	if _, ok := excel.FilePathFields["file_path"]; !ok {
		t.Errorf("FilePathFields missing default file_path: %v", excel.FilePathFields)
	}

	chat, ok := r.Lookup("chat")
	if !ok {
		t.Fatalf("chat not found")
	}
	if !chat.IsPersistent() {
		t.Errorf("chat should be persistent (stateful)")
	}
	if chat.IdleTimeout.Seconds() != 60 {
		t.Errorf("IdleTimeout = %v, want 60s", chat.IdleTimeout)
	}
}

func TestLoadRegistry_MissingCommandIsFatal(t *testing.T) {
	path := writeConfig(t, `{"mcpServers": {"broken": {}}}`)
	if _, err := LoadRegistry(path); err == nil {
		t.Fatalf("expected error for server missing command")
	}
}

func TestLoadRegistry_EmptyServersIsFatal(t *testing.T) {
	path := writeConfig(t, `{"mcpServers": {}}`)
	if _, err := LoadRegistry(path); err == nil {
		t.Fatalf("expected error for empty mcpServers")
	}
}

func TestLoadRegistry_MissingFile(t *testing.T) {
	if _, err := LoadRegistry(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
