package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFormatFromExt(t *testing.T) {
	tests := map[string]string{
		"chats.json":  "json",
		"chats.jsonl": "json",
		"chats.YAML":  "yaml",
		"chats.yml":   "yaml",
		"chats":       "json",
	}
	for path, want := range tests {
		if got := formatFromExt(path); got != want {
			t.Errorf("formatFromExt(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestBackupFile(t *testing.T) {
	dir := t.TempDir()

	dest, err := backupFile(filepath.Join(dir, "missing.db"))
	if err != nil || dest != "" {
		t.Errorf("backup of missing file = %q, %v", dest, err)
	}

	path := filepath.Join(dir, "local.db")
	if err := os.WriteFile(path, []byte("data"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	dest, err = backupFile(path)
	if err != nil {
		t.Fatalf("backupFile failed: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("backup content = %q", got)
	}
}
