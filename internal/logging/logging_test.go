package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSink_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sparksync.log")
	sink := NewSink(Options{File: path, Quiet: true})
	defer sink.Close()

	sink.New("sync").Printf("Pull complete: conversations=%d", 2)
	sink.New("daemon").Println("Started")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	content := string(data)
	for _, want := range []string{"[sync] ", "Pull complete: conversations=2", "[daemon] ", "Started"} {
		if !strings.Contains(content, want) {
			t.Errorf("log file missing %q:\n%s", want, content)
		}
	}
}

func TestSink_Rotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sparksync.log")
	sink := NewSink(Options{File: path, Quiet: true})
	defer sink.Close()

	sink.New("x").Println("before")
	if err := sink.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	sink.New("x").Println("after")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) < 2 {
		t.Errorf("got %d files after rotate, want a backup and a fresh file", len(entries))
	}
}

func TestSink_QuietWithoutFile(t *testing.T) {
	sink := NewSink(Options{Quiet: true})
	if sink.Writer() != io.Discard {
		t.Error("quiet sink without a file should discard output")
	}
	if err := sink.Rotate(); err != nil {
		t.Errorf("Rotate without a file failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close without a file failed: %v", err)
	}
}

func TestSink_CloseIdempotent(t *testing.T) {
	sink := NewSink(Options{File: filepath.Join(t.TempDir(), "a.log"), Quiet: true})
	sink.New("x").Println("line")
	if err := sink.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
