package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("json") != FormatJSON || ParseFormat("JSON") != FormatJSON {
		t.Error("json should parse to FormatJSON")
	}
	if ParseFormat("text") != FormatText || ParseFormat("") != FormatText {
		t.Error("anything else should fall back to FormatText")
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigild.log")
	log, err := New(&Config{
		Level:     slog.LevelInfo,
		Format:    FormatJSON,
		FilePath:  path,
		MaxSizeMB: 1,
		Component: "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello", "key", "value")
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"msg":"hello"`)) {
		t.Errorf("log file missing message: %s", data)
	}
	if !bytes.Contains(data, []byte(`"component":"test"`)) {
		t.Errorf("log file missing component attr: %s", data)
	}
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigild.log")
	log, err := New(&Config{Level: slog.LevelWarn, FilePath: path, Component: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("noise")
	log.Info("still noise")
	log.Warn("signal")
	log.Close()

	data, _ := os.ReadFile(path)
	if bytes.Contains(data, []byte("noise")) {
		t.Errorf("below-threshold records leaked: %s", data)
	}
	if !bytes.Contains(data, []byte("signal")) {
		t.Errorf("warn record missing: %s", data)
	}
}

func TestWithComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigild.log")
	log, err := New(&Config{Level: slog.LevelInfo, Format: FormatJSON, FilePath: path, Component: "parent"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.WithComponent("child").Info("tagged")
	log.Close()

	data, _ := os.ReadFile(path)
	if !bytes.Contains(data, []byte(`"component":"child"`)) {
		t.Errorf("child component tag missing: %s", data)
	}
}

func TestRotatorRotatesAndBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	r, err := NewFileRotator(path, 100, 2)
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 20; i++ {
		if _, err := r.Write(line); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(backupName(path, 1)); err != nil {
		t.Error("expected first backup to exist")
	}
	if _, err := os.Stat(backupName(path, 3)); !os.IsNotExist(err) {
		t.Error("backups should be bounded at maxBackups")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat active file: %v", err)
	}
	if info.Size() > 100 {
		t.Errorf("active file exceeds max size: %d", info.Size())
	}
}
