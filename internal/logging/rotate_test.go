package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"50MB", 50 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
		{"10KB", 10 * 1024},
		{"10kb", 10 * 1024},
		{"100B", 100},
		{"100", 100},
		{"0", 0},
		{"", 0},
		{"-5", 0},
		{"lots", 0},
	}

	for _, tt := range tests {
		if got := ParseSize(tt.input); got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestRotateFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(logPath, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := rotateFile(logPath, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(logPath + ".1"); err != nil {
		t.Fatal("expected .1 backup file")
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Fatal("original file should be renamed")
	}
}

func TestRotateFileKeepsBackupLimit(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	for i := range 4 {
		if err := os.WriteFile(logPath, []byte{byte('a' + i)}, 0644); err != nil {
			t.Fatal(err)
		}
		if err := rotateFile(logPath, 3); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range []string{"d", "c", "b"} {
		data, err := os.ReadFile(fmt.Sprintf("%s.%d", logPath, i+1))
		if err != nil {
			t.Fatalf("backup %d: %v", i+1, err)
		}
		if string(data) != want {
			t.Errorf("backup %d = %q, want %q", i+1, data, want)
		}
	}
	if _, err := os.Stat(logPath + ".4"); !os.IsNotExist(err) {
		t.Error("backup beyond the limit was kept")
	}
}

func TestRotateFileTruncateOnZeroBackups(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(logPath, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := rotateFile(logPath, 0); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty file after truncation, got %d bytes", len(data))
	}
}

func TestRotateIfNeeded(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(logPath, make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}

	if err := RotateIfNeeded(logPath, "200B", 3); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(logPath + ".1"); !os.IsNotExist(err) {
		t.Fatal("should not rotate under max_bytes")
	}

	if err := RotateIfNeeded(logPath, "50B", 3); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(logPath + ".1"); err != nil {
		t.Fatal("expected rotation to create .1 backup")
	}

	if err := RotateIfNeeded(filepath.Join(t.TempDir(), "missing.log"), "1B", 1); err != nil {
		t.Errorf("missing file: %v", err)
	}
}
