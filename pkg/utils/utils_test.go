package utils

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestEnsureDirAndFileExists(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "a", "b")

	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir() error: %v", err)
	}
	if !IsDir(dir) {
		t.Fatalf("%s should be a directory", dir)
	}
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir() on existing dir: %v", err)
	}
	if FileExists(dir) {
		t.Error("a directory is not a file")
	}

	file := filepath.Join(dir, "config.yaml")
	if FileExists(file) {
		t.Error("file should not exist yet")
	}
	if err := os.WriteFile(file, []byte("x: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if !FileExists(file) {
		t.Error("file should exist")
	}
}

func TestGetConfigDirHonoursXDG(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("XDG applies to unix-like systems only")
	}
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	dir, err := GetConfigDir("quill")
	if err != nil {
		t.Fatal(err)
	}
	if dir != filepath.Join(xdg, "quill") {
		t.Errorf("GetConfigDir() = %s", dir)
	}

	t.Setenv("XDG_CONFIG_HOME", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	if dir, _ := GetConfigDir("quill"); dir != filepath.Join(home, ".config", "quill") {
		t.Errorf("GetConfigDir() without XDG = %s", dir)
	}
}
