package fileutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "nested", "dst.txt")

	content := []byte("hello world")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CopyFile(src, dst); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("content mismatch: got %q, want %q", got, content)
	}
}

func TestCopyFileVerifiedRejectsWrongHash(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := CopyFileVerified(src, dst, HashPrefix+strings.Repeat("0", 64))
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
	if _, statErr := os.Stat(dst); !os.IsNotExist(statErr) {
		t.Fatal("expected destination to be absent after mismatch")
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if IsTempName(e.Name()) {
			t.Fatalf("temp file %s left behind", e.Name())
		}
	}
}

func TestCopyFileVerifiedReturnsSourceHash(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	want, err := HashFile(src)
	if err != nil {
		t.Fatal(err)
	}
	got, err := CopyFileVerified(src, filepath.Join(dir, "dst.bin"), want)
	if err != nil {
		t.Fatalf("CopyFileVerified: %v", err)
	}
	if got != want {
		t.Fatalf("hash mismatch: got %s want %s", got, want)
	}
}

func TestLinkOrCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "out", "dst.bin")
	if err := os.WriteFile(src, []byte("linked"), 0o644); err != nil {
		t.Fatal(err)
	}
	want, _ := HashFile(src)
	got, err := LinkOrCopy(src, dst, want)
	if err != nil {
		t.Fatalf("LinkOrCopy: %v", err)
	}
	if got != want {
		t.Fatalf("unexpected hash %s", got)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "linked" {
		t.Fatalf("unexpected destination content %q (%v)", data, err)
	}
}

func TestHashFileIsByteSensitive(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	_ = os.WriteFile(a, []byte("abcdef"), 0o644)
	_ = os.WriteFile(b, []byte("abcdeg"), 0o644)
	ha, _ := HashFile(a)
	hb, _ := HashFile(b)
	if ha == hb {
		t.Fatal("expected different hashes for different content")
	}
	if !strings.HasPrefix(ha, HashPrefix) || len(ha) != len(HashPrefix)+64 {
		t.Fatalf("unexpected hash format %q", ha)
	}
}

func TestHashFileContextCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	_ = os.WriteFile(path, []byte("x"), 0o644)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := HashFileContext(ctx, path); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	in := map[string]int{"a": 1}
	if err := WriteJSONAtomic(path, in); err != nil {
		t.Fatal(err)
	}
	var out map[string]int
	if err := ReadJSON(path, &out); err != nil {
		t.Fatal(err)
	}
	if out["a"] != 1 {
		t.Fatalf("unexpected decoded value %v", out)
	}
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "a"), make([]byte, 10), 0o644)
	_ = os.MkdirAll(filepath.Join(dir, "sub"), 0o755)
	_ = os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 5), 0o644)
	size, err := DirSize(dir)
	if err != nil {
		t.Fatal(err)
	}
	if size != 15 {
		t.Fatalf("expected 15 bytes, got %d", size)
	}
}
