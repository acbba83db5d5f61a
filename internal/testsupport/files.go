package testsupport

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// mediaSize keeps test inputs above a page so hashing reads more than one
// block.
const mediaSize = 4096

// WriteMedia writes dir/name with content derived from seed, so distinct
// seeds yield distinct media ids. It returns the file path.
func WriteMedia(t testing.TB, dir, name, seed string) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	line := []byte("cadence-test-media:" + seed + "\n")
	content := bytes.Repeat(line, mediaSize/len(line)+1)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write media %s: %v", path, err)
	}
	return path
}
