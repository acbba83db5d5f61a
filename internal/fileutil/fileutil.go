package fileutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// HashPrefix tags content hashes with their algorithm.
const HashPrefix = "sha256:"

// ErrHashMismatch reports that copied or stored content does not match the
// expected digest.
var ErrHashMismatch = errors.New("content hash mismatch")

// HashFile returns the tagged SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	return HashFileContext(context.Background(), path)
}

// HashFileContext streams path through SHA-256, checking ctx between chunks.
func HashFileContext(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, NewContextReader(ctx, f)); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return HashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// CopyFile copies src to dst atomically with default permissions (0o644).
func CopyFile(src, dst string) error {
	_, err := CopyFileVerified(src, dst, "")
	return err
}

// CopyFileVerified copies src into a temporary file beside dst, hashing the
// bytes as they are written, and renames it into place. When want is non-empty
// the copy is rejected with ErrHashMismatch unless the digests agree. The
// digest of the written bytes is returned.
func CopyFileVerified(src, dst, want string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	srcInfo, err := in.Stat()
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), in)
	if err != nil {
		return "", err
	}
	if written != srcInfo.Size() {
		return "", fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", srcInfo.Size(), written)
	}
	got := HashPrefix + hex.EncodeToString(hasher.Sum(nil))
	if want != "" && got != want {
		return "", fmt.Errorf("%w: %s: expected %s, got %s", ErrHashMismatch, src, want, got)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", err
	}
	return got, nil
}

// LinkOrCopy hard-links src to dst, falling back to a verified copy when the
// two paths live on different filesystems. The returned digest is verified
// against want when want is non-empty.
func LinkOrCopy(src, dst, want string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	_ = os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		got, err := HashFile(dst)
		if err != nil {
			return "", err
		}
		if want != "" && got != want {
			_ = os.Remove(dst)
			return "", fmt.Errorf("%w: %s: expected %s, got %s", ErrHashMismatch, src, want, got)
		}
		return got, nil
	}
	return CopyFileVerified(src, dst, want)
}

// WriteFileAtomic writes data to a temp file in the destination directory and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteJSONAtomic encodes v as indented JSON and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	return WriteFileAtomic(path, data, 0o644)
}

// ReadJSON decodes the JSON document at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// DirSize sums regular file sizes below root.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// IsTempName reports whether name was produced by the atomic writers above.
func IsTempName(name string) bool {
	return strings.Contains(name, ".tmp.")
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

// NewContextReader returns a reader that fails with ctx.Err() once ctx is done.
func NewContextReader(ctx context.Context, r io.Reader) io.Reader {
	if ctx == nil {
		return r
	}
	return &contextReader{ctx: ctx, r: r}
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
