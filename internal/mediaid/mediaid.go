// Package mediaid derives the content fingerprint used as the baseline cache
// key. The id depends only on the bytes of the file, never on its name or
// location.
package mediaid

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"cadence/internal/fileutil"
	"cadence/internal/services"
)

// Length is the number of hex characters in a media id.
const Length = sha256.Size * 2

// RecordName is the file inside a job directory that caches the id.
const RecordName = "media_id.json"

const domainTag = "cadence-media-v1\x00"

var flights singleflight.Group

// Compute streams the file at path through SHA-256. The digest covers a
// domain tag, the file size as a big-endian uint64, and then every byte of
// content, so truncation and single-byte edits both change the id.
func Compute(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", services.Wrap(services.ErrNotFound, "", "media id", "open input", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat input: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", services.Wrap(services.ErrValidation, "", "media id", path+" is not a regular file", nil)
	}

	h := sha256.New()
	h.Write([]byte(domainTag))
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(info.Size()))
	h.Write(size[:])

	n, err := io.Copy(h, fileutil.NewContextReader(ctx, f))
	if err != nil {
		return "", fmt.Errorf("hash input: %w", err)
	}
	if n != info.Size() {
		return "", fmt.Errorf("hash input: file changed while reading (%d of %d bytes)", n, info.Size())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Valid reports whether id has the shape Compute produces.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

type record struct {
	MediaID    string    `json:"media_id"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
	ComputedAt time.Time `json:"computed_at"`
}

// Resolve returns the media id for path, reusing the value recorded in jobDir
// while the file's size and modification time are unchanged. Concurrent
// callers for the same file share one computation. The boolean reports
// whether the recorded value was reused.
func Resolve(ctx context.Context, jobDir, path string) (string, bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", false, services.Wrap(services.ErrNotFound, "", "media id", "stat input", err)
	}

	recordPath := filepath.Join(jobDir, RecordName)
	if cached, ok := readRecord(recordPath, abs, info); ok {
		return cached, true, nil
	}

	ch := flights.DoChan(abs, func() (any, error) {
		return Compute(context.WithoutCancel(ctx), abs)
	})
	var id string
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", false, res.Err
		}
		id = res.Val.(string)
	}

	rec := record{
		MediaID:    id,
		Path:       abs,
		Size:       info.Size(),
		ModTime:    info.ModTime().UTC(),
		ComputedAt: time.Now().UTC(),
	}
	if err := fileutil.WriteJSONAtomic(recordPath, rec); err != nil {
		return "", false, fmt.Errorf("record media id: %w", err)
	}
	return id, false, nil
}

func readRecord(path, input string, info fs.FileInfo) (string, bool) {
	var rec record
	if err := fileutil.ReadJSON(path, &rec); err != nil {
		// Missing or unreadable records fall back to recomputation.
		return "", false
	}
	if rec.Path != input || rec.Size != info.Size() || !rec.ModTime.Equal(info.ModTime().UTC()) {
		return "", false
	}
	if !Valid(rec.MediaID) {
		return "", false
	}
	return rec.MediaID, true
}
