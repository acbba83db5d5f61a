package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"cadence/internal/fileutil"
	"cadence/internal/logging"
	"cadence/internal/mediaid"
)

// Stats describes current cache usage.
type Stats struct {
	Root         string  `json:"root"`
	Entries      int     `json:"entries"`
	TotalBytes   int64   `json:"total_bytes"`
	FreeBytes    uint64  `json:"free_bytes"`
	TotalFSBytes uint64  `json:"total_fs_bytes"`
	FreeRatio    float64 `json:"free_ratio"`
}

// EntrySummary surfaces one media entry for listings.
type EntrySummary struct {
	MediaID       string    `json:"media_id"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	SourceJobID   string    `json:"source_job_id"`
	Stages        []string  `json:"stages"`
	SizeBytes     int64     `json:"size_bytes"`
	// Broken is set when entry.json could not be read; CreatedAt then falls
	// back to the directory's modification time.
	Broken bool `json:"broken,omitempty"`
}

// List returns every entry, oldest first.
func (m *Manager) List(ctx context.Context) ([]EntrySummary, error) {
	if m == nil {
		return nil, nil
	}
	dirs, err := os.ReadDir(filepath.Join(m.root, mediaDirName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: list root: %w", err)
	}
	out := make([]EntrySummary, 0, len(dirs))
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !d.IsDir() || !mediaid.Valid(d.Name()) {
			continue
		}
		path := m.entryDir(d.Name())
		size, err := fileutil.DirSize(path)
		if err != nil {
			m.logger.Warn("cache: skip entry; excluded from stats and pruning",
				logging.String("cache_dir", path),
				logging.Error(err),
				logging.String(logging.FieldEventType, "cache_entry_skipped"),
				logging.String(logging.FieldErrorHint, "inspect cache directory permissions or remove the corrupted entry"),
			)
			continue
		}
		summary := EntrySummary{MediaID: d.Name(), SizeBytes: size}
		entry, ok, err := m.readEntry(d.Name())
		if err != nil || !ok {
			summary.Broken = true
			if info, statErr := d.Info(); statErr == nil {
				summary.CreatedAt = info.ModTime().UTC()
			}
		} else {
			summary.SchemaVersion = entry.SchemaVersion
			summary.CreatedAt = entry.CreatedAt
			summary.SourceJobID = entry.SourceJobID
			summary.Stages = entry.StageNames()
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].MediaID < out[j].MediaID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Stats returns current cache usage and filesystem free-space info.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if m == nil {
		return s, nil
	}
	entries, err := m.List(ctx)
	if err != nil {
		return s, err
	}
	s.Root = m.root
	s.Entries = len(entries)
	for _, e := range entries {
		s.TotalBytes += e.SizeBytes
	}
	probe := m.root
	if _, err := os.Stat(probe); err != nil {
		probe = filepath.Dir(probe)
	}
	totalFS, freeFS, err := m.statfs(probe)
	if err != nil {
		return s, fmt.Errorf("cache: statfs: %w", err)
	}
	s.TotalFSBytes = totalFS
	s.FreeBytes = freeFS
	s.FreeRatio = 1.0
	if totalFS > 0 {
		s.FreeRatio = float64(freeFS) / float64(totalFS)
	}
	return s, nil
}

// StageCheck is the verification outcome for one cached stage variant.
type StageCheck struct {
	Stage   string `json:"stage"`
	Variant string `json:"variant"`
	Hit     bool   `json:"hit"`
	Reason  string `json:"reason,omitempty"`
	Outputs int    `json:"outputs"`
}

// Report is the result of verifying one media entry.
type Report struct {
	MediaID string       `json:"media_id"`
	Found   bool         `json:"found"`
	Reason  string       `json:"reason,omitempty"`
	Stages  []StageCheck `json:"stages"`
}

// Verify fingerprints the media file and checks every cached stage for it.
func (m *Manager) Verify(ctx context.Context, mediaPath string) (Report, error) {
	id, err := mediaid.Compute(ctx, mediaPath)
	if err != nil {
		return Report{}, err
	}
	return m.VerifyID(ctx, id)
}

// VerifyID hash-checks every cached stage of an entry without modifying it.
func (m *Manager) VerifyID(ctx context.Context, mediaID string) (Report, error) {
	report := Report{MediaID: mediaID, Stages: []StageCheck{}}
	if m == nil {
		report.Reason = MissNoEntry
		return report, nil
	}
	if err := checkMediaID(mediaID); err != nil {
		return report, err
	}
	entry, ok, err := m.readEntry(mediaID)
	switch {
	case err != nil:
		report.Reason = MissIntegrity
		return report, nil
	case !ok:
		report.Reason = MissNoEntry
		return report, nil
	case entry.SchemaVersion != m.schemaVersion:
		report.Reason = MissSchema
		return report, nil
	}
	report.Found = true
	for _, name := range entry.StageNames() {
		for _, rec := range entry.Stages[name] {
			check := StageCheck{Stage: name, Variant: rec.Key, Hit: true, Outputs: len(rec.Outputs)}
			if err := m.verifyRecord(ctx, m.stageDir(mediaID, name, rec.Key), rec); err != nil {
				check.Hit = false
				check.Reason = MissIntegrity
			}
			report.Stages = append(report.Stages, check)
		}
	}
	return report, nil
}

// ClearExpired removes entries created more than ttl ago and returns their ids.
func (m *Manager) ClearExpired(ctx context.Context, ttl time.Duration) ([]string, error) {
	if m == nil || ttl <= 0 {
		return nil, nil
	}
	entries, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-ttl)
	var removed []string
	for _, e := range entries {
		if !e.CreatedAt.Before(cutoff) {
			break
		}
		ok, err := m.Invalidate(ctx, e.MediaID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, e.MediaID)
		}
	}
	if len(removed) > 0 {
		m.logger.InfoContext(ctx, "cleared expired cache entries",
			logging.Int("removed", len(removed)),
			logging.Duration("ttl", ttl),
		)
	}
	return removed, nil
}

// Prune removes the oldest entries until the cache fits within maxBytes.
func (m *Manager) Prune(ctx context.Context, maxBytes int64) ([]string, error) {
	if m == nil || maxBytes < 0 {
		return nil, nil
	}
	entries, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	var removed []string
	for len(entries) > 0 && total > maxBytes {
		oldest := entries[0]
		entries = entries[1:]
		ok, err := m.Invalidate(ctx, oldest.MediaID)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		m.logger.InfoContext(ctx, "pruned cache entry",
			logging.String(logging.FieldMediaID, oldest.MediaID),
			logging.Int64("entry_size_bytes", oldest.SizeBytes),
		)
		total -= oldest.SizeBytes
		removed = append(removed, oldest.MediaID)
	}
	return removed, nil
}

func realStatfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return total, free, nil
}
