package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"cadence/internal/config"
	"cadence/internal/fileutil"
	"cadence/internal/logging"
	"cadence/internal/mediaid"
	"cadence/internal/services"
)

const (
	entryFileName = "entry.json"
	mediaDirName  = "media"
	locksDirName  = "locks"
	baselineName  = "baseline"

	lockRetryDelay = 50 * time.Millisecond
)

// Miss reasons reported by Lookup and Verify.
const (
	MissNoEntry   = "no_entry"
	MissSchema    = "schema_mismatch"
	MissStage     = "stage_absent"
	MissVariant   = "variant_mismatch"
	MissIntegrity = "integrity"
)

// StoreOutcome describes what Store did with the offered outputs.
type StoreOutcome string

const (
	// Stored wrote a record where none existed.
	Stored StoreOutcome = "stored"
	// Unchanged found an identical record already present.
	Unchanged StoreOutcome = "unchanged"
	// Conflict kept an existing record whose hashes differ (first writer wins).
	Conflict StoreOutcome = "conflict"
	// Repaired replaced a record whose cached files no longer verify.
	Repaired StoreOutcome = "repaired"
	// Superseded rebuilt an entry that was unreadable or from another schema.
	Superseded StoreOutcome = "superseded"
)

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

// Options configures a Manager built without a Config.
type Options struct {
	Root          string
	SchemaVersion int
	LinkMode      string
	LockTimeout   time.Duration
	Logger        *slog.Logger
}

// Manager owns one cache root.
type Manager struct {
	root          string
	schemaVersion int
	linkMode      string
	lockTimeout   time.Duration
	logger        *slog.Logger
	statfs        statfsFunc
	now           func() time.Time
}

// New builds a manager from explicit options.
func New(opts Options) *Manager {
	schema := opts.SchemaVersion
	if schema <= 0 {
		schema = 1
	}
	mode := opts.LinkMode
	if mode == "" {
		mode = config.LinkModeCopy
	}
	m := &Manager{
		root:          opts.Root,
		schemaVersion: schema,
		linkMode:      mode,
		lockTimeout:   opts.LockTimeout,
		statfs:        realStatfs,
		now:           func() time.Time { return time.Now().UTC() },
	}
	m.logger = logging.NewComponentLogger(opts.Logger, "cache")
	return m
}

// NewManager builds a cache manager when enabled; returns nil when caching is
// disabled or no cache root is configured. A nil manager reports misses and
// stores nothing.
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	if cfg == nil || !cfg.Cache.Enabled {
		return nil
	}
	root := strings.TrimSpace(cfg.Paths.CacheRoot)
	if root == "" {
		return nil
	}
	return New(Options{
		Root:          root,
		SchemaVersion: cfg.Cache.SchemaVersion,
		LinkMode:      cfg.Cache.LinkMode,
		LockTimeout:   time.Duration(cfg.Cache.LockTimeoutSeconds) * time.Second,
		Logger:        logger,
	})
}

// scoped returns a logger carrying the run identifiers in ctx plus the
// media id and stage being operated on.
func (m *Manager) scoped(ctx context.Context, mediaID, stageName string) (context.Context, *slog.Logger) {
	ctx = services.WithMediaID(services.WithStage(ctx, stageName), mediaID)
	return ctx, logging.WithContext(ctx, m.logger)
}

// Root returns the cache root directory.
func (m *Manager) Root() string {
	if m == nil {
		return ""
	}
	return m.root
}

// SchemaVersion returns the schema version new entries are written with.
func (m *Manager) SchemaVersion() int {
	if m == nil {
		return 0
	}
	return m.schemaVersion
}

func (m *Manager) entryDir(mediaID string) string {
	return filepath.Join(m.root, mediaDirName, mediaID)
}

func (m *Manager) stageDir(mediaID, stageName, key string) string {
	return filepath.Join(m.entryDir(mediaID), baselineName, stageName, key)
}

func (m *Manager) lockPath(mediaID string) string {
	return filepath.Join(m.root, locksDirName, mediaID+".lock")
}

func checkMediaID(mediaID string) error {
	if !mediaid.Valid(mediaID) {
		return services.Wrap(services.ErrValidation, "cache", "media id", fmt.Sprintf("invalid media id %q", mediaID), nil)
	}
	return nil
}

// lock takes the per-media write lock. Lock files live outside the entry so
// invalidation never unlinks a lock another writer is waiting on.
func (m *Manager) lock(ctx context.Context, mediaID string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Join(m.root, locksDirName), 0o755); err != nil {
		return nil, fmt.Errorf("cache: create lock directory: %w", err)
	}
	lockCtx := ctx
	if m.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, m.lockTimeout)
		defer cancel()
	}
	fl := flock.New(m.lockPath(mediaID))
	ok, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrTimeout, "cache", "lock", "media "+mediaID, err)
		}
		return nil, fmt.Errorf("cache: lock %s: %w", mediaID, err)
	}
	if !ok {
		return nil, services.Wrap(services.ErrTimeout, "cache", "lock", "media "+mediaID, nil)
	}
	return fl, nil
}

func (m *Manager) readEntry(mediaID string) (Entry, bool, error) {
	var e Entry
	err := fileutil.ReadJSON(filepath.Join(m.entryDir(mediaID), entryFileName), &e)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, services.Wrap(services.ErrCacheIntegrity, "cache", "read entry", mediaID, err)
	}
	if e.Stages == nil {
		e.Stages = map[string][]StageRecord{}
	}
	return e, true, nil
}

func (m *Manager) writeEntry(e Entry) error {
	if err := fileutil.WriteJSONAtomic(filepath.Join(m.entryDir(e.MediaID), entryFileName), e); err != nil {
		return fmt.Errorf("cache: write entry: %w", err)
	}
	return nil
}

// Entry loads the index for mediaID without verifying any output.
func (m *Manager) Entry(mediaID string) (Entry, bool, error) {
	if m == nil {
		return Entry{}, false, nil
	}
	if err := checkMediaID(mediaID); err != nil {
		return Entry{}, false, err
	}
	return m.readEntry(mediaID)
}

// Hit is the result of a lookup for one stage.
type Hit struct {
	Found  bool
	Reason string
	Record StageRecord
	Dir    string
}

// Lookup returns the verified cached record for a stage. Misses carry a
// reason; only I/O failures outside the entry surface as errors. An entry
// written under a different schema version is invalidated on sight.
func (m *Manager) Lookup(ctx context.Context, mediaID, stageName string, want Variant) (Hit, error) {
	if m == nil {
		return Hit{Reason: MissNoEntry}, nil
	}
	if err := checkMediaID(mediaID); err != nil {
		return Hit{}, err
	}
	ctx, logger := m.scoped(ctx, mediaID, stageName)
	entry, ok, err := m.readEntry(mediaID)
	if err != nil {
		logging.WarnWithContext(logger, "unreadable cache entry treated as miss", "cache_integrity",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run `cadence cache invalidate` for this media id"),
		)
		return Hit{Reason: MissIntegrity}, nil
	}
	if !ok {
		return Hit{Reason: MissNoEntry}, nil
	}
	if entry.SchemaVersion != m.schemaVersion {
		if _, err := m.Invalidate(ctx, mediaID); err != nil {
			return Hit{}, err
		}
		logger.InfoContext(ctx, "cache entry schema mismatch; invalidated",
			logging.Int("entry_schema", entry.SchemaVersion),
			logging.Int("current_schema", m.schemaVersion),
		)
		return Hit{Reason: MissSchema}, nil
	}
	if len(entry.Stages[stageName]) == 0 {
		return Hit{Reason: MissStage}, nil
	}
	record, ok := entry.Record(stageName, want)
	if !ok {
		return Hit{Reason: MissVariant}, nil
	}
	dir := m.stageDir(mediaID, stageName, record.Key)
	if err := m.verifyRecord(ctx, dir, record); err != nil {
		logging.WarnWithContext(logger, "cached output failed verification; stage will recompute", "cache_integrity",
			logging.Error(err),
			logging.String(logging.FieldImpact, "stage re-executes and repairs the cache record"),
		)
		return Hit{Reason: MissIntegrity, Record: record}, nil
	}
	return Hit{Found: true, Record: record, Dir: dir}, nil
}

func (m *Manager) verifyRecord(ctx context.Context, dir string, record StageRecord) error {
	for _, out := range record.Outputs {
		got, err := fileutil.HashFileContext(ctx, filepath.Join(dir, filepath.FromSlash(out.Name)))
		if err != nil {
			return services.Wrap(services.ErrCacheIntegrity, record.Stage, "verify", out.Name, err)
		}
		if got != out.ContentHash {
			return services.Wrap(services.ErrCacheIntegrity, record.Stage, "verify",
				fmt.Sprintf("%s: expected %s, got %s", out.Name, out.ContentHash, got), nil)
		}
	}
	return nil
}

// File is a stage output offered to Store.
type File struct {
	// Name is the path relative to the stage directory.
	Name        string
	Path        string
	ContentHash string
	Description string
}

// StoreRequest describes one stage's outputs.
type StoreRequest struct {
	MediaID     string
	SourceJobID string
	Stage       string
	Variant     Variant
	Files       []File
	Signals     map[string]float64
}

// Store records a stage's outputs under the media's entry. Each variant of a
// stage is kept side by side. For an existing variant, identical content is a
// no-op and differing content keeps the existing record (first writer wins);
// only a record whose files no longer verify is replaced.
func (m *Manager) Store(ctx context.Context, req StoreRequest) (StoreOutcome, error) {
	if m == nil {
		return Unchanged, nil
	}
	if err := checkMediaID(req.MediaID); err != nil {
		return "", err
	}
	ctx, logger := m.scoped(ctx, req.MediaID, req.Stage)
	fl, err := m.lock(ctx, req.MediaID)
	if err != nil {
		return "", err
	}
	defer func() { _ = fl.Unlock() }()

	outcome := Stored
	entry, ok, err := m.readEntry(req.MediaID)
	if err != nil || (ok && entry.SchemaVersion != m.schemaVersion) {
		if rmErr := os.RemoveAll(m.entryDir(req.MediaID)); rmErr != nil {
			return "", fmt.Errorf("cache: reset entry: %w", rmErr)
		}
		ok = false
		outcome = Superseded
	}
	if !ok {
		entry = Entry{
			MediaID:       req.MediaID,
			SchemaVersion: m.schemaVersion,
			CreatedAt:     m.now(),
			SourceJobID:   req.SourceJobID,
			Stages:        map[string][]StageRecord{},
		}
	}

	outputs := make([]Output, 0, len(req.Files))
	for _, f := range req.Files {
		hash := f.ContentHash
		if hash == "" {
			if hash, err = fileutil.HashFileContext(ctx, f.Path); err != nil {
				return "", fmt.Errorf("cache: hash %s: %w", f.Path, err)
			}
		}
		info, err := os.Stat(f.Path)
		if err != nil {
			return "", fmt.Errorf("cache: inspect %s: %w", f.Path, err)
		}
		outputs = append(outputs, Output{Name: filepath.ToSlash(f.Name), ContentHash: hash, Description: f.Description, SizeBytes: info.Size()})
	}

	key := req.Variant.Key()
	dir := m.stageDir(req.MediaID, req.Stage, key)
	if existing, found := entry.Record(req.Stage, req.Variant); found {
		switch {
		case m.verifyRecord(ctx, dir, existing) != nil:
			outcome = Repaired
		case existing.sameOutputs(outputs):
			return Unchanged, nil
		default:
			logger.DebugContext(ctx, "cache already holds different outputs; keeping first writer",
				logging.String("existing_job_id", existing.SourceJobID),
				logging.String("offered_job_id", req.SourceJobID),
			)
			return Conflict, nil
		}
	}

	if err := m.placeFiles(dir, req.Files, outputs); err != nil {
		return "", err
	}
	entry.replace(StageRecord{
		Stage:       req.Stage,
		Key:         key,
		Variant:     Variant{Lineage: sortedCopy(req.Variant.Lineage), SourceLanguage: req.Variant.SourceLanguage, ConfigDigest: req.Variant.ConfigDigest},
		Outputs:     outputs,
		Signals:     req.Signals,
		SourceJobID: req.SourceJobID,
		StoredAt:    m.now(),
	})
	if err := m.writeEntry(entry); err != nil {
		return "", err
	}
	logger.InfoContext(ctx, "stored baseline outputs",
		logging.String("outcome", string(outcome)),
		logging.String("variant", key),
		logging.Int("outputs", len(outputs)),
	)
	return outcome, nil
}

// placeFiles copies files into a temp directory beside dir and renames it
// into place, so readers never observe a partially written stage.
func (m *Manager) placeFiles(dir string, files []File, outputs []Output) error {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("cache: create stage parent: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, ".tmp-"+filepath.Base(dir)+"-")
	if err != nil {
		return fmt.Errorf("cache: create temp stage dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()
	for i, f := range files {
		dst := filepath.Join(tmp, filepath.FromSlash(outputs[i].Name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("cache: create output dir: %w", err)
		}
		if _, err := fileutil.CopyFileVerified(f.Path, dst, outputs[i].ContentHash); err != nil {
			return fmt.Errorf("cache: copy %s: %w", f.Name, err)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cache: clear stage dir: %w", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("cache: commit stage dir: %w", err)
	}
	committed = true
	return nil
}

// Materialized is a cached output placed into a job directory.
type Materialized struct {
	Name        string
	Path        string
	ContentHash string
	Description string
}

// Materialize places a hit's outputs into destDir, copying or hard-linking per
// the configured link mode. Every placed file is verified against its
// recorded hash; a mismatch returns ErrCacheIntegrity.
func (m *Manager) Materialize(ctx context.Context, hit Hit, destDir string) ([]Materialized, error) {
	if m == nil || !hit.Found {
		return nil, services.Wrap(services.ErrNotFound, hit.Record.Stage, "materialize", "no cache hit", nil)
	}
	out := make([]Materialized, 0, len(hit.Record.Outputs))
	for _, o := range hit.Record.Outputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := filepath.Join(hit.Dir, filepath.FromSlash(o.Name))
		dst := filepath.Join(destDir, filepath.FromSlash(o.Name))
		var err error
		if m.linkMode == config.LinkModeHardlink {
			_, err = fileutil.LinkOrCopy(src, dst, o.ContentHash)
		} else {
			_, err = fileutil.CopyFileVerified(src, dst, o.ContentHash)
		}
		if err != nil {
			return nil, services.Wrap(services.ErrCacheIntegrity, hit.Record.Stage, "materialize", o.Name, err)
		}
		out = append(out, Materialized{Name: o.Name, Path: dst, ContentHash: o.ContentHash, Description: o.Description})
	}
	return out, nil
}

// Invalidate removes the entry for mediaID. It reports whether an entry existed.
func (m *Manager) Invalidate(ctx context.Context, mediaID string) (bool, error) {
	if m == nil {
		return false, nil
	}
	if err := checkMediaID(mediaID); err != nil {
		return false, err
	}
	fl, err := m.lock(ctx, mediaID)
	if err != nil {
		return false, err
	}
	defer func() { _ = fl.Unlock() }()

	dir := m.entryDir(mediaID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("cache: remove entry %s: %w", mediaID, err)
	}
	m.logger.InfoContext(ctx, "invalidated cache entry", logging.String(logging.FieldMediaID, mediaID))
	return true, nil
}
