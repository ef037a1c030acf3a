// Package backup uploads compressed snapshots of the SQLite database to R2
// and restores them.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/metrics"
	"github.com/garyellow/linebot-imagelab/internal/r2client"
)

// ErrLocked is returned when another instance holds the backup lock.
var ErrLocked = errors.New("backup: another instance is running a backup")

// ErrRestoreTargetExists is returned when Restore would overwrite a file.
var ErrRestoreTargetExists = errors.New("backup: restore target already exists")

// Snapshotter writes a consistent copy of the database to a local file.
// *storage.DB implements it.
type Snapshotter interface {
	Snapshot(ctx context.Context, destPath string) error
}

// Store is the object storage a backup needs. *r2client.Client implements it.
type Store interface {
	r2client.ConditionalStore
	UploadFile(ctx context.Context, key, filePath, contentType string) error
}

// Config configures a Backup.
type Config struct {
	DB      Snapshotter
	Store   Store
	Prefix  string        // object key prefix, default "backups"
	TempDir string        // scratch directory, default os.TempDir()
	LockTTL time.Duration // default 30 minutes
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// Backup snapshots, compresses and uploads the database.
type Backup struct {
	db      Snapshotter
	store   Store
	prefix  string
	tempDir string
	lockTTL time.Duration
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Backup.
func New(cfg Config) (*Backup, error) {
	if cfg.DB == nil || cfg.Store == nil {
		return nil, errors.New("backup: database and store are required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "backups"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("info")
	}
	return &Backup{
		db:      cfg.DB,
		store:   cfg.Store,
		prefix:  cfg.Prefix,
		tempDir: cfg.TempDir,
		lockTTL: cfg.LockTTL,
		logger:  log.WithModule("backup"),
		metrics: cfg.Metrics,
		now:     time.Now,
	}, nil
}

// Key returns the object key for a backup taken at t.
func (b *Backup) Key(t time.Time) string {
	return path.Join(b.prefix, "imagelab-"+t.UTC().Format("20060102-150405")+".db.zst")
}

// Run takes one backup and returns its object key. Only one instance backs
// up at a time; the others get ErrLocked.
func (b *Backup) Run(ctx context.Context) (key string, err error) {
	defer func() {
		switch {
		case errors.Is(err, ErrLocked):
			b.metrics.RecordBackup("skipped")
		case err != nil:
			b.metrics.RecordBackup("error")
		default:
			b.metrics.RecordBackup("success")
		}
	}()

	lock := r2client.NewLock(b.store, path.Join(b.prefix, "backup.lock"), b.lockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire backup lock: %w", err)
	}
	if !acquired {
		return "", ErrLocked
	}
	defer func() {
		// The lock must be released even when ctx is already done.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rerr := lock.Release(releaseCtx); rerr != nil {
			b.logger.WithError(rerr).Warn("Failed to release backup lock")
		}
	}()

	start := b.now()
	snapshotPath := filepath.Join(b.tempDir, fmt.Sprintf("imagelab-snapshot-%d.db", start.UnixNano()))
	if err := b.db.Snapshot(ctx, snapshotPath); err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}
	defer func() { _ = os.Remove(snapshotPath) }()

	compressedPath := snapshotPath + ".zst"
	size, err := r2client.CompressFile(snapshotPath, compressedPath)
	if err != nil {
		return "", fmt.Errorf("compress snapshot: %w", err)
	}
	defer func() { _ = os.Remove(compressedPath) }()

	key = b.Key(start)
	if err := b.store.UploadFile(ctx, key, compressedPath, "application/zstd"); err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}

	b.logger.WithField("key", key).
		WithField("bytes", size).
		WithField("duration_ms", b.now().Sub(start).Milliseconds()).
		Info("Database backup uploaded")
	return key, nil
}

// Task adapts Run to a scheduler task; a held lock is not a failure.
func (b *Backup) Task(ctx context.Context) error {
	_, err := b.Run(ctx)
	if errors.Is(err, ErrLocked) {
		b.logger.Info("Backup skipped: lock held elsewhere")
		return nil
	}
	return err
}

// Downloader fetches one object. *r2client.Client implements it.
type Downloader interface {
	Download(ctx context.Context, key string) (io.ReadCloser, string, error)
}

// Restore downloads the backup stored at key and expands it into dstPath.
// It refuses to replace an existing file.
func Restore(ctx context.Context, store Downloader, key, dstPath string) error {
	if _, err := os.Stat(dstPath); err == nil {
		return fmt.Errorf("%w: %s", ErrRestoreTargetExists, dstPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", dstPath, err)
	}

	body, _, err := store.Download(ctx, key)
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	defer func() { _ = body.Close() }()

	if err := r2client.DecompressStream(body, dstPath); err != nil {
		_ = os.Remove(dstPath)
		return err
	}
	return nil
}
