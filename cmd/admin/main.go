// Command admin runs maintenance tasks against the bot's database and state store.
//
// Usage:
//
//	admin init-db
//	admin add-member -user U123 [-name 小明] [-points 10]
//	admin adjust-points -user U123 -delta -5 [-reason "..."]
//	admin set-status -user U123 -status suspended
//	admin show-member -user U123 [-history 10]
//	admin cleanup-states [-hours 24] [-dry-run]
//	admin backup
//	admin restore-backup -key backups/imagelab-20260301-040000.db.zst [-out path]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/app"
	"github.com/garyellow/linebot-imagelab/internal/backup"
	"github.com/garyellow/linebot-imagelab/internal/config"
	"github.com/garyellow/linebot-imagelab/internal/lineutil"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/r2client"
	"github.com/garyellow/linebot-imagelab/internal/session"
	"github.com/garyellow/linebot-imagelab/internal/storage"
)

// Ledger descriptions written by manual adjustments.
const (
	descAdminAdd    = "管理員手動增加"
	descAdminDeduct = "管理員手動扣除"
)

var errUsage = errors.New("usage: admin <init-db|add-member|adjust-points|set-status|show-member|cleanup-states|backup|restore-backup> [flags]")

func main() {
	cfg, err := config.LoadForMode(config.AdminMode)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1:], os.Stdout); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "admin: %v\n", err)
		os.Exit(1)
	}
}

type command func(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error

var commands = map[string]command{
	"init-db":        initDB,
	"add-member":     addMember,
	"adjust-points":  adjustPoints,
	"set-status":     setStatus,
	"show-member":    showMember,
	"cleanup-states": cleanupStates,
	"backup":         runBackup,
	"restore-backup": restoreBackup,
}

func run(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q\n%w", args[0], errUsage)
	}
	return cmd(ctx, cfg, args[1:], out)
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// withDB opens the configured database for the duration of fn.
func withDB(ctx context.Context, cfg *config.Config, fn func(*storage.DB) error) error {
	db, err := app.OpenDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	return fn(db)
}

func initDB(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	if err := newFlagSet("init-db", out).Parse(args); err != nil {
		return err
	}
	return withDB(ctx, cfg, func(db *storage.DB) error {
		n, err := db.CountMembers(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "Schema ready (%s), %d members\n", db.Dialect(), n)
		return nil
	})
}

func addMember(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := newFlagSet("add-member", out)
	user := fs.String("user", "", "LINE user ID")
	name := fs.String("name", "", "display name")
	points := fs.Int64("points", 0, "initial points granted as "+storage.TxAdminAdd)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("add-member: -user is required")
	}
	if *points < 0 {
		return errors.New("add-member: -points must not be negative")
	}

	return withDB(ctx, cfg, func(db *storage.DB) error {
		member, created, err := db.GetOrCreateMember(ctx, storage.MemberProfile{UserID: *user, DisplayName: *name})
		if err != nil {
			return err
		}
		if !created {
			_, _ = fmt.Fprintf(out, "Member %s already exists\n", *user)
		}
		if *points > 0 {
			tx, err := db.AddPoints(ctx, *user, *points, storage.TxAdminAdd, descAdminAdd)
			if err != nil {
				return err
			}
			member.Points = tx.BalanceAfter
		}
		_, _ = fmt.Fprintf(out, "%s (%s): %d points, status %s\n", member.UserID, member.DisplayName, member.Points, member.Status)
		return nil
	})
}

func adjustPoints(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := newFlagSet("adjust-points", out)
	user := fs.String("user", "", "LINE user ID")
	delta := fs.Int64("delta", 0, "points to add (positive) or deduct (negative)")
	reason := fs.String("reason", "", "ledger description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *delta == 0 {
		return errors.New("adjust-points: -user and a non-zero -delta are required")
	}

	return withDB(ctx, cfg, func(db *storage.DB) error {
		var (
			tx  *storage.PointTransaction
			err error
		)
		if *delta > 0 {
			tx, err = db.AddPoints(ctx, *user, *delta, storage.TxAdminAdd, orDefault(*reason, descAdminAdd))
		} else {
			tx, err = db.DeductPoints(ctx, *user, -*delta, storage.TxAdminDeduct, orDefault(*reason, descAdminDeduct))
		}
		if err != nil {
			return fmt.Errorf("adjust points for %s: %w", *user, err)
		}
		_, _ = fmt.Fprintf(out, "%s: %+d points, balance %d\n", *user, tx.Points, tx.BalanceAfter)
		return nil
	})
}

func setStatus(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := newFlagSet("set-status", out)
	user := fs.String("user", "", "LINE user ID")
	status := fs.String("status", "", "normal, vip, suspended or banned")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *status == "" {
		return errors.New("set-status: -user and -status are required")
	}

	return withDB(ctx, cfg, func(db *storage.DB) error {
		if err := db.UpdateMemberStatus(ctx, *user, *status); err != nil {
			return fmt.Errorf("set status for %s: %w", *user, err)
		}
		_, _ = fmt.Fprintf(out, "%s: status %s\n", *user, *status)
		return nil
	})
}

func showMember(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := newFlagSet("show-member", out)
	user := fs.String("user", "", "LINE user ID")
	history := fs.Int("history", 10, "number of ledger rows to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("show-member: -user is required")
	}

	return withDB(ctx, cfg, func(db *storage.DB) error {
		member, err := db.GetMember(ctx, *user)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "%s (%s): %d points, status %s, joined %s\n",
			member.UserID, member.DisplayName, member.Points, member.Status,
			lineutil.FormatTaipei(member.Joined(), "2006-01-02"))

		if *history <= 0 {
			return nil
		}
		txs, err := db.GetPointHistory(ctx, *user, *history)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "TIME\tTYPE\tPOINTS\tBALANCE\tDESCRIPTION")
		for _, tx := range txs {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%+d\t%d\t%s\n",
				lineutil.FormatTaipei(tx.Time(), "2006-01-02 15:04"), tx.Type, tx.Points, tx.BalanceAfter, tx.Description)
		}
		return w.Flush()
	})
}

// staleLister is implemented by stores that can enumerate expired sessions.
type staleLister interface {
	ListOlderThan(ctx context.Context, age time.Duration) ([]session.Session, error)
}

func cleanupStates(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := newFlagSet("cleanup-states", out)
	hours := fs.Int("hours", int(config.StateTTL/time.Hour), "remove sessions idle for more than this many hours")
	dryRun := fs.Bool("dry-run", false, "list stale sessions without removing them")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *hours <= 0 {
		return errors.New("cleanup-states: -hours must be positive")
	}
	if cfg.StateBackend == config.StateBackendRedis {
		return errors.New("cleanup-states: redis sessions expire on their own")
	}
	age := time.Duration(*hours) * time.Hour

	return withDB(ctx, cfg, func(db *storage.DB) error {
		store, closeStore, err := app.OpenStateStore(ctx, cfg, db)
		if err != nil {
			return err
		}
		if closeStore != nil {
			defer func() { _ = closeStore() }()
		}

		if *dryRun {
			lister, ok := store.(staleLister)
			if !ok {
				return errors.New("cleanup-states: state store cannot list sessions")
			}
			stale, err := lister.ListOlderThan(ctx, age)
			if err != nil {
				return err
			}
			for _, s := range stale {
				_, _ = fmt.Fprintf(out, "%s\t%s/%s\t%s\n", s.UserID, s.Feature, s.State,
					lineutil.FormatTaipei(s.UpdatedAt, "2006-01-02 15:04"))
			}
			_, _ = fmt.Fprintf(out, "%d stale sessions (dry run)\n", len(stale))
			return nil
		}

		n, err := store.CleanupOlderThan(ctx, age)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "Removed %d stale sessions\n", n)
		return nil
	})
}

func runBackup(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	if err := newFlagSet("backup", out).Parse(args); err != nil {
		return err
	}
	if !cfg.R2Enabled() {
		return errors.New("backup: R2 credentials are not configured")
	}
	if cfg.UsePostgres() {
		return errors.New("backup: PostgreSQL databases are backed up by the provider")
	}

	objects, err := newObjects(ctx, cfg)
	if err != nil {
		return err
	}

	return withDB(ctx, cfg, func(db *storage.DB) error {
		b, err := backup.New(backup.Config{
			DB:      db,
			Store:   objects,
			TempDir: cfg.DataDir,
			Logger:  logger.New(cfg.LogLevel),
		})
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, config.BackupTimeout)
		defer cancel()
		key, err := b.Run(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "Uploaded %s\n", key)
		return nil
	})
}

// restoreBackup writes a backup object back to a local SQLite file. The
// target must not exist, so the bot has to be stopped and the live file
// moved aside first.
func restoreBackup(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := newFlagSet("restore-backup", out)
	key := fs.String("key", "", "object key printed by the backup command")
	dst := fs.String("out", "", "destination file (default: the configured SQLite path)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("restore-backup: -key is required")
	}
	if !cfg.R2Enabled() {
		return errors.New("restore-backup: R2 credentials are not configured")
	}
	target := orDefault(*dst, cfg.SQLitePath())

	objects, err := newObjects(ctx, cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, config.BackupTimeout)
	defer cancel()
	if err := backup.Restore(ctx, objects, *key, target); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Restored %s to %s\n", *key, target)
	return nil
}

func newObjects(ctx context.Context, cfg *config.Config) (*r2client.Client, error) {
	objects, err := r2client.New(ctx, r2client.Config{
		Endpoint:      cfg.R2Endpoint(),
		AccessKeyID:   cfg.R2AccessKeyID,
		SecretKey:     cfg.R2SecretAccessKey,
		BucketName:    cfg.R2BucketName,
		PublicBaseURL: cfg.R2PublicBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("r2: %w", err)
	}
	return objects, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
