// LexiSync is the offline-first sync daemon for the Lexi language-learning
// apps. It keeps a local SQLite store of courses, lessons, progress, and
// achievements, queues every local change durably, and reconciles with the
// remote Lexi sync service using last-write-wins conflict resolution.
//
// Usage:
//
//	lexisync daemon [--config <path>]     # start the background sync loop
//	lexisync sync-once [--config <path>]  # single push/pull cycle then exit
//	lexisync status [--config <path>]     # show config, DB, and queue state
//	lexisync conflicts [--config <path>]  # list records awaiting resolution
//	lexisync resolve <local-id> [--keep local|remote]
//	lexisync retry <local-id>             # re-arm a failed push
//	lexisync version                      # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lexisync/lexisync/internal/config"
	"github.com/lexisync/lexisync/internal/queue"
	"github.com/lexisync/lexisync/internal/remote"
	"github.com/lexisync/lexisync/internal/repo"
	"github.com/lexisync/lexisync/internal/resolve"
	"github.com/lexisync/lexisync/internal/store"
	syncp "github.com/lexisync/lexisync/internal/sync"
	"github.com/lexisync/lexisync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "status":
		return runStatus(os.Args[2:])
	case "conflicts":
		return runConflicts(os.Args[2:])
	case "resolve":
		return runResolve(os.Args[2:])
	case "retry":
		return runRetry(os.Args[2:])
	case "version":
		fmt.Println("lexisync", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q - run 'lexisync' for usage", cmd)
	}
}

func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "LexiSync - offline-first sync for the Lexi apps")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  lexisync daemon [--config ...]      Run the continuous sync loop")
	fmt.Fprintln(os.Stderr, "  lexisync sync-once [--config ...]   Single push/pull cycle then exit")
	fmt.Fprintln(os.Stderr, "  lexisync status [--config ...]      Show config, DB, and queue state")
	fmt.Fprintln(os.Stderr, "  lexisync conflicts [--config ...]   List records awaiting resolution")
	fmt.Fprintln(os.Stderr, "  lexisync resolve <local-id> [--keep local|remote]")
	fmt.Fprintln(os.Stderr, "  lexisync retry <local-id>           Re-arm a failed push for retry")
	fmt.Fprintln(os.Stderr, "  lexisync version                    Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "No config file found. Create one at %s to get started.\n", cfgPath)
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Shared flag parsing -----------------------------------------------------

func parseCommon(name string, args []string) (cfgPath string, verbose bool, rest []string, err error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfg := fs.String("config", defaultCfg, "path to config.yaml")
	verb := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return "", false, nil, err
	}
	return *cfg, *verb, fs.Args(), nil
}

func dbPathFor(cfg *config.Config) (string, error) {
	if cfg.DataDir != "" {
		return filepath.Join(cfg.DataDir, "lexisync.db"), nil
	}
	return store.DefaultDBPath()
}

// --- Subcommands -------------------------------------------------------------

// runSync handles both "daemon" and "sync-once".
func runSync(args []string, daemon bool) error {
	cfgPath, verbose, _, err := parseCommon("sync", args)
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"remote_url", cfg.RemoteURL,
		"poll_interval", cfg.PollInterval,
		"push_batch_size", cfg.PushBatchSize,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Local store ---------------------------------------------------------

	dbPath, err := dbPathFor(cfg)
	if err != nil {
		return fmt.Errorf("resolving DB path: %w", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening DB at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing DB", "error", closeErr)
		}
	}()
	logger.Info("DB opened", "path", dbPath)

	// --- Remote client and engine --------------------------------------------

	client, err := remote.NewHTTPClient(cfg.RemoteURL, remote.StaticToken(cfg.Token))
	if err != nil {
		return fmt.Errorf("initialising sync client: %w", err)
	}

	q := queue.New(st, queue.Config{
		MaxAttempts: cfg.MaxAttempts,
		RetryBase:   cfg.RetryBase,
		RetryCap:    cfg.RetryCap,
	}, logger)
	resolver := resolve.New(cfg.SkewWindow, logger)
	engine := syncp.New(st, q, client, client, resolver, syncp.Config{
		PollInterval:  cfg.PollInterval,
		PushBatchSize: cfg.PushBatchSize,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if !daemon {
		logger.Info("running single sync cycle")
		stats, err := engine.RunOnce(ctx)
		logger.Info("sync complete",
			"pushed", stats.Pushed,
			"pulled", stats.Pulled,
			"conflicts", stats.Conflicts,
			"resolved", stats.Resolved,
			"errors", stats.Errors,
		)
		return err
	}

	logger.Info("daemon starting", "poll_interval", cfg.PollInterval)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// runStatus prints the current configuration, DB, and queue state.
func runStatus(args []string) error {
	cfgPath, _, _, err := parseCommon("status", args)
	if err != nil {
		return err
	}

	fmt.Println("LexiSync Status")
	fmt.Println("───────────────")

	cfg, loadErr := config.Load(cfgPath)
	if loadErr != nil {
		if errors.Is(loadErr, os.ErrNotExist) {
			fmt.Printf("  Config:    not found (%s)\n", cfgPath)
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", cfgPath, loadErr)
		}
		return nil
	}
	fmt.Printf("  Config:    %s ✓\n", cfgPath)
	fmt.Printf("  Remote:    %s\n", cfg.RemoteURL)
	fmt.Printf("  Poll:      %s\n", cfg.PollInterval)

	dbPath, err := dbPathFor(cfg)
	if err != nil {
		return err
	}
	info, statErr := os.Stat(dbPath)
	if statErr != nil {
		fmt.Println("  DB:        not found")
		return nil
	}
	fmt.Printf("  DB:        %s (%s)\n", dbPath, humanSize(info.Size()))

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening DB at %q: %w", dbPath, err)
	}
	defer st.Close()

	ctx := context.Background()
	stats, err := st.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading queue stats: %w", err)
	}
	fmt.Printf("  Queue:     %d pending, %d failed\n", stats.Pending, stats.Failed)
	if !stats.NextAttemptAt.IsZero() {
		fmt.Printf("  Next try:  %s\n", stats.NextAttemptAt.Local().Format(time.RFC3339))
	}

	checkpoint, err := st.Checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}
	if checkpoint == "" {
		fmt.Println("  Pulled:    never")
	} else {
		fmt.Printf("  Pulled:    up to %s\n", checkpoint)
	}
	return nil
}

// runConflicts lists records awaiting manual conflict resolution.
func runConflicts(args []string) error {
	cfgPath, _, _, err := parseCommon("conflicts", args)
	if err != nil {
		return err
	}
	st, cleanup, err := openStore(cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	r := repo.New(st, nil, logger)
	conflicts, err := r.Conflicts(context.Background())
	if err != nil {
		return fmt.Errorf("listing conflicts: %w", err)
	}

	if len(conflicts) == 0 {
		fmt.Println("No conflicts.")
		return nil
	}
	for _, rec := range conflicts {
		remoteMod := "?"
		if rec.RemoteCandidate != nil {
			remoteMod = rec.RemoteCandidate.ModifiedAt.Local().Format(time.RFC3339)
		}
		fmt.Printf("%s  %-12s local %s / remote %s\n",
			rec.LocalID, rec.EntityType,
			rec.ModifiedAt.Local().Format(time.RFC3339), remoteMod)
	}
	fmt.Printf("\n%d conflict(s). Resolve with: lexisync resolve <local-id> --keep local|remote\n", len(conflicts))
	return nil
}

// runResolve settles one conflicted record.
func runResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	keep := fs.String("keep", "local", "winning side: local or remote")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: lexisync resolve <local-id> [--keep local|remote]")
	}
	localID := fs.Arg(0)

	var res repo.Resolution
	switch *keep {
	case "local":
	case "remote":
		res.KeepRemote = true
	default:
		return fmt.Errorf("--keep must be 'local' or 'remote', got %q", *keep)
	}

	st, cleanup, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	r := repo.New(st, nil, logger)
	if err := r.ResolveConflict(context.Background(), localID, res); err != nil {
		return err
	}
	fmt.Printf("✓ %s resolved, keeping %s\n", localID, *keep)
	return nil
}

// runRetry re-arms a terminally failed operation so the next cycle picks it up.
func runRetry(args []string) error {
	cfgPath, _, rest, err := parseCommon("retry", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("usage: lexisync retry <local-id>")
	}
	localID := rest[0]

	st, cleanup, err := openStore(cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := st.RequeueOp(context.Background(), localID); err != nil {
		return err
	}
	fmt.Printf("✓ %s queued for retry on the next sync cycle\n", localID)
	return nil
}

// openStore loads the config just to resolve the DB path, then opens the store.
func openStore(cfgPath string) (*store.Store, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	dbPath, err := dbPathFor(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening DB at %q: %w", dbPath, err)
	}
	return st, func() { st.Close() }, nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
