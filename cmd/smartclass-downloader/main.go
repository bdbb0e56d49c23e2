package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZJHSteven/smartclass-downloader/internal/capture"
	"github.com/ZJHSteven/smartclass-downloader/internal/config"
	"github.com/ZJHSteven/smartclass-downloader/internal/database"
	"github.com/ZJHSteven/smartclass-downloader/internal/downloader"
	"github.com/ZJHSteven/smartclass-downloader/internal/queue"
	"github.com/ZJHSteven/smartclass-downloader/internal/smartclass"
	"github.com/ZJHSteven/smartclass-downloader/internal/web"
	"github.com/ZJHSteven/smartclass-downloader/pkg/models"
	"github.com/ZJHSteven/smartclass-downloader/pkg/naming"
)

var (
	flagPage   string
	flagDate   string
	flagLatest bool
	flagIDs    []string
	flagQuiet  bool
)

var rootCmd = &cobra.Command{
	Use:   "smartclass-downloader",
	Short: "Batch-download lecture recordings from a SmartClass video portal",
	Long: `smartclass-downloader discovers lecture recordings on a SmartClass video
page, resolves their media URLs through the portal's metadata endpoint, and
downloads them with bounded concurrency. When the metadata endpoint rejects
the session, media URLs passively captured from traffic are used instead.

Select lectures with exactly one of --date, --latest, or --ids.

Examples:
  smartclass-downloader --latest
  smartclass-downloader --date 2025-12-12
  smartclass-downloader --ids abc123,def456
  smartclass-downloader serve`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run as a long-lived daemon with the JSON status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagPage, "page", "", "lecture page URL (overrides SMARTCLASS_PAGE_URL)")
	rootCmd.Flags().StringVar(&flagDate, "date", "", "download all lectures on this date (YYYY-MM-DD)")
	rootCmd.Flags().BoolVar(&flagLatest, "latest", false, "download all lectures on the most recent date")
	rootCmd.Flags().StringSliceVar(&flagIDs, "ids", nil, "download specific lecture ids")
	rootCmd.Flags().BoolVar(&flagQuiet, "quiet", false, "suppress progress bars")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// app bundles the wired component graph shared by both commands.
type app struct {
	cfg    *config.Config
	db     *database.DB
	tokens *capture.TokenCache
	sink   *capture.Sink
	tap    *capture.Tap
	client *smartclass.Client
	queue  *queue.Queue
}

func newApp(showProgress bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel)

	if flagPage != "" {
		cfg.PageURL = flagPage
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger := slog.Default()
	tokens := capture.NewTokenCache(db, cfg.PageURL, cfg.Cookie, cfg.TokenHint, logger)
	sink := capture.NewSink(logger)
	tap := capture.NewTap(nil, tokens, sink, logger)

	// Both clients share the tap, so every request the process makes feeds
	// the token cache and the media sink. The API client gets a timeout;
	// the transfer client is bounded by the inactivity watchdog instead.
	apiClient := &http.Client{Transport: tap, Timeout: 30 * time.Second}
	transferClient := &http.Client{Transport: tap}

	client := smartclass.New(cfg.BaseURL, tokens, cfg.Cookie, apiClient, logger)
	dl := downloader.New(cfg.DownloadsPath, transferClient, cfg.TransferTimeout, showProgress, logger)

	q := queue.New(client, dl, sink, db, queue.Options{
		Concurrency:     cfg.Concurrency,
		TickInterval:    cfg.TickInterval,
		CaptureFallback: cfg.CaptureFallback,
	}, logger)

	return &app{
		cfg:    cfg,
		db:     db,
		tokens: tokens,
		sink:   sink,
		tap:    tap,
		client: client,
		queue:  q,
	}, nil
}

// restoreState fails tasks a previous run left non-terminal and re-enqueues
// the persisted queue.
func (a *app) restoreState() {
	if n, err := a.db.FailInterruptedTasks(); err != nil {
		slog.Error("Failed to reset interrupted tasks", "error", err)
	} else if n > 0 {
		slog.Info("Marked interrupted tasks from previous session as failed", "count", n)
	}

	refs, err := a.db.PendingLectures()
	if err != nil {
		slog.Error("Failed to load persisted queue", "error", err)
		return
	}
	for _, ref := range refs {
		if a.queue.Enqueue(ref) {
			slog.Info("Restored lecture from previous session", "lecture_id", ref.ID)
		}
	}
}

func runBatch(ctx context.Context) error {
	modes := 0
	for _, on := range []bool{flagDate != "", flagLatest, len(flagIDs) > 0} {
		if on {
			modes++
		}
	}
	if modes != 1 {
		return fmt.Errorf("select lectures with exactly one of --date, --latest, or --ids")
	}

	a, err := newApp(!flagQuiet)
	if err != nil {
		return err
	}
	defer a.closeDB()

	slog.Info("Starting SmartClass downloader", "downloads", a.cfg.DownloadsPath)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.tap.StartSweep(ctx, capture.DefaultSweepInterval)
	a.restoreState()

	refs, err := a.selectLectures(ctx)
	if err != nil {
		return err
	}
	if len(refs) == 0 && a.queue.Depth() == 0 {
		return fmt.Errorf("no lectures matched the selection")
	}

	for _, ref := range refs {
		a.queue.Enqueue(ref)
	}

	go a.queue.Run(ctx)

	// Block until the queue drains or the user interrupts.
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Interrupted, shutting down")
			return nil
		case <-ticker.C:
			if a.queue.Depth() == 0 && a.queue.Inflight() == 0 {
				report(a.queue.Tasks())
				return nil
			}
		}
	}
}

func (a *app) selectLectures(ctx context.Context) ([]*models.LectureRef, error) {
	if len(flagIDs) > 0 {
		refs := make([]*models.LectureRef, 0, len(flagIDs))
		for _, id := range flagIDs {
			refs = append(refs, &models.LectureRef{ID: id, Filename: id + ".mp4"})
		}
		return refs, nil
	}

	if a.cfg.PageURL == "" {
		return nil, fmt.Errorf("--date and --latest need a lecture page: set --page or SMARTCLASS_PAGE_URL")
	}

	all, err := a.client.DiscoverLectures(ctx, a.cfg.PageURL)
	if err != nil {
		return nil, err
	}

	var day time.Time
	if flagLatest {
		latest, ok := smartclass.LatestDate(all)
		if !ok {
			return nil, fmt.Errorf("no dated lectures found on the page")
		}
		day = latest
	} else {
		day, err = time.Parse("2006-01-02", flagDate)
		if err != nil {
			return nil, fmt.Errorf("invalid --date %q: %w", flagDate, err)
		}
	}

	selected := smartclass.FilterByDate(all, day)
	refs := make([]*models.LectureRef, 0, len(selected))
	for i := range selected {
		refs = append(refs, &selected[i])
	}
	slog.Info("Selected lectures", "date", day.Format("2006-01-02"), "count", len(refs))
	return refs, nil
}

func runServe() error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.closeDB()

	slog.Info("Starting SmartClass downloader daemon", "port", a.cfg.ServerPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.tap.StartSweep(ctx, capture.DefaultSweepInterval)
	a.restoreState()
	go a.queue.Run(ctx)

	server := web.NewServer(a.cfg.ServerPort, a.queue, a.tokens, a.sink, slog.Default())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed to start: %w", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	slog.Info("Server shutdown complete")
	return nil
}

func (a *app) closeDB() {
	if err := a.db.Close(); err != nil {
		slog.Error("Failed to close database", "error", err)
	}
}

// report prints the batch outcome once the queue has drained.
func report(tasks []models.DownloadTask) {
	done, failed := 0, 0
	var bytes int64
	for _, t := range tasks {
		switch t.Status {
		case models.StatusDone:
			done++
			bytes += t.DownloadedBytes
		case models.StatusFailed:
			failed++
			slog.Warn("Download failed", "filename", t.Filename, "error", t.ErrorMessage)
		}
	}
	slog.Info("Batch complete", "done", done, "failed", failed, "downloaded", naming.HumanBytes(bytes))
}

// setupLogging configures structured logging based on the log level
func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
