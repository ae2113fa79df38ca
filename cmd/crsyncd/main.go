package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/crsyncd/internal/activation"
	"github.com/schaermu/crsyncd/internal/config"
	"github.com/schaermu/crsyncd/internal/cursor"
	"github.com/schaermu/crsyncd/internal/git"
	"github.com/schaermu/crsyncd/internal/kube"
	"github.com/schaermu/crsyncd/internal/metrics"
	"github.com/schaermu/crsyncd/internal/reconcile"
	"github.com/schaermu/crsyncd/internal/sync"
	"github.com/schaermu/crsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Sync flags
	repoName string
	dryRun   bool
	fullScan bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crsyncd",
	Short: "Synchronize Kubernetes custom resources from Git repositories",
	Long: `crsyncd keeps Model, Workflow and Application custom resources in a
Kubernetes cluster in line with the configuration files committed to one or
more Git repositories.

It can run a one-time sync (e.g. from a systemd timer or CronJob) or as a
long-running daemon that polls the repositories and responds to GitHub push
events.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		applyEnvOverrides()
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync of every configured repository",
	Long: `Sync fetches each configured Git repository, resolves the configuration
files changed since the last synced commit, and creates, updates or deletes the
matching custom resources.

The scan cursor of a repository only advances when every operation succeeded;
failed operations are retried on the next run.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the repositories and serve the webhook endpoint",
	Long: `Serve runs a sync cycle for every repository each sync.interval. When
serve.enabled is set it also starts an HTTP server that accepts GitHub push
webhooks (POST /webhook) and exposes /healthz and /metrics.

Systemd socket activation and readiness notification are supported.`,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the scan cursor of every configured repository",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/crsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().StringVar(&repoName, "repo", "", "only sync the named repository")
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().BoolVar(&fullScan, "full-scan", false, "ignore the scan cursor and rescan every file")

	// Environment overrides, e.g. CRSYNCD_LOG_LEVEL=debug
	viper.SetEnvPrefix("CRSYNCD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// applyEnvOverrides resolves the global flags through viper so that
// CRSYNCD_* environment variables apply when a flag was not given.
func applyEnvOverrides() {
	cfgFile = viper.GetString("config")
	logLevel = viper.GetString("log-level")
	logFormat = viper.GetString("log-format")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	deps, err := newDependencies(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	opts := sync.Options{DryRun: dryRun, FullScan: fullScan}

	if repoName != "" {
		logger.Info("starting sync operation", "repo", repoName)
		res, err := deps.engine.RunRepo(ctx, repoName, opts)
		if res != nil && res.Report != nil {
			logReport(logger, res)
		}
		if err != nil {
			logger.Error("sync failed", "repo", repoName, "error", err)
			return err
		}
		return nil
	}

	logger.Info("starting sync operation", "repos", len(cfg.Repos))
	if err := deps.engine.RunAll(ctx, opts); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	deps, err := newDependencies(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting poll loop", "interval", cfg.Sync.Interval, "repos", len(cfg.Repos))
		return deps.engine.Poll(ctx)
	})

	if cfg.Serve.Enabled {
		server, err := webhook.NewServer(cfg, webhookSync(deps.engine), deps.metrics.Handler(), logger)
		if err != nil {
			return fmt.Errorf("failed to create webhook server: %w", err)
		}

		ln, activated, err := activation.Listen(cfg.Serve.ListenAddr)
		if err != nil {
			return err
		}
		if activated {
			logger.Info("using systemd socket activation", "addr", ln.Addr().String())
		}

		g.Go(func() error {
			return server.Serve(ctx, ln)
		})
	}

	if _, err := activation.NotifyReady(); err != nil {
		logger.Warn("failed to notify systemd", "error", err)
	}

	err = g.Wait()
	_, _ = activation.NotifyStopping()
	return err
}

// webhookSync runs a push-triggered cycle, waiting behind a cycle that is
// already running for the repository.
func webhookSync(engine *sync.Engine) webhook.SyncFunc {
	return func(ctx context.Context, repo string) error {
		_, err := engine.RunRepo(ctx, repo, sync.Options{Wait: true})
		return err
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cursors, err := cursor.Open(cfg.Cursor.Backend, cfg.Paths.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open scan cursor store: %w", err)
	}
	defer func() {
		_ = cursors.Close()
	}()

	rows, err := statusRows(ctx, cfg, cursors)
	if err != nil {
		return err
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Repository", "Branch", "Commit", "Generation", "Files", "Entities", "Updated"})
	for _, r := range rows {
		tw.AppendRow(r)
	}
	tw.Render()
	return nil
}

// statusRows builds one table row per configured repository.
func statusRows(ctx context.Context, cfg *config.Config, cursors cursor.Store) ([]table.Row, error) {
	rows := make([]table.Row, 0, len(cfg.Repos))
	for _, r := range cfg.Repos {
		c, err := cursors.Load(ctx, r.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to load scan cursor for %s: %w", r.Name, err)
		}
		if c == nil {
			rows = append(rows, table.Row{r.Name, r.Branch, "-", "-", "-", "-", "never synced"})
			continue
		}
		rows = append(rows, table.Row{
			r.Name,
			r.Branch,
			shortCommit(c.Commit),
			c.Generation,
			len(c.Files),
			c.Entities(),
			c.UpdatedAt.Local().Format(time.RFC3339),
		})
	}
	return rows, nil
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

// dependencies holds the collaborators shared by sync and serve.
type dependencies struct {
	engine  *sync.Engine
	cursors cursor.Store
	metrics *metrics.Metrics
}

func newDependencies(cfg *config.Config, logger *slog.Logger) (*dependencies, error) {
	if err := os.MkdirAll(cfg.ReposDir(), 0700); err != nil {
		return nil, fmt.Errorf("failed to create repository directory: %w", err)
	}

	kubeClient, err := kube.NewClient(cfg.Kube.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	var store reconcile.Store = kube.NewStore(kubeClient, cfg.Kube.APIGroup, cfg.Kube.APIVersion)

	cursors, err := cursor.Open(cfg.Cursor.Backend, cfg.Paths.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open scan cursor store: %w", err)
	}

	gitClient := git.NewShellClient(cfg.ReposDir(), cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	m := metrics.New()

	return &dependencies{
		engine:  sync.NewEngine(cfg, gitClient, cursors, store, m, logger),
		cursors: cursors,
		metrics: m,
	}, nil
}

func (d *dependencies) close() {
	_ = d.cursors.Close()
}

func logReport(logger *slog.Logger, res *sync.Result) {
	for _, o := range res.Report.Outcomes {
		attrs := []any{
			"repo", res.Repo,
			"op", string(o.Op.Type),
			"identity", o.Op.Key.String(),
			"status", string(o.Status),
		}
		if o.Err != nil {
			attrs = append(attrs, "error", o.Err)
		}
		logger.Info("operation", attrs...)
	}
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfg.Repos))
	for _, r := range cfg.Repos {
		names = append(names, r.Name)
	}
	logger.Debug("configuration loaded",
		"repos", names,
		"state_dir", cfg.Paths.StateDir,
		"cursor_backend", cfg.Cursor.Backend,
		"auth", cfg.AuthMethod(),
		"prune", cfg.Sync.PruneEnabled())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
