package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/agentworkforce/doclist/internal/config"
	"github.com/agentworkforce/doclist/internal/cursorstore"
	"github.com/agentworkforce/doclist/internal/doclist"
	"github.com/agentworkforce/doclist/internal/remote"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

type rootFlags struct {
	configPath string
	baseURL    string
	workspace  string
	sort       string
	filterFile string
	query      string
	perPage    int
	cursorDSN  string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "doclist-sync",
		Short:         "Mirror a live, filtered, sorted document list",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default $DOCLIST_CONFIG_PATH or doclist.yaml)")
	pf.StringVar(&flags.baseURL, "base-url", "", "document service base URL")
	pf.StringVar(&flags.workspace, "workspace", "", "workspace ID")
	pf.StringVar(&flags.sort, "sort", "", `sort order, e.g. "-createdAt,name"`)
	pf.StringVar(&flags.filterFile, "filter-file", "", "YAML or JSON view definition")
	pf.StringVar(&flags.query, "query", "", "free-text search")
	pf.IntVar(&flags.perPage, "per-page", 0, "rows per page")
	pf.StringVar(&flags.cursorDSN, "cursor-dsn", "", "cursor store DSN (memory://, file://, sqlite://, postgres://)")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flags.logFormat, "log-format", "", "text or json")

	root.AddCommand(newRunCmd(flags), newSnapshotCmd(flags), newVersionCmd())
	return root
}

// load reads the config and lets explicitly set flags win over it.
func (f *rootFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	changed := cmd.Flags().Changed
	if changed("base-url") {
		cfg.Server.BaseURL = f.baseURL
	}
	if changed("workspace") {
		cfg.View.Workspace = f.workspace
	}
	if changed("sort") {
		cfg.View.Sort = f.sort
	}
	if changed("filter-file") {
		cfg.View.FilterFile = f.filterFile
	}
	if changed("query") {
		cfg.View.Query = f.query
	}
	if changed("per-page") {
		cfg.View.PerPage = f.perPage
	}
	if changed("cursor-dsn") {
		cfg.Cursor.DSN = f.cursorDSN
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// engineLogger bridges the Printf-style component loggers into slog.
func engineLogger(logger *slog.Logger) *log.Logger {
	return slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
}

type deps struct {
	view    doclist.View
	client  *remote.Client
	cursors cursorstore.Store
	metrics *doclist.Metrics
	logger  *slog.Logger
}

func buildDeps(cfg *config.Config, cursors cursorstore.Store, reg prometheus.Registerer) (*deps, error) {
	logger := newLogger(cfg.Log, os.Stderr)
	view, err := cfg.View.BuildView()
	if err != nil {
		return nil, err
	}
	client := remote.NewClient(cfg.Server.BaseURL, cfg.Server.Token, &http.Client{Timeout: cfg.Server.RequestTimeout.Std()})
	client.SetLogger(engineLogger(logger))
	if cursors == nil {
		cursors, err = cursorstore.BuildFromDSN(cfg.Cursor.DSN)
		if err != nil {
			return nil, err
		}
	}
	return &deps{
		view:    view,
		client:  client,
		cursors: cursors,
		metrics: doclist.NewMetrics(reg),
		logger:  logger,
	}, nil
}

func (d *deps) engine(feed config.FeedConfig) (*doclist.Engine, error) {
	return doclist.NewEngine(d.view, doclist.Options{
		Remote:             d.client,
		Cursors:            d.cursors,
		Logger:             engineLogger(d.logger),
		Metrics:            d.metrics,
		BaseDelay:          feed.BaseDelay.Std(),
		MaxDelay:           feed.MaxDelay.Std(),
		Jitter:             feed.Jitter,
		HydrateConcurrency: feed.HydrateConcurrency,
		HydrateLimit:       rate.Limit(feed.HydrateRate),
		HydrateBurst:       feed.HydrateBurst,
		RefreshDebounce:    feed.RefreshDebounce.Std(),
		ArchiveDelay:       feed.ArchiveDelay.Std(),
		OnFeedState: func(state doclist.FeedState) {
			d.logger.Info("feed state", "state", state.String())
		},
	})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "doclist-sync "+Version)
		},
	}
}
