package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Sternrassler/gh-harvest/internal/config"
	"github.com/Sternrassler/gh-harvest/pkg/cache"
	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/logging"
	"github.com/Sternrassler/gh-harvest/pkg/metrics"
	"github.com/Sternrassler/gh-harvest/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath  string
	logLevel    string
	pretty      bool
	dataDir     string
	metricsAddr string
	redisURL    string
	timeout     time.Duration
	pageDelay   time.Duration
}

// app holds the resources of one invocation.
type app struct {
	flags globalFlags

	cfg     *config.Config
	logger  zerolog.Logger
	redis   *redis.Client
	cache   *cache.Manager
	tracker *ratelimit.Tracker
	closers []func() error
}

// run executes the CLI with args and releases every resource afterwards.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "gh-harvest",
		Short: "Harvest GitHub and OpenAQ datasets into CSV files",
		Long: `gh-harvest walks cursor-paginated GitHub GraphQL connections and the
OpenAQ v3 REST API and stores the results as CSV files in the data directory.

Set GITHUB_TOKEN (and OPENAQ_API_TOKEN for the openaq command), optionally in a
.env file, before running a harvest.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	f := root.PersistentFlags()
	f.StringVar(&a.flags.configPath, "config", "", "YAML configuration file")
	f.StringVar(&a.flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.BoolVar(&a.flags.pretty, "pretty", false, "human-readable log output")
	f.StringVar(&a.flags.dataDir, "data-dir", "", "directory for CSV results")
	f.StringVar(&a.flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	f.StringVar(&a.flags.redisURL, "redis", "", "Redis URL for the page cache and shared rate-limit state")
	f.DurationVar(&a.flags.timeout, "timeout", 0, "timeout of a single HTTP attempt")
	f.DurationVar(&a.flags.pageDelay, "page-delay", 0, "pause between page requests")

	root.AddCommand(
		newReposCmd(a),
		newPullRequestsCmd(a),
		newOpenAQCmd(a),
		newExecCmd(a),
		newListCmd(a),
		newCacheCmd(a),
	)
	return root
}

// setup loads the configuration and opens the shared resources.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}
	if err := a.applyFlags(cmd, cfg); err != nil {
		return err
	}
	a.cfg = cfg

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: cmd.ErrOrStderr(),
	})

	ctx := logging.WithHarvestID(cmd.Context(), uuid.NewString())
	cmd.SetContext(ctx)
	a.logger = logging.FromContext(ctx, "cli")

	if cfg.MetricsAddr != "" {
		a.startMetrics(ctx, cfg.MetricsAddr)
	}

	a.tracker = ratelimit.NewTracker(ratelimit.NewMemoryStore(), logging.NewLogger("ratelimit"))
	if cfg.Redis.Enabled() {
		if err := a.openRedis(ctx, cfg.Redis.URL); err != nil {
			a.close()
			return err
		}
	}

	a.logger.Debug().
		Str("command", cmd.Name()).
		Str("data_dir", cfg.DataDir).
		Bool("redis", a.redis != nil).
		Msg("Configuration loaded")
	return nil
}

// applyFlags lets explicitly set flags override the loaded configuration.
func (a *app) applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.flags.logLevel
	}
	if flags.Changed("pretty") {
		cfg.Log.Pretty = a.flags.pretty
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = a.flags.dataDir
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = a.flags.metricsAddr
	}
	if flags.Changed("redis") {
		cfg.Redis.URL = a.flags.redisURL
	}
	if flags.Changed("timeout") {
		cfg.Timeout = a.flags.timeout
	}
	if flags.Changed("page-delay") {
		cfg.PageDelay = a.flags.pageDelay
	}
	return cfg.Validate()
}

func (a *app) startMetrics(ctx context.Context, addr string) {
	ctx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- metrics.Serve(ctx, addr, logging.NewLogger("metrics"))
	}()
	a.closers = append(a.closers, func() error {
		stop()
		return <-done
	})
}

func (a *app) openRedis(ctx context.Context, rawURL string) error {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return fmt.Errorf("%w: redis url: %v", client.ErrInvalidArgument, err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return fmt.Errorf("connect to redis: %w", err)
	}

	a.redis = rdb
	a.cache = cache.NewManager(rdb, cache.DefaultTTL)
	a.tracker = ratelimit.NewTracker(ratelimit.NewRedisStore(rdb), logging.NewLogger("ratelimit"))
	a.closers = append(a.closers, rdb.Close)
	a.logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// githubClient builds the GraphQL client for the configured token.
func (a *app) githubClient() (*client.Client, error) {
	if err := a.cfg.RequireGitHubToken(); err != nil {
		return nil, err
	}
	cc := client.DefaultConfig(a.cfg.GitHub.Token, a.cfg.UserAgent)
	cc.Endpoint = a.cfg.GitHub.Endpoint
	cc.Timeout = a.cfg.Timeout
	cc.Retry = a.cfg.Retry.Client()
	cc.RateLimiter = a.tracker
	cc.Cache = a.cache
	return client.New(cc)
}

// openAQClient builds the REST client for OpenAQ.
func (a *app) openAQClient() (*client.Client, error) {
	if err := a.cfg.RequireOpenAQToken(); err != nil {
		return nil, err
	}
	cc := client.DefaultConfig(a.cfg.OpenAQ.Token, a.cfg.UserAgent)
	cc.Endpoint = a.cfg.OpenAQ.Endpoint
	cc.AuthScheme = client.AuthAPIKey
	cc.Timeout = a.cfg.Timeout
	cc.Retry = a.cfg.Retry.Client()
	return client.New(cc)
}
