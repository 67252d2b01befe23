package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/garimpo-io/garimpo/internal/pipeline"
	"github.com/garimpo-io/garimpo/pkg/config"
	"github.com/garimpo-io/garimpo/pkg/connector/registry"
	"github.com/garimpo-io/garimpo/pkg/consolidate"
	"github.com/garimpo-io/garimpo/pkg/fetch"
	"github.com/garimpo-io/garimpo/pkg/ledger"
	"github.com/garimpo-io/garimpo/pkg/logger"
	"github.com/garimpo-io/garimpo/pkg/storage"

	// Import all source families to register them
	_ "github.com/garimpo-io/garimpo/pkg/connector/b3"
	_ "github.com/garimpo-io/garimpo/pkg/connector/cvm"
	_ "github.com/garimpo-io/garimpo/pkg/connector/snd"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	var configFile string

	root := &cobra.Command{
		Use:   "garimpo",
		Short: "Garimpo - Brazilian capital-markets data pipeline",
		Long: `Garimpo ingests Brazilian regulatory and market data (CVM corporate filings,
the SND debenture registry, B3 financial indicators), consolidates it into
canonical gold tables and publishes columnar artifacts to object storage.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Path to the configuration file (defaults plus GARIMPO_* environment when omitted)")

	// Version command
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Garimpo v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	// Sources command to show the registered source families
	root.AddCommand(&cobra.Command{
		Use:   "sources",
		Short: "List registered source families",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			fmt.Println("Registered source families:")
			for _, id := range registeredSources() {
				if cfg.Source(id).Disabled {
					fmt.Printf("  - %s (disabled)\n", id)
					continue
				}
				fmt.Printf("  - %s\n", id)
			}
			return nil
		},
	})

	// Main run command
	var sourceID, refDate string
	var parallel bool

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ingestion cycle",
		Long: `Run one ingestion cycle: discover candidate documents, fetch the ones whose
content changed, parse and consolidate them into gold tables and publish
columnar artifacts. Each source family runs as its own job with its own
trace id.

Example:
  garimpo run --config garimpo.yaml --source cvm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngestion(configFile, sourceID, refDate, parallel)
		},
	}
	runCmd.Flags().StringVarP(&sourceID, "source", "s", "",
		"Run a single source family instead of every enabled one")
	runCmd.Flags().BoolVar(&parallel, "parallel", false,
		"Run source families concurrently")
	runCmd.Flags().StringVar(&refDate, "ref-date", "",
		"Pin the artifact reference date (YYYY-MM-DD) for run-dated tables")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runIngestion wires the pipeline from configuration and executes the runs.
func runIngestion(configFile, sourceID, refDate string, parallel bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if parallel {
		cfg.Run.Parallel = true
	}
	if refDate != "" {
		if _, err := time.Parse("2006-01-02", refDate); err != nil {
			return fmt.Errorf("invalid --ref-date %q: expected YYYY-MM-DD", refDate)
		}
		cfg.Run.RefDate = refDate
	}

	if err := logger.Reconfigure(logger.Config{
		Level:       cfg.Logging.Level,
		Encoding:    cfg.Logging.Encoding,
		Development: cfg.Logging.Development,
	}); err != nil {
		return fmt.Errorf("logger configuration error: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get().With(zap.String("component", "garimpo-cli"))

	if sourceID != "" && !registry.Has(sourceID) {
		return fmt.Errorf("unknown source family %q (registered: %s)",
			sourceID, strings.Join(registeredSources(), ", "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return fmt.Errorf("catalog error: %w", err)
	}

	led, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("ledger error: %w", err)
	}
	defer func() {
		if err := led.Close(); err != nil {
			log.Warn("failed to close ledger", zap.Error(err))
		}
	}()

	store, err := storage.NewS3Store(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("object store error: %w", err)
	}

	var cache storage.Cache
	if cfg.Cache.Addr != "" {
		redisCache := storage.NewRedisCache(cfg.Cache)
		defer func() {
			if err := redisCache.Close(); err != nil {
				log.Warn("failed to close serving cache", zap.Error(err))
			}
		}()
		cache = redisCache
	}

	clientCfg := fetch.DefaultConfig()
	if cfg.Run.RequestTimeout > 0 {
		clientCfg.RequestTimeout = cfg.Run.RequestTimeout
	}
	client := fetch.NewClient(clientCfg, nil)
	defer client.Close()

	runner, err := pipeline.NewRunner(cfg, client, led, store, catalog, cache)
	if err != nil {
		return err
	}

	log.Info("starting ingestion",
		zap.String("format", cfg.Run.Format),
		zap.Bool("parallel", cfg.Run.Parallel),
		zap.Int("workers", cfg.Run.Workers))

	start := time.Now()
	var results []pipeline.Result
	if sourceID != "" {
		results = []pipeline.Result{runner.Run(ctx, sourceID)}
	} else {
		results = runner.RunAll(ctx)
	}
	if len(results) == 0 {
		return fmt.Errorf("no enabled source families to run")
	}

	failed := 0
	for _, res := range results {
		if res.Completed() {
			fmt.Printf("%s: ok (succeeded=%d skipped=%d failed=%d artifacts=%d)\n",
				res.Source, res.Succeeded, res.Skipped, res.Failed, len(res.Artifacts))
			continue
		}
		failed++
		fmt.Printf("%s: FAILED at %s: %v\n", res.Source, res.FailedStage, res.Err)
	}

	log.Info("ingestion finished",
		zap.Int("sources", len(results)),
		zap.Int("failed", failed),
		zap.Duration("duration", time.Since(start)))

	if failed > 0 {
		return fmt.Errorf("%d of %d source runs failed", failed, len(results))
	}
	return nil
}

func loadCatalog(cfg *config.Config) (*consolidate.Catalog, error) {
	if cfg.CatalogPath != "" {
		return consolidate.LoadCatalog(cfg.CatalogPath)
	}
	return consolidate.DefaultCatalog()
}

func registeredSources() []string {
	ids := registry.List()
	sort.Strings(ids)
	return ids
}
