// Command reportflow runs the partnership-analysis report pipeline.
//
// Usage:
//
//	reportflow run --partner "Acme Clinic"   # execute the pipeline
//	reportflow run --config config.yaml      # with a config file
//	reportflow validate --config config.yaml # check a config file
//	reportflow version                       # show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/reportflow/config"
	"github.com/BaSui01/reportflow/internal/metrics"
	"github.com/BaSui01/reportflow/pipeline"
	"github.com/BaSui01/reportflow/recovery"
	"github.com/BaSui01/reportflow/report"
	"github.com/BaSui01/reportflow/state"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runPipeline(os.Args[2:]))
	case "validate":
		os.Exit(runValidate(os.Args[2:]))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runPipeline(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	partner := fs.String("partner", "", "Partner name (required)")
	partnerType := fs.String("partner-type", "medical_aesthetics", "Partner type")
	industry := fs.String("industry", "medical_aesthetics", "Industry")
	location := fs.String("location", "Jakarta", "Location")
	revenueShare := fs.Float64("revenue-share", 12.0, "Revenue share percentage")
	capex := fs.Float64("capex", 0, "CAPEX investment")
	outputDir := fs.String("output", "data/output", "Output directory for report artifacts")
	retries := fs.Int("retries", 2, "Workflow-level retries on transient failures")
	fs.Parse(args)

	if *partner == "" {
		fmt.Fprintln(os.Stderr, "run: --partner is required")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting reportflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("workflow", cfg.Workflow.Name),
	)

	store, err := state.NewStore(state.StoreConfig{
		Dir:         cfg.State.Dir,
		LockTimeout: cfg.State.LockTimeout,
		MaxHistory:  cfg.State.MaxHistory,
	}, logger)
	if err != nil {
		logger.Error("failed to open state store", zap.Error(err))
		return 1
	}
	defer store.Close()

	var cache state.Cache = store
	if cfg.State.CacheBackend == "redis" {
		redisCache, err := state.NewRedisCache(state.RedisCacheConfig{
			Addr:     cfg.State.Redis.Addr,
			Password: cfg.State.Redis.Password,
			DB:       cfg.State.Redis.DB,
		}, logger)
		if err != nil {
			logger.Error("failed to connect redis cache", zap.Error(err))
			return 1
		}
		defer redisCache.Close()
		cache = redisCache
	}

	var mirror *state.HistoryMirror
	if cfg.State.SQLitePath != "" {
		mirror, err = state.NewHistoryMirror(cfg.State.SQLitePath, logger)
		if err != nil {
			logger.Warn("history mirror unavailable", zap.Error(err))
		} else {
			defer mirror.Close()
		}
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, nil, logger)
	}

	suite, err := report.NewDryRunSuite(*outputDir)
	if err != nil {
		logger.Error("failed to prepare output directory", zap.Error(err))
		return 1
	}

	handler := recovery.NewHandler(cfg.Retry.Policy, cfg.Retry.GracefulDegradation, logger)
	coordinator := pipeline.NewCoordinator(cfg, store, handler, collector, logger)

	builder := report.NewBuilder(report.Deps{
		Researcher: suite,
		Extractor:  suite,
		Calculator: suite,
		Normalizer: suite,
		Formatter:  suite,
		Renderer:   suite,
		Cache:      cache,
		Collector:  collector,
	}, cfg.Cache, logger)
	if err := builder.Attach(coordinator); err != nil {
		logger.Error("failed to register pipeline stages", zap.Error(err))
		return 1
	}

	input := pipeline.Context{
		"partner_name":      *partner,
		"partner_type":      *partnerType,
		"industry":          *industry,
		"location":          *location,
		"revenue_share_pct": *revenueShare,
		"capex_investment":  *capex,
	}
	if err := builder.ValidateInput(input); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid input: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := coordinator.RunWithRetry(ctx, input, *retries)
	if err != nil {
		logger.Error("workflow execution failed", zap.Error(err))
		return 1
	}

	if mirror != nil {
		if rec, err := store.GetExecution(coordinator.ExecutionID()); err == nil {
			mirror.Record(rec)
		}
	}

	switch {
	case result.Success && !result.Partial:
		fmt.Printf("Workflow completed: %v/%v stages\n",
			result.Context["stages_completed"], result.Context["stages_total"])
		return 0
	case result.Success:
		fmt.Println(result.Message)
		return 0
	default:
		fmt.Fprintln(os.Stderr, result.Message)
		return 1
	}
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}

	fmt.Printf("Configuration OK: workflow %q, cache backend %s\n",
		cfg.Workflow.Name, cfg.State.CacheBackend)
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	return loader.Load()
}

func printVersion() {
	fmt.Printf("reportflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`reportflow - partnership analysis report pipeline

Usage:
  reportflow <command> [options]

Commands:
  run       Execute the report pipeline
  validate  Validate a configuration file
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>      Path to configuration file (YAML)
  --partner <name>     Partner name (required)
  --partner-type <t>   Partner type (default medical_aesthetics)
  --industry <i>       Industry (default medical_aesthetics)
  --location <l>       Location (default Jakarta)
  --revenue-share <p>  Revenue share percentage (default 12)
  --capex <amount>     CAPEX investment (default 0)
  --output <dir>       Output directory (default data/output)
  --retries <n>        Workflow retries on transient failures (default 2)

Examples:
  reportflow run --partner "Acme Clinic" --location Jakarta
  reportflow run --config /etc/reportflow/config.yaml --partner "Acme Clinic"
  reportflow validate --config config.yaml
  reportflow version`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
