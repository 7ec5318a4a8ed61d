package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/embee-go/embee/internal/inference"
	"github.com/embee-go/embee/internal/logger"
	"github.com/embee-go/embee/internal/metrics"
)

var (
	modelPath   string
	modelsPath  string
	configFile  string
	logLevel    string
	logFormat   string
	debug       bool
	metricsFile string

	fileConfig Config
	registry   = prometheus.NewRegistry()
	engineMet  = metrics.New(registry)
)

func init() {
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func rootFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default $XDG_CONFIG_HOME/embee/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "metrics-file",
			Usage:       "write Prometheus metrics to this file on exit",
			Destination: &metricsFile,
		},
	}
	return append(flags, loggingFlags()...)
}

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .amb file",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "path to directory containing .amb models",
			Destination: &modelsPath,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "warn",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// genFlags holds the sampling flags shared by run, chat and benchmark.
type genFlags struct {
	maxTokens     int64
	temp          float64
	topP          float64
	repeatPenalty float64
	repeatLastN   int64
	seed          int64
	noCache       bool
	noBOS         bool
}

func generationFlags(g *genFlags) []cli.Flag {
	def := inference.DefaultGenerationConfig()
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n", "steps"},
			Usage:       "maximum tokens to generate",
			Value:       int64(def.MaxTokens),
			Destination: &g.maxTokens,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       float64(def.Temperature),
			Destination: &g.temp,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p", "topp"},
			Usage:       "nucleus sampling threshold",
			Value:       float64(def.TopP),
			Destination: &g.topP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Aliases:     []string{"repeat_penalty"},
			Usage:       "repetition penalty (1.0 = disabled)",
			Value:       float64(def.RepetitionPenalty),
			Destination: &g.repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Aliases:     []string{"repeat_last_n"},
			Usage:       "last n tokens to penalize (0 = whole context)",
			Value:       int64(def.RepeatLastN),
			Destination: &g.repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed (default -1 = random)",
			Value:       def.Seed,
			Destination: &g.seed,
		},
		&cli.BoolFlag{
			Name:        "no-cache",
			Usage:       "recompute the whole context on every turn",
			Destination: &g.noCache,
		},
		&cli.BoolFlag{
			Name:        "no-bos",
			Usage:       "do not prepend the BOS token",
			Destination: &g.noBOS,
		},
	}
}

func (g genFlags) config() inference.GenerationConfig {
	return inference.GenerationConfig{
		MaxTokens:         int(g.maxTokens),
		Temperature:       float32(g.temp),
		TopP:              float32(g.topP),
		RepetitionPenalty: float32(g.repeatPenalty),
		RepeatLastN:       int(g.repeatLastN),
		Seed:              g.seed,
		UseCache:          !g.noCache,
		AddBOS:            !g.noBOS,
	}
}

// setup loads the config file and installs the logger on the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := configFile
	if path == "" {
		path = configPath()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	fileConfig = cfg
	applyGlobalConfig(cmd, cfg)

	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	var log logger.Logger
	switch strings.ToLower(logFormat) {
	case "json":
		log = logger.JSON(os.Stderr, level)
	case "text":
		log = logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	default:
		log = logger.Pretty(os.Stderr, level)
	}
	if path != "" && cfg != (Config{}) {
		log.Debug("config loaded", "path", path)
	}
	return logger.WithContext(ctx, log), nil
}

func teardown(ctx context.Context, cmd *cli.Command) error {
	if metricsFile == "" {
		return nil
	}
	if err := metrics.WriteTextfile(metricsFile, registry); err != nil {
		return cli.Exit(fmt.Sprintf("error: write metrics: %v", err), 1)
	}
	logger.FromContext(ctx).Debug("metrics written", "path", metricsFile)
	return nil
}
