package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/embee-go/embee/internal/inference"
	"github.com/embee-go/embee/internal/logger"
)

type benchRun struct {
	PromptTPS float64
	GenTPS    float64
	Prefill   time.Duration
	Duration  time.Duration
	Tokens    int
	Stop      inference.StopReason
}

func benchRunFrom(r *inference.Result) benchRun {
	st := r.Stats
	run := benchRun{
		GenTPS:   st.TPS,
		Prefill:  st.PrefillDuration,
		Duration: st.Duration,
		Tokens:   st.TokensGenerated,
		Stop:     r.Stop,
	}
	if st.PrefillDuration > 0 {
		run.PromptTPS = float64(st.PromptTokens-st.ReusedTokens) / st.PrefillDuration.Seconds()
	}
	return run
}

func printBenchResults(w io.Writer, runs []benchRun) {
	_, _ = fmt.Fprintln(w, "=== Results ===")
	_, _ = fmt.Fprintf(w, "%-6s %10s %10s %10s %10s %8s  %s\n", "Run", "Prompt", "Gen", "Prefill", "Duration", "Tokens", "Stop")
	_, _ = fmt.Fprintf(w, "%-6s %10s %10s %10s %10s %8s\n", "---", "tps", "tps", "", "", "")

	var sumPrompt, sumGen float64
	for i, r := range runs {
		_, _ = fmt.Fprintf(w, "%-6d %10.2f %10.2f %10s %10s %8d  %s\n",
			i+1, r.PromptTPS, r.GenTPS, r.Prefill.Round(time.Microsecond), r.Duration.Round(time.Millisecond), r.Tokens, r.Stop)
		sumPrompt += r.PromptTPS
		sumGen += r.GenTPS
	}
	if len(runs) == 0 {
		return
	}
	n := float64(len(runs))
	_, _ = fmt.Fprintf(w, "\n%-6s %10.2f %10.2f\n", "Avg", sumPrompt/n, sumGen/n)
}

func benchmarkCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		prompt     string
		steps      int64
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text for benchmarking",
			Value:       "Explain the theory of relativity in simple terms.",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "number of tokens to generate per run",
			Value:       128,
			Destination: &steps,
		},
	)

	return &cli.Command{
		Name:  "benchmark",
		Usage: "Measure prefill and decode throughput",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			if benchRuns < 1 || warmupRuns < 0 || steps < 1 {
				return cli.Exit("error: --runs and --steps must be >= 1 and --warmup >= 0", 1)
			}

			// Fixed seed and no cache reuse so every run does the same work.
			cfg := inference.DefaultGenerationConfig()
			cfg.MaxTokens = int(steps)
			cfg.Seed = 42
			cfg.UseCache = false

			res, err := loadModel(ctx, c, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = res.Engine.Close() }()

			fmt.Println("=== Embee Benchmark ===")
			fmt.Printf("Model:    %s (%s weights)\n", res.Summary.Name, formatModelSize(res.Summary.WeightBytes))
			fmt.Printf("Quant:    %s\n", res.Summary.Quant)
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Load:     %s\n", res.Duration.Round(time.Millisecond))
			fmt.Printf("Steps:    %d tokens\n", steps)
			fmt.Printf("Warmup:   %d runs\n", warmupRuns)
			fmt.Printf("Runs:     %d\n", benchRuns)
			fmt.Println()

			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, err := res.Engine.Generate(ctx, prompt, cfg); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			runs := make([]benchRun, 0, benchRuns)
			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				result, err := res.Engine.Generate(ctx, prompt, cfg)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				runs = append(runs, benchRunFrom(result))
			}
			printBenchResults(os.Stdout, runs)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}
