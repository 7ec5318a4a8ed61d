package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/embee-go/embee/internal/inference"
	"github.com/embee-go/embee/internal/logger"
)

// loadModel resolves the model path from flags, config and environment and
// loads it into an engine.
func loadModel(ctx context.Context, c *cli.Command, defaults inference.GenerationConfig) (*inference.LoadResult, error) {
	applyModelConfig(c, fileConfig)
	path, err := resolveRunModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat model path %q: %w", path, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("model path %q is a directory", path)
	}
	loader := inference.Loader{
		Logger:   logger.FromContext(ctx),
		Metrics:  engineMet,
		Defaults: &defaults,
	}
	res, err := loader.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return res, nil
}

func printSummary(w io.Writer, res *inference.LoadResult) {
	s := res.Summary
	name := s.Name
	if name == "" {
		name = "(unnamed)"
	}
	_, _ = fmt.Fprintf(w, "Model: %s (%d layers, %d heads, %d embedding size)\n", name, s.Layers, s.Heads, s.EmbeddingDim)
	_, _ = fmt.Fprintf(w, "arch=%s kv_heads=%d vocab=%d ctx=%d quant=%s tensors=%d weights=%s\n",
		s.Architecture, s.KVHeads, s.VocabSize, s.MaxSeqLen, s.Quant, s.Tensors, formatModelSize(s.WeightBytes))
	if s.Family != "" || s.Creator != "" {
		_, _ = fmt.Fprintf(w, "family=%s creator=%s\n", s.Family, s.Creator)
	}
	_, _ = fmt.Fprintf(w, "Model loaded in %s\n", res.Duration)
}

func runCmd() *cli.Command {
	var (
		g          genFlags
		prompt     string
		streamMode string
		rawOutput  bool
		showConfig bool
		showTokens bool
		cpuProfile string
		memProfile string
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, generationFlags(&g)...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text (read from stdin when omitted)",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "stream-mode",
			Usage:       "output mode (instant, smooth, typewriter, quiet)",
			Value:       string(StreamInstant),
			Destination: &streamMode,
		},
		&cli.BoolFlag{
			Name:        "raw-output",
			Usage:       "escape control characters in generated text",
			Destination: &rawOutput,
		},
		&cli.BoolFlag{
			Name:        "show-config",
			Usage:       "print model summary",
			Destination: &showConfig,
		},
		&cli.BoolFlag{
			Name:        "show-tokens",
			Usage:       "print prompt and generated token ids",
			Destination: &showTokens,
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "write cpu profile to file",
			Destination: &cpuProfile,
		},
		&cli.StringFlag{
			Name:        "memprofile",
			Usage:       "write memory profile to file",
			Destination: &memProfile,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate a completion for a single prompt",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyGenerationConfig(c, fileConfig, &g)
			if fileConfig.StreamMode != "" && !c.IsSet("stream-mode") {
				streamMode = fileConfig.StreamMode
			}
			mode, err := parseStreamMode(streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			cfg := g.config()
			if err := cfg.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("could not create CPU profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("could not start CPU profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}
			if memProfile != "" {
				defer func() {
					f, err := os.Create(memProfile)
					if err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
						return
					}
					defer func() { _ = f.Close() }()
					if err := pprof.WriteHeapProfile(f); err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
					}
				}()
			}

			if prompt == "" && !stdinIsTTY() {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read prompt: %v", err), 1)
				}
				prompt = strings.TrimRight(string(data), "\r\n")
			}
			if prompt == "" {
				return cli.Exit("error: --prompt is required", 1)
			}

			res, err := loadModel(ctx, c, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = res.Engine.Close() }()
			if showConfig {
				printSummary(os.Stderr, res)
			}

			if showTokens {
				if ids, err := res.Tokenizer.Encode(prompt); err == nil {
					_, _ = fmt.Fprintf(os.Stderr, "Input tokens (%d): %s\n", len(ids), joinInts(ids))
				}
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			out := NewStreamWriter(os.Stdout, mode, rawOutput)
			result, err := res.Engine.GenerateStream(ctx, prompt, cfg, func(_ int, text string) bool {
				out.Write(text)
				return true
			})
			out.Flush()
			fmt.Println()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: generation: %v", err), 1)
			}
			if showTokens {
				_, _ = fmt.Fprintf(os.Stderr, "Output tokens (%d): %s\n", len(result.Tokens), joinInts(result.Tokens))
			}
			printStats(os.Stderr, result)
			return nil
		},
	}
}

func printStats(w io.Writer, r *inference.Result) {
	st := r.Stats
	_, _ = fmt.Fprintf(w, "Stats: %.2f TPS (%d tokens in %s, prompt %d tokens, %d reused, prefill %s) stop=%s\n",
		st.TPS, st.TokensGenerated, st.DecodeDuration, st.PromptTokens, st.ReusedTokens, st.PrefillDuration, r.Stop)
}

func joinInts(ids []int) string {
	if len(ids) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&b, "%d", id)
	}
	b.WriteByte(']')
	return b.String()
}
