package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/embee-go/embee/internal/inference"
	"github.com/embee-go/embee/internal/tokenizer"
)

type logitEntry struct {
	Rank  int     `json:"rank"`
	ID    int     `json:"id"`
	Logit float32 `json:"logit"`
	Prob  float64 `json:"prob"`
	Piece string  `json:"piece"`
}

type logitsReport struct {
	Prompt    string       `json:"prompt"`
	VocabSize int          `json:"vocab_size"`
	Top       []logitEntry `json:"top"`
}

// topLogits ranks the n largest logits with their softmax probability and
// decoded piece. Ties keep the lower id first.
func topLogits(logits []float32, n int, tok tokenizer.Tokenizer) []logitEntry {
	if n <= 0 || n > len(logits) {
		n = len(logits)
	}
	if n == 0 {
		return nil
	}

	maxLogit := float32(math.Inf(-1))
	for _, v := range logits {
		maxLogit = max(maxLogit, v)
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - maxLogit))
	}

	order := make([]int, len(logits))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return logits[order[a]] > logits[order[b]] })

	out := make([]logitEntry, n)
	for r, id := range order[:n] {
		piece := ""
		if tok != nil && id < tok.VocabSize() {
			piece, _ = tok.Decode([]int{id})
		}
		out[r] = logitEntry{
			Rank:  r + 1,
			ID:    id,
			Logit: logits[id],
			Prob:  math.Exp(float64(logits[id]-maxLogit)) / sum,
			Piece: piece,
		}
	}
	return out
}

func writeLogitsTable(w io.Writer, rep logitsReport) {
	_, _ = fmt.Fprintf(w, "Next-token logits for %q (vocab %d)\n\n", rep.Prompt, rep.VocabSize)
	_, _ = fmt.Fprintf(w, "%-5s %8s %12s %10s  %s\n", "rank", "id", "logit", "prob", "piece")
	for _, e := range rep.Top {
		_, _ = fmt.Fprintf(w, "%-5d %8d %12.5f %10.6f  %s\n", e.Rank, e.ID, e.Logit, e.Prob, strconv.Quote(e.Piece))
	}
}

func logitsCmd() *cli.Command {
	var (
		prompt  string
		top     int
		asJSON  bool
		noBOS   bool
		noCache bool
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "input text",
			Required:    true,
			Destination: &prompt,
		},
		&cli.IntFlag{
			Name:        "top",
			Aliases:     []string{"k"},
			Usage:       "number of entries to print (0 = whole vocabulary)",
			Value:       10,
			Destination: &top,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON",
			Destination: &asJSON,
		},
		&cli.BoolFlag{
			Name:        "no-bos",
			Usage:       "do not prepend the BOS token",
			Destination: &noBOS,
		},
		&cli.BoolFlag{
			Name:        "no-cache",
			Usage:       "recompute every position",
			Destination: &noCache,
		},
	)

	return &cli.Command{
		Name:  "logits",
		Usage: "Print the next-token logits for a prompt",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if top < 0 {
				return cli.Exit("error: --top must be >= 0", 1)
			}
			res, err := loadModel(ctx, c, inference.DefaultGenerationConfig())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = res.Engine.Close() }()

			cfg := res.Engine.Defaults()
			cfg.AddBOS = !noBOS
			cfg.UseCache = !noCache
			values, err := res.Engine.Logits(ctx, prompt, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: logits: %v", err), 1)
			}

			rep := logitsReport{
				Prompt:    prompt,
				VocabSize: len(values),
				Top:       topLogits(values, top, res.Tokenizer),
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return cli.Exit(fmt.Sprintf("error: encode: %v", err), 1)
				}
				return nil
			}
			writeLogitsTable(os.Stdout, rep)
			return nil
		},
	}
}
