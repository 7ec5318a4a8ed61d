package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/embee-go/embee/internal/inference"
	"github.com/embee-go/embee/internal/kvcache"
)

const defaultSystemPrompt = "You are an AI assistant. You are helpful, harmless, and honest."

type palette struct {
	reset, bold, red, green, yellow, blue, magenta, cyan string
}

func newPalette(enabled bool) palette {
	if !enabled {
		return palette{}
	}
	return palette{
		reset:   "\033[0m",
		bold:    "\033[1m",
		red:     "\033[31m",
		green:   "\033[32m",
		yellow:  "\033[33m",
		blue:    "\033[34m",
		magenta: "\033[35m",
		cyan:    "\033[36m",
	}
}

// transcript is the running conversation fed to the model each turn. Turns
// only ever append, so the engine can reuse the cached prefix.
type transcript struct {
	b strings.Builder
}

func newTranscript(system string) *transcript {
	t := &transcript{}
	t.reset(system)
	return t
}

func (t *transcript) reset(system string) {
	t.b.Reset()
	if system = strings.TrimSpace(system); system != "" {
		t.b.WriteString(system)
		t.b.WriteString("\n\n")
	}
}

// userTurn appends a user message and opens the assistant reply.
func (t *transcript) userTurn(msg string) string {
	t.b.WriteString("User: ")
	t.b.WriteString(msg)
	t.b.WriteString("\n\nAssistant: ")
	return t.b.String()
}

func (t *transcript) assistantReply(text string) {
	t.b.WriteString(text)
	t.b.WriteString("\n\n")
}

func (t *transcript) String() string { return t.b.String() }

func chatCmd() *cli.Command {
	var (
		g       genFlags
		system  string
		noColor bool
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, generationFlags(&g)...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "system",
			Aliases:     []string{"sys"},
			Usage:       "system prompt opening the conversation",
			Value:       defaultSystemPrompt,
			Destination: &system,
		},
		&cli.BoolFlag{
			Name:        "no-color",
			Usage:       "disable coloured output",
			Destination: &noColor,
		},
	)

	return &cli.Command{
		Name:  "chat",
		Usage: "Chat with a model interactively",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyGenerationConfig(c, fileConfig, &g)
			if fileConfig.System != "" && !c.IsSet("system") {
				system = fileConfig.System
			}
			if !c.IsSet("max-tokens") && fileConfig.MaxTokens == nil {
				g.maxTokens = 1024
			}
			cfg := g.config()
			if err := cfg.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			col := newPalette(!noColor && stdoutIsTTY())
			_, _ = fmt.Printf("%s%sLoading model%s\n", col.bold, col.cyan, col.reset)
			res, err := loadModel(ctx, c, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("%serror: %v%s", col.red, err, col.reset), 1)
			}
			defer func() { _ = res.Engine.Close() }()
			printSummary(os.Stdout, res)

			session, err := res.Engine.NewSession()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return chatLoop(ctx, session, cfg, system, col, os.Stdout)
		},
	}
}

func chatLoop(ctx context.Context, session *inference.Session, cfg inference.GenerationConfig, system string, col palette, out io.Writer) error {
	conv := newTranscript(system)
	_, _ = fmt.Fprintf(out, "%s%sChat with the model. Type 'exit' to quit, '/reset' to start over.%s\n", col.bold, col.green, col.reset)

	for {
		line, err := readInteractiveLine(fmt.Sprintf("\n%s%sUser:%s ", col.bold, col.blue, col.reset))
		if errors.Is(err, io.EOF) {
			_, _ = fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			return err
		}
		input := strings.TrimSpace(line)
		switch input {
		case "":
			continue
		case "exit", "/exit", "quit":
			return nil
		case "/reset":
			conv.reset(system)
			session.Reset()
			_, _ = fmt.Fprintf(out, "%sconversation cleared%s\n", col.magenta, col.reset)
			continue
		}

		prompt := conv.userTurn(input)
		_, _ = fmt.Fprintf(out, "%s%sAssistant:%s ", col.bold, col.yellow, col.reset)

		turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		start := time.Now()
		var reply strings.Builder
		result, err := session.Generate(turnCtx, prompt, cfg, func(_ int, text string) bool {
			_, _ = io.WriteString(out, text)
			reply.WriteString(text)
			return true
		})
		stop()
		elapsed := time.Since(start)
		_, _ = fmt.Fprintln(out)

		if errors.Is(err, kvcache.ErrCapacityExceeded) {
			_, _ = fmt.Fprintf(out, "%sconversation no longer fits the context window; type /reset%s\n", col.red, col.reset)
			continue
		}
		if err != nil {
			return fmt.Errorf("generation: %w", err)
		}
		conv.assistantReply(reply.String())

		_, _ = fmt.Fprintf(out, "%s[Generated %d tokens in %.2f seconds, %.1f tok/s, %d reused, stop=%s]%s\n",
			col.magenta, result.Stats.TokensGenerated, elapsed.Seconds(), result.Stats.TPS,
			result.Stats.ReusedTokens, result.Stop, col.reset)
	}
}

func stdoutIsTTY() bool {
	st, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
