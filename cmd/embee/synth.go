package main

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/embee-go/embee/internal/logger"
	"github.com/embee-go/embee/internal/model"
	"github.com/embee-go/embee/internal/tokenizer"
	"github.com/embee-go/embee/internal/weights"
	"github.com/embee-go/embee/pkg/amb"
)

const (
	defaultSynthBlockSize = 32
	envEmbeeSynthDir      = "EMBEE_SYNTH_OUT_DIR"
)

// resolveSynthOut returns the output path and whether it was derived from
// the model name. A derived path is <dir>/<name>.amb, with dir from
// EMBEE_SYNTH_OUT_DIR or ./out. The parent directory is created either way.
func resolveSynthOut(name, outFlag string) (string, bool, error) {
	path := filepath.Clean(strings.TrimSpace(outFlag))
	derived := strings.TrimSpace(outFlag) == ""
	if derived {
		name = strings.TrimSpace(name)
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return "", true, fmt.Errorf("model name %q cannot be used as a file name; set --out", name)
		}
		dir := cmp.Or(strings.TrimSpace(os.Getenv(envEmbeeSynthDir)), filepath.Join(".", "out"))
		path = filepath.Join(dir, name+modelExt)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", derived, err
	}
	return path, derived, nil
}

type synthParams struct {
	name       string
	arch       string
	activation string
	vocab      int
	layers     int
	heads      int
	kvHeads    int
	embd       int
	ffn        int
	ctx        int
	quant      string
	blockSize  int
	scaleType  string
	seed       int64
	tie        bool
	noRope     bool

	hfTokenizer       string
	hfTokenizerConfig string
}

func parseScaleType(s string) (amb.ScaleType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "fp32":
		return amb.ScaleF32, nil
	case "f16", "fp16":
		return amb.ScaleF16, nil
	case "bf16":
		return amb.ScaleBF16, nil
	default:
		return 0, fmt.Errorf("unknown scale type %q (want f32, f16 or bf16)", s)
	}
}

// options turns flag values into synthesizer input. vocabSet reports whether
// the vocabulary size came from the command line.
func (p synthParams) options(vocabSet bool) (model.SynthOptions, error) {
	qt, ok := amb.ParseQuantType(p.quant)
	if !ok {
		return model.SynthOptions{}, fmt.Errorf("unknown quantization %q", p.quant)
	}
	st, err := parseScaleType(p.scaleType)
	if err != nil {
		return model.SynthOptions{}, err
	}
	spec := weights.QuantSpec{Type: qt, ScaleType: st}
	if qt.Blocked() {
		spec.BlockSize = p.blockSize
		if spec.BlockSize <= 0 {
			spec.BlockSize = defaultSynthBlockSize
		}
	}

	var ts *amb.TokenizerSection
	vocab := p.vocab
	if p.hfTokenizer != "" {
		ts, err = tokenizer.ImportHF(p.hfTokenizer, p.hfTokenizerConfig)
		if err != nil {
			return model.SynthOptions{}, err
		}
		if !vocabSet {
			vocab = len(ts.Vocab)
		}
		if vocab < len(ts.Vocab) {
			return model.SynthOptions{}, fmt.Errorf("vocab %d smaller than imported tokenizer (%d entries)", vocab, len(ts.Vocab))
		}
	}

	cfg := amb.Config{
		Architecture:  p.arch,
		VocabSize:     vocab,
		EmbeddingDim:  p.embd,
		NumLayers:     p.layers,
		NumHeads:      p.heads,
		NumKVHeads:    p.kvHeads,
		FFNDim:        p.ffn,
		MaxSeqLen:     p.ctx,
		Rope:          amb.RopeConfig{Enabled: !p.noRope},
		Activation:    p.activation,
		TieEmbeddings: p.tie,
	}
	if !p.noRope {
		cfg.Rope.FreqBase = 10000
	}
	if _, err := model.ConfigFromAMB(cfg); err != nil {
		return model.SynthOptions{}, err
	}

	return model.SynthOptions{
		Config: cfg,
		Metadata: amb.Metadata{
			Name:        p.name,
			Creator:     "embee synth",
			Description: "randomly initialised weights",
			Extra:       map[string]string{"seed": fmt.Sprint(p.seed)},
		},
		Tokenizer: ts,
		Quant:     spec,
		Seed:      p.seed,
	}, nil
}

func synthCmd() *cli.Command {
	var (
		p   synthParams
		out string
	)

	return &cli.Command{
		Name:  "synth",
		Usage: "Write a randomly initialised AMB model",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "model name (also the default file name)", Value: "synth", Destination: &p.name},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output .amb path (default $" + envEmbeeSynthDir + "/<name>.amb or ./out)", Destination: &out},
			&cli.StringFlag{Name: "arch", Usage: "architecture (llama, mistral, gemma, phi, falcon, gpt2, mpt, custom)", Value: "llama", Destination: &p.arch},
			&cli.StringFlag{Name: "activation", Usage: "feed-forward activation (gelu, silu, relu, swiglu)", Value: "swiglu", Destination: &p.activation},
			&cli.IntFlag{Name: "vocab", Usage: "vocabulary size", Value: 259, Destination: &p.vocab},
			&cli.IntFlag{Name: "layers", Usage: "number of layers", Value: 2, Destination: &p.layers},
			&cli.IntFlag{Name: "heads", Usage: "attention heads", Value: 4, Destination: &p.heads},
			&cli.IntFlag{Name: "kv-heads", Usage: "key/value heads (0 = heads)", Destination: &p.kvHeads},
			&cli.IntFlag{Name: "embd", Usage: "embedding size", Value: 64, Destination: &p.embd},
			&cli.IntFlag{Name: "ffn", Usage: "feed-forward size (0 = 4x embedding)", Destination: &p.ffn},
			&cli.IntFlag{Name: "ctx", Usage: "maximum sequence length", Value: 256, Destination: &p.ctx},
			&cli.StringFlag{Name: "quant", Usage: "quantization (none, int8, int4, int5, int4_block, int5_block, adaptive)", Value: "int8", Destination: &p.quant},
			&cli.IntFlag{Name: "block-size", Usage: "block size for blocked quantization", Value: defaultSynthBlockSize, Destination: &p.blockSize},
			&cli.StringFlag{Name: "scale-type", Usage: "block scale encoding (f32, f16, bf16)", Value: "f32", Destination: &p.scaleType},
			&cli.Int64Flag{Name: "seed", Usage: "random seed", Value: 1, Destination: &p.seed},
			&cli.BoolFlag{Name: "tie-embeddings", Usage: "share the embedding matrix with the output head", Destination: &p.tie},
			&cli.BoolFlag{Name: "no-rope", Usage: "disable rotary embeddings", Destination: &p.noRope},
			&cli.StringFlag{Name: "hf-tokenizer", Usage: "import vocabulary from a Hugging Face tokenizer.json", Destination: &p.hfTokenizer},
			&cli.StringFlag{Name: "hf-tokenizer-config", Usage: "optional tokenizer_config.json for special tokens", Destination: &p.hfTokenizerConfig},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			opts, err := p.options(c.IsSet("vocab"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			outPath, defaulted, err := resolveSynthOut(p.name, out)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve output: %v", err), 1)
			}
			if defaulted {
				log.Info("using default output path", "path", outPath)
			}

			start := time.Now()
			w, err := model.Synthesize(opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := w.WriteFile(outPath); err != nil {
				return cli.Exit(fmt.Sprintf("error: write %s: %v", outPath, err), 1)
			}
			size := int64(0)
			if st, err := os.Stat(outPath); err == nil {
				size = st.Size()
			}
			log.Info("synthesized model", "path", outPath, "tensors", w.NumTensors(), "quant", opts.Quant.Type.String(), "duration", time.Since(start))
			fmt.Printf("wrote %s (%d tensors, %s, %s)\n", outPath, w.NumTensors(), opts.Quant.Type, formatModelSize(size))
			return nil
		},
	}
}
