package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/embee-go/embee/internal/model"
	"github.com/embee-go/embee/pkg/amb"
)

type inspectOptions struct {
	tensors      bool
	quant        bool
	vocab        bool
	merges       bool
	rawJSON      bool
	tensorLimit  int
	vocabLimit   int
	tensorFilter string
}

type tensorRow struct {
	Name      string   `json:"name"`
	Shape     []uint32 `json:"shape"`
	DType     string   `json:"dtype"`
	Bytes     int      `json:"bytes"`
	Quant     string   `json:"quant,omitempty"`
	BlockSize int      `json:"block_size,omitempty"`
	Blocks    uint64   `json:"blocks,omitempty"`
	ScaleType string   `json:"scale_type,omitempty"`
	FullPrec  int      `json:"full_precision_blocks,omitempty"`
}

type inspectReport struct {
	Path     string       `json:"path"`
	Size     int64        `json:"size"`
	Header   amb.Header   `json:"-"`
	Version  uint8        `json:"version"`
	Sections sectionSizes `json:"sections"`
	Metadata amb.Metadata `json:"metadata"`
	Config   amb.Config   `json:"config"`
	// ConfigError is set when the config parses but the loader would reject it.
	ConfigError string         `json:"config_error,omitempty"`
	Tokenizer   tokenizerBrief `json:"tokenizer"`
	Tensors     []tensorRow    `json:"tensors"`
	DTypeCounts map[string]int `json:"dtype_counts"`
	DataBytes   int64          `json:"data_bytes"`
}

type sectionSizes struct {
	Metadata  uint32 `json:"metadata"`
	Config    uint32 `json:"config"`
	Tokenizer uint32 `json:"tokenizer"`
	Weights   uint64 `json:"weights"`
}

type tokenizerBrief struct {
	Type    string         `json:"type"`
	Vocab   int            `json:"vocab"`
	Merges  int            `json:"merges"`
	Special map[string]int `json:"special"`
}

func buildInspectReport(path string, size int64, f *amb.File) inspectReport {
	rep := inspectReport{
		Path:    path,
		Size:    size,
		Header:  f.Header,
		Version: f.Header.Version,
		Sections: sectionSizes{
			Metadata:  f.Header.MetadataSize,
			Config:    f.Header.ConfigSize,
			Tokenizer: f.Header.TokenizerSize,
			Weights:   f.Header.WeightsSize,
		},
		Metadata:    f.Metadata,
		Config:      f.Config,
		DTypeCounts: map[string]int{},
	}
	if _, err := model.ConfigFromAMB(f.Config); err != nil {
		rep.ConfigError = err.Error()
	}

	if ts := f.Tokenizer; ts != nil {
		rep.Tokenizer = tokenizerBrief{
			Type:    ts.Type.String(),
			Vocab:   len(ts.Vocab),
			Merges:  len(ts.Merges),
			Special: map[string]int{},
		}
		for _, sp := range []struct {
			name string
			id   uint16
		}{
			{"bos", ts.Special.BOS}, {"eos", ts.Special.EOS}, {"pad", ts.Special.PAD},
			{"unk", ts.Special.UNK}, {"sep", ts.Special.SEP},
		} {
			if sp.id != amb.NoToken {
				rep.Tokenizer.Special[sp.name] = int(sp.id)
			}
		}
	}

	for i := range f.Tensors {
		rec := &f.Tensors[i]
		tr := tensorRow{
			Name:  rec.Name,
			Shape: rec.Shape,
			DType: rec.DType.String(),
			Bytes: len(rec.Data),
		}
		if q := rec.Quant; q != nil {
			tr.Quant = q.Type.String()
			tr.BlockSize = int(q.BlockSize)
			tr.ScaleType = scaleTypeName(q.ScaleType)
			if _, n, err := rec.Blocks(); err == nil {
				tr.Blocks = n
			}
			for _, b := range q.Mask {
				tr.FullPrec += popcount8(b)
			}
		}
		rep.Tensors = append(rep.Tensors, tr)
		rep.DTypeCounts[tr.DType]++
		rep.DataBytes += int64(tr.Bytes)
	}
	return rep
}

func popcount8(b byte) int {
	n := 0
	for ; b != 0; b &= b - 1 {
		n++
	}
	return n
}

func scaleTypeName(s amb.ScaleType) string {
	switch s {
	case amb.ScaleF32:
		return "f32"
	case amb.ScaleF16:
		return "f16"
	case amb.ScaleBF16:
		return "bf16"
	default:
		return fmt.Sprintf("scale(%d)", uint8(s))
	}
}

func inspectCmd() *cli.Command {
	var (
		path   string
		opts   inspectOptions
		asJSON bool
		all    bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of an .amb model container",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .amb file",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{Name: "all", Usage: "show every table and raw section", Destination: &all},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensor records", Destination: &opts.tensors},
			&cli.BoolFlag{Name: "quant", Usage: "include quantization columns in the tensor list", Destination: &opts.quant},
			&cli.BoolFlag{Name: "vocab", Usage: "list vocab entries", Destination: &opts.vocab},
			&cli.BoolFlag{Name: "merges", Usage: "list BPE merges", Destination: &opts.merges},
			&cli.BoolFlag{Name: "raw", Usage: "print the raw metadata and config JSON", Destination: &opts.rawJSON},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &opts.tensorLimit},
			&cli.IntFlag{Name: "vocab-limit", Usage: "limit vocab and merge listing (0 = no limit)", Value: 50, Destination: &opts.vocabLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &opts.tensorFilter},
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if all {
				opts.tensors, opts.quant, opts.vocab, opts.merges, opts.rawJSON = true, true, true, true, true
				if !c.IsSet("tensors-limit") {
					opts.tensorLimit = 0
				}
			}

			stat, err := os.Stat(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat model path %q: %v", path, err), 1)
			}
			if stat.IsDir() {
				return cli.Exit(fmt.Sprintf("error: %q is a directory", path), 1)
			}
			format, err := model.DetectFormat(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if format != model.FormatAMB {
				return cli.Exit(fmt.Sprintf("error: %s is a %s file; only AMB containers can be inspected", path, format), 1)
			}

			f, err := amb.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			rep := buildInspectReport(path, stat.Size(), f)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return cli.Exit(fmt.Sprintf("error: encode: %v", err), 1)
				}
				return nil
			}
			printInspect(os.Stdout, rep, f, opts)
			return nil
		},
	}
}

func printInspect(w io.Writer, rep inspectReport, f *amb.File, opts inspectOptions) {
	_, _ = fmt.Fprintf(w, "AMB Inspect: %s\n", rep.Path)
	_, _ = fmt.Fprintf(w, "File: %s (%s)\n", filepath.Base(rep.Path), formatBytes(uint64(rep.Size)))
	_, _ = fmt.Fprintf(w, "AMB Header: v%d flags=%#04x metadata=%dB config=%dB tokenizer=%dB weights=%s\n",
		rep.Version, rep.Header.Flags, rep.Sections.Metadata, rep.Sections.Config,
		rep.Sections.Tokenizer, formatBytes(rep.Sections.Weights))

	section(w, "Metadata")
	md := rep.Metadata
	row(w, "name", md.Name)
	row(w, "family", md.Family)
	row(w, "creator", md.Creator)
	row(w, "license", md.License)
	row(w, "version", md.Version)
	row(w, "description", md.Description)
	for _, k := range sortedKeys(md.Extra) {
		row(w, "extra."+k, md.Extra[k])
	}

	section(w, "Config")
	cfg := rep.Config
	row(w, "architecture", cfg.Architecture)
	rowInt(w, "vocab_size", cfg.VocabSize)
	rowInt(w, "embedding_dim", cfg.EmbeddingDim)
	rowInt(w, "n_layers", cfg.NumLayers)
	rowInt(w, "n_heads", cfg.NumHeads)
	rowInt(w, "n_kv_heads", cfg.NumKVHeads)
	rowInt(w, "ffn_dim", cfg.FFNDim)
	rowInt(w, "max_seq_len", cfg.MaxSeqLen)
	row(w, "activation", cfg.Activation)
	row(w, "norm", cfg.Norm)
	rowFloat(w, "norm_eps", cfg.NormEps)
	row(w, "rope", strconv.FormatBool(cfg.Rope.Enabled))
	rowFloat(w, "rope.freq_base", cfg.Rope.FreqBase)
	rowFloat(w, "rope.scaling", cfg.Rope.Scaling)
	if cfg.TieEmbeddings {
		row(w, "tie_embeddings", "true")
	}
	row(w, "quantization", cfg.Quantization.Type)
	rowInt(w, "quant_block_size", cfg.Quantization.BlockSize)
	row(w, "config_error", rep.ConfigError)

	section(w, "Tokenizer")
	tb := rep.Tokenizer
	row(w, "type", tb.Type)
	rowInt(w, "vocab", tb.Vocab)
	rowInt(w, "merges", tb.Merges)
	for _, name := range []string{"bos", "eos", "pad", "unk", "sep"} {
		if id, ok := tb.Special[name]; ok {
			row(w, name, formatTokenInfo(f.Tokenizer, id))
		}
	}

	section(w, "Tensors")
	_, _ = fmt.Fprintf(w, "%-24s %d\n", "count:", len(rep.Tensors))
	_, _ = fmt.Fprintf(w, "%-24s %s\n", "data:", formatBytes(uint64(rep.DataBytes)))
	for _, k := range sortedKeys(rep.DTypeCounts) {
		_, _ = fmt.Fprintf(w, "%-24s %d\n", "dtype."+k+":", rep.DTypeCounts[k])
	}

	if opts.tensors {
		printTensorTable(w, rep.Tensors, opts)
	}
	if opts.vocab && f.Tokenizer != nil {
		printVocab(w, f.Tokenizer, opts.vocabLimit)
	}
	if opts.merges && f.Tokenizer != nil && len(f.Tokenizer.Merges) > 0 {
		printMerges(w, f.Tokenizer, opts.vocabLimit)
	}
	if opts.rawJSON {
		printRawSection(w, "Metadata JSON", f.RawMetadata)
		printRawSection(w, "Config JSON", f.RawConfig)
	}
}

func printTensorTable(w io.Writer, rows []tensorRow, opts inspectOptions) {
	section(w, "Tensor Index")
	shown := 0
	for _, r := range rows {
		if opts.tensorFilter != "" && !strings.Contains(r.Name, opts.tensorFilter) {
			continue
		}
		if opts.tensorLimit > 0 && shown >= opts.tensorLimit {
			_, _ = fmt.Fprintf(w, "... (limit %d reached)\n", opts.tensorLimit)
			return
		}
		shown++
		line := fmt.Sprintf("%-36s %-16s %-5s %10s", r.Name, formatShape(r.Shape), r.DType, formatBytes(uint64(r.Bytes)))
		if opts.quant && r.Quant != "" {
			line += fmt.Sprintf("  %s bs=%d blocks=%d scale=%s", r.Quant, r.BlockSize, r.Blocks, r.ScaleType)
			if r.Quant == amb.QuantAdaptive.String() {
				line += fmt.Sprintf(" full=%d", r.FullPrec)
			}
		}
		_, _ = fmt.Fprintln(w, line)
	}
	if shown == 0 {
		_, _ = fmt.Fprintln(w, "(no tensors match)")
	}
}

func printVocab(w io.Writer, ts *amb.TokenizerSection, limit int) {
	section(w, "Vocab")
	for i, e := range ts.Vocab {
		if limit > 0 && i >= limit {
			_, _ = fmt.Fprintf(w, "... (%d more)\n", len(ts.Vocab)-limit)
			return
		}
		_, _ = fmt.Fprintf(w, "%6d %-24s %g\n", i, strconv.Quote(e.Piece), e.Score)
	}
}

func printMerges(w io.Writer, ts *amb.TokenizerSection, limit int) {
	section(w, "Merges")
	for i, m := range ts.Merges {
		if limit > 0 && i >= limit {
			_, _ = fmt.Fprintf(w, "... (%d more)\n", len(ts.Merges)-limit)
			return
		}
		_, _ = fmt.Fprintf(w, "%6d %s %s\n", i, strconv.Quote(m.Left), strconv.Quote(m.Right))
	}
}

func printRawSection(w io.Writer, name string, data []byte) {
	section(w, name)
	if len(data) == 0 {
		_, _ = fmt.Fprintln(w, "(missing)")
		return
	}
	_, _ = fmt.Fprintln(w, string(data))
}

func section(w io.Writer, title string) {
	line := strings.Repeat("-", len(title)+8)
	_, _ = fmt.Fprintf(w, "\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(w io.Writer, label, value string) {
	if value == "" {
		return
	}
	_, _ = fmt.Fprintf(w, "%-24s %s\n", label+":", value)
}

func rowInt(w io.Writer, label string, v int) {
	if v == 0 {
		return
	}
	row(w, label, strconv.Itoa(v))
}

func rowFloat(w io.Writer, label string, v float64) {
	if v == 0 {
		return
	}
	row(w, label, strconv.FormatFloat(v, 'g', -1, 64))
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func formatShape(shape []uint32) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatUint(uint64(d), 10)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatTokenInfo(ts *amb.TokenizerSection, id int) string {
	if ts != nil && id >= 0 && id < len(ts.Vocab) {
		return fmt.Sprintf("%d %s", id, strconv.Quote(ts.Vocab[id].Piece))
	}
	return strconv.Itoa(id)
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
		tb = 1024 * gb
	)
	switch {
	case b >= tb:
		return fmt.Sprintf("%.2f TiB", float64(b)/float64(tb))
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
