package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/embee-go/embee/pkg/amb"
)

const (
	envEmbeeModelsDir = "EMBEE_MODELS_DIR"
	modelExt          = ".amb"
)

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

// catalogEntry is one model file found under a models directory.
type catalogEntry struct {
	Path     string
	Rel      string
	Size     int64
	Metadata amb.Metadata
	Config   amb.Config
	// Err is set for .amb files whose header or JSON sections do not parse.
	Err error
}

// Label is the short "name, arch, quant" description.
func (e catalogEntry) Label() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{e.Metadata.Name, e.Config.Architecture, e.Config.Quantization.Type} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// Line renders the entry for listings; broken files show why.
func (e catalogEntry) Line() string {
	size := formatModelSize(e.Size)
	if e.Err != nil {
		return fmt.Sprintf("  %-40s %8s  (unreadable: %v)", e.Rel, size, e.Err)
	}
	return fmt.Sprintf("  %-40s %8s  (%s)", e.Rel, size, e.Label())
}

// modelCatalog is the set of models under one directory tree, in path order.
type modelCatalog struct {
	Dir     string
	Entries []catalogEntry
}

// Usable returns the entries that can be loaded.
func (c *modelCatalog) Usable() []catalogEntry {
	var out []catalogEntry
	for _, e := range c.Entries {
		if e.Err == nil {
			out = append(out, e)
		}
	}
	return out
}

// scanModels walks dir and admits every regular file whose header carries
// the AMB magic, whatever its name. Files named *.amb that fail to parse are
// kept with Err set; anything else is ignored. Hidden directories are
// skipped.
func scanModels(dir string) (*modelCatalog, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("models directory is empty")
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}

	cat := &modelCatalog{Dir: dir}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		md, cfg, perr := peekModel(path)
		named := strings.EqualFold(filepath.Ext(path), modelExt)
		if perr != nil && !named {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		cat.Entries = append(cat.Entries, catalogEntry{
			Path: path, Rel: rel, Size: info.Size(),
			Metadata: md, Config: cfg, Err: perr,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cat, nil
}

// peekModel reads only the header, metadata and config sections, leaving the
// weights untouched.
func peekModel(path string) (amb.Metadata, amb.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return amb.Metadata{}, amb.Config{}, err
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, amb.HeaderSize)
	n, _ := io.ReadFull(f, head)
	h, err := amb.DecodeHeader(head[:n])
	if err != nil {
		return amb.Metadata{}, amb.Config{}, err
	}
	const maxJSONSection = 16 << 20
	if h.MetadataSize > maxJSONSection || h.ConfigSize > maxJSONSection {
		return amb.Metadata{}, amb.Config{}, fmt.Errorf("%w: oversized json section", amb.ErrCorruptFile)
	}
	buf := make([]byte, int(h.MetadataSize)+int(h.ConfigSize))
	if _, err := io.ReadFull(f, buf); err != nil {
		return amb.Metadata{}, amb.Config{}, fmt.Errorf("%w: truncated sections", amb.ErrCorruptFile)
	}
	md, err := amb.ParseMetadata(buf[:h.MetadataSize])
	if err != nil {
		return amb.Metadata{}, amb.Config{}, err
	}
	cfg, err := amb.ParseConfig(buf[h.MetadataSize:])
	if err != nil {
		return amb.Metadata{}, amb.Config{}, err
	}
	return md, cfg, nil
}

// modelsDirFrom returns the --models-path value, falling back to
// EMBEE_MODELS_DIR.
func modelsDirFrom(flag string) (string, error) {
	if dir := strings.TrimSpace(flag); dir != "" {
		return dir, nil
	}
	if dir := strings.TrimSpace(os.Getenv(envEmbeeModelsDir)); dir != "" {
		return dir, nil
	}
	return "", fmt.Errorf("--models-path is required unless %s is set", envEmbeeModelsDir)
}

// resolveRunModelPath returns --model when given. Otherwise it scans the
// models directory: a single loadable model is used directly, several are
// offered as a menu on an interactive stdin.
func resolveRunModelPath(modelFlag string, modelsPath string, stdin io.Reader, stderr io.Writer) (string, error) {
	if p := strings.TrimSpace(modelFlag); p != "" {
		return filepath.Clean(p), nil
	}
	dir, err := modelsDirFrom(modelsPath)
	if err != nil {
		return "", fmt.Errorf("--model or %w", err)
	}
	cat, err := scanModels(dir)
	if err != nil {
		return "", err
	}

	usable := cat.Usable()
	if skipped := len(cat.Entries) - len(usable); skipped > 0 {
		_, _ = fmt.Fprintf(stderr, "skipping %d unreadable model file(s) in %s\n", skipped, dir)
	}
	switch len(usable) {
	case 0:
		return "", fmt.Errorf("no loadable AMB models in %s", dir)
	case 1:
		_, _ = fmt.Fprintf(stderr, "using model %s (%s)\n", usable[0].Rel, usable[0].Label())
		return usable[0].Path, nil
	}
	if !stdinIsTTY() {
		return "", fmt.Errorf("%d models in %s and stdin is not interactive; set --model", len(usable), dir)
	}
	e, err := pickModel(usable, stdin, stderr)
	if err != nil {
		return "", err
	}
	return e.Path, nil
}

// pickModel prints a numbered menu and reads choices until one names an
// entry, by number, relative path or metadata name.
func pickModel(entries []catalogEntry, stdin io.Reader, stderr io.Writer) (catalogEntry, error) {
	for i, e := range entries {
		_, _ = fmt.Fprintf(stderr, "%3d) %s  [%s]\n", i+1, e.Rel, e.Label())
	}
	sc := bufio.NewScanner(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "model [1-%d]: ", len(entries))
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return catalogEntry{}, err
			}
			return catalogEntry{}, errors.New("no model chosen before end of input; set --model")
		}
		choice := strings.TrimSpace(sc.Text())
		if choice == "" {
			continue
		}
		if e, ok := matchEntry(entries, choice); ok {
			return e, nil
		}
		_, _ = fmt.Fprintf(stderr, "no model matches %q\n", choice)
	}
}

func matchEntry(entries []catalogEntry, choice string) (catalogEntry, bool) {
	if n, err := strconv.Atoi(choice); err == nil {
		if n >= 1 && n <= len(entries) {
			return entries[n-1], true
		}
		return catalogEntry{}, false
	}
	for _, e := range entries {
		if e.Rel == choice || (e.Metadata.Name != "" && e.Metadata.Name == choice) {
			return e, true
		}
	}
	return catalogEntry{}, false
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
