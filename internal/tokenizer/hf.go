package tokenizer

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/embee-go/embee/pkg/amb"
	"github.com/goccy/go-json"
)

type hfTokenizerJSON struct {
	Model struct {
		Type     string          `json:"type"`
		Vocab    json.RawMessage `json:"vocab"`
		Merges   []any           `json:"merges"`
		UnkToken string          `json:"unk_token"`
		UnkID    *int            `json:"unk_id"`
	} `json:"model"`
	PostProcessor struct {
		Type       string `json:"type"`
		Processors []struct {
			Type          string `json:"type"`
			SpecialTokens map[string]struct {
				IDs []int `json:"ids"`
			} `json:"special_tokens"`
		} `json:"processors"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// hfToken is a tokenizer_config.json token: a bare string or {"content": ...}.
type hfToken string

func (t *hfToken) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = hfToken(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*t = hfToken(obj.Content)
	return nil
}

type hfTokenizerConfig struct {
	BOS hfToken `json:"bos_token"`
	EOS hfToken `json:"eos_token"`
	PAD hfToken `json:"pad_token"`
	UNK hfToken `json:"unk_token"`
	SEP hfToken `json:"sep_token"`
	CLS hfToken `json:"cls_token"`
}

// ImportHF reads a Hugging Face tokenizer.json, plus an optional
// tokenizer_config.json, into an AMB tokenizer section.
func ImportHF(tokJSON, tokConfig string) (*amb.TokenizerSection, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		if cfg, err = os.ReadFile(tokConfig); err != nil {
			return nil, err
		}
	}
	return ImportHFBytes(data, cfg)
}

// ImportHFBytes converts BPE, Unigram and WordPiece models. Unigram maps to
// SentencePiece.
func ImportHFBytes(tokJSON, tokConfig []byte) (*amb.TokenizerSection, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer json: %w", err)
	}

	ts := &amb.TokenizerSection{Special: amb.NoSpecialTokens()}
	var err error
	switch strings.ToLower(tj.Model.Type) {
	case "bpe":
		ts.Type = amb.TokenizerBPE
		err = importVocabMap(ts, tj.Model.Vocab)
		if err == nil {
			ts.Merges, err = importMerges(tj.Model.Merges)
		}
	case "wordpiece":
		ts.Type = amb.TokenizerWordPiece
		err = importVocabMap(ts, tj.Model.Vocab)
	case "unigram":
		ts.Type = amb.TokenizerSentencePiece
		err = importUnigram(ts, tj.Model.Vocab)
	default:
		return nil, fmt.Errorf("unsupported tokenizer model: %q", tj.Model.Type)
	}
	if err != nil {
		return nil, err
	}

	for _, at := range tj.AddedTokens {
		if at.ID < 0 {
			continue
		}
		for len(ts.Vocab) <= at.ID {
			ts.Vocab = append(ts.Vocab, amb.VocabEntry{})
		}
		ts.Vocab[at.ID].Piece = at.Content
	}
	if len(ts.Vocab) == 0 {
		return nil, ErrEmptyVocab
	}
	if len(ts.Vocab) > int(amb.NoToken) {
		return nil, fmt.Errorf("vocabulary of %d pieces exceeds 16-bit special ids", len(ts.Vocab))
	}

	index := make(map[string]uint16, len(ts.Vocab))
	for i := len(ts.Vocab) - 1; i >= 0; i-- {
		if p := ts.Vocab[i].Piece; p != "" {
			index[p] = uint16(i)
		}
	}
	lookup := func(dst *uint16, piece hfToken) {
		if id, ok := index[string(piece)]; ok && piece != "" {
			*dst = id
		}
	}

	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &cfg); err != nil {
			return nil, fmt.Errorf("parse tokenizer config: %w", err)
		}
	}
	lookup(&ts.Special.BOS, cfg.BOS)
	if ts.Special.BOS == amb.NoToken {
		lookup(&ts.Special.BOS, cfg.CLS)
	}
	lookup(&ts.Special.EOS, cfg.EOS)
	lookup(&ts.Special.PAD, cfg.PAD)
	lookup(&ts.Special.SEP, cfg.SEP)
	lookup(&ts.Special.UNK, cfg.UNK)
	if ts.Special.UNK == amb.NoToken {
		lookup(&ts.Special.UNK, hfToken(tj.Model.UnkToken))
	}
	if ts.Special.UNK == amb.NoToken && tj.Model.UnkID != nil && *tj.Model.UnkID >= 0 && *tj.Model.UnkID < len(ts.Vocab) {
		ts.Special.UNK = uint16(*tj.Model.UnkID)
	}
	// A TemplateProcessing post-processor names the BOS it inserts.
	if ts.Special.BOS == amb.NoToken {
		for _, proc := range tj.PostProcessor.Processors {
			if proc.Type != "TemplateProcessing" {
				continue
			}
			for _, spec := range proc.SpecialTokens {
				if len(spec.IDs) > 0 && spec.IDs[0] < len(ts.Vocab) {
					ts.Special.BOS = uint16(spec.IDs[0])
					break
				}
			}
		}
	}
	return ts, nil
}

func importVocabMap(ts *amb.TokenizerSection, raw json.RawMessage) error {
	var m map[string]int
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parse vocab: %w", err)
	}
	maxID := -1
	for _, id := range m {
		if id < 0 {
			return fmt.Errorf("negative token id %d", id)
		}
		maxID = max(maxID, id)
	}
	ts.Vocab = make([]amb.VocabEntry, maxID+1)
	for tok, id := range m {
		ts.Vocab[id] = amb.VocabEntry{Piece: tok, Score: -float32(id)}
	}
	return nil
}

func importUnigram(ts *amb.TokenizerSection, raw json.RawMessage) error {
	var entries [][2]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse unigram vocab: %w", err)
	}
	ts.Vocab = make([]amb.VocabEntry, len(entries))
	for i, e := range entries {
		piece, ok := e[0].(string)
		score, sok := e[1].(float64)
		if !ok || !sok || math.IsNaN(score) {
			return fmt.Errorf("unigram entry %d malformed", i)
		}
		ts.Vocab[i] = amb.VocabEntry{Piece: piece, Score: float32(score)}
	}
	return nil
}

func importMerges(raw []any) ([]amb.Merge, error) {
	out := make([]amb.Merge, 0, len(raw))
	for i, r := range raw {
		line := ""
		switch v := r.(type) {
		case string:
			line = v
		case []any:
			if len(v) == 2 {
				a, aok := v[0].(string)
				b, bok := v[1].(string)
				if aok && bok {
					out = append(out, amb.Merge{Left: a, Right: b})
					continue
				}
			}
			return nil, fmt.Errorf("merge %d malformed", i)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		left, right, ok := strings.Cut(line, " ")
		if !ok || strings.Contains(right, " ") {
			return nil, fmt.Errorf("merge %d malformed: %q", i, line)
		}
		out = append(out, amb.Merge{Left: left, Right: right})
	}
	return out, nil
}
