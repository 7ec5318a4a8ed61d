package main

import (
	"bytes"
	"testing"
)

func TestStreamWriterModes(t *testing.T) {
	tokens := []string{"he", "llo", "\n", "wor", "ld", "!"}
	tests := []struct {
		mode StreamMode
		raw  bool
		want string
	}{
		{StreamInstant, false, "hello\nworld!"},
		{StreamSmooth, false, "hello\nworld!"},
		{StreamTypewriter, false, "hello\nworld!"},
		{StreamQuiet, false, "hello\nworld!"},
		{StreamInstant, true, `hello\nworld!`},
		{StreamQuiet, true, `hello\nworld!`},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		w := NewStreamWriter(&out, tt.mode, tt.raw)
		for _, tok := range tokens {
			w.Write(tok)
		}
		if tt.mode == StreamQuiet && out.Len() != 0 {
			t.Fatalf("%s: wrote before flush: %q", tt.mode, out.String())
		}
		full := w.Flush()
		if full != "hello\nworld!" {
			t.Fatalf("%s: accumulated %q", tt.mode, full)
		}
		if out.String() != tt.want {
			t.Fatalf("%s raw=%v: got %q want %q", tt.mode, tt.raw, out.String(), tt.want)
		}
	}
}

func TestParseStreamMode(t *testing.T) {
	if m, err := parseStreamMode(""); err != nil || m != StreamInstant {
		t.Fatalf("empty: %v %v", m, err)
	}
	if m, err := parseStreamMode(" Smooth "); err != nil || m != StreamSmooth {
		t.Fatalf("smooth: %v %v", m, err)
	}
	if _, err := parseStreamMode("loud"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEscapeRawOutput(t *testing.T) {
	if got := escapeRawOutput("a\tb\\\x01"); got != `a\tb\\\u0001` {
		t.Fatalf("got %q", got)
	}
}
