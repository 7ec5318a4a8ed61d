package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

type StreamMode string

const (
	StreamInstant    StreamMode = "instant"
	StreamSmooth     StreamMode = "smooth"
	StreamTypewriter StreamMode = "typewriter"
	StreamQuiet      StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return StreamInstant, nil
	case StreamInstant, StreamSmooth, StreamTypewriter, StreamQuiet:
		return m, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (instant, smooth, typewriter, quiet)", s)
	}
}

// StreamWriter prints generated text as it arrives. It is driven from the
// generation sink, so it is only ever used from one goroutine.
type StreamWriter struct {
	mode   StreamMode
	buffer *bufio.Writer

	batch         strings.Builder
	batchTokens   int
	lastFlush     time.Time
	flushInterval time.Duration
	batchSize     int

	accumulator strings.Builder
	rawOutput   bool
}

func NewStreamWriter(out io.Writer, mode StreamMode, rawOutput bool) *StreamWriter {
	return &StreamWriter{
		mode:          mode,
		buffer:        bufio.NewWriterSize(out, 4096),
		flushInterval: 50 * time.Millisecond,
		batchSize:     5,
		lastFlush:     time.Now(),
		rawOutput:     rawOutput,
	}
}

// Write handles the text of a single token.
func (w *StreamWriter) Write(token string) {
	w.accumulator.WriteString(token)
	switch w.mode {
	case StreamSmooth:
		w.batch.WriteString(token)
		w.batchTokens++
		if w.batchTokens >= w.batchSize || time.Since(w.lastFlush) >= w.flushInterval {
			w.flushBatch()
		}
	case StreamTypewriter:
		for _, r := range token {
			if w.rawOutput {
				_, _ = w.buffer.WriteString(escapeRawOutputRune(r))
			} else {
				_, _ = w.buffer.WriteRune(r)
			}
			_ = w.buffer.Flush()
		}
	case StreamQuiet:
	default:
		w.emit(token)
		_ = w.buffer.Flush()
	}
}

// Flush writes anything still held back and returns the full text.
func (w *StreamWriter) Flush() string {
	switch w.mode {
	case StreamQuiet:
		w.emit(w.accumulator.String())
	case StreamSmooth:
		w.flushBatch()
	}
	_ = w.buffer.Flush()
	return w.accumulator.String()
}

func (w *StreamWriter) emit(text string) {
	if w.rawOutput {
		text = escapeRawOutput(text)
	}
	_, _ = w.buffer.WriteString(text)
}

func (w *StreamWriter) flushBatch() {
	if w.batch.Len() == 0 {
		return
	}
	w.emit(w.batch.String())
	_ = w.buffer.Flush()
	w.batch.Reset()
	w.batchTokens = 0
	w.lastFlush = time.Now()
}

func escapeRawOutput(s string) string {
	var b strings.Builder
	for _, r := range s {
		b.WriteString(escapeRawOutputRune(r))
	}
	return b.String()
}

func escapeRawOutputRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}
