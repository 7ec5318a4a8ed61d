package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	stdinReader        = bufio.NewReader(os.Stdin)
	interactiveHistory []string
)

// readPlainLine reads one line from stdin without terminal editing. It
// returns io.EOF once input is exhausted.
func readPlainLine(prompt string) (string, error) {
	fmt.Print(prompt)
	s, err := stdinReader.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || s == "") {
		return "", err
	}
	return trimTrailingNewline(s), nil
}

func trimTrailingNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

type editAction uint8

const (
	editContinue editAction = iota
	editSubmit
	editAbort
)

// lineEditor applies terminal key bytes to a line buffer: cursor movement,
// word motions, deletion and history browsing.
type lineEditor struct {
	line   []rune
	cursor int
	dirty  bool

	history  []string
	histPos  int
	browsing bool
	draft    []rune

	esc     int // 0 none, 1 after ESC, 2 inside a CSI sequence
	csi     strings.Builder
	pending []byte
}

func newLineEditor(history []string) *lineEditor {
	return &lineEditor{history: history, histPos: len(history)}
}

func (e *lineEditor) String() string { return string(e.line) }

// render redraws the line and leaves the terminal cursor at e.cursor.
func (e *lineEditor) render(prompt string) string {
	var b strings.Builder
	b.WriteString("\r")
	b.WriteString(prompt)
	b.WriteString(string(e.line))
	b.WriteString("\x1b[K")
	if e.cursor < len(e.line) {
		b.WriteString("\r")
		b.WriteString(prompt)
		b.WriteString(string(e.line[:e.cursor]))
	}
	return b.String()
}

// feed consumes one input byte.
func (e *lineEditor) feed(b byte) editAction {
	switch e.esc {
	case 1:
		e.esc = 0
		switch b {
		case '[':
			e.esc = 2
			e.csi.Reset()
		case 'b', 'B':
			e.wordLeft()
		case 'f', 'F':
			e.wordRight()
		case 127:
			e.deleteWordBack()
		}
		return editContinue
	case 2:
		e.csi.WriteByte(b)
		if (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '~' {
			e.esc = 0
			e.handleCSI(e.csi.String())
		}
		return editContinue
	}

	if len(e.pending) > 0 || b >= utf8.RuneSelf {
		e.pending = append(e.pending, b)
		if utf8.FullRune(e.pending) {
			r, _ := utf8.DecodeRune(e.pending)
			e.pending = e.pending[:0]
			e.insert(r)
		}
		return editContinue
	}

	switch b {
	case 27:
		e.esc = 1
	case '\r', '\n':
		return editSubmit
	case 3: // Ctrl+C
		return editAbort
	case 4: // Ctrl+D
		if len(e.line) == 0 {
			return editAbort
		}
		e.deleteAt(e.cursor)
	case 127, 8:
		if e.cursor > 0 {
			e.cursor--
			e.deleteAt(e.cursor)
		}
	case 1: // Ctrl+A
		e.move(0)
	case 5: // Ctrl+E
		e.move(len(e.line))
	case 21: // Ctrl+U
		e.line = append(e.line[:0], e.line[e.cursor:]...)
		e.move(0)
	case 23: // Ctrl+W
		e.deleteWordBack()
	default:
		if b >= 32 {
			e.insert(rune(b))
		}
	}
	return editContinue
}

func (e *lineEditor) handleCSI(seq string) {
	switch seq {
	case "A":
		e.historyUp()
	case "B":
		e.historyDown()
	case "D":
		e.move(e.cursor - 1)
	case "C":
		e.move(e.cursor + 1)
	case "H", "1~":
		e.move(0)
	case "F", "4~":
		e.move(len(e.line))
	case "3~":
		e.deleteAt(e.cursor)
	case "1;5D", "5D":
		e.wordLeft()
	case "1;5C", "5C":
		e.wordRight()
	}
}

func (e *lineEditor) insert(r rune) {
	e.line = append(e.line, 0)
	copy(e.line[e.cursor+1:], e.line[e.cursor:])
	e.line[e.cursor] = r
	e.cursor++
	e.dirty = true
}

func (e *lineEditor) deleteAt(i int) {
	if i < 0 || i >= len(e.line) {
		return
	}
	e.line = append(e.line[:i], e.line[i+1:]...)
	e.dirty = true
}

func (e *lineEditor) move(to int) {
	e.cursor = max(0, min(to, len(e.line)))
	e.dirty = true
}

func (e *lineEditor) wordStart() int {
	i := e.cursor
	for i > 0 && unicode.IsSpace(e.line[i-1]) {
		i--
	}
	for i > 0 && !unicode.IsSpace(e.line[i-1]) {
		i--
	}
	return i
}

func (e *lineEditor) wordLeft() { e.move(e.wordStart()) }

func (e *lineEditor) wordRight() {
	i := e.cursor
	for i < len(e.line) && unicode.IsSpace(e.line[i]) {
		i++
	}
	for i < len(e.line) && !unicode.IsSpace(e.line[i]) {
		i++
	}
	e.move(i)
}

func (e *lineEditor) deleteWordBack() {
	start := e.wordStart()
	e.line = append(e.line[:start], e.line[e.cursor:]...)
	e.move(start)
}

func (e *lineEditor) historyUp() {
	if len(e.history) == 0 {
		return
	}
	if !e.browsing {
		e.draft = append(e.draft[:0], e.line...)
		e.browsing = true
		e.histPos = len(e.history)
	}
	if e.histPos > 0 {
		e.histPos--
		e.setLine([]rune(e.history[e.histPos]))
	}
}

func (e *lineEditor) historyDown() {
	if !e.browsing {
		return
	}
	if e.histPos < len(e.history)-1 {
		e.histPos++
		e.setLine([]rune(e.history[e.histPos]))
		return
	}
	e.histPos = len(e.history)
	e.browsing = false
	e.setLine(e.draft)
}

func (e *lineEditor) setLine(r []rune) {
	e.line = append(e.line[:0], r...)
	e.cursor = len(e.line)
	e.dirty = true
}
