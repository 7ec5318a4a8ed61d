//go:build linux

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// readInteractiveLine reads a line with basic editing and history when stdin
// is a terminal. Ctrl+C and Ctrl+D on an empty line return io.EOF.
func readInteractiveLine(prompt string) (string, error) {
	if !stdinIsTTY() {
		return readPlainLine(prompt)
	}

	fd := int(os.Stdin.Fd())
	oldState, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return readPlainLine(prompt)
	}
	raw := *oldState
	raw.Lflag &^= unix.ICANON | unix.ECHO | unix.ISIG
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return "", err
	}
	defer func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, oldState)
	}()

	fmt.Print(prompt)
	ed := newLineEditor(interactiveHistory)
	var buf [16]byte
	for {
		n, err := os.Stdin.Read(buf[:])
		if err != nil {
			return "", err
		}
		for _, b := range buf[:n] {
			switch ed.feed(b) {
			case editSubmit:
				fmt.Print("\r\n")
				line := ed.String()
				if strings.TrimSpace(line) != "" {
					interactiveHistory = append(interactiveHistory, line)
				}
				return line, nil
			case editAbort:
				fmt.Print("\r\n")
				return "", io.EOF
			}
			if ed.dirty {
				fmt.Print(ed.render(prompt))
				ed.dirty = false
			}
		}
	}
}
