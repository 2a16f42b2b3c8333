// Package console reads operator command lines. On a terminal it edits
// lines in raw mode with golang.org/x/term; otherwise it reads plain lines.
// Either way '!' history references are expanded before a line is returned.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

type lineReader interface {
	ReadLine() (string, error)
}

type scanReader struct {
	scanner *bufio.Scanner
}

func (s scanReader) ReadLine() (string, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.scanner.Text(), nil
}

// Reader is the console front-end. Its Write method is the console sink:
// on a terminal, output is interleaved with the prompt line.
type Reader struct {
	lines   lineReader
	history *History

	mu      sync.Mutex
	out     io.Writer
	restore func() error
}

// New reads from in and writes to out. When in is a terminal it is put in
// raw mode until Close.
func New(in io.Reader, out io.Writer, prompt string) (*Reader, error) {
	r := &Reader{history: NewHistory(0), out: out}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return nil, fmt.Errorf("console raw mode: %w", err)
		}
		r.restore = func() error { return term.Restore(int(f.Fd()), state) }
		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{in, out}, prompt)
		r.lines = t
		r.out = t
		return r, nil
	}
	r.lines = scanReader{bufio.NewScanner(in)}
	return r, nil
}

func (r *Reader) History() *History {
	return r.history
}

// ReadLine blocks for the next non-empty line with history expanded. A
// failed expansion is reported on the console and the line is skipped.
// "history" lists the retained lines without returning.
func (r *Reader) ReadLine() (string, error) {
	for {
		line, err := r.lines.ReadLine()
		if err != nil {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "!") {
			expanded, err := r.history.Expand(line)
			if err != nil {
				fmt.Fprintln(r, err)
				continue
			}
			fmt.Fprintln(r, expanded)
			line = expanded
		}
		if strings.EqualFold(line, "history") {
			for _, l := range r.history.Lines() {
				fmt.Fprintln(r, l)
			}
			continue
		}
		r.history.Add(line)
		return line, nil
	}
}

func (r *Reader) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Write(p)
}

// Close restores the terminal mode.
func (r *Reader) Close() error {
	if r.restore == nil {
		return nil
	}
	return r.restore()
}
