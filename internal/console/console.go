// Package console is the client's line-oriented terminal. It keeps the session
// history (what was typed and what came back) and renders it to a writer.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Kind identifies who produced a history line.
type Kind int

const (
	KindInput Kind = iota
	KindOutput
	KindNotice
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	case KindNotice:
		return "notice"
	default:
		return "unknown"
	}
}

// Line is one history entry.
type Line struct {
	Kind Kind
	Text string
}

// InputPrefix is printed before echoed input.
const InputPrefix = "$ "

// maxLineBytes bounds a single line read from the input.
const maxLineBytes = 1 << 20

// Console records history and writes it to out.
// It is safe for concurrent use: results arrive on the connection's reader
// goroutine while input arrives from ReadLoop.
type Console struct {
	mu        sync.Mutex
	out       io.Writer
	echoInput bool
	history   []Line
}

// New creates a Console writing to out. When echoInput is false typed lines are
// kept in history but not printed, since the terminal already shows them.
func New(out io.Writer, echoInput bool) *Console {
	return &Console{out: out, echoInput: echoInput}
}

// EchoInputFor reports whether input read from f should be echoed, which is the
// case when f is not an interactive terminal (a pipe or a file).
func EchoInputFor(f *os.File) bool {
	return !term.IsTerminal(int(f.Fd()))
}

// Welcome prints the banner shown when the session starts.
func (c *Console) Welcome(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "Connected to %s\n", server)
	fmt.Fprintln(c.out, "Type a command and press Enter. Ctrl-D to quit.")
}

// AppendInput records a line typed by the user.
func (c *Console) AppendInput(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, Line{Kind: KindInput, Text: text})
	if c.echoInput {
		fmt.Fprintf(c.out, "%s%s\n", InputPrefix, text)
	}
}

// AppendOutput records a result from the server. Results are printed as-is,
// with a trailing newline added when missing; an empty result prints an empty line.
func (c *Console) AppendOutput(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, Line{Kind: KindOutput, Text: text})
	io.WriteString(c.out, withNewline(text))
}

// Notice records and prints a client-side status line, such as a disconnect.
func (c *Console) Notice(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, Line{Kind: KindNotice, Text: text})
	fmt.Fprintf(c.out, "[%s]\n", text)
}

// Lines returns a copy of the history.
func (c *Console) Lines() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Line, len(c.history))
	copy(out, c.history)
	return out
}

// ReadLoop reads lines from in and passes each to submit, without the line
// terminator. Blank lines are submitted too. It returns nil at EOF, ctx.Err()
// if ctx is cancelled between lines, or the read error.
func ReadLoop(ctx context.Context, in io.Reader, submit func(line string)) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		submit(strings.TrimSuffix(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
