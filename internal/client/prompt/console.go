// Package prompt reads commands and credentials from the terminal. Reads
// are cancellable: a cancelled read returns at once and the line that was
// being typed is discarded.
package prompt

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

type request struct {
	secret bool
	reply  chan result
}

type result struct {
	line string
	err  error
}

// Console serializes line reads from one input. Secret reads disable echo
// when the input is a terminal.
type Console struct {
	out      io.Writer
	br       *bufio.Reader
	fd       int
	terminal bool

	once     sync.Once
	requests chan request
	mu       sync.Mutex
}

// NewConsole reads from in and writes prompts to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	c := &Console{
		out:      out,
		br:       bufio.NewReader(in),
		requests: make(chan request),
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.fd, c.terminal = int(f.Fd()), true
	}
	return c
}

// Printf writes to the console output.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// ReadLine prints prompt and returns the next line without its newline.
func (c *Console) ReadLine(ctx context.Context, prompt string) (string, error) {
	return c.read(ctx, prompt, false)
}

// ReadSecret is ReadLine without echo.
func (c *Console) ReadSecret(ctx context.Context, prompt string) (string, error) {
	return c.read(ctx, prompt, true)
}

func (c *Console) read(ctx context.Context, prompt string, secret bool) (string, error) {
	c.once.Do(func() { go c.loop() })
	if prompt != "" {
		c.Printf("%s", prompt)
	}

	req := request{secret: secret, reply: make(chan result, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.line, r.err
	case <-ctx.Done():
		c.Printf("\n")
		return "", ctx.Err()
	}
}

// loop owns the input. It exits after the input reaches EOF or fails.
func (c *Console) loop() {
	for req := range c.requests {
		var r result
		if req.secret && c.terminal {
			b, err := term.ReadPassword(c.fd)
			c.Printf("\n")
			r = result{line: string(b), err: err}
		} else {
			line, err := c.br.ReadString('\n')
			if err == io.EOF && line != "" {
				err = nil
			}
			r = result{line: strings.TrimRight(line, "\r\n"), err: err}
		}
		req.reply <- r
		if r.err != nil {
			c.drain(r.err)
			return
		}
	}
}

// drain answers every later request with err.
func (c *Console) drain(err error) {
	for req := range c.requests {
		req.reply <- result{err: err}
	}
}
