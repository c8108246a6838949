// File: internal/tools/console.go
package tools

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

// CancelCommand typed as a reply cancels the running task.
const CancelCommand = ":cancel"

// ConsoleHandler asks questions on a writer and reads replies line by line.
type ConsoleHandler struct {
	out       io.Writer
	in        io.Reader
	once      sync.Once
	lines     chan consoleLine
	mu        sync.Mutex
	// abandoned is set when a prompt ended without a reply; lines read
	// before the next question belong to the old one and are dropped.
	abandoned bool
}

type consoleLine struct {
	text string
	at   time.Time
}

// NewConsoleHandler creates a handler over the given streams, typically stdin and stdout.
func NewConsoleHandler(in io.Reader, out io.Writer) *ConsoleHandler {
	return &ConsoleHandler{in: in, out: out, lines: make(chan consoleLine)}
}

// start launches the single reader goroutine. It exits when in reaches EOF.
func (c *ConsoleHandler) start() {
	c.once.Do(func() {
		go func() {
			defer close(c.lines)
			scanner := bufio.NewScanner(c.in)
			for scanner.Scan() {
				c.lines <- consoleLine{text: scanner.Text(), at: time.Now()}
			}
		}()
	})
}

// PromptUser prints the question and waits for the next line of input.
func (c *ConsoleHandler) PromptUser(ctx context.Context, question string) (string, error) {
	c.mu.Lock()
	var staleBefore time.Time
	if c.abandoned {
		staleBefore = time.Now()
		c.abandoned = false
	}
	fmt.Fprintf(c.out, "\n[agent asks] %s\n(type %s to stop the task)\n> ", question, CancelCommand)
	c.mu.Unlock()
	c.start()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.abandoned = true
			c.mu.Unlock()
			return "", ctx.Err()
		case line, ok := <-c.lines:
			if !ok {
				return "", fmt.Errorf("input closed: %w", io.EOF)
			}
			if line.at.Before(staleBefore) {
				continue
			}
			reply := strings.TrimSpace(line.text)
			if reply == CancelCommand {
				return "", schemas.ErrUserCancelled
			}
			return reply, nil
		}
	}
}

// Notify prints an answer produced by the agent.
func (c *ConsoleHandler) Notify(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "\n[agent answers] %s\n", text)
	return err
}
