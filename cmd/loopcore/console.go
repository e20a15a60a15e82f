package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/c360/loopcore/app"
	"github.com/c360/loopcore/engine"
	"github.com/c360/loopcore/pkg/timestamp"
)

var errQuit = errors.New("quit")

// console is a line-oriented UI. It prints status changes, new chat lines and
// notifications, and turns typed commands into messages.
type console struct {
	out io.Writer

	mu     sync.Mutex
	status string
	seen   map[string]int
}

func newConsole(out io.Writer) *console {
	return &console{out: out, seen: make(map[string]int)}
}

// Render implements app.UI.
func (c *console) Render(_ context.Context, v app.View) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status := statusLine(v); status != c.status {
		c.status = status
		c.printf("== %s\n", status)
	}

	topics := make([]string, 0, len(v.Chat))
	for t := range v.Chat {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		lines := v.Chat[t]
		from := c.seen[t]
		if from > len(lines) {
			// History was capped; only the tail is new.
			from = 0
		}
		for _, l := range lines[from:] {
			c.printf("[%s] %s: %s\n", t, l.From, l.Text)
		}
		c.seen[t] = len(lines)
	}
}

// Notify implements app.UI.
func (c *console) Notify(_ context.Context, n app.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at := timestamp.Format(n.AtMs); at != "" {
		c.printf("!! %s %s %s (%s)\n", at, n.Level, n.Text, n.ID)
		return
	}
	c.printf("!! %s %s (%s)\n", n.Level, n.Text, n.ID)
}

func (c *console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func statusLine(v app.View) string {
	var b strings.Builder
	b.WriteString(v.Connection)
	if v.ConnectionError != "" {
		fmt.Fprintf(&b, " (%s)", v.ConnectionError)
	}
	if v.AuthRequired {
		b.WriteString(" | signed out")
	}
	if len(v.Topics) > 0 {
		fmt.Fprintf(&b, " | topics: %s", strings.Join(v.Topics, ","))
	}
	if wf := v.Current; wf != nil {
		fmt.Fprintf(&b, " | workflow %s %q %s", wf.ID, wf.Name, wf.Status)
		if wf.Running {
			b.WriteString(" running")
		}
	}
	return b.String()
}

// parseCommand maps one input line to a message. Blank lines yield nil.
func parseCommand(line string) (engine.Message, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}
	rest := func(n int) string {
		return strings.TrimSpace(strings.Join(fields[n:], " "))
	}
	need := func(n int, usage string) error {
		if len(fields) < n {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}

	switch strings.ToLower(fields[0]) {
	case "sub", "subscribe":
		if err := need(2, "sub <topic>"); err != nil {
			return nil, err
		}
		return app.Subscribe{Topic: fields[1]}, nil
	case "unsub", "unsubscribe":
		if err := need(2, "unsub <topic>"); err != nil {
			return nil, err
		}
		return app.Unsubscribe{Topic: fields[1]}, nil
	case "send":
		if err := need(3, "send <topic> <text>"); err != nil {
			return nil, err
		}
		return app.SendChat{Topic: fields[1], Text: rest(2)}, nil
	case "select":
		if err := need(2, "select <workflow>"); err != nil {
			return nil, err
		}
		return app.SelectWorkflow{ID: fields[1]}, nil
	case "rename":
		if err := need(3, "rename <workflow> <name>"); err != nil {
			return nil, err
		}
		return app.RenameWorkflow{ID: fields[1], Name: rest(2)}, nil
	case "run":
		if err := need(2, "run <workflow>"); err != nil {
			return nil, err
		}
		return app.TriggerRun{ID: fields[1]}, nil
	case "dismiss":
		if err := need(2, "dismiss <notification>"); err != nil {
			return nil, err
		}
		return app.DismissNotification{ID: fields[1]}, nil
	case "connect":
		return app.Connect{}, nil
	case "disconnect":
		return app.Disconnect{}, nil
	case "logout":
		return app.Logout{}, nil
	case "quit", "exit":
		return nil, errQuit
	default:
		return nil, fmt.Errorf("unknown command %q", fields[0])
	}
}

// readLines feeds lines from r into a channel that closes at EOF. The
// scanner cannot be interrupted, so the goroutine may outlive ctx.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// interact dispatches typed commands until quit, EOF or ctx is done.
func (c *console) interact(ctx context.Context, in io.Reader, d engine.Dispatcher) error {
	lines := readLines(in)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			msg, err := parseCommand(line)
			if errors.Is(err, errQuit) {
				return errQuit
			}
			if err != nil {
				c.mu.Lock()
				c.printf("?? %v\n", err)
				c.mu.Unlock()
				continue
			}
			if msg != nil {
				d.Dispatch(ctx, msg)
			}
		}
	}
}
