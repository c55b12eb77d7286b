// Package serialproto implements the line protocol spoken by the lab
// microcontroller firmware.
//
// A command is one text line. The firmware answers with zero or more data
// lines followed by a status line: "0" for success or "1" when the command
// received bad arguments.
package serialproto

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rendis/labflow/pkg/schema"
)

// DefaultTimeout is the response budget for one command.
const DefaultTimeout = 3 * time.Second

const (
	statusOK      = "0"
	statusBadArgs = "1"
)

// Client sends commands over a byte stream and collects responses. It is
// safe for concurrent use; commands are serialized.
type Client struct {
	w       io.Writer
	closer  io.Closer
	timeout time.Duration

	mu    sync.Mutex
	lines chan string

	done      chan struct{}
	closeOnce sync.Once

	errMu   sync.Mutex
	ended   bool
	readErr error
}

// NewClient starts reading lines from rw. If rw is an io.Closer, Close
// closes it.
func NewClient(rw io.ReadWriter, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		w:       rw,
		timeout: timeout,
		lines:   make(chan string, 64),
		done:    make(chan struct{}),
	}
	if closer, ok := rw.(io.Closer); ok {
		c.closer = closer
	}
	go c.readLoop(rw)
	return c
}

func (c *Client) readLoop(r io.Reader) {
	defer close(c.lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		case <-c.done:
			return
		}
	}
	c.errMu.Lock()
	c.ended = true
	c.readErr = sc.Err()
	c.errMu.Unlock()
}

// Command writes cmd and waits for its status line. Data lines received
// before "0" are returned in order.
func (c *Client) Command(ctx context.Context, cmd string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Lines left over from a command that timed out belong to that command.
	if err := c.drain(); err != nil {
		return nil, err
	}

	if _, err := io.WriteString(c.w, cmd+"\n"); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConnectionLost, "write %q: %s", cmd, err).
			WithCause(err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var data []string
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return nil, c.closedErr(cmd)
			}
			switch line {
			case statusOK:
				return data, nil
			case statusBadArgs:
				return nil, schema.NewErrorf(schema.ErrCodeProtocol,
					"command %q received bad arguments", cmd).
					WithDetails(map[string]any{"command": cmd})
			default:
				data = append(data, line)
			}
		case <-timer.C:
			return nil, schema.NewErrorf(schema.ErrCodeProtocolTimeout,
				"no response to %q within %s", cmd, c.timeout).
				WithDetails(map[string]any{"command": cmd, "partial": data})
		case <-ctx.Done():
			return nil, schema.NewErrorf(schema.ErrCodeCancelled,
				"command %q interrupted", cmd).WithCause(ctx.Err())
		}
	}
}

func (c *Client) drain() error {
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return c.closedErr("")
			}
		default:
			return nil
		}
	}
}

func (c *Client) closedErr(cmd string) error {
	c.errMu.Lock()
	cause := c.readErr
	c.errMu.Unlock()
	if cause == nil {
		cause = io.EOF
	}
	e := schema.NewError(schema.ErrCodeConnectionLost, "serial connection closed").WithCause(cause)
	if cmd != "" {
		e.WithDetails(map[string]any{"command": cmd})
	}
	return e
}

// Close stops the reader and closes the underlying stream.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}

// IsClosed reports whether the stream has ended or Close was called.
func (c *Client) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.ended
}
