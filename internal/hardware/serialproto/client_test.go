package serialproto

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"github.com/rendis/labflow/pkg/schema"
)

// fakeBoard answers each received command with the lines reply returns.
func fakeBoard(t *testing.T, conn net.Conn, reply func(cmd string) []string) <-chan string {
	t.Helper()
	received := make(chan string, 16)
	go func() {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(received)
				return
			}
			cmd := line[:len(line)-1]
			received <- cmd
			for _, out := range reply(cmd) {
				if _, err := io.WriteString(conn, out+"\r\n"); err != nil {
					return
				}
			}
		}
	}()
	return received
}

func newPipeClient(t *testing.T, timeout time.Duration, reply func(string) []string) (*Client, <-chan string) {
	t.Helper()
	host, board := net.Pipe()
	received := fakeBoard(t, board, reply)
	c := NewClient(host, timeout)
	t.Cleanup(func() {
		_ = c.Close()
		_ = board.Close()
	})
	return c, received
}

func TestCommand_ReturnsDataLinesBeforeOK(t *testing.T) {
	c, received := newPipeClient(t, time.Second, func(cmd string) []string {
		if cmd == "get_base_temp 0" {
			return []string{"37.5", "0"}
		}
		return []string{"0"}
	})

	lines, err := c.Command(context.Background(), "get_base_temp 0")
	require.NoError(t, err)
	assert.Equal(t, []string{"37.5"}, lines)
	assert.Equal(t, "get_base_temp 0", <-received)

	lines, err = c.Command(context.Background(), "set_pump_on 1")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestCommand_BadArguments(t *testing.T) {
	c, _ := newPipeClient(t, time.Second, func(string) []string { return []string{"1"} })

	_, err := c.Command(context.Background(), "set_pump_on 99")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeProtocol))
}

func TestCommand_TimeoutThenStaleLinesDiscarded(t *testing.T) {
	release := make(chan struct{})
	c, _ := newPipeClient(t, 50*time.Millisecond, func(cmd string) []string {
		if cmd == "slow" {
			<-release
			return []string{"stale", "0"}
		}
		return []string{"fresh", "0"}
	})

	_, err := c.Command(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeProtocolTimeout))

	close(release)
	// Give the late answer time to land in the buffer.
	require.Eventually(t, func() bool { return len(c.lines) == 2 }, time.Second, 5*time.Millisecond)

	lines, err := c.Command(context.Background(), "fast")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, lines)
}

func TestCommand_ContextCancelled(t *testing.T) {
	c, _ := newPipeClient(t, time.Second, func(string) []string { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Command(ctx, "noop")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
}

func TestCommand_ClosedStream(t *testing.T) {
	host, board := net.Pipe()
	c := NewClient(host, time.Second)
	go func() {
		_, _ = bufio.NewReader(board).ReadString('\n')
		_ = board.Close()
	}()

	_, err := c.Command(context.Background(), "set_furnace_open")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConnectionLost), err.Error())
	assert.Eventually(t, c.IsClosed, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestMatchBoard(t *testing.T) {
	ports := []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", Product: "FT232R"},
		{Name: "/dev/ttyUSB1", IsUSB: true, VID: "1a86", Product: "USB Serial"},
	}
	name, ok := matchBoard(ports)
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB1", name)

	name, ok = matchBoard([]*enumerator.PortDetails{{Name: "COM7", IsUSB: true, Product: "Arduino Uno"}})
	require.True(t, ok)
	assert.Equal(t, "COM7", name)

	_, ok = matchBoard(ports[:2])
	assert.False(t, ok)
}
