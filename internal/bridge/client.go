package bridge

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/openlabnet/tracenode/internal/sentinel"
)

// ErrCommandFailed is returned when the helper answers a command with an
// error status line.
const ErrCommandFailed = sentinel.Error("bridge command failed")

// defaultCommandTimeout bounds a single command round trip when the caller's
// context carries no deadline.
const defaultCommandTimeout = 30 * time.Second

// client speaks the helper's line-oriented command protocol over an
// established connection. Each request is a single text line; the reply is
// zero or more payload lines followed by a status line of the form "NNN-msg",
// where 1xx is success and 2xx is an error.
type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func newClient(conn net.Conn) *client {
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

// send issues one command and returns the payload lines preceding the final
// status line.
func (c *client) send(ctx context.Context, command string) ([]string, error) {
	deadline := time.Now().Add(defaultCommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set command deadline: %w", err)
	}

	if _, err := fmt.Fprintf(c.conn, "%s\n", command); err != nil {
		return nil, fmt.Errorf("send command %q: %w", command, err)
	}

	var payload []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read reply to %q: %w", command, err)
		}
		line = strings.TrimRight(line, "\r\n")
		code, msg, ok := parseStatusLine(line)
		if !ok {
			payload = append(payload, line)
			continue
		}
		switch {
		case code >= 100 && code < 200:
			return payload, nil
		case code >= 200 && code < 300:
			return payload, fmt.Errorf("command %q: %w: %d %s", command, ErrCommandFailed, code, msg)
		default:
			// Codes outside the protocol's two classes are payload carrying
			// a dash-prefixed number; keep reading.
			payload = append(payload, line)
		}
	}
}

func (c *client) close() error {
	return c.conn.Close()
}

// parseStatusLine splits a "NNN-message" status line into its code and
// message. ok is false for lines that are not status lines.
func parseStatusLine(line string) (code int, msg string, ok bool) {
	if len(line) < 4 || line[3] != '-' {
		return 0, "", false
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, "", false
		}
	}
	code = int(line[0]-'0')*100 + int(line[1]-'0')*10 + int(line[2]-'0')
	return code, line[4:], true
}
