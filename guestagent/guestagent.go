// Package guestagent is a best-effort client for the QEMU guest
// agent's filesystem freeze/thaw socket (spec.md §6). Every failure
// here degrades to a warning, never a fatal run error, so the package
// returns plain errors and leaves the "is this fatal" decision to the
// orchestrator's logging, matching the original implementation's
// qaclient.py/qa.py.
package guestagent

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Client is a connected guest-agent session over a unix stream socket.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the guest agent socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect guest agent socket %s: %w", path, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close closes the underlying socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) command(execute string, args string) (gjson.Result, error) {
	doc := `{}`
	doc, _ = sjson.Set(doc, "execute", execute)
	if args != "" {
		doc, _ = sjson.SetRaw(doc, "arguments", args)
	}
	if _, err := c.conn.Write([]byte(doc + "\n")); err != nil {
		return gjson.Result{}, fmt.Errorf("write %s: %w", execute, err)
	}

	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response to %s: %w", execute, err)
	}
	parsed := gjson.ParseBytes(line)
	if errObj := parsed.Get("error"); errObj.Exists() {
		return gjson.Result{}, fmt.Errorf("guest agent error: %s", errObj.Get("desc").String())
	}
	return parsed.Get("return"), nil
}

// Ping probes the agent with guest-ping, bounded by timeout.
func (c *Client) Ping(timeout time.Duration) error {
	_ = c.conn.SetDeadline(time.Now().Add(timeout))
	defer c.conn.SetDeadline(time.Time{})
	_, err := c.command("guest-ping", "")
	return err
}

// Info returns guest-info's list of supported command names.
func (c *Client) Info() ([]string, error) {
	res, err := c.command("guest-info", "")
	if err != nil {
		return nil, err
	}
	var names []string
	res.Get("supported_commands").ForEach(func(_, cmd gjson.Result) bool {
		if cmd.Get("enabled").Bool() {
			names = append(names, cmd.Get("name").String())
		}
		return true
	})
	return names, nil
}

// Status returns the current filesystem freeze state ("frozen" or
// "thawed"), resolved via guest-fsfreeze-status.
func (c *Client) Status() (string, error) {
	res, err := c.command("guest-fsfreeze-status", "")
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// Freeze issues guest-fsfreeze-freeze, returning the number of
// filesystems frozen. Already-frozen is treated as success (idempotent
// per the original's quiesce()).
func (c *Client) Freeze() (int64, error) {
	state, err := c.Status()
	if err == nil && state == "frozen" {
		return 0, nil
	}
	res, err := c.command("guest-fsfreeze-freeze", "")
	if err != nil {
		return 0, err
	}
	return res.Int(), nil
}

// Thaw issues guest-fsfreeze-thaw, returning the number of filesystems
// thawed. Already-thawed is treated as success.
func (c *Client) Thaw() (int64, error) {
	state, err := c.Status()
	if err == nil && state == "thawed" {
		return 0, nil
	}
	res, err := c.command("guest-fsfreeze-thaw", "")
	if err != nil {
		return 0, err
	}
	return res.Int(), nil
}

// SupportsFreeze reports whether Info() lists guest-fsfreeze-freeze.
func SupportsFreeze(commands []string) bool {
	for _, c := range commands {
		if c == "guest-fsfreeze-freeze" {
			return true
		}
	}
	return false
}
