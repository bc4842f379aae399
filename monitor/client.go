// Package monitor implements component A of the backup system: a
// request/response and asynchronous-event channel over the hypervisor's
// monitor socket. It wraps github.com/digitalocean/go-qemu/qmp, which
// already performs the greeting read and capability negotiation inside
// Connect and gives raw Run/Events primitives, and adds command
// construction/inspection via gjson/sjson, typed error translation, and
// predicate/timeout event waiting.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/qmpbackup/qmpbackup/qmperrors"
)

// roundTripper is the subset of qmp.SocketMonitor's surface the client
// depends on; tests substitute a fake implementation fed from literal
// JSON fixtures instead of a real QEMU instance.
type roundTripper interface {
	Connect() error
	Disconnect() error
	Run(cmd []byte) ([]byte, error)
	Events(ctx context.Context) (<-chan qmp.Event, error)
}

// Client is a connected monitor session. It is not safe for concurrent
// use of Command by multiple goroutines that require ordering beyond
// go-qemu's own write serialization; WaitForEvent is safe to call from
// any number of goroutines.
type Client struct {
	rt     roundTripper
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	listeners []*listener
}

type listener struct {
	kind    string
	pred    func(gjson.Result) bool
	resultC chan gjson.Result
	done    chan struct{}
}

// Dial connects to the monitor socket at path and starts the event
// demultiplexer loop.
func Dial(ctx context.Context, path string, timeout time.Duration) (*Client, error) {
	sm, err := qmp.NewSocketMonitor("unix", path, timeout)
	if err != nil {
		return nil, qmperrors.NewMonitorError("dial %s: %v", path, err)
	}
	return newClient(ctx, sm)
}

func newClient(ctx context.Context, rt roundTripper) (*Client, error) {
	if err := rt.Connect(); err != nil {
		return nil, qmperrors.NewMonitorError("connect: %v", err)
	}

	evCtx, cancel := context.WithCancel(ctx)
	stream, err := rt.Events(evCtx)
	if err != nil {
		cancel()
		_ = rt.Disconnect()
		return nil, qmperrors.NewMonitorError("subscribe events: %v", err)
	}

	c := &Client{rt: rt, cancel: cancel}
	go c.demux(stream)
	return c, nil
}

func (c *Client) demux(stream <-chan qmp.Event) {
	for ev := range stream {
		raw, err := marshalEvent(ev)
		if err != nil {
			continue
		}
		c.dispatch(ev.Event, raw.Get("data"))
	}
	c.abortListeners()
}

func marshalEvent(ev qmp.Event) (gjson.Result, error) {
	doc, err := sjson.Set(`{}`, "event", ev.Event)
	if err != nil {
		return gjson.Result{}, err
	}
	doc, err = sjson.SetRaw(doc, "data", mustJSON(ev.Data))
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.Parse(doc), nil
}

func mustJSON(v map[string]interface{}) string {
	doc := `{}`
	for k, val := range v {
		doc, _ = sjson.Set(doc, k, val)
	}
	return doc
}

func (c *Client) dispatch(kind string, data gjson.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.listeners[:0]
	for _, l := range c.listeners {
		if l.kind == kind && (l.pred == nil || l.pred(data)) {
			select {
			case l.resultC <- data:
			default:
			}
			close(l.done)
			continue
		}
		remaining = append(remaining, l)
	}
	c.listeners = remaining
}

func (c *Client) abortListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.listeners {
		close(l.done)
	}
	c.listeners = nil
}

// Command sends {"execute": name, "arguments": arguments} (arguments
// may be an empty JSON object "{}") and returns the "return" payload,
// or a qmperrors.CommandError translated from the server's error
// envelope.
func (c *Client) Command(name string, arguments string) (gjson.Result, error) {
	doc := `{}`
	doc, _ = sjson.Set(doc, "execute", name)
	if arguments != "" && arguments != "{}" {
		doc, _ = sjson.SetRaw(doc, "arguments", arguments)
	}
	return c.run(doc)
}

// Raw sends a fully-formed command document (as produced by qmpops's
// builders) and returns the "return" payload.
func (c *Client) Raw(doc string) (gjson.Result, error) {
	return c.run(doc)
}

func (c *Client) run(doc string) (gjson.Result, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return gjson.Result{}, qmperrors.NewMonitorError("transport closed")
	}
	c.mu.Unlock()

	raw, err := c.rt.Run([]byte(doc))
	if err != nil {
		return gjson.Result{}, qmperrors.NewMonitorError("run %s: %v", doc, err)
	}

	parsed := gjson.ParseBytes(raw)
	if errObj := parsed.Get("error"); errObj.Exists() {
		return gjson.Result{}, qmperrors.NewCommandError(
			errObj.Get("class").String(),
			errObj.Get("desc").String(),
		)
	}
	return parsed.Get("return"), nil
}

// WaitForEvent blocks until an event named kind matching pred (nil
// matches any event of that kind) arrives, ctx is cancelled, or the
// client is closed. pred may be nil.
func (c *Client) WaitForEvent(ctx context.Context, kind string, pred func(gjson.Result) bool) (gjson.Result, error) {
	l := &listener{
		kind:    kind,
		pred:    pred,
		resultC: make(chan gjson.Result, 1),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return gjson.Result{}, qmperrors.NewMonitorError("transport closed")
	}
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return gjson.Result{}, fmt.Errorf("waiting for %s: %w", kind, ctx.Err())
	case <-l.done:
		select {
		case r := <-l.resultC:
			return r, nil
		default:
			return gjson.Result{}, qmperrors.NewMonitorError("transport closed while waiting for %s", kind)
		}
	}
}

// Close cancels the event loop and disconnects the underlying monitor.
// Any outstanding WaitForEvent calls return a transport-closed error.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.abortListeners()
	if err := c.rt.Disconnect(); err != nil {
		return qmperrors.NewMonitorError("disconnect: %v", err)
	}
	return nil
}
