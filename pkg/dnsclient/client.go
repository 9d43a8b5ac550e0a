// Package dnsclient lets a worker process resolve hostnames through its
// parent's shared DNS cache instead of the OS resolver. The parent passes an
// inherited socket; requests and responses are single JSON lines carrying a
// client-allocated requestId.
package dnsclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scriptops/scriptops/internal/dnscache"
)

// EnvFD names the environment variable announcing the inherited socket's file
// descriptor.
const EnvFD = "SCRIPTOPS_DNS_FD"

// requestTimeout bounds how long a single resolution may take before the
// client gives up on the parent.
const requestTimeout = 10 * time.Second

// ErrTimeout is returned when the parent does not answer within the request
// timeout.
var ErrTimeout = errors.New("DNS timeout")

// ErrClosed is returned for requests made after Close, or in flight when the
// connection drops.
var ErrClosed = errors.New("dns client closed")

// Lookup is a single resolved address.
type Lookup struct {
	Address string
	Family  int
}

// Client multiplexes resolution requests over one connection to the parent.
// Safe for concurrent use.
type Client struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *dnscache.Envelope
	closed  bool
}

// New wraps an established connection. The caller keeps ownership of nothing;
// Close tears the connection down.
func New(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan *dnscache.Envelope),
	}
	go c.readLoop()
	return c
}

// FromEnv opens the inherited socket named by SCRIPTOPS_DNS_FD. Returns
// (nil, nil) when the variable is unset, meaning the parent offers no shared
// resolver and the caller should fall back to the OS resolver.
func FromEnv() (*Client, error) {
	v := os.Getenv(EnvFD)
	if v == "" {
		return nil, nil
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("invalid %s value %q", EnvFD, v)
	}
	f := os.NewFile(uintptr(fd), "dns-ipc")
	if f == nil {
		return nil, fmt.Errorf("fd %d is not open", fd)
	}
	return New(f), nil
}

// Close shuts the connection and fails all in-flight requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Lookup resolves hostname to a single address. family is 4, 6, or 0 for
// either.
func (c *Client) Lookup(ctx context.Context, hostname string, family int) (*Lookup, error) {
	req := &dnscache.Envelope{
		Type:     dnscache.MsgLookupRequest,
		Hostname: hostname,
	}
	if family != 0 {
		req.Options = &dnscache.LookupOptions{Family: family}
	}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return &Lookup{Address: resp.Address, Family: resp.Family}, nil
}

// Resolve4 returns all IPv4 addresses for hostname.
func (c *Client) Resolve4(ctx context.Context, hostname string) ([]string, error) {
	return c.resolveAll(ctx, dnscache.MsgResolve4Request, hostname)
}

// Resolve6 returns all IPv6 addresses for hostname.
func (c *Client) Resolve6(ctx context.Context, hostname string) ([]string, error) {
	return c.resolveAll(ctx, dnscache.MsgResolve6Request, hostname)
}

func (c *Client) resolveAll(ctx context.Context, msgType, hostname string) ([]string, error) {
	resp, err := c.roundTrip(ctx, &dnscache.Envelope{Type: msgType, Hostname: hostname})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return resp.Addresses, nil
}

func (c *Client) roundTrip(ctx context.Context, req *dnscache.Envelope) (*dnscache.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	id := c.nextID.Add(1)
	req.RequestID = id
	ch := make(chan *dnscache.Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := req.Encode()
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	_, err = c.conn.Write(append(data, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send dns request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// readLoop dispatches responses to their waiting requests. Responses with an
// unknown requestId are dropped; a closed connection fails every pending
// request.
func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		resp, err := dnscache.DecodeEnvelope(scanner.Bytes())
		if err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}

	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}
