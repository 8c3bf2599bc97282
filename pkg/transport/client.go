package transport

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gladhorn/hupnp/pkg/log"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// Client issues HTTP requests for description fetches, SOAP control,
// GENA subscription management and NOTIFY delivery. Connections are kept
// alive per host and reused when the peer allows it.
type Client struct {
	flag    *ShutdownFlag
	logger  log.Logger
	timeout time.Duration

	mu   sync.Mutex
	idle map[string]*Conn
}

// NewClient creates a client. The flag may be nil when the caller does
// not need cooperative shutdown.
func NewClient(flag *ShutdownFlag, logger log.Logger) *Client {
	return &Client{
		flag:    flag,
		logger:  log.OrNoop(logger),
		timeout: DefaultReadTimeout,
		idle:    make(map[string]*Conn),
	}
}

// SetTimeout sets the receive-timeout-no-data for subsequent requests.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.timeout = d
	}
}

// Do sends a request to host ("ip:port") and reads the response. An idle
// connection to the host is reused when available; a stale reused
// connection is retried once on a fresh dial.
func (c *Client) Do(req *Request, host string) (*Response, error) {
	if c.flag.Triggered() {
		return nil, upnp.ErrShuttingDown
	}

	conn, reused, err := c.takeConn(host)
	if err != nil {
		return nil, err
	}

	resp, err := c.roundTrip(conn, req, host)
	if err != nil && reused {
		// The idle connection may have been closed by the peer.
		conn.Close()
		conn, _, err = c.dial(host)
		if err != nil {
			return nil, err
		}
		resp, err = c.roundTrip(conn, req, host)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	if KeepAlive(resp.Proto, resp.Header) && !conn.Failed() {
		c.putConn(host, conn)
	} else {
		conn.Close()
	}
	return resp, nil
}

// Get fetches a URL. Only http URLs are supported.
func (c *Client) Get(rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "http" || u.Host == "" {
		return nil, fmt.Errorf("%w: bad URL %q", upnp.ErrCommunications, rawURL)
	}

	req := NewRequest("GET", u.RequestURI())
	req.Header.Set(HeaderHost, u.Host)
	return c.Do(req, hostPort(u))
}

// Close closes all idle connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, conn := range c.idle {
		conn.Close()
		delete(c.idle, host)
	}
}

func (c *Client) roundTrip(conn *Conn, req *Request, host string) (*Response, error) {
	if req.Header == nil {
		req.Header = NewHeader()
	}
	if !req.Header.Has(HeaderHost) {
		req.Header.Set(HeaderHost, host)
	}

	if err := conn.WriteRequest(req, WriteOptions{KeepAlive: true}); err != nil {
		return nil, err
	}

	c.logger.Log(log.Event{
		Timestamp:  time.Now(),
		Direction:  log.DirectionOut,
		Layer:      log.LayerHTTP,
		Category:   log.CategoryMessage,
		RemoteAddr: host,
		HTTP: &log.HTTPEvent{
			Method:   req.Method,
			Path:     req.Target,
			BodySize: len(req.Body),
		},
	})

	c.mu.Lock()
	timeout := c.timeout
	c.mu.Unlock()
	conn.SetReadTimeout(timeout)

	resp, err := conn.ReadResponse()
	if err != nil {
		return nil, err
	}

	c.logger.Log(log.Event{
		Timestamp:  time.Now(),
		Direction:  log.DirectionIn,
		Layer:      log.LayerHTTP,
		Category:   log.CategoryMessage,
		RemoteAddr: host,
		HTTP: &log.HTTPEvent{
			Status:   resp.Status,
			BodySize: len(resp.Body),
		},
	})
	return resp, nil
}

func (c *Client) takeConn(host string) (conn *Conn, reused bool, err error) {
	c.mu.Lock()
	if idle, ok := c.idle[host]; ok {
		delete(c.idle, host)
		c.mu.Unlock()
		return idle, true, nil
	}
	c.mu.Unlock()
	return c.dial(host)
}

func (c *Client) dial(host string) (*Conn, bool, error) {
	raw, err := net.DialTimeout("tcp", host, 5*time.Second)
	if err != nil {
		return nil, false, fmt.Errorf("%w: dial %s: %v", upnp.ErrCommunications, host, err)
	}
	return NewConn(raw, c.flag), false, nil
}

func (c *Client) putConn(host string, conn *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if previous, ok := c.idle[host]; ok {
		previous.Close()
	}
	c.idle[host] = conn
}

// hostPort returns the URL host with the default HTTP port applied.
func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
