package ghttp

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var ErrConnectionDead = errors.New("connection is dead")

// ConnectionOptions tunes the client behind each pooled Connection.
type ConnectionOptions struct {
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	MaxIdleTime    time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.MaxIdleTime <= 0 {
		o.MaxIdleTime = 30 * time.Second
	}
	return o
}

// Connection is a keep-alive HTTP client bound to one site. Its transport
// holds at most one underlying TCP/TLS connection, so reusing a Connection
// reuses the handshake.
type Connection struct {
	site      string
	transport *http.Transport
	client    *http.Client

	mu       sync.Mutex
	inUse    bool
	dead     bool
	lastUsed time.Time
}

func NewConnection(site string, opts ConnectionOptions) (*Connection, error) {
	if _, err := SiteOf(site); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          1,
		MaxIdleConnsPerHost:   1,
		MaxConnsPerHost:       1,
		IdleConnTimeout:       opts.MaxIdleTime,
		TLSHandshakeTimeout:   opts.DialTimeout,
		ExpectContinueTimeout: time.Second,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   opts.RequestTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			// a redirect would leave this connection's site
			return http.ErrUseLastResponse
		},
	}
	return &Connection{
		site:      site,
		transport: transport,
		client:    client,
		lastUsed:  time.Now(),
	}, nil
}

func (c *Connection) Site() string {
	return c.site
}

// Use runs fn with the underlying client. An error from fn marks the
// connection dead and closes it; the error is returned unchanged.
func (c *Connection) Use(fn func(*http.Client) error) error {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return ErrConnectionDead
	}
	c.inUse = true
	c.lastUsed = time.Now()
	c.mu.Unlock()

	err := fn(c.client)

	c.mu.Lock()
	c.inUse = false
	c.lastUsed = time.Now()
	if err != nil {
		c.dead = true
	}
	c.mu.Unlock()

	if err != nil {
		c.transport.CloseIdleConnections()
	}
	return err
}

func (c *Connection) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

func (c *Connection) InUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

// IdleFor is how long the connection has gone unused as of now.
func (c *Connection) IdleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse {
		return 0
	}
	return now.Sub(c.lastUsed)
}

func (c *Connection) Close() error {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
	c.transport.CloseIdleConnections()
	return nil
}

// SiteOf reduces a URL to the scheme://host:port key connections are pooled
// under. Default ports are made explicit so both spellings share a site.
func SiteOf(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme, rawURL)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	return scheme + "://" + net.JoinHostPort(host, port), nil
}
