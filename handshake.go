package wsclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// UpgradeRequest is the HTTP side of the opening handshake as the client
// builds it.
type UpgradeRequest struct {
	// URL uses the ws or wss scheme.
	URL    string
	Header http.Header
}

// UpgradeResponse is what the server answered. Stream carries the
// WebSocket bytes once the status line and headers were consumed; Reader,
// when set, holds bytes already buffered past the headers and is read
// instead of Stream.
type UpgradeResponse struct {
	StatusCode int
	Header     http.Header
	Stream     io.ReadWriteCloser
	Reader     io.Reader
}

// Upgrader performs the HTTP upgrade exchange. The connection validates the
// response itself, so an Upgrader only moves bytes.
type Upgrader interface {
	Upgrade(ctx context.Context, req *UpgradeRequest) (*UpgradeResponse, error)
}

// DialFunc opens the transport connection for an upgrade.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// HTTPUpgrader dials TCP (and TLS for wss) and speaks HTTP/1.1 with
// fasthttp.
type HTTPUpgrader struct {
	NetDial        DialFunc
	TLSConfig      *tls.Config
	ReadBufferSize int
}

func (u *HTTPUpgrader) Upgrade(ctx context.Context, r *UpgradeRequest) (*UpgradeResponse, error) {
	uri := fasthttp.AcquireURI()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseURI(uri)
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	if err := uri.Parse(nil, []byte(r.URL)); err != nil {
		return nil, fmt.Errorf("parse url %q: %w", r.URL, err)
	}

	var secure bool
	switch string(uri.Scheme()) {
	case "ws", "http":
	case "wss", "https":
		secure = true
	default:
		return nil, fmt.Errorf("unsupported scheme %q", uri.Scheme())
	}

	addr := string(uri.Host())
	if _, _, err := net.SplitHostPort(addr); err != nil {
		if secure {
			addr = net.JoinHostPort(strings.Trim(addr, "[]"), "443")
		} else {
			addr = net.JoinHostPort(strings.Trim(addr, "[]"), "80")
		}
	}

	dial := u.NetDial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	c, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		c.SetDeadline(time.Now())
	})
	ok := false
	defer func() {
		stop()
		if !ok {
			c.Close()
		}
	}()
	if deadline, has := ctx.Deadline(); has {
		c.SetDeadline(deadline)
	}

	if secure {
		cfg := &tls.Config{}
		if u.TLSConfig != nil {
			cfg = u.TLSConfig.Clone()
		}
		if cfg.ServerName == "" {
			host, _, _ := net.SplitHostPort(addr)
			cfg.ServerName = host
		}
		tc := tls.Client(c, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		c = tc
		uri.SetScheme("https")
	} else {
		uri.SetScheme("http")
	}

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURIBytes(uri.FullURI())
	for key, values := range r.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	size := u.ReadBufferSize
	if size <= 0 {
		size = defaultIOBufferSize
	}
	br := bufio.NewReaderSize(c, size)
	bw := bufio.NewWriter(c)
	if err := req.Write(bw); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}

	resp.SkipBody = true
	if err := resp.Read(br); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read upgrade response: %w", err)
	}

	out := &UpgradeResponse{
		StatusCode: resp.StatusCode(),
		Header:     make(http.Header),
		Stream:     c,
		Reader:     br,
	}
	resp.Header.VisitAll(func(key, value []byte) {
		out.Header.Add(string(key), string(value))
	})

	c.SetDeadline(time.Time{})
	ok = true
	return out, nil
}

// Dial opens a client connection to a ws:// or wss:// URL. cfg may be nil.
// ctx bounds the opening handshake only.
func Dial(ctx context.Context, url string, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg = cfg.Clone()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}

	upgrader := cfg.Upgrader
	if upgrader == nil {
		upgrader = &HTTPUpgrader{NetDial: cfg.NetDial, TLSConfig: cfg.TLSConfig, ReadBufferSize: cfg.ReadBufferSize}
	}

	key, err := newChallengeKey(cfg.Rand)
	if err != nil {
		return nil, fmt.Errorf("websocket: generate key: %w", err)
	}

	factories := cfg.extensionFactories()
	c := newConn(cfg)
	c.advance(StateUpgradeSent)
	c.logger.Debug("sending upgrade request", "url", url)

	resp, err := upgrader.Upgrade(ctx, &UpgradeRequest{URL: url, Header: upgradeHeader(cfg, key, factories)})
	if err != nil {
		c.shutdown(nil)
		return nil, &HandshakeError{Msg: err.Error()}
	}
	c.advance(StateUpgradeReceived)

	if err := c.acceptResponse(resp, key, factories); err != nil {
		c.logger.Debug("upgrade rejected", "error", err)
		if resp.Stream != nil {
			resp.Stream.Close()
		}
		c.shutdown(err)
		return nil, err
	}
	return c, nil
}

func upgradeHeader(cfg *Config, key []byte, factories []ExtensionFactory) http.Header {
	h := make(http.Header)
	h.Set(string(upgradeString), string(webSocketString))
	h.Set(string(connectionString), string(upgradeString))
	h.Set(string(websocketKeyString), string(key))
	h.Set(string(websocketVersionString), string(websocketVersionValue))
	if cfg.Origin != "" {
		h.Set(string(originString), cfg.Origin)
	}
	if len(cfg.Subprotocols) > 0 {
		h.Set(string(websocketProtocolString), strings.Join(cfg.Subprotocols, ", "))
	}
	if len(factories) > 0 {
		offers := make([]string, 0, len(factories))
		for _, f := range factories {
			offers = append(offers, f.Offer())
		}
		h.Set(string(websocketExtensionsString), strings.Join(offers, ", "))
	}
	for k, v := range cfg.Header {
		h.Set(k, v)
	}
	return h
}

// acceptResponse validates the server's answer and, when it is an upgrade
// to this key, negotiates extensions and starts the connection.
func (c *Conn) acceptResponse(resp *UpgradeResponse, key []byte, factories []ExtensionFactory) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return &HandshakeError{Status: resp.StatusCode, Msg: "server did not switch protocols"}
	}
	if !headerContainsToken(resp.Header.Values(string(upgradeString)), string(webSocketString)) {
		return &HandshakeError{Status: resp.StatusCode, Msg: "missing Upgrade: websocket"}
	}
	if !headerContainsToken(resp.Header.Values(string(connectionString)), string(upgradeString)) {
		return &HandshakeError{Status: resp.StatusCode, Msg: "missing Connection: Upgrade"}
	}
	accept := strings.TrimSpace(resp.Header.Get(string(websocketAcceptString)))
	if !bytes.Equal([]byte(accept), ComputeAcceptKey(key)) {
		return &HandshakeError{Status: resp.StatusCode, Msg: fmt.Sprintf("Sec-WebSocket-Accept %q does not match key", accept)}
	}

	protocol := strings.TrimSpace(resp.Header.Get(string(websocketProtocolString)))
	if protocol != "" {
		offered := false
		for _, p := range c.cfg.Subprotocols {
			if p == protocol {
				offered = true
				break
			}
		}
		if !offered {
			return &HandshakeError{Status: resp.StatusCode, Msg: fmt.Sprintf("server selected subprotocol %q that was not offered", protocol)}
		}
	}

	exts, err := negotiateExtensions(c, factories, resp.Header.Values(string(websocketExtensionsString)))
	if err != nil {
		return err
	}
	c.subprotocol = protocol
	c.response = resp
	if err := c.start(resp.Stream, resp.Reader, exts); err != nil {
		closeExtensions(exts)
		return err
	}
	return nil
}
