// Package wstest is an in-memory WebSocket server for exercising the
// client against real framing.
package wstest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"sync"
	"testing"

	"github.com/fasthttp/router"
	"github.com/hashicorp/go-hclog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	wsclient "github.com/Noahnut/go-wsclient"
)

const (
	ErrorWebsocketHeaderConnectionValueShouldBeUpgrade = "websocket header Connection value should be Upgrade"
	ErrorWebsocketMethodMustBeGet                      = "websocket METHOD must be GET"
	ErrorWebsocketHeaderUpgradeValueShouldBeWebsocket  = "websocket header Upgrade value should be websocket"
	ErrorWebsocketHeaderSecWebSocketVersionValue       = "websocket header Sec-WebSocket-Version value should be 13"
	ErrorWebsocketHeaderSecWebSocketKey                = "websocket header Sec-WebSocket-Key should be base64 and size is 16"
	ErrorRequestOriginNotSameAsWebsocketOrigin         = "request origin not same as websocket origin"
)

var (
	webSocketString        = []byte("websocket")
	upgradeString          = []byte("Upgrade")
	connectionString       = []byte("Connection")
	websocketVersionString = []byte("Sec-WebSocket-Version")
	websocketVersionValue  = []byte("13")
	websocketKeyString     = []byte("Sec-WebSocket-Key")
	websocketAcceptString  = []byte("Sec-WebSocket-Accept")
	websocketProtocol      = []byte("Sec-WebSocket-Protocol")
	websocketExtensions    = []byte("Sec-WebSocket-Extensions")
	originString           = []byte("Origin")
)

// Handler serves one upgraded connection. The connection is closed when it
// returns.
type Handler func(c *ServerConn)

// Server answers upgrade requests and hands the hijacked connection to
// Handler.
type Server struct {
	CheckOrigin func(ctx *fasthttp.RequestCtx) bool
	Handler     Handler

	// Subprotocol and Extensions are sent back verbatim when non-empty.
	Subprotocol string
	Extensions  string

	// Accept overrides the Sec-WebSocket-Accept computation.
	Accept func(key []byte) []byte

	Logger hclog.Logger

	wg sync.WaitGroup
}

func (s *Server) logger() hclog.Logger {
	if s.Logger == nil {
		return hclog.NewNullLogger()
	}
	return s.Logger
}

// Upgrade validates the request, switches protocols and hijacks the
// connection.
func (s *Server) Upgrade(ctx *fasthttp.RequestCtx) {
	if !ctx.Request.Header.ConnectionUpgrade() {
		s.reject(ctx, ErrorWebsocketHeaderConnectionValueShouldBeUpgrade)
		return
	}

	if !ctx.IsGet() {
		s.reject(ctx, ErrorWebsocketMethodMustBeGet)
		return
	}

	if !bytes.EqualFold(ctx.Request.Header.PeekBytes(upgradeString), webSocketString) {
		s.reject(ctx, ErrorWebsocketHeaderUpgradeValueShouldBeWebsocket)
		return
	}

	if !bytes.Equal(ctx.Request.Header.PeekBytes(websocketVersionString), websocketVersionValue) {
		s.reject(ctx, ErrorWebsocketHeaderSecWebSocketVersionValue)
		return
	}

	checkOrigin := s.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = checkSameOrigin
	}
	if !checkOrigin(ctx) {
		s.reject(ctx, ErrorRequestOriginNotSameAsWebsocketOrigin)
		return
	}

	websocketKey := ctx.Request.Header.PeekBytes(websocketKeyString)
	if !wsclient.IsValidChallengeKey(websocketKey) {
		s.reject(ctx, ErrorWebsocketHeaderSecWebSocketKey)
		return
	}

	accept := wsclient.ComputeAcceptKey
	if s.Accept != nil {
		accept = s.Accept
	}
	ctx.Response.Header.SetBytesKV(websocketAcceptString, accept(websocketKey))
	ctx.Response.Header.SetBytesKV(upgradeString, webSocketString)
	ctx.Response.Header.SetBytesKV(connectionString, upgradeString)
	if s.Subprotocol != "" {
		ctx.Response.Header.SetBytesK(websocketProtocol, s.Subprotocol)
	}
	if s.Extensions != "" {
		ctx.Response.Header.SetBytesK(websocketExtensions, s.Extensions)
	}
	ctx.Response.SetStatusCode(fasthttp.StatusSwitchingProtocols)

	s.wg.Add(1)
	ctx.Hijack(func(c net.Conn) {
		defer s.wg.Done()
		conn := NewServerConn(c)
		s.logger().Debug("connection upgraded", "remote", c.RemoteAddr())
		if s.Handler != nil {
			s.Handler(conn)
		}
		conn.Close()
	})
}

func (s *Server) reject(ctx *fasthttp.RequestCtx, msg string) {
	s.logger().Debug("upgrade rejected", "reason", msg)
	ctx.Response.SetStatusCode(fasthttp.StatusBadRequest)
	ctx.Response.SetBodyString(msg)
}

// Wait blocks until every hijacked connection's handler returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func checkSameOrigin(ctx *fasthttp.RequestCtx) bool {
	origin := ctx.Request.Header.PeekBytes(originString)
	if len(origin) == 0 {
		return true
	}
	return bytes.Equal(origin, ctx.Host())
}

// Frame is a decoded frame with its payload already unmasked.
type Frame struct {
	Opcode   wsclient.Opcode
	Fin      bool
	Reserved byte
	Masked   bool
	Payload  []byte
}

// ServerConn is the server end of a connection. It writes unmasked frames
// unless asked otherwise and leaves protocol policy to the handler.
type ServerConn struct {
	net.Conn

	frames  *wsclient.FrameReader
	mu      sync.Mutex
	factory *wsclient.FrameFactory
	bw      *bufio.Writer
}

// NewServerConn frames c. Frames of up to 4 MiB are accepted.
func NewServerConn(c net.Conn) *ServerConn {
	const limit = 4 << 20
	return &ServerConn{
		Conn:    c,
		frames:  wsclient.NewFrameReader(c, wsclient.NewFrameFactory(limit)),
		factory: wsclient.NewFrameFactory(limit),
		bw:      bufio.NewWriter(c),
	}
}

// ReadFrame reads one frame and unmasks its payload.
func (c *ServerConn) ReadFrame() (Frame, error) {
	f, err := c.frames.ReadFrame()
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, f.PayloadLength())
	if _, err := f.PayloadGet(payload); err != nil {
		return Frame{}, err
	}
	return Frame{
		Opcode:   f.Opcode(),
		Fin:      f.Fin(),
		Reserved: f.Reserved(),
		Masked:   f.Masked(),
		Payload:  payload,
	}, nil
}

// WriteFrame encodes and flushes f.
func (c *ServerConn) WriteFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	mf, err := c.factory.GetFrame(f.Opcode, f.Fin, f.Masked, int64(len(f.Payload)))
	if err != nil {
		return err
	}
	if err := mf.SetReserved(f.Reserved); err != nil {
		return err
	}
	if f.Masked {
		err = mf.MaskedPayloadPut(f.Payload, rand.Reader)
	} else {
		err = mf.PayloadPut(f.Payload)
	}
	if err != nil {
		return err
	}
	if _, err := c.bw.Write(mf.Bytes()); err != nil {
		return err
	}
	return c.bw.Flush()
}

// WriteMessage sends payload as one final frame.
func (c *ServerConn) WriteMessage(op wsclient.Opcode, payload []byte) error {
	return c.WriteFrame(Frame{Opcode: op, Fin: true, Payload: payload})
}

// WriteClose sends a CLOSE frame with code and reason.
func (c *ServerConn) WriteClose(code wsclient.StatusCode, reason string) error {
	return c.WriteMessage(wsclient.OpClose, wsclient.AppendClosePayload(nil, code, reason))
}

// WriteRaw puts b on the wire as is.
func (c *ServerConn) WriteRaw(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.bw.Write(b); err != nil {
		return err
	}
	return c.bw.Flush()
}

// EchoHandler reassembles each message and sends it back as one frame,
// answers PING with PONG and echoes CLOSE before returning.
func EchoHandler(c *ServerConn) {
	var (
		op      wsclient.Opcode
		message []byte
	)
	for {
		f, err := c.ReadFrame()
		if err != nil {
			return
		}
		switch f.Opcode {
		case wsclient.OpPing:
			if err := c.WriteMessage(wsclient.OpPong, f.Payload); err != nil {
				return
			}
		case wsclient.OpPong:
		case wsclient.OpClose:
			c.WriteMessage(wsclient.OpClose, f.Payload)
			return
		case wsclient.OpText, wsclient.OpBinary:
			op, message = f.Opcode, append(message[:0], f.Payload...)
			fallthrough
		case wsclient.OpContinuation:
			if f.Opcode == wsclient.OpContinuation {
				message = append(message, f.Payload...)
			}
			if f.Fin {
				if err := c.WriteMessage(op, message); err != nil {
					return
				}
			}
		}
	}
}

// TestServer is a Server listening in memory.
type TestServer struct {
	*Server
	URL string

	ln  *fasthttputil.InmemoryListener
	srv *fasthttp.Server
}

// NewServer starts s behind a router at /ws. The listener, the server and
// every connection handler are shut down when t finishes.
func NewServer(t testing.TB, s *Server) *TestServer {
	t.Helper()
	if s == nil {
		s = &Server{Handler: EchoHandler}
	}

	r := router.New()
	r.GET("/ws", s.Upgrade)

	ts := &TestServer{
		Server: s,
		URL:    "ws://inmemory/ws",
		ln:     fasthttputil.NewInmemoryListener(),
		srv:    &fasthttp.Server{Handler: r.Handler},
	}
	go ts.srv.Serve(ts.ln)

	t.Cleanup(func() {
		ts.srv.Shutdown()
		ts.Wait()
	})
	return ts
}

// Dial connects to the in-memory listener; use it as Config.NetDial.
func (ts *TestServer) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return ts.ln.Dial()
}

// Pipe returns the two ends of a synchronous in-memory connection, already
// past the HTTP upgrade.
func Pipe() (net.Conn, *ServerConn) {
	client, server := net.Pipe()
	return client, NewServerConn(server)
}
