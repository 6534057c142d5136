package wsclient_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	wsclient "github.com/Noahnut/go-wsclient"
	"github.com/Noahnut/go-wsclient/internal/wstest"
)

func testConfig() *wsclient.Config {
	cfg := wsclient.DefaultConfig()
	cfg.Logger = hclog.New(&hclog.LoggerOptions{Level: hclog.Trace, Output: io.Discard})
	cfg.CloseTimeout = 2 * time.Second
	return cfg
}

func dial(t *testing.T, ts *wstest.TestServer, cfg *wsclient.Config) *wsclient.Conn {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	cfg.NetDial = ts.Dial

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := wsclient.Dial(ctx, ts.URL, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// closeRecorder serves a connection by running send and then reporting the
// payload of the first CLOSE the client sends.
func closeRecorder(send func(c *wstest.ServerConn), closes chan<- []byte) wstest.Handler {
	return func(c *wstest.ServerConn) {
		send(c)
		for {
			f, err := c.ReadFrame()
			if err != nil {
				close(closes)
				return
			}
			if f.Opcode == wsclient.OpClose {
				closes <- f.Payload
				return
			}
		}
	}
}

func Test_EchoAndCloseHandshake(t *testing.T) {
	ts := wstest.NewServer(t, nil)
	conn := dial(t, ts, nil)
	ctx := testContext(t)

	assert.Equal(t, wsclient.StateConnected, conn.InputState())
	assert.Equal(t, wsclient.StateConnected, conn.OutputState())
	assert.Equal(t, wsclient.ConnOpen, conn.ReadState())
	assert.Equal(t, 101, conn.Response().StatusCode)

	require.NoError(t, conn.WriteMessage(ctx, wsclient.TextMessage, []byte("hello")))
	typ, data, err := conn.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, wsclient.TextMessage, typ)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, conn.Close(wsclient.StatusNormalClosure, "bye"))
	assert.Equal(t, wsclient.StateEnd, conn.InputState())
	assert.Equal(t, wsclient.StateEnd, conn.OutputState())
	assert.Equal(t, wsclient.ConnClosed, conn.WriteState())

	status, ok := conn.CloseStatus()
	require.True(t, ok)
	assert.Equal(t, wsclient.StatusNormalClosure, status.Code)
	assert.Equal(t, "bye", status.Reason)

	assert.ErrorIs(t, conn.WriteMessage(ctx, wsclient.TextMessage, []byte("late")), wsclient.ErrConnClosed)
	assert.ErrorIs(t, conn.Close(wsclient.StatusNormalClosure, ""), wsclient.ErrConnClosed)
}

func Test_FragmentedMessageWithInterleavedPing(t *testing.T) {
	frames := make(chan wstest.Frame, 2)
	ts := wstest.NewServer(t, &wstest.Server{Handler: func(c *wstest.ServerConn) {
		c.WriteFrame(wstest.Frame{Opcode: wsclient.OpText, Payload: []byte("Hel")})
		c.WriteFrame(wstest.Frame{Opcode: wsclient.OpPing, Fin: true, Payload: []byte("p")})
		c.WriteFrame(wstest.Frame{Opcode: wsclient.OpContinuation, Fin: true, Payload: []byte("lo")})
		if f, err := c.ReadFrame(); err == nil {
			frames <- f
		}
		c.WriteClose(wsclient.StatusNormalClosure, "done")
		if f, err := c.ReadFrame(); err == nil {
			frames <- f
		}
	}})
	conn := dial(t, ts, nil)
	ctx := testContext(t)

	typ, data, err := conn.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, wsclient.TextMessage, typ)
	assert.Equal(t, "Hello", string(data))

	pong := <-frames
	assert.Equal(t, wsclient.OpPong, pong.Opcode)
	assert.True(t, pong.Masked)
	assert.Equal(t, "p", string(pong.Payload))

	_, _, err = conn.ReadMessage(ctx)
	var ce *wsclient.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, wsclient.StatusNormalClosure, ce.Code)
	assert.Equal(t, "done", ce.Reason)

	echo := <-frames
	assert.Equal(t, wsclient.OpClose, echo.Opcode)
	code, reason, err := wsclient.ParseClosePayload(echo.Payload)
	require.NoError(t, err)
	assert.Equal(t, wsclient.StatusNormalClosure, code)
	assert.Equal(t, "done", reason)

	assert.Equal(t, wsclient.StateEnd, conn.InputState())
	assert.Equal(t, wsclient.StateEnd, conn.OutputState())
}

func Test_ProtocolViolations(t *testing.T) {
	bigPing := append([]byte{0x89, 126, 0x00, 126}, make([]byte, 126)...)

	tests := []struct {
		name     string
		send     func(c *wstest.ServerConn)
		wantCode wsclient.StatusCode
		check    func(t *testing.T, err error)
	}{
		{
			name: "masked frame",
			send: func(c *wstest.ServerConn) {
				c.WriteFrame(wstest.Frame{Opcode: wsclient.OpText, Fin: true, Masked: true, Payload: []byte("x")})
			},
			wantCode: wsclient.StatusProtocolError,
		},
		{
			name: "unnegotiated reserved bit",
			send: func(c *wstest.ServerConn) {
				c.WriteFrame(wstest.Frame{Opcode: wsclient.OpBinary, Fin: true, Reserved: wsclient.RSV2, Payload: []byte("x")})
			},
			wantCode: wsclient.StatusProtocolError,
		},
		{
			name:     "reserved opcode",
			send:     func(c *wstest.ServerConn) { c.WriteRaw([]byte{0x83, 0x00}) },
			wantCode: wsclient.StatusProtocolError,
		},
		{
			name:     "oversized ping",
			send:     func(c *wstest.ServerConn) { c.WriteRaw(bigPing) },
			wantCode: wsclient.StatusProtocolError,
		},
		{
			name:     "close with reserved status",
			send:     func(c *wstest.ServerConn) { c.WriteRaw([]byte{0x88, 0x02, 0x03, 0xED}) },
			wantCode: wsclient.StatusProtocolError,
		},
		{
			name: "continuation without message",
			send: func(c *wstest.ServerConn) {
				c.WriteMessage(wsclient.OpContinuation, []byte("x"))
			},
			wantCode: wsclient.StatusProtocolError,
		},
		{
			name: "new message inside fragmented one",
			send: func(c *wstest.ServerConn) {
				c.WriteFrame(wstest.Frame{Opcode: wsclient.OpBinary, Payload: []byte("a")})
				c.WriteFrame(wstest.Frame{Opcode: wsclient.OpBinary, Fin: true, Payload: []byte("b")})
			},
			wantCode: wsclient.StatusProtocolError,
		},
		{
			name: "invalid utf-8",
			send: func(c *wstest.ServerConn) {
				c.WriteMessage(wsclient.OpText, []byte{'o', 'k', 0xFF})
			},
			wantCode: wsclient.StatusInvalidFramePayloadData,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, wsclient.ErrInvalidUTF8)
				var pe *wsclient.ProtocolError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, wsclient.StatusInvalidFramePayloadData, pe.Code)
			},
		},
		{
			name: "oversized frame",
			send: func(c *wstest.ServerConn) {
				c.WriteMessage(wsclient.OpBinary, make([]byte, 32))
			},
			wantCode: wsclient.StatusMessageTooBig,
			check: func(t *testing.T, err error) {
				var ce *wsclient.CapacityError
				assert.ErrorAs(t, err, &ce)
			},
		},
		{
			name: "oversized message",
			send: func(c *wstest.ServerConn) {
				c.WriteFrame(wstest.Frame{Opcode: wsclient.OpBinary, Payload: make([]byte, 10)})
				c.WriteFrame(wstest.Frame{Opcode: wsclient.OpContinuation, Fin: true, Payload: make([]byte, 10)})
			},
			wantCode: wsclient.StatusMessageTooBig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			closes := make(chan []byte, 1)
			ts := wstest.NewServer(t, &wstest.Server{Handler: closeRecorder(tt.send, closes)})
			cfg := testConfig()
			cfg.MaxMessageSize = 16
			cfg.FragmentSize = 16
			conn := dial(t, ts, cfg)

			// drain any message the violation is embedded in
			var err error
			for err == nil {
				_, _, err = conn.ReadMessage(testContext(t))
			}
			if tt.check != nil {
				tt.check(t, err)
			}
			if tt.wantCode == wsclient.StatusProtocolError {
				var pe *wsclient.ProtocolError
				assert.ErrorAs(t, err, &pe)
			}

			payload, ok := <-closes
			require.True(t, ok, "client closed without a CLOSE frame")
			code, _, perr := wsclient.ParseClosePayload(payload)
			require.NoError(t, perr)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, wsclient.StateEnd, conn.InputState())
		})
	}
}

func Test_HandshakeValidation(t *testing.T) {
	tests := []struct {
		name   string
		server *wstest.Server
		cfg    func(cfg *wsclient.Config)
	}{
		{
			name:   "wrong accept",
			server: &wstest.Server{Accept: func([]byte) []byte { return []byte("bogus") }},
		},
		{
			name:   "subprotocol not offered",
			server: &wstest.Server{Subprotocol: "chat"},
		},
		{
			name:   "subprotocol outside offer",
			server: &wstest.Server{Subprotocol: "chat"},
			cfg:    func(cfg *wsclient.Config) { cfg.Subprotocols = []string{"mqtt"} },
		},
		{
			name:   "extension not offered",
			server: &wstest.Server{Extensions: "permessage-deflate"},
		},
		{
			name:   "idle timeout without parameter",
			server: &wstest.Server{Extensions: "x-kaazing-idle-timeout"},
			cfg:    func(cfg *wsclient.Config) { cfg.IdleTimeout = true },
		},
		{
			name:   "origin refused",
			server: &wstest.Server{},
			cfg:    func(cfg *wsclient.Config) { cfg.Origin = "http://elsewhere" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.server.Handler = wstest.EchoHandler
			ts := wstest.NewServer(t, tt.server)
			cfg := testConfig()
			cfg.NetDial = ts.Dial
			if tt.cfg != nil {
				tt.cfg(cfg)
			}
			conn, err := wsclient.Dial(testContext(t), ts.URL, cfg)
			assert.Nil(t, conn)
			var he *wsclient.HandshakeError
			assert.ErrorAs(t, err, &he)
		})
	}
}

func Test_SubprotocolAndHeaders(t *testing.T) {
	ts := wstest.NewServer(t, &wstest.Server{Subprotocol: "chat", Handler: wstest.EchoHandler})
	cfg := testConfig()
	cfg.Subprotocols = []string{"superchat", "chat"}
	cfg.Header = map[string]string{"X-Client": "test"}
	conn := dial(t, ts, cfg)

	assert.Equal(t, "chat", conn.Subprotocol())
	assert.Equal(t, "Upgrade", conn.Response().Header.Get("Connection"))
	assert.Empty(t, conn.Extensions())
}

func Test_DialRefused(t *testing.T) {
	cfg := testConfig()
	cfg.NetDial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	_, err := wsclient.Dial(testContext(t), "ws://nowhere/ws", cfg)
	var he *wsclient.HandshakeError
	assert.ErrorAs(t, err, &he)

	_, err = wsclient.Dial(testContext(t), "ftp://nowhere/ws", testConfig())
	assert.ErrorAs(t, err, &he)
}

func Test_IdleTimeout(t *testing.T) {
	closes := make(chan []byte, 1)
	ts := wstest.NewServer(t, &wstest.Server{
		Extensions: "x-kaazing-idle-timeout; timeout=100",
		Handler:    closeRecorder(func(*wstest.ServerConn) {}, closes),
	})
	cfg := testConfig()
	cfg.IdleTimeout = true
	conn := dial(t, ts, cfg)
	require.Len(t, conn.Extensions(), 1)

	_, _, err := conn.ReadMessage(testContext(t))
	assert.ErrorIs(t, err, wsclient.ErrIdleTimeout)

	payload, ok := <-closes
	require.True(t, ok)
	code, _, err := wsclient.ParseClosePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, wsclient.StatusGoingAway, code)
}

func Test_IdleTimeoutKeptAliveByTraffic(t *testing.T) {
	ts := wstest.NewServer(t, &wstest.Server{
		Extensions: "x-kaazing-idle-timeout; timeout=300",
		Handler: func(c *wstest.ServerConn) {
			for i := 0; i < 5; i++ {
				time.Sleep(100 * time.Millisecond)
				if err := c.WriteMessage(wsclient.OpPong, nil); err != nil {
					return
				}
			}
			c.WriteMessage(wsclient.OpText, []byte("still here"))
			wstest.EchoHandler(c)
		},
	})
	cfg := testConfig()
	cfg.IdleTimeout = true
	pongs := make(chan struct{}, 5)
	cfg.PongHandler = func([]byte) { pongs <- struct{}{} }
	conn := dial(t, ts, cfg)

	_, data, err := conn.ReadMessage(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "still here", string(data))
	assert.Len(t, pongs, 5)
	require.NoError(t, conn.Close(wsclient.StatusNormalClosure, ""))
}

func Test_MessageWriterFragments(t *testing.T) {
	frames := make(chan wstest.Frame, 8)
	ts := wstest.NewServer(t, &wstest.Server{Handler: func(c *wstest.ServerConn) {
		for {
			f, err := c.ReadFrame()
			if err != nil {
				close(frames)
				return
			}
			frames <- f
			if f.Fin && f.Opcode != wsclient.OpPing {
				close(frames)
				wstest.EchoHandler(c)
				return
			}
		}
	}})
	cfg := testConfig()
	cfg.FragmentSize = 4
	conn := dial(t, ts, cfg)
	ctx := testContext(t)

	w, err := conn.NextWriter(ctx, wsclient.TextMessage)
	require.NoError(t, err)

	busy, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = conn.NextWriter(busy, wsclient.BinaryMessage)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "only one writer at a time")

	_, err = w.Write([]byte("hello wo"))
	require.NoError(t, err)
	require.NoError(t, conn.Ping([]byte("mid")))
	_, err = w.Write([]byte("rld"))
	require.NoError(t, err)

	_, err = w.Write([]byte{0xE2, 0x82})
	require.NoError(t, err)
	var ue *wsclient.UsageError
	assert.ErrorAs(t, w.Close(), &ue, "message ends inside a sequence")
	_, err = w.Write([]byte{0xAC})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var got []wstest.Frame
	for f := range frames {
		got = append(got, f)
	}
	require.Len(t, got, 5)
	assert.Equal(t, wsclient.OpText, got[0].Opcode)
	assert.Equal(t, "hell", string(got[0].Payload))
	assert.Equal(t, wsclient.OpContinuation, got[1].Opcode)
	assert.Equal(t, "o wo", string(got[1].Payload))
	assert.Equal(t, wsclient.OpPing, got[2].Opcode)
	assert.Equal(t, wsclient.OpContinuation, got[3].Opcode)
	assert.Equal(t, "rld\xe2", string(got[3].Payload))
	assert.False(t, got[3].Fin)
	assert.Equal(t, "\x82\xac", string(got[4].Payload))
	assert.True(t, got[4].Fin)
	for _, f := range got {
		assert.True(t, f.Masked)
	}

	// the writer slot is free again
	w, err = conn.NextWriter(ctx, wsclient.BinaryMessage)
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, data, err := conn.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func Test_WriteUsageErrors(t *testing.T) {
	ts := wstest.NewServer(t, nil)
	conn := dial(t, ts, nil)
	ctx := testContext(t)

	var ue *wsclient.UsageError
	assert.ErrorAs(t, conn.WriteMessage(ctx, wsclient.TextMessage, []byte{0xFF}), &ue)
	assert.ErrorAs(t, conn.WriteMessage(ctx, wsclient.MessageType(9), nil), &ue)
	assert.ErrorAs(t, conn.Ping(make([]byte, 126)), &ue)
	assert.ErrorAs(t, conn.Close(wsclient.StatusGoingAway, ""), &ue)
	assert.ErrorAs(t, conn.Close(wsclient.StatusNormalClosure, string(make([]byte, 124))), &ue)

	w, err := conn.NextWriter(ctx, wsclient.TextMessage)
	require.NoError(t, err)
	_, err = w.Write([]byte{0xC0, 0xAF})
	assert.ErrorAs(t, err, &ue)

	assert.Equal(t, wsclient.StateConnected, conn.OutputState(), "usage errors leave the connection alone")
}

func Test_PingPongHandler(t *testing.T) {
	ts := wstest.NewServer(t, nil)
	cfg := testConfig()
	pongs := make(chan []byte, 1)
	cfg.PongHandler = func(p []byte) { pongs <- append([]byte(nil), p...) }
	conn := dial(t, ts, cfg)

	require.NoError(t, conn.Ping([]byte("are you there")))
	select {
	case p := <-pongs:
		assert.Equal(t, "are you there", string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("no pong")
	}
}

func Test_NextReaderSupersedesPrevious(t *testing.T) {
	ts := wstest.NewServer(t, &wstest.Server{Handler: func(c *wstest.ServerConn) {
		c.WriteFrame(wstest.Frame{Opcode: wsclient.OpBinary, Payload: []byte("first-")})
		c.WriteFrame(wstest.Frame{Opcode: wsclient.OpContinuation, Fin: true, Payload: []byte("message")})
		c.WriteMessage(wsclient.OpText, []byte("second"))
		wstest.EchoHandler(c)
	}})
	conn := dial(t, ts, nil)
	ctx := testContext(t)

	r1, err := conn.NextReader(ctx)
	require.NoError(t, err)
	assert.Equal(t, wsclient.BinaryMessage, r1.Type())
	buf := make([]byte, 3)
	n, err := r1.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "fir", string(buf[:n]))

	r2, err := conn.NextReader(ctx)
	require.NoError(t, err)
	assert.Equal(t, wsclient.TextMessage, r2.Type())

	_, err = r1.Read(buf)
	var ue *wsclient.UsageError
	assert.ErrorAs(t, err, &ue)

	data, err := io.ReadAll(r2)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = conn.NextReader(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_ConcurrentWriters(t *testing.T) {
	ts := wstest.NewServer(t, nil)
	conn := dial(t, ts, nil)
	ctx := testContext(t)

	const writers = 8
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		i := i
		g.Go(func() error {
			if i%2 == 0 {
				return conn.WriteMessage(ctx, wsclient.BinaryMessage, []byte(fmt.Sprintf("message-%d", i)))
			}
			w, err := conn.NextWriter(ctx, wsclient.BinaryMessage)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "message-%d", i)
			return w.Close()
		})
	}

	var received []string
	g.Go(func() error {
		for len(received) < writers {
			_, data, err := conn.ReadMessage(ctx)
			if err != nil {
				return err
			}
			received = append(received, string(data))
		}
		return nil
	})
	require.NoError(t, g.Wait())

	sort.Strings(received)
	want := make([]string, writers)
	for i := range want {
		want[i] = fmt.Sprintf("message-%d", i)
	}
	assert.Equal(t, want, received)
}

func Test_StreamReadWriteOverPipe(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	clientEnd, server := wstest.Pipe()
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		defer server.Close()
		for {
			f, err := server.ReadFrame()
			if err != nil {
				return
			}
			if f.Opcode == wsclient.OpBinary {
				server.WriteMessage(wsclient.OpBinary, bytes.ToUpper(f.Payload))
				server.WriteMessage(wsclient.OpText, []byte("!"))
				server.WriteClose(wsclient.StatusNormalClosure, "")
			}
			if f.Opcode == wsclient.OpClose {
				return
			}
		}
	}()

	conn, err := wsclient.NewConn(clientEnd, nil, testConfig())
	require.NoError(t, err)
	assert.Nil(t, conn.Response())

	n, err := conn.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "ABC!", string(data))

	<-serverDone
	assert.NoError(t, conn.CloseNow())
	assert.Equal(t, wsclient.StateEnd, conn.InputState())
}

func Test_CloseTimesOut(t *testing.T) {
	release := make(chan struct{})
	ts := wstest.NewServer(t, &wstest.Server{Handler: func(c *wstest.ServerConn) {
		<-release
	}})
	cfg := testConfig()
	cfg.CloseTimeout = 100 * time.Millisecond
	conn := dial(t, ts, cfg)
	defer close(release)

	start := time.Now()
	assert.NoError(t, conn.Close(wsclient.StatusNormalClosure, ""))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, wsclient.StateEnd, conn.OutputState())

	_, _, err := conn.ReadMessage(testContext(t))
	assert.True(t, errors.Is(err, wsclient.ErrConnClosed), "got %v", err)
}

// dropFrames swallows inbound data frames whose payload is drop.
type dropFrames struct {
	wsclient.ExtensionAdapter
	drop string
}

func (e *dropFrames) Hooks() map[wsclient.HookKey]wsclient.Hook {
	hook := func(ctx wsclient.ExtensionContext, ev *wsclient.FrameEvent) error {
		if string(ev.Payload) == e.drop {
			return nil
		}
		return ctx.Next(ev)
	}
	return map[wsclient.HookKey]wsclient.Hook{
		wsclient.OnReceived(wsclient.OpText):         hook,
		wsclient.OnReceived(wsclient.OpContinuation): hook,
	}
}

func Test_ExtensionDropsFinalFrame(t *testing.T) {
	clientEnd, server := wstest.Pipe()
	defer server.Close()
	go func() {
		server.WriteMessage(wsclient.OpText, []byte("drop"))
		server.WriteFrame(wstest.Frame{Opcode: wsclient.OpText, Payload: []byte("ab")})
		server.WriteFrame(wstest.Frame{Opcode: wsclient.OpContinuation, Fin: true, Payload: []byte("drop")})
		server.WriteMessage(wsclient.OpText, []byte("keep"))
		for {
			if _, err := server.ReadFrame(); err != nil {
				return
			}
		}
	}()

	ext := &dropFrames{ExtensionAdapter: wsclient.ExtensionAdapter{ExtensionName: "x-drop"}, drop: "drop"}
	conn, err := wsclient.NewConn(clientEnd, nil, testConfig(), ext)
	require.NoError(t, err)
	defer conn.CloseNow()
	ctx := testContext(t)

	// the whole first message and the last fragment of the second vanish
	_, data, err := conn.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))

	typ, data, err := conn.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, wsclient.TextMessage, typ)
	assert.Equal(t, "keep", string(data))
	assert.Equal(t, wsclient.StateConnected, conn.InputState())
}

func Test_CloseWithUnreadMessage(t *testing.T) {
	sent := make(chan struct{})
	ts := wstest.NewServer(t, &wstest.Server{Handler: func(c *wstest.ServerConn) {
		c.WriteMessage(wsclient.OpText, []byte("unread"))
		c.WriteMessage(wsclient.OpBinary, []byte("also unread"))
		close(sent)
		for {
			f, err := c.ReadFrame()
			if err != nil {
				return
			}
			if f.Opcode == wsclient.OpClose {
				code, reason, _ := wsclient.ParseClosePayload(f.Payload)
				c.WriteClose(code, reason)
				return
			}
		}
	}})
	cfg := testConfig()
	cfg.CloseTimeout = 5 * time.Second
	conn := dial(t, ts, cfg)

	<-sent
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, conn.Close(wsclient.StatusNormalClosure, "bye"))
	assert.Less(t, time.Since(start), 2*time.Second)

	status, ok := conn.CloseStatus()
	require.True(t, ok)
	assert.Equal(t, wsclient.StatusNormalClosure, status.Code)
	assert.Equal(t, "bye", status.Reason)

	_, _, err := conn.ReadMessage(testContext(t))
	var ce *wsclient.CloseError
	assert.ErrorAs(t, err, &ce)
}
