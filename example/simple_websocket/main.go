package main

import (
	"context"
	"os"
	"time"

	"github.com/fasthttp/router"
	"github.com/hashicorp/go-hclog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/pprofhandler"

	wsclient "github.com/Noahnut/go-wsclient"
	"github.com/Noahnut/go-wsclient/internal/wstest"
)

// simple sample for an echo server and the client talking to it
func websocketServer(logger hclog.Logger) {
	wsServer := &wstest.Server{
		Handler: wstest.EchoHandler,
		Logger:  logger.Named("server"),
	}

	router := router.New()

	router.GET("/ws", wsServer.Upgrade)
	router.GET("/debug/pprof/{profile:*}", pprofhandler.PprofHandler)

	server := fasthttp.Server{
		Handler: router.Handler,
	}

	if err := server.ListenAndServe(":8009"); err != nil {
		logger.Error("server stopped", "error", err)
	}
}

func websocketClient(logger hclog.Logger) error {
	cfg := wsclient.DefaultConfig()
	cfg.Logger = logger
	cfg.PongHandler = func(payload []byte) {
		logger.Info("pong received", "payload", string(payload))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := wsclient.Dial(ctx, "ws://localhost:8009/ws", cfg)
	if err != nil {
		return err
	}

	if err := conn.Ping([]byte("ping")); err != nil {
		return err
	}

	if err := conn.WriteMessage(ctx, wsclient.TextMessage, []byte("hello world")); err != nil {
		return err
	}

	typ, payload, err := conn.ReadMessage(ctx)
	if err != nil {
		return err
	}
	logger.Info("message received", "type", typ, "payload", string(payload))

	if err := conn.Close(wsclient.StatusNormalClosure, "bye"); err != nil {
		return err
	}
	logger.Info("closed", "input", conn.InputState(), "output", conn.OutputState())
	return nil
}

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "simple_websocket",
		Level:  hclog.Debug,
		Output: os.Stderr,
	})

	go websocketServer(logger)

	time.Sleep(1 * time.Second)

	if err := websocketClient(logger); err != nil {
		logger.Error("client failed", "error", err)
		os.Exit(1)
	}
}
