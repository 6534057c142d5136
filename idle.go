package wsclient

import (
	"fmt"
	"sync"
	"time"
)

// IdleTimeoutExtensionName is the token offered in Sec-WebSocket-Extensions.
const IdleTimeoutExtensionName = "x-kaazing-idle-timeout"

// IdleTimeoutFactory offers the idle-timeout extension. When the server
// accepts it with a timeout parameter (milliseconds), the connection is
// aborted if no frame of any kind arrives within that window.
type IdleTimeoutFactory struct{}

func (IdleTimeoutFactory) Name() string {
	return IdleTimeoutExtensionName
}

func (IdleTimeoutFactory) Offer() string {
	return IdleTimeoutExtensionName
}

type idleTimeoutParams struct {
	Timeout int64 `mapstructure:"timeout"`
}

func (IdleTimeoutFactory) Negotiate(host ExtensionHost, params ExtensionParams) (Extension, error) {
	var p idleTimeoutParams
	if err := params.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if p.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be a positive number of milliseconds, got %d", p.Timeout)
	}

	ext := &idleTimeout{
		ExtensionAdapter: ExtensionAdapter{ExtensionName: IdleTimeoutExtensionName},
		timeout:          time.Duration(p.Timeout) * time.Millisecond,
		host:             host,
	}
	ext.timer = time.AfterFunc(ext.timeout, ext.expire)
	host.Logger().Debug("idle timeout negotiated", "timeout", ext.timeout)
	return ext, nil
}

type idleTimeout struct {
	ExtensionAdapter

	timeout time.Duration
	host    ExtensionHost

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func (e *idleTimeout) Hooks() map[HookKey]Hook {
	hooks := make(map[HookKey]Hook, len(allOpcodes))
	for _, op := range allOpcodes {
		hooks[OnReceived(op)] = e.frameReceived
	}
	return hooks
}

func (e *idleTimeout) frameReceived(ctx ExtensionContext, ev *FrameEvent) error {
	e.mu.Lock()
	if !e.stopped {
		e.timer.Reset(e.timeout)
	}
	e.mu.Unlock()
	return ctx.Next(ev)
}

func (e *idleTimeout) expire() {
	e.mu.Lock()
	stopped := e.stopped
	e.stopped = true
	e.mu.Unlock()
	if stopped {
		return
	}
	e.host.Logger().Warn("no frame received within idle timeout", "timeout", e.timeout)
	e.host.Abort(ErrIdleTimeout)
}

// Close stops the timer.
func (e *idleTimeout) Close() error {
	e.mu.Lock()
	e.stopped = true
	e.timer.Stop()
	e.mu.Unlock()
	return nil
}
