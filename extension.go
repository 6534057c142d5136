package wsclient

import (
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
)

// Direction tells whether a frame is travelling from the peer or to it.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// FrameEvent is what an extension hook sees of a frame. Payload is
// unmasked and borrowed: it is only valid until the hook returns, so a
// hook that keeps bytes must copy them. Hooks may replace any field.
type FrameEvent struct {
	Opcode   Opcode
	Fin      bool
	Reserved byte
	Payload  []byte
}

// HookKey names an interception point: a frame type in one direction.
type HookKey struct {
	Direction Direction
	Opcode    Opcode
}

// OnReceived is the hook key for op frames after they arrive.
func OnReceived(op Opcode) HookKey {
	return HookKey{Direction: Inbound, Opcode: op}
}

// OnSent is the hook key for op frames before they are written.
func OnSent(op Opcode) HookKey {
	return HookKey{Direction: Outbound, Opcode: op}
}

// Hook handles one frame. To pass the frame on it must call ctx.Next;
// returning without doing so swallows the frame.
type Hook func(ctx ExtensionContext, ev *FrameEvent) error

// Extension is one negotiated capability. Hooks is called once when the
// pipeline is built; keys without a hook pass straight through.
type Extension interface {
	Name() string
	Hooks() map[HookKey]Hook
}

// ReservedBitsClaimer is implemented by extensions that give meaning to
// RSV1-3. Claimed bits are accepted on inbound frames.
type ReservedBitsClaimer interface {
	ReservedBits() byte
}

// ExtensionAdapter is embedded by extensions that only need a few hooks.
type ExtensionAdapter struct {
	ExtensionName string
}

func (a ExtensionAdapter) Name() string {
	return a.ExtensionName
}

func (a ExtensionAdapter) Hooks() map[HookKey]Hook {
	return nil
}

// ExtensionHost is the part of a connection an extension may reach.
type ExtensionHost interface {
	Logger() hclog.Logger
	// Abort fails the connection with err.
	Abort(err error)
}

// ExtensionParams are the parameters the server accepted an extension
// with.
type ExtensionParams map[string]string

// Decode copies params into the struct out, converting values the way
// mapstructure's weak typing does ("30" into an int, "true" into a bool).
func (p ExtensionParams) Decode(out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	raw := make(map[string]interface{}, len(p))
	for k, v := range p {
		raw[k] = v
	}
	return decoder.Decode(raw)
}

// ExtensionFactory offers an extension in the opening handshake and
// instantiates it once per connection if the server accepts it.
type ExtensionFactory interface {
	Name() string
	// Offer is the Sec-WebSocket-Extensions element sent to the server.
	Offer() string
	Negotiate(host ExtensionHost, params ExtensionParams) (Extension, error)
}

// ExtensionContext is a position in a hook chain. It is a value: calling
// Next on the same context twice runs the rest of the chain twice, and
// nothing about it is shared between frames or directions.
type ExtensionContext struct {
	pipeline *Pipeline
	dir      Direction
	hooks    []Hook
	index    int
}

// Next hands ev to the following hook, or to the default behaviour once
// every extension has seen it.
func (c ExtensionContext) Next(ev *FrameEvent) error {
	next := c.index + 1
	if next < len(c.hooks) {
		return c.hooks[next](ExtensionContext{pipeline: c.pipeline, dir: c.dir, hooks: c.hooks, index: next}, ev)
	}
	if c.dir == Inbound {
		return c.pipeline.deliver(ev)
	}
	return c.pipeline.write(ev)
}

// Emit sends a new frame through the whole outbound chain, for example a
// PONG produced while handling an inbound PING.
func (c ExtensionContext) Emit(ev *FrameEvent) error {
	return c.pipeline.emit(ev, c.dir == Outbound)
}

// Direction reports which chain the context belongs to.
func (c ExtensionContext) Direction() Direction {
	return c.dir
}

func (c ExtensionContext) Logger() hclog.Logger {
	return c.pipeline.logger
}

// Pipeline runs frames through the negotiated extensions. Outbound frames
// visit extensions in enablement order, inbound frames in reverse, so the
// first extension enabled sits closest to the wire. The chains are built
// once per connection.
type Pipeline struct {
	extensions []Extension
	chains     map[HookKey][]Hook
	claimedRSV byte
	logger     hclog.Logger

	deliver func(ev *FrameEvent) error
	write   func(ev *FrameEvent) error
	emit    func(ev *FrameEvent, writeLocked bool) error
}

var allOpcodes = []Opcode{OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong}

// NewPipeline orders the hooks of exts. deliver terminates the inbound
// chain and write the outbound one; emit injects a new outbound frame and
// is told whether the caller already holds the write side.
func NewPipeline(exts []Extension, logger hclog.Logger, deliver, write func(*FrameEvent) error, emit func(*FrameEvent, bool) error) *Pipeline {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	p := &Pipeline{
		extensions: exts,
		chains:     make(map[HookKey][]Hook),
		logger:     logger,
		deliver:    deliver,
		write:      write,
		emit:       emit,
	}

	hooks := make([]map[HookKey]Hook, len(exts))
	for i, ext := range exts {
		hooks[i] = ext.Hooks()
		if c, ok := ext.(ReservedBitsClaimer); ok {
			p.claimedRSV |= c.ReservedBits() & reservedMask
		}
	}

	for _, op := range allOpcodes {
		out := OnSent(op)
		for i := range exts {
			if h := hooks[i][out]; h != nil {
				p.chains[out] = append(p.chains[out], h)
			}
		}
		in := OnReceived(op)
		for i := len(exts) - 1; i >= 0; i-- {
			if h := hooks[i][in]; h != nil {
				p.chains[in] = append(p.chains[in], h)
			}
		}
	}
	return p
}

// Extensions returns the negotiated extensions in enablement order.
func (p *Pipeline) Extensions() []Extension {
	return p.extensions
}

// ClaimedReservedBits is the union of RSV bits the extensions use.
func (p *Pipeline) ClaimedReservedBits() byte {
	return p.claimedRSV
}

// Receive runs an inbound frame through the chain.
func (p *Pipeline) Receive(ev *FrameEvent) error {
	return p.dispatch(Inbound, ev)
}

// Send runs an outbound frame through the chain.
func (p *Pipeline) Send(ev *FrameEvent) error {
	return p.dispatch(Outbound, ev)
}

func (p *Pipeline) dispatch(dir Direction, ev *FrameEvent) error {
	ctx := ExtensionContext{pipeline: p, dir: dir, hooks: p.chains[HookKey{Direction: dir, Opcode: ev.Opcode}], index: -1}
	return ctx.Next(ev)
}

type extensionOffer struct {
	name   string
	params ExtensionParams
}

// parseExtensionHeader splits Sec-WebSocket-Extensions values into
// extension names and parameters (RFC 6455 section 9.1). Quoted parameter
// values are unquoted.
func parseExtensionHeader(values []string) ([]extensionOffer, error) {
	var offers []extensionOffer
	for _, value := range values {
		for _, element := range splitUnquoted(value, ',') {
			parts := splitUnquoted(element, ';')
			name := strings.TrimSpace(parts[0])
			if name == "" {
				if len(parts) == 1 && strings.TrimSpace(element) == "" {
					continue
				}
				return nil, fmt.Errorf("empty extension name in %q", value)
			}
			offer := extensionOffer{name: name, params: ExtensionParams{}}
			for _, param := range parts[1:] {
				param = strings.TrimSpace(param)
				if param == "" {
					continue
				}
				key, val, _ := strings.Cut(param, "=")
				key, val = strings.TrimSpace(key), strings.TrimSpace(val)
				if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
					val = val[1 : len(val)-1]
				}
				offer.params[key] = val
			}
			offers = append(offers, offer)
		}
	}
	return offers, nil
}

func splitUnquoted(s string, sep byte) []string {
	var parts []string
	quoted := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case sep:
			if !quoted {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// negotiateExtensions instantiates every extension the server accepted, in
// the order it listed them. Accepting something that was never offered, or
// the same extension twice, fails the handshake.
func negotiateExtensions(host ExtensionHost, factories []ExtensionFactory, accepted []string) (exts []Extension, err error) {
	offers, err := parseExtensionHeader(accepted)
	if err != nil {
		return nil, &HandshakeError{Status: 101, Msg: err.Error()}
	}

	// extensions built before a failure are released
	defer func() {
		if err != nil {
			closeExtensions(exts)
			exts = nil
		}
	}()

	seen := make(map[string]bool, len(offers))
	exts = make([]Extension, 0, len(offers))
	for _, offer := range offers {
		name := strings.ToLower(offer.name)
		if seen[name] {
			return exts, &HandshakeError{Status: 101, Msg: fmt.Sprintf("extension %q accepted twice", offer.name)}
		}
		seen[name] = true

		var factory ExtensionFactory
		for _, f := range factories {
			if strings.EqualFold(f.Name(), offer.name) {
				factory = f
				break
			}
		}
		if factory == nil {
			return exts, &HandshakeError{Status: 101, Msg: fmt.Sprintf("server accepted extension %q that was not offered", offer.name)}
		}

		ext, nerr := factory.Negotiate(host, offer.params)
		if nerr != nil {
			return exts, &HandshakeError{Status: 101, Msg: fmt.Sprintf("extension %q: %v", offer.name, nerr)}
		}
		exts = append(exts, ext)
	}
	return exts, nil
}

// closeExtensions releases per-connection extension state.
func closeExtensions(exts []Extension) error {
	var result *multierror.Error
	for _, ext := range exts {
		if c, ok := ext.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("extension %s: %w", ext.Name(), err))
			}
		}
	}
	return result.ErrorOrNil()
}
