// Package engine owns the protocol worker: it reassembles inbound chunks,
// drives the command dispatcher and sends replies through the link. All
// protocol state is touched by the Run goroutine only.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/camlink/internal/command"
	"github.com/danmuck/camlink/internal/observability"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/frame"
	"github.com/danmuck/camlink/internal/protocol/packet"
	"github.com/danmuck/camlink/internal/telemetry"
	"github.com/danmuck/camlink/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrRunning = errors.New("engine: already running")

type Config struct {
	DeviceID       string
	Tick           time.Duration
	PartialTimeout time.Duration
	Limits         frame.Limits
	ReceiveQueue   int
	ReceiveWait    time.Duration
}

func DefaultConfig() Config {
	return Config{
		DeviceID:       "camlink",
		Tick:           10 * time.Millisecond,
		PartialTimeout: time.Second,
		Limits:         frame.DefaultLimits(),
		ReceiveQueue:   8,
		ReceiveWait:    100 * time.Millisecond,
	}
}

// Status is a point in time view of the engine.
type Status struct {
	Device        string `json:"device"`
	Connected     bool   `json:"connected"`
	Transport     string `json:"transport,omitempty"`
	Session       string `json:"session,omitempty"`
	ActiveCommand string `json:"active_command,omitempty"`
	Pending       bool   `json:"pending"`
	Frames        uint64 `json:"frames"`
	Rejected      uint64 `json:"rejected"`
	TimedOut      uint64 `json:"timed_out"`
	Dropped       uint64 `json:"dropped"`
}

type connChange struct {
	port      string
	connected bool
}

type Engine struct {
	cfg         Config
	link        *transport.Link
	dispatcher  *command.Dispatcher
	reassembler *frame.Reassembler
	events      telemetry.Publisher
	onLink      func(active bool)

	rx      chan []byte
	conn    chan connChange
	done    chan struct{}
	running atomic.Bool
	ctx     context.Context

	active   atomic.Int32
	pending  atomic.Bool
	frames   atomic.Uint64
	rejected atomic.Uint64
	timedOut atomic.Uint64
	dropped  atomic.Uint64

	mu      sync.Mutex
	session string
}

// New builds an engine that talks through link. A nil publisher discards
// events.
func New(cfg Config, link *transport.Link, events telemetry.Publisher) *Engine {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.PartialTimeout <= 0 {
		cfg.PartialTimeout = def.PartialTimeout
	}
	if cfg.ReceiveQueue <= 0 {
		cfg.ReceiveQueue = def.ReceiveQueue
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = def.ReceiveWait
	}
	if events == nil {
		events = telemetry.Nop{}
	}
	e := &Engine{
		cfg:    cfg,
		link:   link,
		events: events,
		rx:     make(chan []byte, cfg.ReceiveQueue),
		conn:   make(chan connChange, 16),
		done:   make(chan struct{}),
		ctx:    context.Background(),
	}
	e.active.Store(-1)
	e.dispatcher = command.NewDispatcher(e)
	e.dispatcher.SetObserver(e)
	e.reassembler = frame.NewReassembler(e, cfg.Limits, cfg.PartialTimeout)
	link.Attach(e)
	return e
}

// Register adds handlers. Call before Run.
func (e *Engine) Register(handlers ...command.Handler) error {
	for _, h := range handlers {
		if err := e.dispatcher.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// OnLinkChange installs fn, called from the worker whenever the link gains
// its first peer or loses its last one.
func (e *Engine) OnLinkChange(fn func(active bool)) {
	e.onLink = fn
}

func (e *Engine) Config() Config { return e.cfg }

// Codes lists the registered command codes.
func (e *Engine) Codes() []byte { return e.dispatcher.Codes() }

// Run is the parse and dispatch worker. It returns when ctx is done, after
// ending any active command.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	e.ctx = ctx
	defer close(e.done)
	defer e.stop()

	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	log.Info().
		Str("component", "engine").
		Str("device", e.cfg.DeviceID).
		Dur("tick", e.cfg.Tick).
		Ints("codes", codes(e.Codes())).
		Msg("engine started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-e.rx:
			e.reassembler.OnChunk(chunk)
		case c := <-e.conn:
			e.connectionChanged(c)
		case <-ticker.C:
			e.reassembler.Tick(e.cfg.Tick)
			if err := e.dispatcher.Tick(); err != nil {
				e.logDispatch(err)
			}
		}
		e.pending.Store(e.reassembler.Pending())
	}
}

func (e *Engine) stop() {
	e.dispatcher.Shutdown()
	e.reassembler.Reset()
	e.pending.Store(false)
	log.Info().Str("component", "engine").Msg("engine stopped")
}

// Receive hands a chunk to the worker. It waits briefly for queue space and
// drops the chunk when none frees up.
func (e *Engine) Receive(port string, chunk []byte) {
	buf := append([]byte(nil), chunk...)
	select {
	case e.rx <- buf:
		return
	default:
	}
	timer := time.NewTimer(e.cfg.ReceiveWait)
	defer timer.Stop()
	select {
	case e.rx <- buf:
	case <-e.done:
	case <-timer.C:
		e.dropped.Add(1)
		observability.RecordChunkDropped(port)
		log.Warn().
			Str("component", "engine").
			Str("transport", port).
			Int("bytes", len(chunk)).
			Msg("receive queue full, chunk dropped")
	}
}

func (e *Engine) ConnectionChanged(port string, connected bool) {
	select {
	case e.conn <- connChange{port: port, connected: connected}:
	case <-e.done:
	}
}

func (e *Engine) connectionChanged(c connChange) {
	if c.connected {
		e.mu.Lock()
		fresh := e.session == ""
		if fresh {
			e.session = telemetry.NewSession()
		}
		e.mu.Unlock()
		e.publish(telemetry.Event{Kind: telemetry.KindConnected, Transport: c.port})
		if fresh && e.onLink != nil {
			e.onLink(true)
		}
		return
	}

	e.publish(telemetry.Event{Kind: telemetry.KindDisconnected, Transport: c.port})
	if e.link.Connected() {
		return
	}
	e.dispatcher.Shutdown()
	e.reassembler.Reset()
	e.mu.Lock()
	e.session = ""
	e.mu.Unlock()
	if e.onLink != nil {
		e.onLink(false)
	}
}

// Deliver runs on the worker with a verified payload.
func (e *Engine) Deliver(payload *packet.Packet) {
	e.frames.Add(1)
	observability.RecordFrame("ok")
	if err := e.dispatcher.Dispatch(payload); err != nil {
		e.logDispatch(err)
	}
}

func (e *Engine) Invalid(reason error) {
	e.rejected.Add(1)
	observability.RecordFrame("invalid")
	log.Debug().Str("component", "engine").Err(reason).Msg("packet rejected")
	e.reply(protocol.ControlInvalidPacket, protocol.ResponseInvalidPacket)
}

func (e *Engine) TimedOut() {
	e.timedOut.Add(1)
	observability.RecordFrame("timeout")
	e.reply(protocol.ControlInvalidPacket, protocol.ResponsePacketTimeout)
}

// Respond seals the bytes after p's cursor behind cmd and sends them.
func (e *Engine) Respond(cmd byte, p *packet.Packet) error {
	if err := frame.Seal(cmd, p); err != nil {
		return err
	}
	return e.link.Send(e.ctx, p.Bytes())
}

func (e *Engine) CommandStarted(code byte) {
	e.active.Store(int32(code))
	observability.RecordCommand(protocol.CodeName(code), "started")
	e.publish(telemetry.Event{Kind: telemetry.KindCommandStart, Command: protocol.CodeName(code)})
}

func (e *Engine) CommandEnded(code byte, reason command.EndReason) {
	e.active.Store(-1)
	observability.RecordCommand(protocol.CodeName(code), string(reason))
	e.publish(telemetry.Event{
		Kind:    telemetry.KindCommandEnd,
		Command: protocol.CodeName(code),
		Reason:  string(reason),
	})
}

func (e *Engine) Status() Status {
	st := Status{
		Device:   e.cfg.DeviceID,
		Pending:  e.pending.Load(),
		Frames:   e.frames.Load(),
		Rejected: e.rejected.Load(),
		TimedOut: e.timedOut.Load(),
		Dropped:  e.dropped.Load(),
	}
	if p, ok := e.link.Active(); ok {
		st.Connected = true
		st.Transport = p.Name()
	}
	if code := e.active.Load(); code >= 0 {
		st.ActiveCommand = protocol.CodeName(byte(code))
	}
	e.mu.Lock()
	st.Session = e.session
	e.mu.Unlock()
	return st
}

func (e *Engine) reply(cmd, body byte) {
	if err := e.Respond(cmd, packet.Copy([]byte{body})); err != nil {
		log.Debug().Str("component", "engine").Err(err).Msg("reply dropped")
	}
}

func (e *Engine) publish(ev telemetry.Event) {
	ev.Device = e.cfg.DeviceID
	ev.At = time.Now().UTC()
	e.mu.Lock()
	ev.Session = e.session
	e.mu.Unlock()
	if err := e.events.Publish(ev); err != nil {
		log.Debug().Str("component", "engine").Str("kind", ev.Kind).Err(err).Msg("event dropped")
	}
}

func (e *Engine) logDispatch(err error) {
	ev := log.Debug()
	if errors.Is(err, command.ErrTaskFailed) || errors.Is(err, command.ErrTaskTimeout) {
		ev = log.Warn()
	}
	ev.Str("component", "engine").Err(err).Msg("dispatch")
}

func codes(b []byte) []int {
	out := make([]int, len(b))
	for i, c := range b {
		out[i] = int(c)
	}
	return out
}
