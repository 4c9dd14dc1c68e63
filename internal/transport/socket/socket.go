// Package socket serves the access-point transport: a TCP listener that
// accepts one client at a time.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/camlink/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAddr      = ":1879"
	DefaultQueueSize = 64
)

type Config struct {
	Addr         string
	QueueSize    int
	ReadBuffer   int
	WriteTimeout time.Duration
	Retry        transport.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Addr:         DefaultAddr,
		QueueSize:    DefaultQueueSize,
		ReadBuffer:   4096,
		WriteTimeout: 5 * time.Second,
		Retry:        transport.DefaultRetryPolicy(),
	}
}

type Port struct {
	*transport.Endpoint
	cfg   Config
	ready chan struct{}

	mu   sync.Mutex
	ln   net.Listener
	conn net.Conn
}

func New(cfg Config) *Port {
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = 4096
	}
	return &Port{
		Endpoint: transport.NewEndpoint("ap", cfg.QueueSize, cfg.Retry),
		cfg:      cfg,
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (p *Port) Ready() <-chan struct{} { return p.ready }

// Addr returns the bound listener address, or nil before Ready.
func (p *Port) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

func (p *Port) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(p.cfg.Addr))
	if err != nil {
		return fmt.Errorf("socket: listen: %w", err)
	}
	p.mu.Lock()
	p.ln = ln
	p.mu.Unlock()
	close(p.ready)
	log.Info().Str("component", "transport").Str("transport", p.Name()).Str("addr", ln.Addr().String()).Msg("listening")

	go func() {
		<-ctx.Done()
		_ = p.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !p.claim(conn) {
			log.Warn().Str("component", "transport").Str("remote", conn.RemoteAddr().String()).Msg("client rejected, already connected")
			_ = conn.Close()
			continue
		}
		go p.serve(ctx, conn)
	}
}

func (p *Port) Close() error {
	p.mu.Lock()
	ln, conn := p.ln, p.conn
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (p *Port) claim(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return false
	}
	p.conn = conn
	return true
}

func (p *Port) release(conn net.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	_ = conn.Close()
}

func (p *Port) serve(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log.Info().Str("component", "transport").Str("transport", p.Name()).Str("remote", remote).Msg("client connected")
	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		p.SetConnected(false)
		p.release(conn)
		log.Info().Str("component", "transport").Str("transport", p.Name()).Str("remote", remote).Msg("client disconnected")
	}()

	p.SetConnected(true)
	go p.Queue().Run(connCtx, func(msg []byte) error {
		if p.cfg.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
		}
		_, err := conn.Write(msg)
		if err != nil {
			_ = conn.Close()
		}
		return err
	})

	buf := make([]byte, p.cfg.ReadBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			p.Deliver(buf[:n])
		}
		if err != nil {
			return
		}
	}
}
