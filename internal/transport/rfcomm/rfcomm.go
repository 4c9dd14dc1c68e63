// Package rfcomm serves classic Bluetooth serial links through the RFCOMM
// tty the host stack creates for an incoming SPP connection.
package rfcomm

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/camlink/internal/transport"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

const DefaultQueueSize = 8

type Config struct {
	Device      string
	Baud        int
	QueueSize   int
	ReadTimeout time.Duration
	ReopenDelay time.Duration
	Retry       transport.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Device:      "/dev/rfcomm0",
		Baud:        115200,
		QueueSize:   DefaultQueueSize,
		ReadTimeout: 100 * time.Millisecond,
		ReopenDelay: time.Second,
		Retry:       transport.DefaultRetryPolicy(),
	}
}

// Opener opens the serial device. Tests substitute it.
type Opener func(device string, mode *serial.Mode) (serial.Port, error)

type Port struct {
	*transport.Endpoint
	cfg  Config
	open Opener
}

func New(cfg Config) *Port {
	return NewWithOpener(cfg, serial.Open)
}

func NewWithOpener(cfg Config, open Opener) *Port {
	return &Port{
		Endpoint: transport.NewEndpoint("rfcomm", cfg.QueueSize, cfg.Retry),
		cfg:      cfg,
		open:     open,
	}
}

// Run opens the device whenever it appears and serves it until it closes.
func (p *Port) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		port, err := p.open(p.cfg.Device, &serial.Mode{BaudRate: p.cfg.Baud})
		if err != nil {
			log.Debug().Str("component", "transport").Str("transport", p.Name()).Str("device", p.cfg.Device).Err(err).Msg("device unavailable")
			if !sleep(ctx, p.cfg.ReopenDelay) {
				return nil
			}
			continue
		}
		if err := p.serve(ctx, port); err != nil {
			log.Info().Str("component", "transport").Str("transport", p.Name()).Err(err).Msg("link closed")
		}
	}
	return nil
}

func (p *Port) Close() error {
	p.SetConnected(false)
	return nil
}

func (p *Port) serve(ctx context.Context, port serial.Port) error {
	defer port.Close()
	if err := port.SetReadTimeout(p.cfg.ReadTimeout); err != nil {
		return fmt.Errorf("rfcomm: read timeout: %w", err)
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer p.SetConnected(false)

	p.SetConnected(true)
	go p.Queue().Run(connCtx, func(msg []byte) error {
		for len(msg) > 0 {
			n, err := port.Write(msg)
			if err != nil {
				return err
			}
			msg = msg[n:]
		}
		return nil
	})

	buf := make([]byte, 1024)
	for {
		n, err := port.Read(buf)
		if err != nil {
			return err
		}
		if n > 0 {
			p.Deliver(buf[:n])
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
