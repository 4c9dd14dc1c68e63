// Package ble serves the short-range wireless transport as a GATT
// peripheral. The client writes requests to the rx characteristic and
// subscribes to notifications on the tx characteristic.
package ble

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/camlink/internal/transport"
	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"
)

var (
	ServiceUUID = bluetooth.New16BitUUID(0xABF0)
	RxUUID      = bluetooth.New16BitUUID(0xABF1)
	TxUUID      = bluetooth.New16BitUUID(0xABF2)
)

const (
	DefaultQueueSize = 8
	// attOverhead is the notification header carved out of the MTU.
	attOverhead = 3
)

type Config struct {
	Name          string
	MTU           int
	QueueSize     int
	NotifyRetries int
	NotifyDelay   time.Duration
	Retry         transport.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Name:          "camlink",
		MTU:           247,
		QueueSize:     DefaultQueueSize,
		NotifyRetries: 10,
		NotifyDelay:   10 * time.Millisecond,
		Retry:         transport.DefaultRetryPolicy(),
	}
}

type Port struct {
	*transport.Endpoint
	cfg     Config
	adapter *bluetooth.Adapter
	tx      bluetooth.Characteristic
	adv     *bluetooth.Advertisement
}

func New(cfg Config) *Port {
	if cfg.MTU <= attOverhead {
		cfg.MTU = 23
	}
	return &Port{
		Endpoint: transport.NewEndpoint("ble", cfg.QueueSize, cfg.Retry),
		cfg:      cfg,
		adapter:  bluetooth.DefaultAdapter,
	}
}

func (p *Port) Run(ctx context.Context) error {
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		p.SetConnected(connected)
	})

	err := p.adapter.AddService(&bluetooth.Service{
		UUID: ServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  RxUUID,
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					// Some stacks never report peripheral-side connects.
					p.SetConnected(true)
					p.Deliver(value)
				},
			},
			{
				Handle: &p.tx,
				UUID:   TxUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ble: add service: %w", err)
	}

	p.adv = p.adapter.DefaultAdvertisement()
	if err := p.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    p.cfg.Name,
		ServiceUUIDs: []bluetooth.UUID{ServiceUUID},
	}); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := p.adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertisement: %w", err)
	}
	log.Info().Str("component", "transport").Str("transport", p.Name()).Str("name", p.cfg.Name).Msg("advertising")

	p.Queue().Run(ctx, p.notify)
	return p.Close()
}

func (p *Port) Close() error {
	p.SetConnected(false)
	if p.adv != nil {
		return p.adv.Stop()
	}
	return nil
}

// notify sends msg as a run of MTU sized notifications.
func (p *Port) notify(msg []byte) error {
	return Chunk(msg, p.cfg.MTU-attOverhead, func(part []byte) error {
		var err error
		for try := 0; try <= p.cfg.NotifyRetries; try++ {
			if _, err = p.tx.Write(part); err == nil {
				return nil
			}
			time.Sleep(p.cfg.NotifyDelay)
		}
		return fmt.Errorf("ble: notify: %w", err)
	})
}

// Chunk calls send for consecutive slices of msg no longer than size.
func Chunk(msg []byte, size int, send func([]byte) error) error {
	if size < 1 {
		size = 1
	}
	for len(msg) > 0 {
		n := min(size, len(msg))
		if err := send(msg[:n]); err != nil {
			return err
		}
		msg = msg[n:]
	}
	return nil
}
