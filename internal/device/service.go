// Package device assembles a running camera device: storage, firmware slots,
// transports, the protocol engine and the admin API.
package device

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/camlink/internal/admin"
	"github.com/danmuck/camlink/internal/camera"
	"github.com/danmuck/camlink/internal/command"
	"github.com/danmuck/camlink/internal/command/directory"
	"github.com/danmuck/camlink/internal/command/ota"
	"github.com/danmuck/camlink/internal/command/remove"
	"github.com/danmuck/camlink/internal/command/transfer"
	"github.com/danmuck/camlink/internal/config"
	"github.com/danmuck/camlink/internal/engine"
	"github.com/danmuck/camlink/internal/firmware"
	"github.com/danmuck/camlink/internal/protocol/frame"
	"github.com/danmuck/camlink/internal/storage"
	"github.com/danmuck/camlink/internal/telemetry"
	"github.com/danmuck/camlink/internal/transport"
	"github.com/danmuck/camlink/internal/transport/ble"
	"github.com/danmuck/camlink/internal/transport/rfcomm"
	"github.com/danmuck/camlink/internal/transport/socket"
	"github.com/rs/zerolog/log"
)

var ErrInvalidHeartbeat = errors.New("device: invalid heartbeat interval")

// RestartGrace lets the final replies of an update drain before the service
// stops for a restart.
var RestartGrace = 500 * time.Millisecond

const listLevels = 2

type Service struct {
	cfg config.DeviceConfig

	store  *storage.Store
	slots  *firmware.Slots
	hub    *camera.Hub
	events telemetry.Publisher
	ap     *socket.Port
	ports  []transport.Port
	link   *transport.Link
	engine *engine.Engine
	admin  *admin.Server

	mu      sync.Mutex
	restart context.CancelCauseFunc
}

func NewService(cfg config.DeviceConfig) *Service {
	return &Service{cfg: cfg}
}

// Run serves until SIGINT or SIGTERM, or until an update asks for a restart,
// in which case the returned error wraps firmware.ErrRestartRequested.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.bootstrap(); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Service) Engine() *engine.Engine { return s.engine }

func (s *Service) bootstrap() error {
	if s.cfg.Heartbeat <= 0 {
		return ErrInvalidHeartbeat
	}
	if err := config.Validate(s.cfg); err != nil {
		return err
	}

	store, err := storage.New(s.cfg.StorageRoot)
	if err != nil {
		return err
	}
	slots, err := firmware.OpenSlots(s.cfg.FirmwareDir)
	if err != nil {
		return err
	}
	// Reaching bootstrap on a freshly selected slot confirms it.
	if err := slots.Activate(); err != nil {
		return err
	}
	s.store = store
	s.slots = slots
	s.hub = camera.NewHub()
	s.events = s.dialEvents()

	s.ports = s.buildPorts()
	s.link = transport.NewLink(s.cfg.SendRetryAttempts, s.cfg.SendRetryDelay, s.ports...)
	s.engine = engine.New(engine.Config{
		DeviceID:       s.cfg.DeviceID,
		Tick:           s.cfg.Tick,
		PartialTimeout: s.cfg.PartialTimeout,
		Limits:         frame.Limits{MaxPayloadBytes: s.cfg.MaxPayload},
		ReceiveQueue:   s.cfg.ReceiveQueue,
	}, s.link, s.events)
	s.engine.OnLinkChange(s.hub.SetLinkActive)

	budget := command.Ticks(s.cfg.CommandTimeout, s.cfg.Tick)
	err = s.engine.Register(
		directory.New(store, listLevels, budget),
		transfer.NewFile(store, budget),
		remove.New(store, budget),
		transfer.NewFrame(s.hub, budget),
		ota.New(slots, firmware.RestartFunc(s.requestRestart), budget),
	)
	if err != nil {
		return err
	}

	if strings.TrimSpace(s.cfg.Admin.Addr) != "" {
		s.admin = admin.New(admin.Options{
			DeviceID:    s.cfg.DeviceID,
			CorsOrigins: s.cfg.Admin.CorsOrigins,
			Token:       s.cfg.Admin.Token,
			Status:      s.engine.Status,
			Firmware:    func() (string, string) { return slots.RunningVersion(), slots.InvalidVersion() },
			Commands:    s.engine.Codes(),
			Frames:      s.hub,
		})
	}

	names := make([]string, 0, len(s.ports))
	for _, p := range s.ports {
		names = append(names, p.Name())
	}
	log.Info().
		Str("component", "device").
		Str("device", s.cfg.DeviceID).
		Str("storage", store.Root()).
		Str("firmware", slots.RunningVersion()).
		Strs("transports", names).
		Msg("bootstrap ready")
	return nil
}

// buildPorts orders the link preference: classic BT, BLE, then the AP socket.
func (s *Service) buildPorts() []transport.Port {
	retry := transport.DefaultRetryPolicy()
	var ports []transport.Port
	if s.cfg.RFCOMM.Enabled {
		rc := rfcomm.DefaultConfig()
		rc.Device = s.cfg.RFCOMM.Port
		rc.Baud = s.cfg.RFCOMM.Baud
		rc.QueueSize = s.cfg.RFCOMM.Queue
		rc.Retry = retry
		ports = append(ports, rfcomm.New(rc))
	}
	if s.cfg.BLE.Enabled {
		bc := ble.DefaultConfig()
		bc.Name = s.cfg.BLE.Name
		bc.MTU = s.cfg.BLE.MTU
		bc.QueueSize = s.cfg.BLE.Queue
		bc.Retry = retry
		ports = append(ports, ble.New(bc))
	}
	if s.cfg.AP.Enabled {
		sc := socket.DefaultConfig()
		sc.Addr = s.cfg.AP.Addr
		sc.QueueSize = s.cfg.AP.Queue
		sc.Retry = retry
		s.ap = socket.New(sc)
		ports = append(ports, s.ap)
	}
	return ports
}

func (s *Service) dialEvents() telemetry.Publisher {
	if strings.TrimSpace(s.cfg.Events.NATSURL) == "" {
		return telemetry.Nop{}
	}
	pub, err := telemetry.Dial(s.cfg.Events.NATSURL, s.cfg.Events.Subject, "camlink."+s.cfg.DeviceID)
	if err != nil {
		log.Warn().Str("component", "device").Err(err).Msg("events disabled")
		return telemetry.Nop{}
	}
	return pub
}

func (s *Service) requestRestart(version string) error {
	s.mu.Lock()
	cancel := s.restart
	s.mu.Unlock()
	if cancel == nil {
		return errors.New("device: not serving")
	}
	_ = s.events.Publish(telemetry.Event{
		Kind:    telemetry.KindRestart,
		Device:  s.cfg.DeviceID,
		Command: version,
		At:      time.Now().UTC(),
	})
	time.AfterFunc(RestartGrace, func() {
		cancel(fmt.Errorf("%w: %s", firmware.ErrRestartRequested, version))
	})
	return nil
}

func (s *Service) serve(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	s.mu.Lock()
	s.restart = cancel
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(s.ports)+3)
	spawn := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	spawn("engine", s.engine.Run)
	for _, p := range s.ports {
		spawn(p.Name(), p.Run)
	}
	if s.admin != nil {
		spawn("admin", func(ctx context.Context) error { return s.admin.Serve(ctx, s.cfg.Admin.Addr) })
	}
	if dir := strings.TrimSpace(s.cfg.CaptureDir); dir != "" {
		spawn("capture", camera.NewWatcher(dir, s.hub).Run)
	}

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errs:
			log.Error().Str("component", "device").Err(err).Msg("component failed")
			runErr = err
			cancel(err)
			break loop
		case <-ticker.C:
			st := s.engine.Status()
			log.Info().
				Str("component", "device").
				Bool("connected", st.Connected).
				Str("transport", st.Transport).
				Str("active", st.ActiveCommand).
				Uint64("frames", st.Frames).
				Uint64("rejected", st.Rejected).
				Uint64("dropped", st.Dropped).
				Msg("heartbeat")
		}
	}

	wg.Wait()
	if err := s.events.Close(); err != nil {
		log.Debug().Str("component", "device").Err(err).Msg("close events")
	}
	if runErr != nil {
		return runErr
	}
	if cause := context.Cause(ctx); errors.Is(cause, firmware.ErrRestartRequested) {
		log.Info().Str("component", "device").Err(cause).Msg("restarting")
		return cause
	}
	log.Info().Str("component", "device").Msg("shutdown")
	return nil
}
