// Package config loads the device configuration file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var ErrInvalidConfig = errors.New("config: invalid")

type APConfig struct {
	Enabled bool
	Addr    string
	Queue   int
}

type BLEConfig struct {
	Enabled bool
	Name    string
	MTU     int
	Queue   int
}

type RFCOMMConfig struct {
	Enabled bool
	Port    string
	Baud    int
	Queue   int
}

type AdminConfig struct {
	Addr        string
	CorsOrigins []string
	Token       string
}

type EventsConfig struct {
	NATSURL string
	Subject string
}

// DeviceConfig is the full runtime configuration of camctl.
type DeviceConfig struct {
	DeviceID          string
	StorageRoot       string
	FirmwareDir       string
	CaptureDir        string
	Tick              time.Duration
	PartialTimeout    time.Duration
	CommandTimeout    time.Duration
	MaxPayload        int
	ReceiveQueue      int
	SendRetryAttempts int
	SendRetryDelay    time.Duration
	Heartbeat         time.Duration

	AP     APConfig
	BLE    BLEConfig
	RFCOMM RFCOMMConfig
	Admin  AdminConfig
	Events EventsConfig
}

func DefaultConfig() DeviceConfig {
	return DeviceConfig{
		DeviceID:          "camlink",
		StorageRoot:       filepath.Join("local", "sd"),
		FirmwareDir:       filepath.Join("local", "firmware"),
		CaptureDir:        "",
		Tick:              10 * time.Millisecond,
		PartialTimeout:    time.Second,
		CommandTimeout:    3 * time.Second,
		MaxPayload:        16 * 1024,
		ReceiveQueue:      8,
		SendRetryAttempts: 255,
		SendRetryDelay:    10 * time.Millisecond,
		Heartbeat:         30 * time.Second,
		AP:                APConfig{Enabled: true, Addr: ":1879", Queue: 64},
		BLE:               BLEConfig{Enabled: false, Name: "camlink", MTU: 247, Queue: 8},
		RFCOMM:            RFCOMMConfig{Enabled: false, Port: "/dev/rfcomm0", Baud: 115200, Queue: 8},
		Admin:             AdminConfig{Addr: "127.0.0.1:8080"},
		Events:            EventsConfig{Subject: "camlink.events"},
	}
}

type fileConfig struct {
	DeviceID          string `toml:"device_id"`
	StorageRoot       string `toml:"storage_root"`
	FirmwareDir       string `toml:"firmware_dir"`
	CaptureDir        string `toml:"capture_dir"`
	Tick              string `toml:"tick"`
	PartialTimeout    string `toml:"partial_timeout"`
	CommandTimeout    string `toml:"command_timeout"`
	MaxPayload        int    `toml:"max_payload"`
	ReceiveQueue      int    `toml:"receive_queue"`
	SendRetryAttempts int    `toml:"send_retry_attempts"`
	SendRetryDelay    string `toml:"send_retry_delay"`
	Heartbeat         string `toml:"heartbeat"`

	AP struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
		Queue   int    `toml:"queue"`
	} `toml:"ap"`
	BLE struct {
		Enabled bool   `toml:"enabled"`
		Name    string `toml:"name"`
		MTU     int    `toml:"mtu"`
		Queue   int    `toml:"queue"`
	} `toml:"ble"`
	RFCOMM struct {
		Enabled bool   `toml:"enabled"`
		Port    string `toml:"port"`
		Baud    int    `toml:"baud"`
		Queue   int    `toml:"queue"`
	} `toml:"rfcomm"`
	Admin struct {
		Addr        string   `toml:"addr"`
		CorsOrigins []string `toml:"cors_origins"`
		Token       string   `toml:"token"`
	} `toml:"admin"`
	Events struct {
		NATSURL string `toml:"nats_url"`
		Subject string `toml:"subject"`
	} `toml:"events"`
}

// Load overlays the keys present in path onto DefaultConfig and validates
// the result.
func Load(path string) (DeviceConfig, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("load device config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return DeviceConfig{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	str := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(dst *int, v int, key ...string) {
		if meta.IsDefined(key...) {
			*dst = v
		}
	}
	flag := func(dst *bool, v bool, key ...string) {
		if meta.IsDefined(key...) {
			*dst = v
		}
	}
	var durErr error
	dur := func(dst *time.Duration, v string, key ...string) {
		if !meta.IsDefined(key...) || durErr != nil {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			durErr = fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
			return
		}
		*dst = d
	}

	str(&cfg.DeviceID, raw.DeviceID, "device_id")
	str(&cfg.StorageRoot, raw.StorageRoot, "storage_root")
	str(&cfg.FirmwareDir, raw.FirmwareDir, "firmware_dir")
	str(&cfg.CaptureDir, raw.CaptureDir, "capture_dir")
	dur(&cfg.Tick, raw.Tick, "tick")
	dur(&cfg.PartialTimeout, raw.PartialTimeout, "partial_timeout")
	dur(&cfg.CommandTimeout, raw.CommandTimeout, "command_timeout")
	num(&cfg.MaxPayload, raw.MaxPayload, "max_payload")
	num(&cfg.ReceiveQueue, raw.ReceiveQueue, "receive_queue")
	num(&cfg.SendRetryAttempts, raw.SendRetryAttempts, "send_retry_attempts")
	dur(&cfg.SendRetryDelay, raw.SendRetryDelay, "send_retry_delay")
	dur(&cfg.Heartbeat, raw.Heartbeat, "heartbeat")

	flag(&cfg.AP.Enabled, raw.AP.Enabled, "ap", "enabled")
	str(&cfg.AP.Addr, raw.AP.Addr, "ap", "addr")
	num(&cfg.AP.Queue, raw.AP.Queue, "ap", "queue")

	flag(&cfg.BLE.Enabled, raw.BLE.Enabled, "ble", "enabled")
	str(&cfg.BLE.Name, raw.BLE.Name, "ble", "name")
	num(&cfg.BLE.MTU, raw.BLE.MTU, "ble", "mtu")
	num(&cfg.BLE.Queue, raw.BLE.Queue, "ble", "queue")

	flag(&cfg.RFCOMM.Enabled, raw.RFCOMM.Enabled, "rfcomm", "enabled")
	str(&cfg.RFCOMM.Port, raw.RFCOMM.Port, "rfcomm", "port")
	num(&cfg.RFCOMM.Baud, raw.RFCOMM.Baud, "rfcomm", "baud")
	num(&cfg.RFCOMM.Queue, raw.RFCOMM.Queue, "rfcomm", "queue")

	str(&cfg.Admin.Addr, raw.Admin.Addr, "admin", "addr")
	str(&cfg.Admin.Token, raw.Admin.Token, "admin", "token")
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = normalizeOrigins(raw.Admin.CorsOrigins)
	}

	str(&cfg.Events.NATSURL, raw.Events.NATSURL, "events", "nats_url")
	str(&cfg.Events.Subject, raw.Events.Subject, "events", "subject")

	if durErr != nil {
		return DeviceConfig{}, durErr
	}
	if err := Validate(cfg); err != nil {
		return DeviceConfig{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func Validate(cfg DeviceConfig) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		fail("missing device_id")
	}
	if strings.TrimSpace(cfg.StorageRoot) == "" {
		fail("missing storage_root")
	}
	if strings.TrimSpace(cfg.FirmwareDir) == "" {
		fail("missing firmware_dir")
	}
	if cfg.Tick <= 0 {
		fail("tick must be positive")
	}
	if cfg.PartialTimeout < cfg.Tick {
		fail("partial_timeout %s shorter than tick %s", cfg.PartialTimeout, cfg.Tick)
	}
	if cfg.CommandTimeout < cfg.Tick {
		fail("command_timeout %s shorter than tick %s", cfg.CommandTimeout, cfg.Tick)
	}
	if cfg.MaxPayload < 2 || cfg.MaxPayload > 0xFFFF {
		fail("max_payload %d out of range", cfg.MaxPayload)
	}
	if cfg.ReceiveQueue < 1 {
		fail("receive_queue must be at least 1")
	}
	if cfg.SendRetryAttempts < 0 || cfg.SendRetryDelay < 0 {
		fail("send retry settings must not be negative")
	}
	if !cfg.AP.Enabled && !cfg.BLE.Enabled && !cfg.RFCOMM.Enabled {
		fail("no transport enabled")
	}
	if cfg.AP.Enabled && strings.TrimSpace(cfg.AP.Addr) == "" {
		fail("ap.addr required when ap is enabled")
	}
	if cfg.BLE.Enabled && cfg.BLE.MTU < 23 {
		fail("ble.mtu %d below 23", cfg.BLE.MTU)
	}
	if cfg.RFCOMM.Enabled && (strings.TrimSpace(cfg.RFCOMM.Port) == "" || cfg.RFCOMM.Baud <= 0) {
		fail("rfcomm.port and rfcomm.baud required when rfcomm is enabled")
	}
	return errors.Join(errs...)
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if v := strings.TrimSpace(o); v != "" {
			out = append(out, v)
		}
	}
	return out
}
