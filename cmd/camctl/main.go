package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/camlink/internal/config"
	"github.com/danmuck/camlink/internal/device"
	"github.com/danmuck/camlink/internal/firmware"
	"github.com/danmuck/camlink/internal/logging"
)

// exitRestart tells the supervisor to start the process again.
const exitRestart = 3

func main() {
	path := flag.String("config", "cmd/camctl/config.toml", "device config path")
	initCfg := flag.Bool("init", false, "write a config template to -config and exit")
	force := flag.Bool("force", false, "overwrite an existing config with -init")
	flag.Parse()

	logging.ConfigureRuntime()

	if *initCfg {
		if err := config.WriteTemplate(*path, *force); err != nil {
			fmt.Fprintf(os.Stderr, "camctl: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote config template to %s\n", *path)
		return
	}

	cfg, err := loadConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "camctl: %v\n", err)
		os.Exit(1)
	}

	svc := device.NewService(cfg)
	if err := svc.Run(); err != nil {
		if errors.Is(err, firmware.ErrRestartRequested) {
			os.Exit(exitRestart)
		}
		fmt.Fprintf(os.Stderr, "camctl: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig falls back to defaults when path does not exist.
func loadConfig(path string) (config.DeviceConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}
