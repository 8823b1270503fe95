package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/tcc-grupo-4-pes/gse-fls/internal/button"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/common"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/fsm"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/tftp"
	"github.com/tcc-grupo-4-pes/gse-fls/internal/wifi"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type buttonConfig struct {
	GPIOPath  string `yaml:"gpioPath"`
	ActiveLow bool   `yaml:"activeLow"`
}

type config struct {
	Port                int           `yaml:"port"`
	DataDir             string        `yaml:"dataDir"`
	KeysDir             string        `yaml:"keysDir"`
	FirmwareDir         string        `yaml:"firmwareDir"`
	ReportDir           string        `yaml:"reportDir"`
	SupportedPNs        []string      `yaml:"supportedPartNumbers"`
	HardwarePN          string        `yaml:"hardwarePartNumber"`
	MinFreeBytes        uint64        `yaml:"minFreeBytes"`
	PollIntervalMs      int           `yaml:"pollIntervalMs"`
	RecvTimeoutMs       int           `yaml:"recvTimeoutMs"`
	HandshakeTimeoutSec int           `yaml:"handshakeTimeoutSec"`
	AccessPoint         wifi.APConfig `yaml:"accessPoint"`
	Button              buttonConfig  `yaml:"button"`
	Logs                logConfig     `yaml:"logs"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	if cfg.Port == 0 {
		cfg.Port = tftp.DefaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(".", "data")
	}
	if cfg.KeysDir == "" {
		cfg.KeysDir = filepath.Join(cfg.DataDir, "keys")
	}
	if cfg.FirmwareDir == "" {
		cfg.FirmwareDir = filepath.Join(cfg.DataDir, "firmware")
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = filepath.Join(cfg.DataDir, "reports")
	}
	if len(cfg.SupportedPNs) == 0 {
		cfg.SupportedPNs = []string{
			"EMB-SW-007-137-045",
			"EMB-SW-007-137-046",
			"EMB-SW-007-137-047",
		}
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = int(fsm.DefaultPollInterval / time.Millisecond)
	}
	if cfg.RecvTimeoutMs <= 0 {
		cfg.RecvTimeoutMs = int(tftp.DefaultTimeout / time.Millisecond)
	}
	if cfg.HandshakeTimeoutSec <= 0 {
		cfg.HandshakeTimeoutSec = 60
	}
	if cfg.AccessPoint == (wifi.APConfig{}) {
		cfg.AccessPoint = wifi.DefaultAPConfig()
	}
	if cfg.Logs.Directory == "" {
		cfg.Logs.Directory = filepath.Join(cfg.DataDir, "logs")
	}
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	return cfg, nil
}

func setupLogging(cfg config) error {
	if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logs.Directory, "bcloaderd.log"),
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	common.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return nil
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "listen port (overrides config)")
	manual := flag.Bool("manual", false, "use stdin newline as the maintenance button")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		common.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		common.Fatalf("data dir: %v", err)
	}
	if err := setupLogging(cfg); err != nil {
		common.Fatalf("setup logging: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.Port})
	if err != nil {
		common.Fatalf("listen on port %d: %v", cfg.Port, err)
	}
	defer conn.Close()

	trigger := buildTrigger(cfg, *manual)
	ctrl, err := fsm.NewController(fsm.Config{
		KeysDir:          cfg.KeysDir,
		FirmwareDir:      cfg.FirmwareDir,
		ReportDir:        cfg.ReportDir,
		SupportedPNs:     cfg.SupportedPNs,
		HardwarePN:       cfg.HardwarePN,
		MinFreeBytes:     cfg.MinFreeBytes,
		PollInterval:     time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		RecvTimeout:      time.Duration(cfg.RecvTimeoutMs) * time.Millisecond,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSec) * time.Second,
		AP:               cfg.AccessPoint,
	}, conn, trigger, wifi.LogApplier{})
	if err != nil {
		common.Fatalf("controller init: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	common.Logf("bcloaderd listening on port %d", cfg.Port)
	err = ctrl.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		common.Logf("bcloaderd stopped")
	case errors.Is(err, fsm.ErrHalted):
		common.Logf("bcloaderd halted in ERROR, power cycle required")
		os.Exit(1)
	case err != nil:
		common.Fatalf("run: %v", err)
	}
}

// buildTrigger picks the maintenance button source. With -manual a
// newline on stdin counts as a press, which is how bench runs drive the
// cycle without wiring a GPIO.
func buildTrigger(cfg config, manual bool) button.Trigger {
	if !manual && cfg.Button.GPIOPath != "" {
		return button.NewGPIOButton(cfg.Button.GPIOPath, cfg.Button.ActiveLow)
	}
	t := &button.ManualTrigger{}
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := os.Stdin.Read(buf); err != nil {
				return
			}
			if buf[0] == '\n' {
				t.Press()
			}
		}
	}()
	return t
}
