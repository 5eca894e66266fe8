package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/chaz8081/tempo3-sync/internal/app"
	"github.com/chaz8081/tempo3-sync/internal/ble"
	"github.com/chaz8081/tempo3-sync/internal/config"
	"github.com/chaz8081/tempo3-sync/internal/onboard"
	"github.com/chaz8081/tempo3-sync/internal/store"
)

const usage = `usage: tempo3-sync [-config path] [command]

commands:
  run                  scan for Tempo3 devices and sync them (default)
  events [peripheral]  print stored events
  devices              list known and synced devices
`

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/tempo3-sync/config.yaml)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := flag.Arg(0)
	switch cmd {
	case "", "run":
		err = run(ctx, cfg, path)
	case "events":
		err = printEvents(ctx, os.Stdout, cfg, flag.Arg(1))
	case "devices":
		err = printDevices(ctx, os.Stdout, cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("tempo3-sync failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, cfgPath string) error {
	printBanner(cfg, cfgPath)

	events, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer events.Close()

	var power ble.PowerSource
	if cfg.Bluetooth.PowerSource == "bluez" {
		power = ble.NewBluezPowerSource(cfg.Bluetooth.HCI)
	}
	adapter := ble.NewTinyGoAdapter(power)
	defer adapter.Close()

	engine := ble.NewEngine(adapter, ble.Options{
		SettleDelay:    cfg.Bluetooth.SettleDelay,
		RescanDelay:    cfg.Bluetooth.RescanDelay,
		ConnectTimeout: cfg.Bluetooth.ConnectTimeout,
	})

	confirm, err := onboard.New(cfg.Onboarding.Mode, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}

	a := app.New(engine, events, confirm, cfg, cfgPath)
	slog.Info("Ready! Waiting for Tempo3 devices. Ctrl+C to quit.")
	if err := a.Run(ctx); err != nil {
		return err
	}
	slog.Info("Goodbye!")
	return nil
}

func printEvents(ctx context.Context, w io.Writer, cfg *config.Config, peripheral string) error {
	events, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer events.Close()

	ids := []string{peripheral}
	if peripheral == "" {
		devices, err := events.Devices(ctx)
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, d := range devices {
			ids = append(ids, d.PeripheralID)
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PERIPHERAL\tTIME\tPOSITION")
	for _, id := range ids {
		list, err := events.Events(ctx, id)
		if err != nil {
			return err
		}
		for _, ev := range list {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", id, time.Unix(ev.Timestamp, 0).UTC().Format(time.RFC3339), ev.Position)
		}
	}
	return tw.Flush()
}

func printDevices(ctx context.Context, w io.Writer, cfg *config.Config) error {
	events, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer events.Close()

	synced, err := events.Devices(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]store.Device, len(synced))
	for _, d := range synced {
		byID[d.PeripheralID] = d
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PERIPHERAL\tKNOWN\tNAME\tBATTERY\tLAST SYNC")
	seen := make(map[string]bool)
	for _, id := range cfg.KnownDevices {
		seen[id] = true
		d, ok := byID[id]
		if !ok {
			fmt.Fprintf(tw, "%s\tyes\t-\t-\tnever\n", id)
			continue
		}
		fmt.Fprintf(tw, "%s\tyes\t%s\t%s\t%s\n", id, d.Name, d.Battery, d.LastSync.Local().Format(time.DateTime))
	}
	for _, d := range synced {
		if seen[d.PeripheralID] {
			continue
		}
		fmt.Fprintf(tw, "%s\tno\t%s\t%s\t%s\n", d.PeripheralID, d.Name, d.Battery, d.LastSync.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. It also returns the
// path that onboarded devices are saved to.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}

	// No config file, use defaults
	return config.Default(), defaultPath, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, cfgPath string) {
	fmt.Println("=== tempo3-sync ===")
	fmt.Printf("  Config:   %s\n", cfgPath)
	fmt.Printf("  Adapter:  %s (power: %s)\n", cfg.Bluetooth.HCI, cfg.Bluetooth.PowerSource)
	fmt.Printf("  Known:    %d device(s)\n", len(cfg.KnownDevices))
	fmt.Printf("  Store:    %s\n", cfg.Store.Path)
	fmt.Printf("  Onboard:  %s\n", cfg.Onboarding.Mode)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("===================")
}
