package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/blecentral/internal/central"
	"github.com/chaz8081/blecentral/internal/config"
	"github.com/chaz8081/blecentral/internal/hci"
	"github.com/chaz8081/blecentral/internal/hostble"
	"github.com/chaz8081/blecentral/internal/indicator"
	"github.com/chaz8081/blecentral/internal/sink"
	"github.com/go-ble/ble"
	"github.com/hypebeast/go-osc/osc"
)

// stack is a central.Stack that delivers its own events.
type stack interface {
	central.Stack
	Events() <-chan central.Event
	Close() error
}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blecentral/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("write config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	opts, err := cfg.CentralOptions()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	printBanner(cfg, opts.Profile)

	// Initialize the Bluetooth backend
	st, err := openStack(cfg, opts)
	if err != nil {
		log.Fatalf("Failed to open %s backend: %v", cfg.Backend, err)
	}
	log.Printf("Bluetooth backend ready (%s)", cfg.Backend)

	// Indicators and notification sinks
	var oscClient *osc.Client
	if cfg.Indicator.Backend == "osc" || cfg.OSC.ForwardNotifications {
		oscClient, err = indicator.NewOSCClient(cfg.OSC.Address)
		if err != nil {
			st.Close()
			log.Fatalf("osc: %v", err)
		}
		log.Printf("OSC client ready (%s)", cfg.OSC.Address)
	}

	link, activity, err := openIndicators(cfg, oscClient)
	if err != nil {
		st.Close()
		log.Fatalf("indicator: %v", err)
	}
	opts.LinkLED = link
	opts.ActivityLED = activity
	opts.OnNotification = sink.Handler(notificationSink(cfg, opts.Profile, oscClient))

	c, err := central.New(st, opts)
	if err != nil {
		st.Close()
		log.Fatalf("central: %v", err)
	}

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(); err != nil {
		log.Printf("Scan not started yet, retrying: %v", err)
	}
	log.Printf("Ready! Looking for %s. Ctrl+C to quit.", opts.Profile)

	if err := c.Run(ctx, st.Events()); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("ERROR: event loop: %v", err)
	}

	log.Println("Shutting down...")
	if err := c.Close(); err != nil {
		log.Printf("ERROR: central close: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("ERROR: backend close: %v", err)
	}
	stats := c.Stats()
	log.Printf("Connections: %d, subscriptions: %d, notifications: %d",
		stats.Connections, stats.Subscriptions, stats.Notifications)
	log.Println("Goodbye!")
}

// openStack opens the configured Bluetooth backend.
func openStack(cfg *config.Config, opts central.Options) (stack, error) {
	switch cfg.Backend {
	case "host":
		adapter := hostble.NewTinyGoAdapter(opts.Profile.Service)
		st, err := hostble.NewStack(adapter, hostble.Options{Watch: []ble.UUID{opts.Profile.Service}})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		dev, err := hci.Open(cfg.HCI.DeviceID, opts.ConnParams)
		if err != nil {
			return nil, err
		}
		return hci.NewStack(dev, hci.DefaultOptions()), nil
	}
}

// openIndicators returns the link and activity LEDs.
func openIndicators(cfg *config.Config, oscClient *osc.Client) (*indicator.Pin, *indicator.Pin, error) {
	var link, activity *indicator.Pin
	if cfg.Indicator.Backend == "osc" {
		link = indicator.NewOSCLED("link", oscClient)
		activity = indicator.NewOSCLED("activity", oscClient)
	} else {
		link = indicator.NewLogLED("link")
		activity = indicator.NewLogLED("activity")
	}
	for _, led := range []*indicator.Pin{link, activity} {
		if err := led.Configure(indicator.Output); err != nil {
			return nil, nil, err
		}
	}
	return link, activity, nil
}

// notificationSink builds the sink chain for the selected profile.
func notificationSink(cfg *config.Config, profile central.Profile, oscClient *osc.Client) sink.Sink {
	var first sink.Sink = sink.LogSink{Profile: profile.Name}
	if profile.Name == central.HeartRateProfile.Name {
		first = sink.NewHeartRateSink(nil)
	}
	if !cfg.OSC.ForwardNotifications {
		return first
	}
	return sink.Multi{first, sink.NewOSCSink(oscClient)}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, profile central.Profile) {
	fmt.Println("=== blecentral ===")
	fmt.Printf("  Backend:   %s", cfg.Backend)
	if cfg.Backend == "hci" {
		fmt.Printf(" (hci%d, %s scan)", cfg.HCI.DeviceID, cfg.HCI.ScanMode)
	}
	fmt.Println()
	fmt.Printf("  Target:    %s\n", profile)
	fmt.Printf("  RSSI:      >= %d dBm\n", cfg.Scan.RSSIThreshold)
	fmt.Printf("  Timeouts:  connect %s, discovery %s\n", cfg.Timeouts.Connect, cfg.Timeouts.DiscoveryStage)
	fmt.Printf("  LEDs:      %s\n", cfg.Indicator.Backend)
	if cfg.OSC.ForwardNotifications {
		fmt.Printf("  Forward:   osc://%s\n", cfg.OSC.Address)
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
