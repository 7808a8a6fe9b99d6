package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Christopher-Hayes/kando-integration-mutter/desktop"
	"github.com/Christopher-Hayes/kando-integration-mutter/eventstream"
	"github.com/Christopher-Hayes/kando-integration-mutter/input"
	"github.com/Christopher-Hayes/kando-integration-mutter/internal/common"
	"github.com/Christopher-Hayes/kando-integration-mutter/postgres"
	"github.com/Christopher-Hayes/kando-integration-mutter/settings"
	"github.com/Christopher-Hayes/kando-integration-mutter/shortcuts"
	"github.com/Christopher-Hayes/kando-integration-mutter/webhook"
	"github.com/godbus/dbus/v5"
)

var logger = common.NewLogger("", false, false)

// validateConfiguration checks critical configuration before starting
func validateConfiguration(cfg *settings.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if os.Getenv("WAYLAND_DISPLAY") == "" && os.Getenv("DISPLAY") == "" {
		return fmt.Errorf("no graphical display found (neither WAYLAND_DISPLAY nor DISPLAY set)\nMake sure you're running this in a graphical session")
	}

	if strings.EqualFold(cfg.Input.Backend, "x11") && os.Getenv("DISPLAY") == "" && cfg.Input.Display == "" {
		return fmt.Errorf("x11 input backend selected but no X11 display is available\nSet DISPLAY or input.display in config.toml")
	}

	return nil
}

// openStore returns the configured shortcut store. The postgres client is
// also returned so it can double as the activation history sink.
func openStore(cfg *settings.Config) (settings.Store, *postgres.Client, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "postgres":
		client, err := postgres.NewClient(cfg.Storage.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		client.DebugMode = logger.DebugMode
		return client, client, nil

	case "sqlite":
		path, err := storagePath(cfg, "kando.db")
		if err != nil {
			return nil, nil, err
		}
		store, err := settings.OpenSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		logger.Verbosef("Persisting shortcuts in %s", path)
		return store, nil, nil

	default:
		path, err := storagePath(cfg, "shortcuts.toml")
		if err != nil {
			return nil, nil, err
		}
		logger.Verbosef("Persisting shortcuts in %s", path)
		return settings.NewFileStore(path), nil, nil
	}
}

func storagePath(cfg *settings.Config, defaultName string) (string, error) {
	if cfg.Storage.Path != "" {
		return cfg.Storage.Path, nil
	}
	dir, err := settings.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultName), nil
}

// openSinks builds the optional activation sinks.
func openSinks(ctx context.Context, cfg *settings.Config, history *postgres.Client) ([]ActivationSink, error) {
	var sinks []ActivationSink

	if cfg.Webhook.URL != "" {
		client, err := webhook.NewClient(cfg.Webhook.URL)
		if err != nil {
			return nil, err
		}
		client.DebugMode = logger.DebugMode
		client.SetTimeout(cfg.WebhookTimeout())
		for key, value := range cfg.Webhook.Headers {
			client.SetHeader(key, value)
		}
		logger.Verbosef("Forwarding activations to webhook %s", cfg.Webhook.URL)
		sinks = append(sinks, client)
	}

	if cfg.Events.ListenAddr != "" {
		hub := eventstream.NewHub(cfg.Events.ListenAddr, logger.With("events"))
		if err := hub.Start(ctx); err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, hub)
	}

	if cfg.Storage.History && history != nil {
		logger.Verbosef("Recording activation history in PostgreSQL")
		sinks = append(sinks, history)
	}

	return sinks, nil
}

func closeSinks(sinks []ActivationSink) {
	for _, sink := range sinks {
		if c, ok := sink.(interface{ Close() error }); ok {
			c.Close()
		}
	}
}

// openDesktop picks the focused-window source and, when X11 is reachable,
// a pointer source. The returned func releases whatever was opened.
func openDesktop(cfg *settings.Config, conn *dbus.Conn) (desktop.WindowSource, desktop.PointerSource, func(), error) {
	var x11 *desktop.X11Source
	if cfg.Desktop.Display != "" || os.Getenv("DISPLAY") != "" {
		src, err := desktop.NewX11Source(cfg.Desktop.Display, logger)
		if err != nil {
			logger.Warningf("Pointer position unavailable: %v", err)
		} else {
			x11 = src
		}
	} else {
		logger.Warningf("No X11 display: GetPointerInfo will fail in this session")
	}
	release := func() {
		if x11 != nil {
			x11.Close()
		}
	}

	var pointer desktop.PointerSource
	if x11 != nil {
		pointer = x11
	}

	if strings.EqualFold(cfg.Desktop.WindowSource, "x11") {
		if x11 == nil {
			return nil, nil, release, fmt.Errorf("x11 window source selected but no X11 display is reachable")
		}
		return x11, pointer, release, nil
	}
	return desktop.NewFocusedWindowSource(conn, logger), pointer, release, nil
}

func run(cfg *settings.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer conn.Close()
	logger.Debugf("Connected to D-Bus session bus")

	devices, err := input.OpenDevices(cfg.Input.Backend, input.OpenOptions{
		Conn:    conn,
		Display: cfg.Input.Display,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create virtual input devices: %w", err)
	}
	bridge, err := input.NewBridge(devices, logger)
	if err != nil {
		devices.Close()
		return err
	}

	grabber, err := shortcuts.NewShellGrabber(conn, logger)
	if err != nil {
		bridge.Close()
		return err
	}

	windows, pointer, releaseDesktop, err := openDesktop(cfg, conn)
	defer releaseDesktop()
	if err != nil {
		bridge.Close()
		return err
	}

	store, history, err := openStore(cfg)
	if err != nil {
		bridge.Close()
		return err
	}

	sinks, err := openSinks(ctx, cfg, history)
	if err != nil {
		bridge.Close()
		store.Close()
		return err
	}

	service, err := NewService(ServiceOptions{
		Grabber: grabber,
		Bridge:  bridge,
		Windows: windows,
		Pointer: pointer,
		Store:   store,
		Emitter: conn,
		Sinks:   sinks,
		Logger:  logger,
	})
	if err != nil {
		bridge.Close()
		closeSinks(sinks)
		store.Close()
		return err
	}
	defer func() {
		if err := service.Close(); err != nil {
			logger.Errorf("Shutdown: %v", err)
		}
	}()

	if err := service.Restore(); err != nil {
		logger.Errorf("%v", err)
	}

	if err := service.Export(conn); err != nil {
		return err
	}
	defer service.Unexport(conn)

	logger.Infof("Ready. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Infof("Shutting down...")
	return nil
}

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	configPath := flag.String("config", "", "Path to config.toml (default $XDG_CONFIG_HOME/kando-integration/config.toml)")
	envFile := flag.String("env", ".env", "Optional .env file with environment overrides")
	inputBackend := flag.String("input", "", "Virtual input backend: auto, mutter or x11 (overrides config)")
	flag.Parse()

	logger.DebugMode = *debug
	logger.VerboseMode = *verbose

	log.SetFlags(log.Ldate | log.Ltime)
	if *debug {
		log.SetPrefix("[kando] ")
		logger.Debugf("Debug mode enabled")
	}

	if *envFile != "" {
		if err := settings.LoadEnvFile(*envFile); err != nil {
			logger.Debugf("No .env file loaded: %v", err)
		}
	}

	path := *configPath
	if path == "" {
		var err error
		path, err = settings.ConfigPath()
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	}

	cfg, err := settings.Load(path)
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()
	if *inputBackend != "" {
		cfg.Input.Backend = *inputBackend
	}
	logger.Debugf("Configuration loaded from %s", path)
	logger.Debugf("Session type: %s, Desktop: %s", os.Getenv("XDG_SESSION_TYPE"), os.Getenv("XDG_CURRENT_DESKTOP"))

	if err := validateConfiguration(cfg); err != nil {
		logger.Errorf("Configuration validation failed: %v", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
