// kando-ctl talks to a running kando-integration daemon over the session bus.
//
//	kando-ctl window
//	kando-ctl pointer
//	kando-ctl move 10 -4
//	kando-ctl keys 38:down 38:up:50
//	kando-ctl bind '<Control><Alt>k'
//	kando-ctl unbind '<Control><Alt>k'
//	kando-ctl unbind-all
//	kando-ctl listen
//	kando-ctl history 20
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/Christopher-Hayes/kando-integration-mutter/internal/common"
	"github.com/Christopher-Hayes/kando-integration-mutter/postgres"
	"github.com/Christopher-Hayes/kando-integration-mutter/settings"
	"github.com/fatih/color"
	"github.com/godbus/dbus/v5"
)

var (
	colorKey   = color.New(color.FgMagenta).SprintfFunc()
	colorValue = color.New(color.FgWhite, color.Bold).SprintfFunc()
)

// keyEvent mirrors the (ibi) struct of SimulateKeys.
type keyEvent struct {
	Code    int32
	Pressed bool
	DelayMs int32
}

// parseKeys parses "code:down|up[:delayMs]" arguments.
func parseKeys(args []string) ([]keyEvent, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no key events given")
	}

	events := make([]keyEvent, 0, len(args))
	for _, arg := range args {
		parts := strings.Split(arg, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid key event %q (want code:down|up[:delayMs])", arg)
		}

		code, err := strconv.ParseInt(parts[0], 10, 32)
		if err != nil || code <= 0 {
			return nil, fmt.Errorf("invalid key code in %q", arg)
		}

		var pressed bool
		switch strings.ToLower(parts[1]) {
		case "down", "press", "1":
			pressed = true
		case "up", "release", "0":
			pressed = false
		default:
			return nil, fmt.Errorf("invalid key state in %q (want down or up)", arg)
		}

		var delay int64
		if len(parts) == 3 {
			delay, err = strconv.ParseInt(parts[2], 10, 32)
			if err != nil || delay < 0 {
				return nil, fmt.Errorf("invalid delay in %q", arg)
			}
		}

		events = append(events, keyEvent{Code: int32(code), Pressed: pressed, DelayMs: int32(delay)})
	}
	return events, nil
}

func formatWindowOutput(title, class string) string {
	if title == "" && class == "" {
		return fmt.Sprintf("%s: %s", colorKey("Active Window"), color.HiBlackString("(none)"))
	}
	if class != "" {
		return fmt.Sprintf("%s: %s %s",
			colorKey("Active Window"),
			colorValue("%s", title),
			color.HiBlackString("(%s)", class))
	}
	return fmt.Sprintf("%s: %s", colorKey("Active Window"), colorValue("%s", title))
}

const defaultHistoryLimit = 20

// activationHistory is the read side of the postgres activation log.
type activationHistory interface {
	GetRecentActivations(limit int) ([]postgres.Activation, error)
}

func parseLimit(args []string) (int, error) {
	if len(args) == 0 {
		return defaultHistoryLimit, nil
	}
	if len(args) > 1 {
		return 0, fmt.Errorf("usage: kando-ctl history [N]")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid history limit %q", args[0])
	}
	return n, nil
}

func printHistory(w io.Writer, history activationHistory, limit int) error {
	activations, err := history.GetRecentActivations(limit)
	if err != nil {
		return err
	}
	if len(activations) == 0 {
		fmt.Fprintln(w, color.HiBlackString("No recorded activations"))
		return nil
	}
	for _, a := range activations {
		fmt.Fprintf(w, "%s  %s\n", colorKey("%s", a.ActivatedAt.Local().Format("2006-01-02 15:04:05")), colorValue("%s", a.Name))
	}
	return nil
}

// runHistory reads the activation log straight from postgres; the daemon
// only writes it.
func runHistory(configPath string, args []string) error {
	limit, err := parseLimit(args)
	if err != nil {
		return err
	}

	if configPath == "" {
		if configPath, err = settings.ConfigPath(); err != nil {
			return err
		}
	}
	cfg := settings.DefaultConfig()
	if _, statErr := os.Stat(configPath); statErr == nil {
		if cfg, err = settings.Load(configPath); err != nil {
			return err
		}
	}
	cfg.ApplyEnv()
	if cfg.Storage.PostgresURL == "" {
		return fmt.Errorf("activation history needs postgres\n\nSet via:\n  1. POSTGRES_CONNECTION_STRING environment variable\n  2. storage.postgres_url in config.toml (with storage.history = true)")
	}

	client, err := postgres.NewClient(cfg.Storage.PostgresURL)
	if err != nil {
		return err
	}
	defer client.Close()

	return printHistory(os.Stdout, client, limit)
}

func method(name string) string {
	return common.ServiceInterface + "." + name
}

func run(conn *dbus.Conn, args []string) error {
	obj := conn.Object(common.ServiceName, dbus.ObjectPath(common.ServiceObjectPath))

	switch args[0] {
	case "window":
		var title, class string
		if err := obj.Call(method("GetWindowInfo"), 0).Store(&title, &class); err != nil {
			return err
		}
		fmt.Println(formatWindowOutput(title, class))

	case "pointer":
		var x, y, mods int32
		if err := obj.Call(method("GetPointerInfo"), 0).Store(&x, &y, &mods); err != nil {
			return err
		}
		fmt.Printf("%s: %s %s\n", colorKey("Pointer"), colorValue("%d,%d", x, y), color.HiBlackString("(mods 0x%x)", mods))

	case "move":
		if len(args) != 3 {
			return fmt.Errorf("usage: kando-ctl move DX DY")
		}
		dx, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid dx %q", args[1])
		}
		dy, err := strconv.ParseInt(args[2], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid dy %q", args[2])
		}
		return obj.Call(method("MovePointer"), 0, int32(dx), int32(dy)).Err

	case "keys":
		events, err := parseKeys(args[1:])
		if err != nil {
			return err
		}
		return obj.Call(method("SimulateKeys"), 0, events).Err

	case "bind", "unbind":
		if len(args) != 2 {
			return fmt.Errorf("usage: kando-ctl %s SHORTCUT", args[0])
		}
		name := "BindShortcut"
		if args[0] == "unbind" {
			name = "UnbindShortcut"
		}
		var ok bool
		if err := obj.Call(method(name), 0, args[1]).Store(&ok); err != nil {
			return err
		}
		if !ok {
			color.Yellow("%s %s: refused", args[0], args[1])
			os.Exit(2)
		}
		color.Green("%s %s: ok", args[0], args[1])

	case "unbind-all":
		return obj.Call(method("UnbindAllShortcuts"), 0).Err

	case "listen":
		return listen(conn)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func listen(conn *dbus.Conn) error {
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(common.ServiceObjectPath),
		dbus.WithMatchInterface(common.ServiceInterface),
		dbus.WithMatchMember("ShortcutPressed"),
	); err != nil {
		return fmt.Errorf("failed to subscribe to ShortcutPressed: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	color.Cyan("Listening for ShortcutPressed. Press Ctrl+C to stop.")
	for {
		select {
		case <-stop:
			return nil
		case sig := <-signals:
			if sig == nil || sig.Name != common.ShortcutPressedSignal || len(sig.Body) == 0 {
				continue
			}
			if name, ok := sig.Body[0].(string); ok {
				fmt.Printf("%s: %s\n", colorKey("Shortcut Pressed"), colorValue("%s", name))
			}
		}
	}
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kando-ctl COMMAND [ARGS]\n\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  window                 print the focused window title and class\n")
		fmt.Fprintf(os.Stderr, "  pointer                print the pointer position and modifiers\n")
		fmt.Fprintf(os.Stderr, "  move DX DY             move the pointer by a relative delta\n")
		fmt.Fprintf(os.Stderr, "  keys CODE:down|up[:MS] simulate key events (X11 keycodes)\n")
		fmt.Fprintf(os.Stderr, "  bind SHORTCUT          bind a global shortcut, e.g. '<Control><Alt>k'\n")
		fmt.Fprintf(os.Stderr, "  unbind SHORTCUT        unbind a shortcut\n")
		fmt.Fprintf(os.Stderr, "  unbind-all             unbind every shortcut\n")
		fmt.Fprintf(os.Stderr, "  listen                 print ShortcutPressed signals\n")
		fmt.Fprintf(os.Stderr, "  history [N]            print the last N recorded activations (postgres)\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	configPath := flag.String("config", "", "Path to config.toml (history only)")
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	if flag.Arg(0) == "history" {
		if err := runHistory(*configPath, flag.Args()[1:]); err != nil {
			color.Red("%v", err)
			os.Exit(1)
		}
		return
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		color.Red("failed to connect to session bus: %v", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := run(conn, flag.Args()); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}
