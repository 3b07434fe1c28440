// Command companiond is the companion daemon: it watches coding-CLI
// conversation logs, drives tmux sessions and serves remote clients
// over WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/mdp/qrterminal/v3"
	"golang.org/x/sync/errgroup"

	"github.com/companionhq/companion/internal/certs"
	"github.com/companionhq/companion/internal/config"
	"github.com/companionhq/companion/internal/escalate"
	"github.com/companionhq/companion/internal/files"
	"github.com/companionhq/companion/internal/gitx"
	"github.com/companionhq/companion/internal/hub"
	"github.com/companionhq/companion/internal/logging"
	"github.com/companionhq/companion/internal/notify"
	"github.com/companionhq/companion/internal/tmux"
	"github.com/companionhq/companion/internal/watcher"
	"github.com/companionhq/companion/internal/workgroup"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println("companiond", version)
		return
	}

	var (
		configPath = flag.String("config", config.DefaultPath(), "path to the config file")
		noQR       = flag.Bool("no-qr", false, "skip printing the pairing QR code")
	)
	flag.Parse()

	logging.Setup()
	if err := run(*configPath, *noQR); err != nil {
		slog.Error("companiond exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, noQR bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(lvl)
	}

	configDir := filepath.Dir(cfg.Path())

	// One daemon per config dir. A second instance would race the
	// watcher offsets and the notification store.
	lock := flock.New(filepath.Join(configDir, "companiond.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another companiond is already running (lock: %s)", lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	primary := cfg.Listeners[0]
	logging.PrintBanner(version, fmt.Sprintf("%s:%d", hostFor(primary), primary.Port))
	if !noQR {
		printPairingQR(primary)
	}

	ctrl := tmux.New()
	inj := tmux.NewInjector(ctrl)
	git := gitx.New()
	watch := watcher.New(cfg.CodeHome, ctrl)
	fileSvc := files.New(homeDir())

	store, err := notify.NewStore(configDir)
	if err != nil {
		return err
	}
	sender := notify.NewSender(store, notify.FCMGateway())
	esc := escalate.New(store, sender)

	groups := workgroup.New(git, ctrl, inj, watch, "claude")
	h := hub.New(cfg, watch, ctrl, inj, git, groups, fileSvc, store, sender, esc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watch.Start(ctx) })
	g.Go(func() error { h.Run(ctx); return nil })
	g.Go(func() error { return h.Serve(ctx, certs.Dir(configDir)) })

	slog.Info("companiond started",
		"version", version,
		"listeners", len(cfg.Listeners),
		"codeHome", cfg.CodeHome)

	err = g.Wait()

	// Ordered teardown: no new frames, flush persisted state, drop
	// client records last.
	groups.Close()
	store.Flush()
	h.CloseClients()
	slog.Info("companiond stopped")
	return err
}

// printPairingQR renders the connect URL as a QR code so the mobile
// client can pair by scanning. The token travels in the URL fragment.
func printPairingQR(lst config.Listener) {
	scheme := "ws"
	if lst.TLS != nil && lst.TLS.Enabled {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s:%d#%s", scheme, hostFor(lst), lst.Port, lst.Token)
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    os.Stderr,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	fmt.Fprintf(os.Stderr, "  pair: %s\n\n", url)
}

// hostFor picks the address clients should dial: the configured bind
// host when it is concrete, otherwise the machine's outbound IP.
func hostFor(lst config.Listener) string {
	if lst.Host != "" && lst.Host != "0.0.0.0" && lst.Host != "::" {
		return lst.Host
	}
	conn, err := net.Dial("udp", "192.0.2.1:1")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "localhost"
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/"
	}
	return home
}
