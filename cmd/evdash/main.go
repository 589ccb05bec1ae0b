package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shaunagostinho/evdash/internal/controller"
	"github.com/shaunagostinho/evdash/internal/gps"
	"github.com/shaunagostinho/evdash/internal/logger"
	"github.com/shaunagostinho/evdash/internal/server"
	"github.com/shaunagostinho/evdash/internal/session"
	"github.com/shaunagostinho/evdash/internal/store"
	"github.com/shaunagostinho/evdash/internal/transport"
	"github.com/shaunagostinho/evdash/web"
)

func main() {
	configPath := flag.String("config", "/etc/evdash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated controller and GPS")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] evdash starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Transport.Type = "demo"
		cfg.GPS.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
		log.Fatalf("[main] storage dir: %v", err)
	}
	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer db.Close()
	if err := seedController(ctx, db, cfg.SeedController()); err != nil {
		log.Fatalf("[main] %v", err)
	}

	link, closeLink, err := newTransport(cfg.Transport)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer closeLink()
	log.Printf("[main] transport: %s", link.Name())

	recorder := logger.New(logger.Config{
		Enabled:    cfg.Logging.Enabled,
		Path:       cfg.Logging.Path,
		IntervalMs: cfg.Logging.Interval,
	})
	defer recorder.Close()

	hub := server.NewHub()
	sessions := session.NewManager(ctx, link, db, session.Renderers{hub, recorder}, cfg.SessionConfig())

	if gpsProv := newGPS(cfg.GPS); gpsProv != nil {
		go func() {
			connectWithRetry(ctx, "gps", gpsProv, 10)
			gps.Feed(ctx, gpsProv, time.Duration(cfg.GPS.PollMs)*time.Millisecond, sessions.ObserveGPS, nil)
			gpsProv.Close()
		}()
	}

	// Start streaming the configured controller; the dashboard serves
	// regardless of how that goes.
	if serial := cfg.DefaultSerial(); serial != "" {
		if _, err := sessions.Connect(ctx, serial); err != nil {
			log.Printf("[main] connect %s: %v", serial, err)
		}
	}

	srv := server.New(cfg, sessions, db, hub, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		cancel()
	}
	sessions.Wait()
}

// seedController creates the configured controller record on first run.
func seedController(ctx context.Context, db *store.DB, c *controller.Controller) error {
	if c.Serial == "" {
		return nil
	}
	_, err := db.GetController(ctx, c.Serial)
	if !errors.Is(err, controller.ErrNotFound) {
		return err
	}
	log.Printf("[main] creating controller record %s", c.Serial)
	return db.CreateController(ctx, c)
}

func newTransport(cfg server.TransportConfig) (transport.Transport, func(), error) {
	switch cfg.Type {
	case "bluez":
		b, err := transport.NewBlueZ(cfg.BlueZ)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil
	case "serial":
		return transport.NewSerial(cfg.Serial), func() {}, nil
	default:
		return transport.NewDemo(time.Duration(cfg.DemoIntervalMs) * time.Millisecond), func() {}, nil
	}
}

func newGPS(cfg server.GPSConfig) gps.Provider {
	switch cfg.Type {
	case "nmea":
		return gps.NewNMEA(gps.NMEAConfig{PortPath: cfg.PortPath, BaudRate: cfg.BaudRate})
	case "disabled", "none":
		return nil
	default:
		return gps.NewDemoGPS()
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, p gps.Provider, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second

	for attempt := 1; ; attempt++ {
		err := p.Connect()
		if err == nil {
			log.Printf("[%s] %s connected (attempt %d)", name, p.Name(), attempt)
			return
		}
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)", name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)", name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxDelay)
	}
}
