// Command presence runs the presence daemon: it consumes the perception
// pipeline's message stream, maintains the live registry of tracked humans,
// journals presence transitions to SQLite and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/presence.report/internal/api"
	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/hri"
	"github.com/banshee-data/presence.report/internal/journal"
	"github.com/banshee-data/presence.report/internal/snapmux"
	"github.com/banshee-data/presence.report/internal/version"
)

var (
	devMode      = flag.Bool("dev", false, "Run in dev mode with the mock transport")
	showVersion  = flag.Bool("version", false, "Print version and exit")
	listen       = flag.String("listen", "", "Listen address (overrides config)")
	configPath   = flag.String("config", "", "Path to JSON config file")
	transport    = flag.String("transport", "", "Transport: udp, serial or mock (overrides config)")
	udpListen    = flag.String("udp-listen", "", "UDP listen address (overrides config)")
	deviceAddr   = flag.String("device", "", "Perception device address for commands (overrides config)")
	serialPort   = flag.String("serial", "", "Serial port path (overrides config)")
	dbPath       = flag.String("db", "", "Path to the presence journal database (overrides config)")
	pcapFile     = flag.String("pcap", "", "Replay a capture file instead of a live transport (requires -tags=pcap build)")
	pcapPort     = flag.Int("pcap-port", 9001, "UDP port to filter in the capture file")
	pcapRealtime = flag.Bool("pcap-realtime", true, "Pace capture replay by original timestamps")
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrateCommand(os.Args[2:])
		return
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("presence %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg := config.EmptyConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	m, err := buildMux(cfg)
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}
	defer m.Close()

	database, err := db.NewDB(effective(*dbPath, cfg.GetDBPath()))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	listener := hri.NewListener(m)
	defer listener.Close()

	recorder, err := journal.NewRecorder(database, m)
	if err != nil {
		log.Fatalf("Failed to create journal recorder: %v", err)
	}
	defer recorder.Close()
	log.Printf("journal run %s", recorder.RunID())

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the transport
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor transport: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		database.AttachAdminRoutes(mux)
		m.AttachAdminRoutes(mux)

		apiServer := api.NewServer(m, listener, database, recorder)
		mux.Handle("/", apiServer.ServeMux())

		server := &http.Server{
			Addr:    effective(*listen, cfg.GetListenAddr()),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Println("presence daemon stopped")
}

// effective returns the flag value when set, the config fallback otherwise.
func effective(flagValue, configValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return configValue
}

// buildMux constructs the message transport selected by flags and config.
func buildMux(cfg *config.Config) (snapmux.MuxInterface, error) {
	if *pcapFile != "" {
		src, err := snapmux.NewPCAPSource(*pcapFile, *pcapPort, *pcapRealtime)
		if err != nil {
			return nil, err
		}
		return snapmux.NewMux(src), nil
	}

	kind := effective(*transport, cfg.GetTransport())
	if *devMode {
		kind = "mock"
	}

	switch kind {
	case "mock":
		fixturePath := effective(cfg.GetMockFixturePath(), "fixtures.txt")
		data, err := os.ReadFile(fixturePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open fixtures file: %w", err)
		}
		return snapmux.NewMux(snapmux.NewMockSource(data, cfg.GetMockInterval())), nil

	case "serial":
		return snapmux.NewSerialMux(effective(*serialPort, cfg.GetSerialPort()), cfg.GetSerialOptions())

	case "udp":
		return snapmux.NewUDPMux(
			effective(*udpListen, cfg.GetUDPListenAddr()),
			effective(*deviceAddr, cfg.GetDeviceAddr()),
			cfg.GetUDPReceiveBuffer(),
		)

	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
