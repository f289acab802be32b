package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/marc/sdcp_bridge/bridge"
	"github.com/marc/sdcp_bridge/database"
	"github.com/marc/sdcp_bridge/files"
	"github.com/marc/sdcp_bridge/history"
	"github.com/marc/sdcp_bridge/printer"
	"github.com/marc/sdcp_bridge/sdcp"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	discover := flag.Bool("discover", false, "discover printers on the network and exit")
	flag.Parse()

	// Handle discovery mode.
	if *discover {
		runDiscovery()
		return
	}

	// Environment overrides, then configuration.
	godotenv.Load()
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}

	log.Printf("SDCP Bridge starting")
	log.Printf("Server: %s", cfg.ListenAddr())
	log.Printf("Data directory: %s", cfg.Data.Dir)

	// Initialize the durable store and device registry.
	store, err := database.New(cfg.Data.Dir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	registry := printer.NewRegistry(store)

	// Staging library for sliced files awaiting upload.
	library, err := files.NewLibrary(filepath.Join(cfg.Data.Dir, "files"))
	if err != nil {
		log.Fatalf("Failed to open file library: %v", err)
	}

	// Status event bus and session manager.
	bus := printer.NewBus()
	manager := printer.NewManager(registry, bus)
	manager.SetErrorHandler(func(deviceID string, err error) {
		log.Printf("Device %s: %v", deviceID, err)
	})

	// Print job history, fed from the status bus. The reliable
	// subscription matters here: a dropped terminal frame would leave a
	// job stuck in progress.
	recorder := history.NewRecorder(store)
	historyCh, cancelHistory := bus.SubscribeReliable()
	go func() {
		for u := range historyCh {
			recorder.Observe(u.DeviceID, u.Status)
		}
	}()

	// Optional Kafka status publisher.
	var publisher *printer.StatusPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = printer.NewStatusPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, bus)
		log.Printf("Publishing status updates to Kafka topic %q", cfg.Kafka.Topic)
	}

	// Create the bridge server.
	server := bridge.NewServer(bridge.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, registry, manager, bus, library, recorder)

	// Reconnect registered devices (non-fatal if any fails).
	for _, dev := range registry.ListConnected() {
		if _, err := manager.Connect(dev); err != nil {
			log.Printf("WARNING: Could not connect to %s: %v", dev.ID, err)
		}
	}

	// Handle graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)

		manager.Shutdown()
		cancelHistory()
		if publisher != nil {
			publisher.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)

		os.Exit(0)
	}()

	// Start the HTTP server (blocks).
	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func runDiscovery() {
	log.Println("Discovering SDCP printers on the network...")

	printers, err := sdcp.Discover(sdcp.DiscoveryTimeout, nil)
	if err != nil {
		log.Fatalf("Discovery failed: %v", err)
	}

	if len(printers) == 0 {
		fmt.Println("No printers found.")
		return
	}

	fmt.Printf("Found %d printer(s):\n", len(printers))
	for i, p := range printers {
		fmt.Printf("  %d. %s - firmware %s, protocol %s\n", i+1, p.String(), p.FirmwareVersion, p.ProtocolVersion)
	}
}
