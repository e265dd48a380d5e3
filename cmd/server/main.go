package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/probelab/testbridge/internal/config"
	"github.com/probelab/testbridge/internal/editor"
	"github.com/probelab/testbridge/internal/history"
	"github.com/probelab/testbridge/internal/logger"
	"github.com/probelab/testbridge/internal/mcp"
	"github.com/probelab/testbridge/internal/registry"
	"github.com/probelab/testbridge/internal/transport"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Testbridge home directory (default: current directory)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("testbridge %s\n", Version)
		os.Exit(0)
	}

	homeDir := *dirFlag
	if homeDir == "" {
		homeDir = "."
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logDir := cfg.LogDir
	if !filepath.IsAbs(logDir) {
		logDir = filepath.Join(homeDir, logDir)
	}
	if err := logger.Init(logDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Println("🌉 Testbridge - interactive test broker")
	logger.Println("")

	// History store is optional; the broker runs fine without persistence.
	var store *history.Store
	var janitor *history.Janitor
	var recorder registry.Recorder
	if cfg.History.Enabled {
		dataDir := cfg.History.Dir
		if !filepath.IsAbs(dataDir) {
			dataDir = filepath.Join(homeDir, dataDir)
		}
		store, err = history.NewStore(dataDir)
		if err != nil {
			logger.Fatalf("Failed to open history store: %v", err)
		}
		recorder = store

		retention := time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
		janitor, err = history.NewJanitor(store, cfg.History.SweepSpec, retention)
		if err != nil {
			logger.Fatalf("Failed to configure history retention: %v", err)
		}
		if err := janitor.Start(); err != nil {
			logger.Fatalf("Failed to start history retention: %v", err)
		}
	} else {
		logger.Println("⚠️  History persistence disabled")
	}

	reg := registry.New(recorder)

	callName := cfg.Bridge.CallName
	if callName == "" {
		callName = editor.DefaultCallName
	}
	ed := editor.New(callName)

	listener, err := transport.NewListener(reg, cfg.Bridge.Network, cfg.Bridge.Address)
	if err != nil {
		logger.Fatalf("Failed to open bridge transport: %v", err)
	}

	listenerCtx, cancelListener := context.WithCancel(context.Background())
	listenerErr := make(chan error, 1)
	go func() {
		listenerErr <- listener.Serve(listenerCtx)
	}()

	server := mcp.NewServer(reg, ed, store, mcp.Options{
		ExecuteTimeout: time.Duration(cfg.Timeouts.ExecuteSeconds) * time.Second,
		WaitTimeout:    time.Duration(cfg.Timeouts.WaitSeconds) * time.Second,
	})

	logger.Println("🚀 Starting Testbridge MCP server...")
	logger.Printf("📡 Server address: http://localhost%s/mcp", cfg.Server.Address)
	logger.Printf("🔌 Bridge transport: %s %s", cfg.Bridge.Network, cfg.Bridge.Address)
	logger.Println("")

	// Setup graceful shutdown
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(cfg.Server.Address)
	}()

	select {
	case err := <-serverErr:
		logger.Fatalf("Server error: %v", err)
	case err := <-listenerErr:
		logger.Fatalf("Bridge transport error: %v", err)
	case sig := <-shutdownChan:
		logger.Printf("⚠️  Received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

		logger.Println("   Stopping MCP server...")
		_ = server.Close(ctx)

		logger.Println("   Closing bridge transport...")
		cancelListener()
		_ = listener.Close()

		logger.Println("   Releasing live sessions...")
		reg.Close()

		if janitor != nil {
			logger.Println("   Stopping history retention...")
			janitor.Stop()
		}
		if store != nil {
			logger.Println("   Closing history database...")
			_ = store.Close()
		}

		logger.Println("✅ Shutdown complete")
		_ = logger.Close()

		cancel()
		os.Exit(0) //nolint:gocritic // intentional exit after manual cleanup
	}
	cancelListener()
}
