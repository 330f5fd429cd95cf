package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/tetherguard/tether/internal/agent"
	"github.com/tetherguard/tether/internal/buildinfo"
	"github.com/tetherguard/tether/internal/config"
	"github.com/tetherguard/tether/internal/logparse"
)

func main() {
	// 1. Load and validate environment config
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: state dir: %v\n", err)
		os.Exit(1)
	}

	log.Printf("tether-agent %s starting (node=%s)", buildinfo.Version, cfg.NodeName)

	// 2. Wire the pipeline: tailer -> uploader, firewall behind the control API
	uploader := agent.NewUploader(agent.UploaderConfig{
		ServerURL:     cfg.ServerURL,
		Node:          cfg.NodeName,
		Secret:        cfg.Secret,
		Mode:          cfg.UploadMode,
		QueueSize:     cfg.QueueSize,
		BatchSize:     cfg.BatchSize,
		BatchInterval: cfg.BatchInterval,
		UploadTimeout: cfg.UploadTimeout,
	}, nil)

	tailer := agent.NewTailer(
		cfg.LogPath,
		filepath.Join(cfg.StateDir, "tail_state.json"),
		cfg.PollInterval,
		logparse.NewParser(cfg.SubscriberPrefix),
		uploader.Enqueue,
	)

	fw := agent.NewFirewall(agent.NewIPTables())

	srv := agent.NewServer(agent.ServerConfig{
		ListenAddress: "0.0.0.0",
		Port:          cfg.APIPort,
		Secret:        cfg.Secret,
		Node:          cfg.NodeName,
	}, fw, tailer, uploader)

	// 3. Start workers
	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	for _, run := range []func(<-chan struct{}){fw.Run, tailer.Run, uploader.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(stopCh)
		}()
	}

	go func() {
		log.Printf("agent control API starting on :%d", cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("control API error: %v", err)
		}
	}()

	// 4. Graceful shutdown: stop the API first, then drain the workers.
	// The firewall removes its remaining rules on the way down.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %s, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("control API shutdown error: %v", err)
	}

	close(stopCh)
	wg.Wait()
	log.Println("agent stopped")
}
