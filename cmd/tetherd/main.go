package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tetherguard/tether/internal/api"
	"github.com/tetherguard/tether/internal/blockstore"
	"github.com/tetherguard/tether/internal/buildinfo"
	"github.com/tetherguard/tether/internal/config"
	"github.com/tetherguard/tether/internal/detector"
	"github.com/tetherguard/tether/internal/enforce"
	"github.com/tetherguard/tether/internal/events"
	"github.com/tetherguard/tether/internal/geoip"
	"github.com/tetherguard/tether/internal/index"
	"github.com/tetherguard/tether/internal/ingest"
	"github.com/tetherguard/tether/internal/limits"
	"github.com/tetherguard/tether/internal/netutil"
	"github.com/tetherguard/tether/internal/nodectl"
	"github.com/tetherguard/tether/internal/notify"
	"github.com/tetherguard/tether/internal/sched"
	"github.com/tetherguard/tether/internal/subsapi"
)

const eventRingCapacity = 1024

func main() {
	// 1. Load and validate environment config
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: state dir: %v\n", err)
		os.Exit(1)
	}

	log.Printf("tetherd %s starting (policy=%s)", buildinfo.Version, cfg.Policy)

	// 2. Open persistent state
	ix, err := index.Open(filepath.Join(cfg.StateDir, "index.db"))
	if err != nil {
		log.Fatalf("open connection index: %v", err)
	}
	defer ix.Close()

	store, err := blockstore.Open(filepath.Join(cfg.StateDir, "blocked.json"))
	if err != nil {
		log.Fatalf("open block store: %v", err)
	}

	registry, err := nodectl.OpenRegistry(filepath.Join(cfg.StateDir, "nodes.yaml"), cfg.Nodes)
	if err != nil {
		log.Fatalf("open node registry: %v", err)
	}

	// 3. Wire collaborators
	httpClient := netutil.NewClient(netutil.ClientConfig{})

	panel := subsapi.New(subsapi.Config{
		BaseURL: cfg.SubscriptionAPIURL,
		Token:   cfg.SubscriptionAPIToken,
		Timeout: cfg.APITimeout,
		Client:  httpClient,
	})
	resolver := limits.NewResolver(panel, cfg.LimitCacheSize, cfg.LimitCacheTTL)

	ring := events.NewRing(eventRingCapacity)
	notifier := notify.NewTelegram(httpClient, cfg.TelegramBotToken, cfg.TelegramChatID)

	geo, err := geoip.NewService(cfg.GeoIPDBPath)
	if err != nil {
		log.Printf("geoip disabled: %v", err)
	}
	defer geo.Close()

	agentClient := nodectl.NewClient(httpClient, cfg.NodeSecret, cfg.NodeTimeout)

	coord := enforce.New(panel, resolver, store, registry, agentClient, notifier, ring, enforce.Config{
		DropDuration:    cfg.DropDuration,
		DisableDuration: cfg.DisableDuration,
		DropCooldown:    cfg.DropCooldown,
		DropAllIPs:      cfg.DropAllIPs,
		Lanes:           cfg.EnforceLanes,
	})

	det := detector.New(ix, resolver, coord.Submit, detector.Config{
		Policy:           cfg.Policy,
		IPWindow:         cfg.IPWindow,
		ConcurrentWindow: cfg.ConcurrentWindow,
		Workers:          cfg.EvalWorkers,
	})

	scheduler := sched.New(sched.Config{
		ScanInterval:       cfg.ScanInterval,
		PruneInterval:      cfg.PruneInterval,
		ReEnableTick:       cfg.ReEnableTick,
		NodeHealthInterval: cfg.NodeHealthInterval,
		IPWindow:           cfg.IPWindow,
		Grace:              time.Minute,
		CompactSchedule:    cfg.CompactSchedule,
	}, ix, det, coord, registry, agentClient, ring)

	// 4. Start the pipeline
	stopCh := make(chan struct{})
	coord.Start(stopCh)
	det.Start(stopCh)
	if err := scheduler.Start(stopCh); err != nil {
		log.Fatalf("scheduler: %v", err)
	}

	// 5. Create and start the HTTP surfaces
	ingestSrv := ingest.NewServer(ingest.Config{
		ListenAddress:    cfg.ListenAddress,
		Port:             cfg.IngestPort,
		Secret:           cfg.NodeSecret,
		MaxBodyBytes:     int64(cfg.MaxBodyBytes),
		MaxConns:         cfg.IngestMaxConns,
		SubscriberPrefix: cfg.SubscriberPrefix,
		IPWindow:         cfg.IPWindow,
	}, ix, det)

	adminSrv, err := api.NewServer(api.ServerConfig{
		ListenAddress: cfg.ListenAddress,
		Port:          cfg.AdminPort,
		MaxBodyBytes:  int64(cfg.MaxBodyBytes),
		IPWindow:      cfg.IPWindow,
		Policy:        cfg.Policy,
		PasswordPath:  filepath.Join(cfg.StateDir, "admin_password"),
		AdminPassword: cfg.AdminPassword,
	}, api.Deps{
		Index:    ix,
		Scanner:  det,
		Enforcer: coord,
		Registry: registry,
		Events:   ring,
		Geo:      geo,
	})
	if err != nil {
		log.Fatalf("admin server: %v", err)
	}

	go func() {
		log.Printf("ingest server starting on %s:%d", cfg.ListenAddress, cfg.IngestPort)
		if err := ingestSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ingest server error: %v", err)
		}
	}()
	go func() {
		log.Printf("admin server starting on %s:%d", cfg.ListenAddress, cfg.AdminPort)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin server error: %v", err)
		}
	}()

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %s, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ingestSrv.Shutdown(ctx); err != nil {
		log.Printf("ingest shutdown error: %v", err)
	}
	if err := adminSrv.Shutdown(ctx); err != nil {
		log.Printf("admin shutdown error: %v", err)
	}

	close(stopCh)
	scheduler.Wait()
	det.Wait()
	coord.Wait()
	log.Println("controller stopped")
}
