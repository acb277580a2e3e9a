package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/corralhq/corral/core/controlplane/coordapi"
	"github.com/corralhq/corral/core/coordination"
	"github.com/corralhq/corral/core/infra/audit"
	"github.com/corralhq/corral/core/infra/buildinfo"
	"github.com/corralhq/corral/core/infra/bus"
	"github.com/corralhq/corral/core/infra/config"
	"github.com/corralhq/corral/core/infra/knowledge"
	infraMetrics "github.com/corralhq/corral/core/infra/metrics"
	"github.com/corralhq/corral/core/infra/registry"
)

func main() {
	log.Println("corral coordinator starting...")
	buildinfo.Log("corral-coordinator")

	cfg := config.Load()

	policy, err := config.LoadCoordination(cfg.CoordinationConfPath)
	if err != nil {
		log.Printf("using default coordination policy: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openLockStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open lock store: %v", err)
	}
	defer closeStore()
	log.Printf("lock store backend: %s", cfg.LockBackend)

	reg, err := registry.NewRedisRegistry(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for agent registry: %v", err)
	}
	defer reg.Close()

	recorder, err := audit.NewRedisRecorder(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for audit recorder: %v", err)
	}
	defer recorder.Close()

	cache, err := knowledge.NewRedisCache(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for knowledge cache: %v", err)
	}
	defer cache.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsBus.Close()

	hub := coordapi.NewHub()
	go hub.Run(ctx)

	manager, err := coordination.NewManager(coordination.Options{
		Store:               store,
		Registry:            reg,
		Recorder:            recorder,
		Knowledge:           cache,
		Metrics:             infraMetrics.NewProm("corral_coordinator"),
		Announcer:           announcers{natsBus, hub},
		TTLForResource:      policy.TTLForResource,
		WaiterSweepInterval: policy.WaiterSweepInterval(),
	})
	if err != nil {
		log.Fatalf("failed to build coordination manager: %v", err)
	}

	supervisor := coordination.NewSupervisor(manager, reg, policy.HeartbeatTimeout(), policy.HeartbeatCheckInterval())
	if err := natsBus.SubscribeHeartbeats("coordinator", func(hb bus.Heartbeat) error {
		supervisor.HandleHeartbeat(ctx, hb)
		return nil
	}); err != nil {
		log.Printf("heartbeat subscription failed: %v", err)
	}
	go supervisor.Start(ctx)
	go sweepExpiredLeases(ctx, store, policy.LeaseSweepInterval())

	server, err := coordapi.NewServer(coordapi.ServerOptions{
		Coordinator:    manager,
		Directory:      reg,
		Hub:            hub,
		Metrics:        infraMetrics.NewAPIProm("corral_coordinator"),
		TTLForResource: policy.TTLForResource,
		DefaultMaxWait: policy.DefaultMaxWait(),
	})
	if err != nil {
		log.Fatalf("failed to build api server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx, cfg.ListenAddr) }()
	log.Printf("coordinator api on %s", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Println("coordinator shutting down")
		cancel()
		if err := <-errCh; err != nil {
			log.Printf("api server error during shutdown: %v", err)
		}
	case err := <-errCh:
		if err != nil {
			log.Printf("api server error: %v", err)
		}
		cancel()
	}
}

// announcers fans one event out to the bus and the local watch hub.
type announcers []coordination.Announcer

func (a announcers) PublishEvent(event bus.Event) error {
	var firstErr error
	for _, target := range a {
		if err := target.PublishEvent(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
