package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	worker "github.com/corralhq/corral/core/agent/runtime"
	"github.com/corralhq/corral/core/infra/buildinfo"
	"github.com/corralhq/corral/core/infra/config"
)

// Demo agent. Registers against the shared backends, heartbeats, and can run
// one coordinated task that just holds its resources for a while.
func main() {
	agentID := flag.String("agent", "", "agent id (required)")
	name := flag.String("name", "", "human readable name")
	capabilities := flag.String("capabilities", "", "comma separated capability list")
	task := flag.String("task", "", "run one task and exit")
	resources := flag.String("resources", "", "comma separated resources the task needs")
	hold := flag.Duration("hold", 2*time.Second, "how long the demo handler holds its resources")
	flag.Parse()

	log.Println("corral agent starting...")
	buildinfo.Log("corral-agent")

	if *agentID == "" {
		log.Fatal("--agent is required")
	}

	cfg := config.Load()
	w, err := worker.Dial(worker.Config{
		AgentID:      *agentID,
		Name:         *name,
		Capabilities: splitList(*capabilities),
		RedisURL:     cfg.RedisURL,
		NatsURL:      cfg.NatsURL,
	})
	if err != nil {
		log.Fatalf("failed to dial coordination backends: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		log.Fatalf("failed to start agent: %v", err)
	}

	if *task != "" {
		err := w.Run(ctx, worker.Task{ID: *task, Resources: splitList(*resources)}, func(runCtx context.Context, t worker.Task) error {
			log.Printf("holding %d resource(s) for %s", len(t.Resources), *hold)
			select {
			case <-time.After(*hold):
				return nil
			case <-runCtx.Done():
				return runCtx.Err()
			}
		})
		if err != nil {
			log.Fatalf("task failed: %v", err)
		}
		log.Println("task complete")
		return
	}

	log.Println("agent running. waiting for signals...")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("agent shutting down")
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
