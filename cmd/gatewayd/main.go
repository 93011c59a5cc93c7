// Command gatewayd runs the development gateway: the REST, auth, storage and
// realtime endpoints the chat client talks to.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/observability"
	"chatsync/internal/seed"
	"chatsync/internal/server"
)

var version = "dev"

func main() {
	fixture := flag.String("seed", "", "YAML fixture to apply at startup")
	randomUsers := flag.Int("seed-users", 0, "Generate and apply this many random users at startup")
	randomGroups := flag.Int("seed-groups", 2, "Random group conversations to generate with -seed-users")
	randomMessages := flag.Int("seed-messages", 5, "Messages per generated conversation")
	seedValue := flag.Int64("seed-value", 1, "Random seed for generated fixtures")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    "chatsync-gateway",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplerRatio:   cfg.TracingSampleRatio,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *fixture != "" || *randomUsers > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := applySeed(ctx, srv, *fixture, *randomUsers, *randomGroups, *randomMessages, *seedValue)
		cancel()
		if err != nil {
			log.Fatalf("Seeding failed: %v", err)
		}
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down gateway...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Gateway shutdown error: %v", err)
		}
		if err := shutdownTracing(ctx); err != nil {
			log.Printf("Tracing shutdown error: %v", err)
		}
	}()

	log.Printf("Gateway starting on port %s...", cfg.Port)
	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}
}

func applySeed(ctx context.Context, srv *server.Server, path string, users, groups, messages int, value int64) error {
	if path != "" {
		f, err := seed.LoadFile(path)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, srv.Gateway(), f); err != nil {
			return err
		}
	}
	if users > 0 {
		res, err := seed.Apply(ctx, srv.Gateway(), seed.Generate(value, users, groups, messages))
		if err != nil {
			return err
		}
		log.Printf("Generated %d users (password %q)", len(res.Users), seed.DefaultPassword)
	}
	return nil
}
