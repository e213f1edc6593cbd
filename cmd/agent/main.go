// pipagent is the worker node: it stores content for coordinators and runs
// their process pips in private execution roots.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opensandbox/pipagent/internal/auth"
	"github.com/opensandbox/pipagent/internal/cas"
	"github.com/opensandbox/pipagent/internal/config"
	"github.com/opensandbox/pipagent/internal/execlog"
	"github.com/opensandbox/pipagent/internal/metrics"
	"github.com/opensandbox/pipagent/internal/pip"
	"github.com/opensandbox/pipagent/internal/sandbox"
	"github.com/opensandbox/pipagent/internal/storage"
	"github.com/opensandbox/pipagent/internal/worker"
)

const journalRetention = 7 * 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("pipagent: starting (id=%s, region=%s, root=%s)...", cfg.WorkerID, cfg.Region, cfg.Root)

	// Optional S3 tier shared between workers
	var tier cas.Tier
	if cfg.S3Bucket != "" {
		blobs, err := storage.NewBlobTier(storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
			Prefix:          cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("failed to initialize blob tier: %v", err)
		}
		tier = blobs
		log.Printf("pipagent: S3 blob tier configured (bucket=%s, region=%s)", cfg.S3Bucket, cfg.S3Region)
	}

	store, err := cas.Open(cfg.Root, cas.Options{Tier: tier, PinConcurrency: cfg.PinConcurrency})
	if err != nil {
		log.Fatalf("failed to open content store: %v", err)
	}
	defer store.Close()

	journal, err := execlog.Open(filepath.Join(cfg.Root, "journal.db"))
	if err != nil {
		log.Fatalf("failed to open journal: %v", err)
	}
	defer journal.Close()

	monitor, err := sandbox.NewTreeMonitor(context.Background(), cfg.BwrapPath, cfg.SandboxSystemPaths, cfg.UnsafeNoIsolation)
	if err != nil {
		log.Fatalf("process isolation unavailable: %v (set PIPAGENT_UNSAFE_NO_ISOLATION=true to run children unisolated)", err)
	}
	if monitor.BwrapPath != "" {
		log.Printf("pipagent: isolating children with %s", monitor.BwrapPath)
	}
	executor, err := sandbox.NewExecutor(sandbox.Config{
		Root:                            filepath.Join(cfg.Root, "sandboxes"),
		EngineDir:                       cfg.EngineDir,
		HostEnv:                         pip.HostEnvironment(os.Environ(), cfg.PassthroughEnv),
		Unisolated:                      cfg.UnsafeNoIsolation,
		RetainSandboxes:                 cfg.RetainSandboxes,
		DefaultTimeout:                  cfg.ExecTimeout,
		DefaultNestedTerminationTimeout: cfg.NestedTerminationTimeout,
		OutputLimit:                     cfg.OutputLimit,
	}, store, monitor)
	if err != nil {
		log.Fatalf("failed to initialize executor: %v", err)
	}

	casSrv, err := worker.NewCasServer(store, cfg.Root, cfg.VerifyUploads, journal)
	if err != nil {
		log.Fatalf("failed to initialize CAS service: %v", err)
	}
	execSrv := worker.NewExecServer(executor, cfg.MaxCapacity, journal)

	var jwtIssuer *auth.JWTIssuer
	if cfg.TokenSecret != "" {
		jwtIssuer = auth.NewJWTIssuer(cfg.TokenSecret)
	}

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.StartMetricsServer(cfg.MetricsAddr)
		defer metricsSrv.Close()
		log.Printf("pipagent: metrics server started on %s", cfg.MetricsAddr)
	}

	grpcServer, err := worker.NewGRPCServer(casSrv, execSrv, worker.GRPCOptions{
		Issuer:   jwtIssuer,
		WorkerID: cfg.WorkerID,
		TLSCert:  cfg.TLSCert,
		TLSKey:   cfg.TLSKey,
	})
	if err != nil {
		log.Fatalf("failed to create gRPC server: %v", err)
	}
	grpcAddr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("pipagent: starting gRPC server on %s", grpcAddr)
	go func() {
		if err := grpcServer.Start(grpcAddr); err != nil {
			log.Printf("gRPC server error: %v", err)
		}
	}()

	httpServer := worker.NewHTTPServer(store, journal, execSrv, jwtIssuer, cfg.WorkerID)
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	log.Printf("pipagent: starting HTTP server on %s", httpAddr)
	go func() {
		if err := httpServer.Start(httpAddr); err != nil {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	loads := worker.NewLoadReporter(execSrv, cfg.Region, cfg.WorkerID)

	// Redis heartbeat for coordinator discovery
	var hb *worker.RedisHeartbeat
	if cfg.RedisURL != "" {
		grpcAdvertise := advertiseAddr("PIPAGENT_GRPC_ADVERTISE", cfg.Port)
		httpAdvertise := advertiseAddr("PIPAGENT_HTTP_ADVERTISE", cfg.HTTPPort)
		hb, err = worker.NewRedisHeartbeat(cfg.RedisURL, cfg.WorkerID, cfg.Region, grpcAdvertise, httpAdvertise)
		if err != nil {
			log.Printf("pipagent: Redis heartbeat not available: %v", err)
			hb = nil
		} else {
			hb.Start(loads.Sample)
			defer hb.Stop()
			log.Println("pipagent: Redis heartbeat started")
		}
	}

	// NATS event publisher
	if cfg.NATSURL != "" {
		pub, err := worker.NewEventPublisher(cfg.NATSURL, cfg.Region, cfg.WorkerID, journal)
		if err != nil {
			log.Printf("pipagent: NATS not available: %v (continuing without event sync)", err)
		} else {
			pub.Start()
			defer pub.Stop()
			log.Println("pipagent: NATS event publisher started")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pruneJournal(ctx, journal)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("pipagent: shutting down...")
	if hb != nil {
		hb.SetDraining(true)
	}
	grpcServer.Stop()
	if err := httpServer.Close(); err != nil {
		log.Printf("error closing HTTP server: %v", err)
	}
}

// advertiseAddr returns the address other machines should dial, taken from
// env or derived from the hostname.
func advertiseAddr(env string, port int) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func pruneJournal(ctx context.Context, journal *execlog.Journal) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := journal.Prune(journalRetention)
			if err != nil {
				log.Printf("pipagent: journal prune failed: %v", err)
			} else if n > 0 {
				log.Printf("pipagent: pruned %d synced events", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
